package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richardliu001/bridge-wallet/internal/apperr"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware guards the allow-listed route templates. userID extracts the
// authenticated caller set by an earlier middleware.
func Middleware(g *Guard, endpoints []string, userID func(*gin.Context) string) gin.HandlerFunc {
	guarded := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		guarded[e] = true
	}
	return func(c *gin.Context) {
		if !guarded[c.FullPath()] {
			c.Next()
			return
		}
		key := c.GetHeader(HeaderKey)
		if _, err := uuid.Parse(key); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, apperr.Body(apperr.ErrIdempotencyKeyRequired))
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, apperr.Body(apperr.Validation("INVALID_BODY", "could not read request body")))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		// concrete path, so the same key on two projects is two requests
		endpoint := c.Request.URL.Path
		claim, replay, err := g.Begin(c.Request.Context(), userID(c), endpoint, key, body)
		if err != nil {
			c.AbortWithStatusJSON(apperr.Status(err), apperr.Body(err))
			return
		}
		if replay != nil {
			c.Header(HeaderReplayed, "true")
			c.Data(replay.StatusCode, "application/json; charset=utf-8", replay.Body)
			c.Abort()
			return
		}

		ctx := context.WithoutCancel(c.Request.Context())
		settled := false
		// runs while a handler panic unwinds towards gin.Recovery
		defer func() {
			if settled {
				return
			}
			if err := g.Release(ctx, claim); err != nil {
				g.log.Errorw("release idempotency key", "endpoint", endpoint, "err", err)
			}
		}()

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		if retryable(c, rec.Status(), rec.buf.Bytes()) {
			return
		}
		settled = true
		if err := g.Complete(ctx, claim, rec.Status(), rec.buf.Bytes()); err != nil {
			g.log.Errorw("store idempotent response", "endpoint", endpoint, "err", err)
		}
	}
}

// retryable responses are not stored: server failures and concurrency
// conflicts must reach the handler again when the client retries.
func retryable(c *gin.Context, status int, body []byte) bool {
	if status >= http.StatusInternalServerError {
		return true
	}
	if status != http.StatusConflict {
		return false
	}
	for _, e := range c.Errors {
		if errors.Is(e.Err, apperr.ErrConcurrencyConflict) {
			return true
		}
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	return json.Unmarshal(body, &out) == nil && out.Error.Code == apperr.ErrConcurrencyConflict.Code
}
