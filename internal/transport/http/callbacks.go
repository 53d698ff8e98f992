package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/reconcile"
)

type callbackFunc func(ctx context.Context, raw []byte) error

// lemonadeCallback answers {ok:true} for anything it has dealt with,
// including bodies it cannot use. Only a store failure is reported as 500,
// which makes the aggregator retry.
func (h *Handler) lemonadeCallback(c *gin.Context) {
	err := h.recon.HandleLemonade(c.Request.Context(), rawBody(c))
	switch {
	case err == nil:
	case errors.Is(err, reconcile.ErrMalformed):
		h.log.Warnw("malformed lemonade callback", "correlation_id", correlationID(c), "body", string(rawBody(c)))
	case errors.Is(err, apperr.ErrTransactionNotFound):
		h.log.Warnw("lemonade callback for unknown transaction", "correlation_id", correlationID(c))
	default:
		h.log.Errorw("lemonade callback failed", "correlation_id", correlationID(c), "err", err)
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// mpesaCallback always acknowledges in Safaricom's format. Only a store
// failure is reported as 500, which makes Safaricom retry.
func (h *Handler) mpesaCallback(source string, apply callbackFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := apply(c.Request.Context(), rawBody(c))
		switch {
		case err == nil:
		case errors.Is(err, reconcile.ErrMalformed):
			h.log.Warnw("malformed mpesa callback", "source", source, "body", string(rawBody(c)))
		case errors.Is(err, apperr.ErrTransactionNotFound):
			h.log.Warnw("mpesa callback for unknown transaction", "source", source)
		default:
			h.log.Errorw("mpesa callback failed", "source", source, "err", err)
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "Failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
	}
}
