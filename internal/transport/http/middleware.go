package http

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	HeaderUserID        = "X-User-Id"
	HeaderUserRole      = "X-User-Role"
	HeaderCorrelationID = "X-Correlation-Id"

	ctxActor         = "actor"
	ctxCorrelationID = "correlationId"
)

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		cid := c.GetHeader(HeaderCorrelationID)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Set(ctxCorrelationID, cid)
		c.Header(HeaderCorrelationID, cid)
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requestDuration.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
		fields := []interface{}{
			"method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status(),
			"latency", time.Since(start), "ip", c.ClientIP(), "correlation_id", cid,
		}
		if c.Writer.Status() >= http.StatusInternalServerError && len(c.Errors) > 0 {
			log.Errorw("request failed", append(fields, "err", c.Errors.String())...)
			return
		}
		log.Infow("request", fields...)
	}
}

// RateLimitMiddleware simple token bucket per client IP, as resolved through
// the engine's trusted proxies.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				apperr.Body(apperr.Validation("RATE_LIMITED", "rate limit exceeded")))
			return
		}
		c.Next()
	}
}

// AuthMiddleware trusts the gateway's identity headers. Requests without a
// user id are rejected.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apperr.Body(apperr.ErrUnauthorized))
			return
		}
		role := strings.ToUpper(strings.TrimSpace(c.GetHeader(HeaderUserRole)))
		if role == "" {
			role = model.RoleUser
		}
		c.Set(ctxActor, model.Actor{ID: id, Role: role})
		c.Next()
	}
}

// RequireRole admits only the listed roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a := actor(c)
		for _, r := range roles {
			if a.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, apperr.Body(apperr.ErrForbidden))
	}
}

func actor(c *gin.Context) model.Actor {
	if v, ok := c.Get(ctxActor); ok {
		return v.(model.Actor)
	}
	return model.Actor{}
}

func correlationID(c *gin.Context) string { return c.GetString(ctxCorrelationID) }
