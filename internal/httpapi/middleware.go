package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/educpro/inbox"
	"github.com/educpro/inbox/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sessionKey = "session"

// Authenticator resolves the session of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (inbox.Session, error)
}

// RequireAuth rejects requests without a valid bearer token. The session is
// stored on the gin context and the user id on the request context, so
// notices raised while serving the request are routed to the user.
func RequireAuth(a Authenticator, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := a.Authenticate(c.Request)
		if err != nil {
			log.Debug("authentication failed", zap.Error(err), zap.String("ip", c.ClientIP()))
			Fail(c, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		c.Set(sessionKey, sess)
		c.Request = c.Request.WithContext(inbox.ContextWithUserID(c.Request.Context(), sess.UserID))
		c.Next()
	}
}

// sessionFrom returns the session stored by RequireAuth.
func sessionFrom(c *gin.Context) inbox.Session {
	v, ok := c.Get(sessionKey)
	if !ok {
		return inbox.Session{}
	}
	sess, _ := v.(inbox.Session)
	return sess
}

// RateLimit applies the per-user token bucket. It must run after RequireAuth.
func RateLimit(l *Limiter, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := l.Allow(sessionFrom(c).UserID)
		if !ok {
			if m != nil {
				m.RateLimited.WithLabelValues(c.FullPath()).Inc()
			}
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			Fail(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// BodySizeLimit caps request bodies at maxBytes.
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			Fail(c, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestLogger logs every request with zap. Server errors log at error
// level, client errors at warn and the rest at info.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if sess := sessionFrom(c); sess.UserID != "" {
			fields = append(fields, zap.String("user_id", sess.UserID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// Recovery turns panics into 500 responses.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
				)
				Fail(c, http.StatusInternalServerError, "internal server error")
			}
		}()
		c.Next()
	}
}
