package logger

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// quietPaths are polled by orchestrators; their summaries log at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// Middleware tags every request with a request_id (taken from X-Request-Id
// or generated), exposes a request-scoped logger through the gin and request
// contexts, and writes one summary line per request.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set("logger", reqLogger)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLogger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"bytes", c.Writer.Size(),
			"client_ip", c.ClientIP(),
			"duration_ms", time.Since(start).Milliseconds(),
		}

		// Handlers may have replaced the logger with one carrying identity.
		done := FromGin(c)
		switch {
		case len(c.Errors) > 0:
			done.Error("request", append(attrs, "errors", c.Errors.String())...)
		case status >= 500:
			done.Error("request", attrs...)
		case quietPaths[path]:
			done.Debug("request", attrs...)
		default:
			done.Info("request", attrs...)
		}
	}
}

// FromGin pulls the request-scoped logger from the gin context, then from the
// request context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	if c.Request != nil {
		return From(c.Request.Context())
	}
	return slog.Default()
}
