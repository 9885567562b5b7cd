package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Recorder receives per-request observations; *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
	RateLimited(scope string)
}

func RequestLogger(recorder Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		status := c.Writer.Status()

		if recorder != nil {
			recorder.ObserveRequest(c.Request.Method, c.FullPath(), status, elapsed)
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", elapsed,
			"client_ip", c.ClientIP(),
			"request_id", RequestID(c),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.Last().Err)
		}

		switch {
		case status >= 500:
			slog.Error("HTTP request", attrs...)
		case c.FullPath() == "/health":
			slog.Debug("HTTP request", attrs...)
		default:
			slog.Info("HTTP request", attrs...)
		}
	}
}
