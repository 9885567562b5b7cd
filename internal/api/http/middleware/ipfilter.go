package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ipmatch"
)

// IPFilter rejects clients outside the whitelist. A nil or empty matcher
// allows everyone.
func IPFilter(matcher *ipmatch.Matcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if matcher.Allowed(ip) {
			c.Next()
			return
		}
		slog.Warn("IP rejected", "client_ip", ip, "path", c.Request.URL.Path)
		Abort(c, http.StatusForbidden, CodeAccessDenied, "Your IP address is not allowed to access this server")
	}
}
