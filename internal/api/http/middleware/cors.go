package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ipmatch"
)

func CORS(origins *ipmatch.OriginMatcher) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type", "Authorization", RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", RequestIDHeader, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if origins == nil || origins.AllowAll() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOriginFunc = origins.Allowed
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}
