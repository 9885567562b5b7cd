package http

import (
	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/handler"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/middleware"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ipmatch"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/metrics"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ratelimit"
)

type Services struct {
	Health  *handler.HealthHandler
	Users   *handler.UserHandler
	Gateway *handler.GatewayHandler
	Admin   *handler.AdminHandler

	Tokens        *auth.Manager
	JWTSecret     string
	GlobalLimiter *ratelimit.TokenBucket
	UserLimiter   *ratelimit.PerUser
	AllowedIPs    *ipmatch.Matcher
	Metrics       *metrics.Metrics
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	var recorder middleware.Recorder
	if srvs.Metrics != nil {
		recorder = srvs.Metrics
	}
	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(middleware.RequestLogger(recorder))

	engine.GET("/health", srvs.Health.Check)

	guarded := engine.Group("", middleware.IPFilter(srvs.AllowedIPs))
	guarded.GET("/version", srvs.Health.Version)
	guarded.GET("/api/version", srvs.Health.Version)
	if srvs.Metrics != nil {
		guarded.GET("/metrics", gin.WrapH(srvs.Metrics.Handler()))
	}

	limited := guarded.Group("", middleware.GlobalRateLimit(srvs.GlobalLimiter, recorder))
	limited.POST(handler.MessagePath, srvs.Gateway.Message)

	api := limited.Group("/api/v2")
	api.GET("/sse", srvs.Gateway.SSE)
	api.GET("/ws", srvs.Gateway.WebSocket)

	api.POST("/admin/login", srvs.Admin.Login)
	admin := api.Group("/admin", middleware.JWTAuth(srvs.JWTSecret), middleware.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/tokens", srvs.Admin.IssueToken)
		admin.DELETE("/tokens/:token", srvs.Admin.RevokeToken)
		admin.GET("/users/:userId/tokens", srvs.Admin.ListTokens)
		admin.DELETE("/users/:userId/tokens", srvs.Admin.RevokeUserTokens)
		admin.POST("/store/compact", srvs.Admin.CompactStore)
	}

	mgmt := api.Group("", middleware.TokenAuth(srvs.Tokens), middleware.UserRateLimit(srvs.UserLimiter, recorder))
	{
		readUsers := middleware.RequirePermission(auth.PermissionUsersRead)
		writeUsers := middleware.RequirePermission(auth.PermissionUsersWrite)
		readBrowsers := middleware.RequirePermission(auth.PermissionBrowsersRead)
		writeBrowsers := middleware.RequirePermission(auth.PermissionBrowsersWrite)

		mgmt.POST("/users", writeUsers, srvs.Users.RegisterUser)
		mgmt.GET("/users", readUsers, srvs.Users.ListUsers)
		mgmt.GET("/users/:userId", readUsers, srvs.Users.GetUser)
		mgmt.PATCH("/users/:userId", writeUsers, srvs.Users.UpdateUsername)
		mgmt.DELETE("/users/:userId", writeUsers, srvs.Users.DeleteUser)

		mgmt.POST("/users/:userId/browsers", writeBrowsers, srvs.Users.BindBrowser)
		mgmt.GET("/users/:userId/browsers", readBrowsers, srvs.Users.ListBrowsers)
		mgmt.GET("/users/:userId/browsers/:browserId", readBrowsers, srvs.Users.GetBrowser)
		mgmt.PATCH("/users/:userId/browsers/:browserId", writeBrowsers, srvs.Users.UpdateBrowser)
		mgmt.DELETE("/users/:userId/browsers/:browserId", writeBrowsers, srvs.Users.UnbindBrowser)
	}
}
