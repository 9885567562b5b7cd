package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/middleware"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/gateway"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/transport"
)

const (
	MessagePath      = "/message"
	maxMessageBytes  = 4 << 20
	tokenQueryParam  = "token"
	sessionQueryName = "sessionId"
)

// SessionGateway is the request path a client transport goes through.
type SessionGateway interface {
	OpenSession(ctx context.Context, token string, t gateway.Transport) (*sessions.Session, error)
	HandleMessage(ctx context.Context, sessionID string, payload []byte) error
}

type GatewayHandler struct {
	gateway      SessionGateway
	upgrader     *websocket.Upgrader
	sseKeepAlive time.Duration
}

func NewGatewayHandler(gw SessionGateway, upgrader *websocket.Upgrader, sseKeepAlive time.Duration) *GatewayHandler {
	if upgrader == nil {
		upgrader = transport.NewUpgrader(nil)
	}
	return &GatewayHandler{gateway: gw, upgrader: upgrader, sseKeepAlive: sseKeepAlive}
}

// SSE opens a session for the browser token and streams its replies
// GET /api/v2/sse
func (h *GatewayHandler) SSE(c *gin.Context) {
	t := transport.NewSSE(h.sseKeepAlive)
	if _, err := h.gateway.OpenSession(c.Request.Context(), bindingToken(c), t); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	t.Serve(c, MessagePath)
}

// Message delivers one client request to an SSE session
// POST /message?sessionId=
func (h *GatewayHandler) Message(c *gin.Context) {
	sessionID := c.Query(sessionQueryName)
	if sessionID == "" {
		middleware.Abort(c, http.StatusBadRequest, middleware.CodeInvalidRequest, "Missing sessionId")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageBytes))
	if err != nil {
		middleware.Abort(c, http.StatusBadRequest, middleware.CodeInvalidRequest, err.Error())
		return
	}
	if err := h.gateway.HandleMessage(c.Request.Context(), sessionID, body); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.String(http.StatusAccepted, "Accepted")
}

// WebSocket opens a session whose requests and replies share one socket
// GET /api/v2/ws
func (h *GatewayHandler) WebSocket(c *gin.Context) {
	token := bindingToken(c)
	if token == "" {
		middleware.AbortWithError(c, gateway.ErrTokenRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	t := transport.NewWebSocket(conn)
	ctx := c.Request.Context()

	if _, err := h.gateway.OpenSession(ctx, token, t); err != nil {
		status, code := middleware.Classify(err)
		slog.Warn("WebSocket session rejected", "code", code, "error", err)
		_ = t.Reject(closeCode(status), code)
		return
	}

	t.ReadLoop(ctx, func(ctx context.Context, payload []byte) error {
		err := h.gateway.HandleMessage(ctx, t.SessionID(), payload)
		if errors.Is(err, sessions.ErrSessionNotFound) {
			_ = t.Reject(websocket.ClosePolicyViolation, middleware.CodeSessionNotFound)
		}
		return err
	})
}

func closeCode(status int) int {
	switch {
	case status == http.StatusServiceUnavailable, status == http.StatusTooManyRequests:
		return websocket.CloseTryAgainLater
	case status >= 500:
		return websocket.CloseInternalServerErr
	default:
		return websocket.ClosePolicyViolation
	}
}

// bindingToken reads the browser token from the query or the Authorization header.
func bindingToken(c *gin.Context) string {
	if token := c.Query(tokenQueryParam); token != "" {
		return token
	}
	return auth.ExtractToken(c.GetHeader("Authorization"))
}
