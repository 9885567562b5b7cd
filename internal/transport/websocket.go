package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsBufferSize     = 4096
	wsMaxMessageSize = 4 << 20
	wsWriteTimeout   = 10 * time.Second
)

// NewUpgrader builds the WebSocket upgrader; checkOrigin may be nil to accept
// any origin.
func NewUpgrader(checkOrigin func(origin string) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || checkOrigin == nil {
				return true
			}
			return checkOrigin(origin)
		},
	}
}

// WebSocket carries requests and replies as text frames on one socket.
type WebSocket struct {
	base
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(wsMaxMessageSize)
	return &WebSocket{base: newBase(), conn: conn}
}

func (t *WebSocket) Send(ctx context.Context, payload []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WebSocket) Close(ctx context.Context) error {
	return t.closeWith(websocket.CloseNormalClosure, "session closed")
}

// Reject ends a socket whose session could not be admitted. The reason is
// carried in the close frame since the HTTP status is already spent.
func (t *WebSocket) Reject(code int, reason string) error {
	return t.closeWith(code, reason)
}

func (t *WebSocket) closeWith(code int, reason string) error {
	if !t.markClosed() {
		return nil
	}
	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// ReadLoop feeds each text frame to handle until the socket ends. A handler
// error is logged and the loop continues.
func (t *WebSocket) ReadLoop(ctx context.Context, handle func(ctx context.Context, payload []byte) error) {
	for {
		msgType, payload, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read ended", "session_id", t.id, "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := handle(ctx, payload); err != nil {
			slog.Warn("Failed to handle WebSocket message", "session_id", t.id, "error", err)
		}
	}

	select {
	case <-t.done:
		return
	default:
	}
	_ = t.conn.Close()
	t.clientGone()
}
