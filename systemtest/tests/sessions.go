package tests

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestSSESession(t *testing.T, env *Env) {
	ctx := context.Background()
	_, err := env.Store.RegisterUserByEmail(ctx, "judy@example.com", "")
	require.NoError(t, err)
	rec, err := env.Store.BindBrowser(ctx, "judy", "http://localhost:9222", storage.BindOptions{TokenName: "judy-laptop"})
	require.NoError(t, err)

	srv := httptest.NewServer(env.Router)
	defer srv.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, srv.URL+"/api/v2/sse?token="+rec.Token, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reader := bufio.NewReader(resp.Body)

	name, endpoint := readEvent(t, reader)
	require.Equal(t, "endpoint", name)

	post, err := srv.Client().Post(srv.URL+endpoint, "application/json", strings.NewReader(
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"browser_status"}}`))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusAccepted, post.StatusCode)

	name, data := readEvent(t, reader)
	assert.Equal(t, "message", name)
	assert.Contains(t, data, "connected: http://localhost:9222 (Chrome/126.0.6478.127)")

	stored, err := env.Store.GetBrowserByID(ctx, rec.BrowserID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ToolCallCount)
	assert.NotNil(t, stored.LastConnectedAt)

	cancel()
	assert.Eventually(t, func() bool { return len(env.Registry.UserSessions("judy")) == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestWebSocketSession(t *testing.T, env *Env) {
	ctx := context.Background()
	_, err := env.Store.RegisterUserByEmail(ctx, "ken@example.com", "")
	require.NoError(t, err)
	rec, err := env.Store.BindBrowser(ctx, "ken", "http://localhost:9222", storage.BindOptions{})
	require.NoError(t, err)

	srv := httptest.NewServer(env.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v2/ws?token=" + rec.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"serverInfo"`)

	rr := doJSON(env.Router, http.MethodGet, "/health", nil)
	assert.Contains(t, rr.Body.String(), `"ken"`)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")))
	assert.Eventually(t, func() bool { return len(env.Registry.UserSessions("ken")) == 0 }, 5*time.Second, 20*time.Millisecond)
}
