package transport

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func startSSEServer(t *testing.T) (*httptest.Server, chan *SSE, *atomic.Int32) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	transports := make(chan *SSE, 1)
	var closes atomic.Int32

	router := gin.New()
	router.GET("/sse", func(c *gin.Context) {
		tr := NewSSE(20 * time.Millisecond)
		tr.SetOnClose(func() { closes.Add(1) })
		transports <- tr
		tr.Serve(c, "/message")
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, transports, &closes
}

func TestSSE_StreamsEndpointThenMessages(t *testing.T) {
	srv, transports, closes := startSSEServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	tr := <-transports
	r := bufio.NewReader(resp.Body)

	ev := readEvent(t, r)
	assert.Equal(t, "endpoint", ev.name)
	assert.Equal(t, "/message?sessionId="+tr.SessionID(), ev.data)

	require.NoError(t, tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)))
	ev = readEvent(t, r)
	assert.Equal(t, "message", ev.name)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, ev.data)

	cancel()
	assert.Eventually(t, func() bool { return closes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, tr.Send(context.Background(), []byte(`{}`)), ErrClosed)
}

func TestSSE_CloseEndsStreamWithoutCallback(t *testing.T) {
	srv, transports, closes := startSSEServer(t)

	resp, err := http.Get(srv.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	tr := <-transports
	r := bufio.NewReader(resp.Body)
	readEvent(t, r)

	tr.SetOnClose(nil)
	require.NoError(t, tr.Close(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after Close")
	}
	assert.Equal(t, int32(0), closes.Load())
}

func startWSServer(t *testing.T, checkOrigin func(string) bool) (*httptest.Server, chan *WebSocket, *atomic.Int32) {
	t.Helper()
	transports := make(chan *WebSocket, 1)
	var closes atomic.Int32
	upgrader := NewUpgrader(checkOrigin)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := NewWebSocket(conn)
		tr.SetOnClose(func() { closes.Add(1) })
		transports <- tr
		tr.ReadLoop(r.Context(), func(ctx context.Context, payload []byte) error {
			return tr.Send(ctx, append([]byte("echo:"), payload...))
		})
	}))
	t.Cleanup(srv.Close)
	return srv, transports, &closes
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_EchoAndClientClose(t *testing.T) {
	srv, transports, closes := startWSServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	<-transports

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(msg))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	assert.Eventually(t, func() bool { return closes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ServerClose(t *testing.T) {
	srv, transports, closes := startWSServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	tr := <-transports

	tr.SetOnClose(nil)
	require.NoError(t, tr.Close(context.Background()))

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.ErrorIs(t, tr.Send(context.Background(), []byte("late")), ErrClosed)
	assert.Equal(t, int32(0), closes.Load())
}

func TestWebSocket_RejectsOrigin(t *testing.T) {
	srv, _, _ := startWSServer(t, func(origin string) bool {
		return origin == "https://app.example.com"
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestWebSocket_Reject(t *testing.T) {
	srv, transports, closes := startWSServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	tr := <-transports

	tr.SetOnClose(nil)
	require.NoError(t, tr.Reject(websocket.CloseTryAgainLater, "MAX_SESSIONS_REACHED"))

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	assert.Equal(t, "MAX_SESSIONS_REACHED", closeErr.Text)
	assert.Equal(t, int32(0), closes.Load())
}
