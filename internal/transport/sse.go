package transport

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	DefaultSSEKeepAlive = 30 * time.Second

	sseBufferSize       = 64
	sseEndpointEvent    = "endpoint"
	sseMessageEvent     = "message"
	sessionIDQueryParam = "sessionId"
)

// SSE streams replies to a client over one long-lived GET response. Client
// requests arrive separately at the message endpoint.
type SSE struct {
	base
	messages  chan []byte
	keepAlive time.Duration
}

func NewSSE(keepAlive time.Duration) *SSE {
	if keepAlive <= 0 {
		keepAlive = DefaultSSEKeepAlive
	}
	return &SSE{
		base:      newBase(),
		messages:  make(chan []byte, sseBufferSize),
		keepAlive: keepAlive,
	}
}

func (t *SSE) Send(ctx context.Context, payload []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.messages <- payload:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *SSE) Close(ctx context.Context) error {
	t.markClosed()
	return nil
}

// EndpointURL is where the client posts its requests for this session.
func (t *SSE) EndpointURL(messagePath string) string {
	return messagePath + "?" + url.Values{sessionIDQueryParam: {t.id}}.Encode()
}

// Serve writes the endpoint event and then streams messages until the
// transport is closed or the client disconnects.
func (t *SSE) Serve(c *gin.Context, messagePath string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(sseEndpointEvent, t.EndpointURL(messagePath))
	c.Writer.Flush()

	ticker := time.NewTicker(t.keepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg := <-t.messages:
			c.SSEvent(sseMessageEvent, string(msg))
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case <-t.done:
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})

	select {
	case <-t.done:
	default:
		t.clientGone()
	}
}
