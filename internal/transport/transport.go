// Package transport carries MCP messages between clients and the gateway over
// Server-Sent Events or WebSocket.
package transport

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("transport closed")

// base tracks closure and the client-gone callback shared by both transports.
type base struct {
	id        string
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	onClose func()
}

func newBase() base {
	return base{id: uuid.NewString(), done: make(chan struct{})}
}

func (b *base) SessionID() string {
	return b.id
}

func (b *base) SetOnClose(fn func()) {
	b.mu.Lock()
	b.onClose = fn
	b.mu.Unlock()
}

func (b *base) Done() <-chan struct{} {
	return b.done
}

// markClosed reports whether this call performed the close.
func (b *base) markClosed() bool {
	closed := false
	b.closeOnce.Do(func() {
		close(b.done)
		closed = true
	})
	return closed
}

// clientGone runs the close callback, if still installed, once the client
// side of the connection has ended.
func (b *base) clientGone() {
	b.markClosed()
	b.mu.Lock()
	fn := b.onClose
	b.onClose = nil
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}
