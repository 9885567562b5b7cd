package browserpool

import (
	"context"
	"sync"
)

// Handle is one live remote-control connection to a browser. The command
// surface is consumed elsewhere; the pool only needs lifecycle hooks.
type Handle interface {
	IsConnected() bool
	Disconnect(ctx context.Context) error
	// OnceDisconnected registers fn to run at most once, on the next
	// disconnect.
	OnceDisconnected(fn func())
	RemoveDisconnectListeners()
}

// Connector opens handles to browsers exposing a CDP endpoint at url.
type Connector interface {
	Connect(ctx context.Context, url string) (Handle, error)
}

// Listeners is a one-shot callback registry that Handle adapters can embed.
type Listeners struct {
	mu  sync.Mutex
	fns []func()
}

func (l *Listeners) Once(fn func()) {
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *Listeners) RemoveAll() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}

// Fire runs and forgets every registered callback.
func (l *Listeners) Fire() {
	l.mu.Lock()
	fns := l.fns
	l.fns = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
