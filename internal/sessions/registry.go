package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMaxSessionsReached = errors.New("maximum number of sessions reached")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
)

// CapacityError reports the configured session limit.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("maximum number of sessions reached: %d", e.Limit)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrMaxSessionsReached
}

// Transport is the client connection a session is bound to.
type Transport interface {
	SessionID() string
	Close(ctx context.Context) error
	// SetOnClose installs the callback run when the client side goes away;
	// nil detaches it.
	SetOnClose(fn func())
}

const (
	defaultTimeout         = time.Hour
	defaultCleanupInterval = time.Minute
	deleteConcurrency      = 32
)

type Config struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxSessions     int           `mapstructure:"max_sessions"`
}

type Session struct {
	ID        string
	UserID    string
	Transport Transport
	// Server is opaque per-session state owned by the caller.
	Server    any
	Browser   browserpool.Handle
	CreatedAt time.Time

	lastActivity atomic.Int64
	closing      atomic.Bool
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

type Option func(*Registry)

func WithNowFunc(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithOnDeleted runs fn after a session has left both indices.
func WithOnDeleted(fn func(*Session)) Option {
	return func(r *Registry) {
		r.onDeleted = fn
	}
}

type Stats struct {
	Total  int            `json:"total"`
	Active int            `json:"active"`
	ByUser map[string]int `json:"byUser"`
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	cfg       Config
	now       func() time.Time
	onDeleted func(*Session)
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Config() Config {
	return r.cfg
}

// SetOnDeleted replaces the callback installed by WithOnDeleted.
func (r *Registry) SetOnDeleted(fn func(*Session)) {
	r.mu.Lock()
	r.onDeleted = fn
	r.mu.Unlock()
}

// Create admits a session unless the global limit is reached. A limit of 0
// means unlimited.
func (r *Registry) Create(id, userID string, transport Transport, server any, browser browserpool.Handle) (*Session, error) {
	now := r.now()
	s := &Session{
		ID:        id,
		UserID:    userID,
		Transport: transport,
		Server:    server,
		Browser:   browser,
		CreatedAt: now,
	}
	s.lastActivity.Store(now.UnixNano())

	r.mu.Lock()
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, &CapacityError{Limit: r.cfg.MaxSessions}
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.sessions[id] = s
	ids, ok := r.byUser[userID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[userID] = ids
	}
	ids[id] = struct{}{}
	total := len(r.sessions)
	r.mu.Unlock()

	slog.Info("Session created", "session_id", id, "user_id", userID, "total_sessions", total)
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) UpdateActivity(id string) {
	if s, ok := r.Get(id); ok {
		s.lastActivity.Store(r.now().UnixNano())
	}
}

// Delete detaches the transport's close callback, closes the transport and
// then always drops the session from both indices. Close errors are logged.
func (r *Registry) Delete(ctx context.Context, id string) bool {
	s, ok := r.Get(id)
	if !ok || !s.closing.CompareAndSwap(false, true) {
		return false
	}

	defer func() {
		r.mu.Lock()
		delete(r.sessions, id)
		if ids, ok := r.byUser[s.UserID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(r.byUser, s.UserID)
			}
		}
		onDeleted := r.onDeleted
		r.mu.Unlock()

		slog.Info("Session deleted", "session_id", id, "user_id", s.UserID)
		if onDeleted != nil {
			onDeleted(s)
		}
	}()

	if s.Transport != nil {
		s.Transport.SetOnClose(nil)
		if err := s.Transport.Close(ctx); err != nil {
			slog.Warn("Failed to close session transport", "session_id", id, "error", err)
		}
	}
	return true
}

func (r *Registry) deleteAll(ctx context.Context, ids []string) int {
	var (
		g       errgroup.Group
		deleted atomic.Int32
	)
	g.SetLimit(deleteConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if r.Delete(ctx, id) {
				deleted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(deleted.Load())
}

// CleanupExpired deletes, in parallel, every session idle for longer than
// the configured timeout.
func (r *Registry) CleanupExpired(ctx context.Context) int {
	now := r.now()
	var expired []string

	r.mu.RLock()
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) > r.cfg.Timeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}
	slog.Info("Cleaning up expired sessions", "count", len(expired))
	return r.deleteAll(ctx, expired)
}

func (r *Registry) CleanupUser(ctx context.Context, userID string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := r.deleteAll(ctx, ids)
	if n > 0 {
		slog.Info("User sessions cleaned up", "user_id", userID, "count", n)
	}
	return n
}

func (r *Registry) CleanupAll(ctx context.Context) int {
	return r.deleteAll(ctx, r.IDs())
}

func (r *Registry) UserSessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Session, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		if s, ok := r.sessions[id]; ok {
			result = append(result, s)
		}
	}
	return result
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Stats() Stats {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.sessions), ByUser: make(map[string]int, len(r.byUser))}
	for _, sess := range r.sessions {
		if now.Sub(sess.LastActivity()) < r.cfg.Timeout {
			s.Active++
		}
		s.ByUser[sess.UserID]++
	}
	return s
}

// Start runs the expiry sweep until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupExpired(ctx)
		}
	}
}
