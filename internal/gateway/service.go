// Package gateway ties a client transport to a browser binding: it resolves
// the binding token, admits the session and routes its messages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/lease"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ratelimit"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

var (
	ErrTokenRequired        = errors.New("token is required")
	ErrInvalidToken         = errors.New("token not found or has been revoked")
	ErrConcurrentConnection = errors.New("this browser already has an active connection")
	ErrUserRateLimited      = errors.New("user rate limit exceeded")
	ErrInvalidJSON          = errors.New("request body must be valid JSON")
	ErrTransportClosed      = errors.New("client transport closed while opening the session")
)

const releaseTimeout = 5 * time.Second

// Transport is a session transport that can also push replies to the client.
type Transport interface {
	sessions.Transport
	Send(ctx context.Context, payload []byte) error
}

type BindingStore interface {
	GetBrowserByToken(ctx context.Context, token string) (*storage.BrowserRecord, error)
	UpdateLastConnected(ctx context.Context, browserID string) error
	IncrementToolCallCount(ctx context.Context, browserID string) error
}

type Pool interface {
	Connect(ctx context.Context, userID, browserURL string) (browserpool.Handle, error)
}

type Observer interface {
	SessionOpened()
	SessionClosed()
	ToolCall()
}

type noopObserver struct{}

func (noopObserver) SessionOpened() {}
func (noopObserver) SessionClosed() {}
func (noopObserver) ToolCall()      {}

// sessionState is stored as the registry's per-session server value.
type sessionState struct {
	browser storage.BrowserRecord
	// serializes dispatch within one session; sessions run concurrently
	mu sync.Mutex
}

type Option func(*Service)

func WithUserLimiter(l *ratelimit.PerUser) Option {
	return func(s *Service) {
		s.limiter = l
	}
}

func WithLeases(m lease.Manager) Option {
	return func(s *Service) {
		s.leases = m
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.events = p
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		s.observer = o
	}
}

type Service struct {
	store      BindingStore
	pool       Pool
	registry   *sessions.Registry
	dispatcher Dispatcher

	limiter  *ratelimit.PerUser
	leases   lease.Manager
	events   events.Publisher
	observer Observer
}

func NewService(store BindingStore, pool Pool, registry *sessions.Registry, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:      store,
		pool:       pool,
		registry:   registry,
		dispatcher: dispatcher,
		leases:     lease.NewMemoryManager(registry.Config().Timeout),
		events:     events.Noop{},
		observer:   noopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	registry.SetOnDeleted(s.sessionDeleted)
	return s
}

// OpenSession resolves the browser binding for token, connects its browser
// through the pool and registers the session under the transport's id.
func (s *Service) OpenSession(ctx context.Context, token string, t Transport) (*sessions.Session, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}

	rec, err := s.store.GetBrowserByToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrBrowserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to resolve browser token: %w", err)
	}

	if s.limiter != nil && !s.limiter.Allow(rec.UserID) {
		return nil, fmt.Errorf("%w: %w", ErrUserRateLimited, ratelimit.ErrRateLimitExceeded)
	}

	sessionID := t.SessionID()
	if err := s.leases.Acquire(ctx, rec.Token, sessionID); err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			return nil, ErrConcurrentConnection
		}
		return nil, err
	}

	sess, err := s.attach(ctx, rec, sessionID, t)
	if err != nil {
		s.releaseLease(rec.Token, sessionID)
		return nil, err
	}
	return sess, nil
}

func (s *Service) attach(ctx context.Context, rec *storage.BrowserRecord, sessionID string, t Transport) (*sessions.Session, error) {
	if err := s.store.UpdateLastConnected(ctx, rec.BrowserID); err != nil {
		slog.Warn("Failed to update last connected time", "browser_id", rec.BrowserID, "error", err)
	}

	started := time.Now()
	handle, err := s.pool.Connect(ctx, rec.UserID, rec.BrowserURL)
	if err != nil {
		slog.Error("Browser connection failed", "user_id", rec.UserID, "token_name", rec.TokenName, "error", err)
		return nil, err
	}

	// Installed before Create; a client that leaves mid-registration is
	// caught by the gone check below.
	var gone atomic.Bool
	t.SetOnClose(func() {
		gone.Store(true)
		slog.Info("Session transport closed", "session_id", sessionID, "user_id", rec.UserID)
		s.registry.Delete(context.Background(), sessionID)
	})

	state := &sessionState{browser: *rec}
	sess, err := s.registry.Create(sessionID, rec.UserID, t, state, handle)
	if err != nil {
		t.SetOnClose(nil)
		return nil, err
	}

	s.observer.SessionOpened()
	s.publish(events.Event{
		Type:      events.SessionOpened,
		UserID:    rec.UserID,
		BrowserID: rec.BrowserID,
		SessionID: sessionID,
	})
	if gone.Load() {
		s.registry.Delete(context.Background(), sessionID)
		return nil, ErrTransportClosed
	}
	slog.Info("Session established",
		"session_id", sessionID,
		"user_id", rec.UserID,
		"token_name", rec.TokenName,
		"elapsed", time.Since(started),
	)
	return sess, nil
}

// HandleMessage routes one client payload to the session's dispatcher and
// sends any reply back over the session transport.
func (s *Service) HandleMessage(ctx context.Context, sessionID string, payload []byte) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	s.registry.UpdateActivity(sessionID)

	state, ok := sess.Server.(*sessionState)
	if !ok {
		return fmt.Errorf("session %s has no gateway state", sessionID)
	}
	if err := s.leases.Refresh(ctx, state.browser.Token, sessionID); err != nil {
		slog.Warn("Failed to refresh connection lease", "session_id", sessionID, "error", err)
	}

	if s.limiter != nil && !s.limiter.Allow(sess.UserID) {
		return fmt.Errorf("%w: %w", ErrUserRateLimited, ratelimit.ErrRateLimitExceeded)
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	state.mu.Lock()
	resp := s.dispatcher.Dispatch(ctx, Call{
		SessionID: sessionID,
		UserID:    sess.UserID,
		Browser:   state.browser,
		Handle:    sess.Browser,
		Request:   req,
	})
	state.mu.Unlock()

	if req.Method == MethodToolsCall && toolSucceeded(resp) {
		s.observer.ToolCall()
		if err := s.store.IncrementToolCallCount(ctx, state.browser.BrowserID); err != nil {
			slog.Warn("Failed to increment tool call count", "browser_id", state.browser.BrowserID, "error", err)
		}
	}

	if resp == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	t, ok := sess.Transport.(Transport)
	if !ok {
		return fmt.Errorf("session %s transport cannot send", sessionID)
	}
	return t.Send(ctx, data)
}

func toolSucceeded(resp *Response) bool {
	if resp == nil || resp.Error != nil {
		return false
	}
	if r, ok := resp.Result.(ToolResult); ok {
		return !r.IsError
	}
	return true
}

func (s *Service) CloseSession(ctx context.Context, sessionID string) bool {
	return s.registry.Delete(ctx, sessionID)
}

func (s *Service) CloseUserSessions(ctx context.Context, userID string) int {
	return s.registry.CleanupUser(ctx, userID)
}

// CloseBrowserSessions closes the user's sessions opened with one binding.
func (s *Service) CloseBrowserSessions(ctx context.Context, userID, browserID string) int {
	closed := 0
	for _, sess := range s.registry.UserSessions(userID) {
		state, ok := sess.Server.(*sessionState)
		if !ok || state.browser.BrowserID != browserID {
			continue
		}
		if s.registry.Delete(ctx, sess.ID) {
			closed++
		}
	}
	return closed
}

// Shutdown closes every registered session.
func (s *Service) Shutdown(ctx context.Context) int {
	return s.registry.CleanupAll(ctx)
}

func (s *Service) sessionDeleted(sess *sessions.Session) {
	s.observer.SessionClosed()

	state, ok := sess.Server.(*sessionState)
	if !ok {
		return
	}
	s.releaseLease(state.browser.Token, sess.ID)
	s.publish(events.Event{
		Type:      events.SessionClosed,
		UserID:    sess.UserID,
		BrowserID: state.browser.BrowserID,
		SessionID: sess.ID,
	})
}

func (s *Service) releaseLease(key, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := s.leases.Release(ctx, key, holder); err != nil && !errors.Is(err, lease.ErrLeaseNotHeld) {
		slog.Warn("Failed to release connection lease", "session_id", holder, "error", err)
	}
}

func (s *Service) publish(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := s.events.Publish(ctx, e); err != nil {
		slog.Warn("Failed to publish event", "type", e.Type, "error", err)
	}
}
