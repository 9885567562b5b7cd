package browserpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrConnectionTimeout  = errors.New("browser connection timed out")
	ErrBrowserUnreachable = errors.New("unable to reach your browser instance")
	ErrReconnectExhausted = errors.New("max reconnect attempts exceeded")
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

const (
	defaultHealthCheckInterval  = 30 * time.Second
	defaultMaxReconnectAttempts = 3
	defaultReconnectDelay       = 5 * time.Second
	defaultConnectionTimeout    = 10 * time.Second
	defaultDetectionTimeout     = 3 * time.Second

	sweepConcurrency = 16
)

type Config struct {
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
	DetectionTimeout     time.Duration `mapstructure:"detection_timeout"`
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	if c.DetectionTimeout <= 0 {
		c.DetectionTimeout = defaultDetectionTimeout
	}
	return c
}

// Connection is a point-in-time view of a pooled connection.
type Connection struct {
	BrowserID         string    `json:"browserId"`
	UserID            string    `json:"userId"`
	BrowserURL        string    `json:"browserURL"`
	Status            Status    `json:"status"`
	LastHealthCheck   time.Time `json:"lastHealthCheck"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	CreatedAt         time.Time `json:"createdAt"`
	LastError         string    `json:"lastError,omitempty"`
}

type entry struct {
	conn   Connection
	handle Handle
}

type Stats struct {
	Total        int               `json:"total"`
	Connected    int               `json:"connected"`
	Disconnected int               `json:"disconnected"`
	Reconnecting int               `json:"reconnecting"`
	Failed       int               `json:"failed"`
	ByUser       map[string]Status `json:"byUser"`
}

type Option func(*Pool)

// WithStatusHook is called after every status transition, outside the pool lock.
func WithStatusHook(fn func(Connection)) Option {
	return func(p *Pool) {
		p.onStatus = fn
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

func WithJitter(fn func() time.Duration) Option {
	return func(p *Pool) {
		p.jitter = fn
	}
}

// WithSleepFunc replaces the backoff sleep.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) {
		p.sleep = fn
	}
}

// Pool keeps at most one connection per user and recovers dropped ones in
// the background.
type Pool struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	byUser  map[string]string
	stopped bool

	connector Connector
	cfg       Config
	connects  singleflight.Group

	ctx        context.Context
	cancel     context.CancelFunc
	reconnects sync.WaitGroup

	now      func() time.Time
	jitter   func() time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	onStatus func(Connection)
}

func NewPool(connector Connector, cfg Config, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		byID:      make(map[string]*entry),
		byUser:    make(map[string]string),
		connector: connector,
		cfg:       cfg.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		jitter:    randomJitter,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Config() Config {
	return p.cfg
}

// Connect returns the user's pooled handle, connecting when there is none or
// the cached one is no longer alive. Concurrent calls for one user and URL
// share a single connect attempt, which is bounded by the connection timeout
// rather than by any one caller's context.
func (p *Pool) Connect(ctx context.Context, userID, browserURL string) (Handle, error) {
	if h, ok := p.reusable(userID, browserURL); ok {
		return h, nil
	}

	ch := p.connects.DoChan(connectKey(userID, browserURL), func() (any, error) {
		if h, ok := p.reusable(userID, browserURL); ok {
			return h, nil
		}
		return p.establish(context.WithoutCancel(ctx), userID, browserURL)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func connectKey(userID, browserURL string) string {
	return userID + "\x00" + browserURL
}

// reusable re-verifies liveness on the handle itself; the cached status may
// lag behind a disconnect event.
func (p *Pool) reusable(userID, browserURL string) (Handle, bool) {
	p.mu.RLock()
	e := p.byID[p.byUser[userID]]
	var (
		h      Handle
		status Status
		url    string
	)
	if e != nil {
		h, status, url = e.handle, e.conn.Status, e.conn.BrowserURL
	}
	p.mu.RUnlock()

	if e == nil || status != StatusConnected || url != browserURL {
		return nil, false
	}
	if h.IsConnected() {
		slog.Debug("Reusing pooled browser connection", "user_id", userID, "browser_id", e.conn.BrowserID)
		return h, true
	}

	slog.Warn("Pooled browser connection is stale", "user_id", userID, "browser_id", e.conn.BrowserID)
	p.transition(e, h, func(c *Connection) { c.Status = StatusDisconnected })
	return nil, false
}

func (p *Pool) establish(ctx context.Context, userID, browserURL string) (Handle, error) {
	slog.Info("Connecting to browser", "user_id", userID, "browser_url", browserURL)

	h, err := p.dial(ctx, browserURL)
	if err != nil {
		slog.Error("Failed to connect to browser", "user_id", userID, "browser_url", browserURL, "error", err)
		return nil, err
	}

	now := p.now()
	e := &entry{
		conn: Connection{
			BrowserID:       fmt.Sprintf("browser_%s_%d", userID, now.UnixMilli()),
			UserID:          userID,
			BrowserURL:      browserURL,
			Status:          StatusConnected,
			LastHealthCheck: now,
			CreatedAt:       now,
		},
		handle: h,
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = h.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w: pool is shutting down", ErrBrowserUnreachable)
	}
	old := p.removeUserLocked(userID)
	p.byID[e.conn.BrowserID] = e
	p.byUser[userID] = e.conn.BrowserID
	total := len(p.byID)
	snap := e.conn
	p.mu.Unlock()

	if old != nil {
		slog.Info("Replacing pooled browser connection", "user_id", userID, "old_browser_id", old.conn.BrowserID)
		p.release(context.WithoutCancel(ctx), old)
	}

	p.watch(e.conn.BrowserID, h)
	p.notify(snap)
	slog.Info("Browser connected", "user_id", userID, "browser_id", snap.BrowserID, "total_connections", total)
	return h, nil
}

// dial races the connector against the connection timeout. A handle that
// arrives after the timeout is disconnected.
func (p *Pool) dial(ctx context.Context, url string) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	type result struct {
		h   Handle
		err error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := p.connector.Connect(ctx, url)
		ch <- result{h: h, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %s", ErrConnectionTimeout, p.cfg.ConnectionTimeout, url)
			}
			return nil, fmt.Errorf("%w: %w", ErrBrowserUnreachable, r.err)
		}
		return r.h, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.h != nil {
				_ = r.h.Disconnect(context.Background())
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrConnectionTimeout, p.cfg.ConnectionTimeout, url)
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) watch(browserID string, h Handle) {
	h.OnceDisconnected(func() {
		p.handleDisconnected(browserID, h)
	})
}

func (p *Pool) handleDisconnected(browserID string, h Handle) {
	p.mu.Lock()
	e, ok := p.byID[browserID]
	if !ok || e.handle != h || e.conn.Status == StatusReconnecting {
		p.mu.Unlock()
		return
	}
	e.conn.Status = StatusDisconnected
	snap := e.conn
	p.mu.Unlock()

	slog.Warn("Browser disconnected", "user_id", snap.UserID, "browser_id", browserID)
	p.notify(snap)
	p.scheduleReconnect(browserID)
}

func (p *Pool) scheduleReconnect(browserID string) {
	p.mu.Lock()
	e, ok := p.byID[browserID]
	if !ok || p.stopped || e.conn.Status == StatusReconnecting {
		p.mu.Unlock()
		return
	}
	if e.conn.ReconnectAttempts >= p.cfg.MaxReconnectAttempts {
		e.conn.Status = StatusFailed
		e.conn.LastError = ErrReconnectExhausted.Error()
		snap := e.conn
		p.mu.Unlock()

		slog.Error("Giving up on browser connection", "user_id", snap.UserID, "browser_id", browserID,
			"attempts", snap.ReconnectAttempts)
		p.notify(snap)
		return
	}
	e.conn.ReconnectAttempts++
	e.conn.Status = StatusReconnecting
	snap := e.conn
	old := e.handle
	p.reconnects.Add(1)
	p.mu.Unlock()

	p.notify(snap)
	go func() {
		defer p.reconnects.Done()
		p.reconnect(e, old, snap.ReconnectAttempts)
	}()
}

func (p *Pool) reconnect(e *entry, old Handle, attempt int) {
	delay := ReconnectDelay(p.cfg.ReconnectDelay, attempt) + p.jitter()
	slog.Info("Reconnecting to browser",
		"user_id", e.conn.UserID,
		"attempt", attempt,
		"max_attempts", p.cfg.MaxReconnectAttempts,
		"delay", delay)

	if err := p.sleep(p.ctx, delay); err != nil {
		return
	}

	p.mu.RLock()
	current := p.byID[e.conn.BrowserID] == e && e.handle == old
	url := e.conn.BrowserURL
	p.mu.RUnlock()
	if !current {
		return
	}

	h, err := p.dial(p.ctx, url)

	p.mu.Lock()
	if p.byID[e.conn.BrowserID] != e || e.handle != old {
		p.mu.Unlock()
		if h != nil {
			_ = h.Disconnect(context.Background())
		}
		return
	}
	if err != nil {
		e.conn.Status = StatusFailed
		e.conn.LastError = err.Error()
		snap := e.conn
		p.mu.Unlock()

		slog.Error("Reconnect failed", "user_id", snap.UserID, "browser_id", snap.BrowserID, "error", err)
		p.notify(snap)
		return
	}
	e.handle = h
	e.conn.Status = StatusConnected
	e.conn.ReconnectAttempts = 0
	e.conn.LastHealthCheck = p.now()
	e.conn.LastError = ""
	snap := e.conn
	p.mu.Unlock()

	old.RemoveDisconnectListeners()
	p.watch(snap.BrowserID, h)
	slog.Info("Browser reconnected", "user_id", snap.UserID, "browser_id", snap.BrowserID)
	p.notify(snap)
}

// transition applies fn if e is still pooled with handle h.
func (p *Pool) transition(e *entry, h Handle, fn func(c *Connection)) {
	p.mu.Lock()
	if p.byID[e.conn.BrowserID] != e || e.handle != h {
		p.mu.Unlock()
		return
	}
	before := e.conn.Status
	fn(&e.conn)
	snap := e.conn
	p.mu.Unlock()

	if snap.Status != before {
		p.notify(snap)
	}
}

func (p *Pool) notify(c Connection) {
	if p.onStatus != nil {
		p.onStatus(c)
	}
}

func (p *Pool) removeUserLocked(userID string) *entry {
	id, ok := p.byUser[userID]
	if !ok {
		return nil
	}
	e := p.byID[id]
	delete(p.byUser, userID)
	delete(p.byID, id)
	return e
}

// release unsubscribes before disconnecting so the disconnect does not
// schedule a reconnect.
func (p *Pool) release(ctx context.Context, e *entry) {
	p.mu.RLock()
	h := e.handle
	p.mu.RUnlock()

	h.RemoveDisconnectListeners()
	if err := h.Disconnect(ctx); err != nil {
		slog.Warn("Error while disconnecting browser", "user_id", e.conn.UserID, "browser_id", e.conn.BrowserID, "error", err)
	}
}

// Disconnect drops the user's connection. The entry is removed even when
// the underlying disconnect fails.
func (p *Pool) Disconnect(ctx context.Context, userID string) bool {
	p.mu.Lock()
	e := p.removeUserLocked(userID)
	p.mu.Unlock()

	if e == nil {
		return false
	}
	p.release(ctx, e)
	slog.Info("Browser connection closed", "user_id", userID, "browser_id", e.conn.BrowserID)
	return true
}

func (p *Pool) DisconnectAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(sweepConcurrency)
	for _, userID := range p.users() {
		g.Go(func() error {
			p.Disconnect(ctx, userID)
			return nil
		})
	}
	_ = g.Wait()
}

// HealthCheck verifies the user's handle and schedules a reconnect when it
// is gone. Entries already reconnecting, or failed after exhausting their
// attempts, are left alone.
func (p *Pool) HealthCheck(userID string) bool {
	p.mu.RLock()
	e := p.byID[p.byUser[userID]]
	var (
		h        Handle
		status   Status
		attempts int
	)
	if e != nil {
		h, status, attempts = e.handle, e.conn.Status, e.conn.ReconnectAttempts
	}
	p.mu.RUnlock()

	if e == nil || status == StatusReconnecting {
		return false
	}
	if status == StatusFailed && attempts >= p.cfg.MaxReconnectAttempts {
		return false
	}

	alive := h.IsConnected()
	now := p.now()
	p.transition(e, h, func(c *Connection) {
		c.LastHealthCheck = now
		if alive {
			c.Status = StatusConnected
		} else {
			c.Status = StatusDisconnected
		}
	})
	if alive {
		return true
	}

	slog.Warn("Health check failed", "user_id", userID, "browser_id", e.conn.BrowserID)
	p.scheduleReconnect(e.conn.BrowserID)
	return false
}

func (p *Pool) HealthCheckAll() {
	var g errgroup.Group
	g.SetLimit(sweepConcurrency)
	for _, userID := range p.users() {
		g.Go(func() error {
			p.HealthCheck(userID)
			return nil
		})
	}
	_ = g.Wait()
}

// Start runs the periodic health check until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.HealthCheckAll()
		}
	}
}

// Stop cancels pending reconnects and disconnects every browser.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.reconnects.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for reconnects to stop")
	}

	p.DisconnectAll(ctx)
	slog.Info("Browser pool stopped")
}

func (p *Pool) Handle(userID string) (Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.byID[p.byUser[userID]]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

func (p *Pool) Connection(userID string) (Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.byID[p.byUser[userID]]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

func (p *Pool) Connections() []Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]Connection, 0, len(p.byID))
	for _, e := range p.byID {
		result = append(result, e.conn)
	}
	return result
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{Total: len(p.byID), ByUser: make(map[string]Status, len(p.byID))}
	for _, e := range p.byID {
		switch e.conn.Status {
		case StatusConnected:
			s.Connected++
		case StatusDisconnected:
			s.Disconnected++
		case StatusReconnecting:
			s.Reconnecting++
		case StatusFailed:
			s.Failed++
		}
		s.ByUser[e.conn.UserID] = e.conn.Status
	}
	return s
}

func (p *Pool) users() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.byUser))
	for userID := range p.byUser {
		ids = append(ids, userID)
	}
	return ids
}
