package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ratelimit"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

type fakeStore struct {
	mu            sync.Mutex
	browsers      map[string]storage.BrowserRecord
	lastConnected map[string]int
	toolCalls     map[string]int
}

func newFakeStore(recs ...storage.BrowserRecord) *fakeStore {
	s := &fakeStore{
		browsers:      make(map[string]storage.BrowserRecord),
		lastConnected: make(map[string]int),
		toolCalls:     make(map[string]int),
	}
	for _, r := range recs {
		s.browsers[r.Token] = r
	}
	return s
}

func (s *fakeStore) GetBrowserByToken(_ context.Context, token string) (*storage.BrowserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.browsers[token]
	if !ok {
		return nil, storage.ErrBrowserNotFound
	}
	return &r, nil
}

func (s *fakeStore) UpdateLastConnected(_ context.Context, browserID string) error {
	s.mu.Lock()
	s.lastConnected[browserID]++
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) IncrementToolCallCount(_ context.Context, browserID string) error {
	s.mu.Lock()
	s.toolCalls[browserID]++
	s.mu.Unlock()
	return nil
}

type stubHandle struct {
	connected bool
}

func (h *stubHandle) IsConnected() bool { return h.connected }

func (h *stubHandle) Disconnect(ctx context.Context) error { return nil }

func (h *stubHandle) OnceDisconnected(fn func()) {}

func (h *stubHandle) RemoveDisconnectListeners() {}

func (h *stubHandle) Version() string { return "Chrome/126.0" }

type MockPool struct {
	mock.Mock
}

func (m *MockPool) Connect(ctx context.Context, userID, browserURL string) (browserpool.Handle, error) {
	args := m.Called(ctx, userID, browserURL)
	h, _ := args.Get(0).(browserpool.Handle)
	return h, args.Error(1)
}

type fakeTransport struct {
	id string

	mu      sync.Mutex
	onClose func()
	sent    [][]byte
	closed  bool
}

func (t *fakeTransport) SessionID() string { return t.id }

func (t *fakeTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SetOnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, payload)
	t.mu.Unlock()
	return nil
}

// clientGone simulates the client dropping the connection.
func (t *fakeTransport) clientGone() {
	t.mu.Lock()
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// earlyClosingTransport reports the client as gone as soon as a close
// callback is installed.
type earlyClosingTransport struct {
	fakeTransport
}

func (t *earlyClosingTransport) SetOnClose(fn func()) {
	t.fakeTransport.SetOnClose(fn)
	if fn != nil {
		t.clientGone()
	}
}

func (t *fakeTransport) lastResponse(tb testing.TB) Response {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	require.NotEmpty(tb, t.sent)
	var r Response
	require.NoError(tb, json.Unmarshal(t.sent[len(t.sent)-1], &r))
	return r
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Type
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var aliceBrowser = storage.BrowserRecord{
	BrowserID:  "b-1",
	UserID:     "alice",
	BrowserURL: "http://10.0.0.2:9222",
	TokenName:  "laptop",
	Token:      "mcp_alice",
}

type harness struct {
	store    *fakeStore
	pool     *MockPool
	registry *sessions.Registry
	events   *recordingPublisher
	svc      *Service
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(aliceBrowser),
		pool:     new(MockPool),
		registry: sessions.NewRegistry(sessions.Config{}),
		events:   &recordingPublisher{},
	}
	d := NewToolDispatcher("mcp-gateway", "test")
	RegisterBrowserTools(d)
	opts = append([]Option{WithPublisher(h.events)}, opts...)
	h.svc = NewService(h.store, h.pool, h.registry, d, opts...)
	return h
}

func TestOpenSession(t *testing.T) {
	h := newHarness(t)
	handle := &stubHandle{connected: true}
	h.pool.On("Connect", mock.Anything, "alice", "http://10.0.0.2:9222").Return(handle, nil).Once()

	tr := &fakeTransport{id: "s1"}
	sess, err := h.svc.OpenSession(context.Background(), "mcp_alice", tr)
	require.NoError(t, err)

	assert.Equal(t, "alice", sess.UserID)
	assert.Same(t, handle, sess.Browser)
	assert.True(t, h.registry.Has("s1"))
	assert.Equal(t, 1, h.store.lastConnected["b-1"])
	assert.Equal(t, []events.Type{events.SessionOpened}, h.events.types())
	h.pool.AssertExpectations(t)
}

func TestOpenSession_TokenErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.OpenSession(context.Background(), "", &fakeTransport{id: "s1"})
	assert.ErrorIs(t, err, ErrTokenRequired)

	_, err = h.svc.OpenSession(context.Background(), "mcp_unknown", &fakeTransport{id: "s1"})
	assert.ErrorIs(t, err, ErrInvalidToken)

	h.pool.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything, mock.Anything)
}

func TestOpenSession_ConcurrentConnection(t *testing.T) {
	h := newHarness(t)
	h.pool.On("Connect", mock.Anything, "alice", mock.Anything).Return(&stubHandle{connected: true}, nil)

	first := &fakeTransport{id: "s1"}
	_, err := h.svc.OpenSession(context.Background(), "mcp_alice", first)
	require.NoError(t, err)

	_, err = h.svc.OpenSession(context.Background(), "mcp_alice", &fakeTransport{id: "s2"})
	assert.ErrorIs(t, err, ErrConcurrentConnection)

	first.clientGone()
	assert.False(t, h.registry.Has("s1"))

	_, err = h.svc.OpenSession(context.Background(), "mcp_alice", &fakeTransport{id: "s3"})
	assert.NoError(t, err)
	assert.Equal(t, []events.Type{events.SessionOpened, events.SessionClosed, events.SessionOpened}, h.events.types())
}

func TestOpenSession_TransportClosedDuringOpen(t *testing.T) {
	h := newHarness(t)
	h.pool.On("Connect", mock.Anything, "alice", mock.Anything).Return(&stubHandle{connected: true}, nil)

	tr := &earlyClosingTransport{fakeTransport: fakeTransport{id: "s1"}}
	_, err := h.svc.OpenSession(context.Background(), "mcp_alice", tr)
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.False(t, h.registry.Has("s1"))
	assert.Equal(t, 0, h.registry.Stats().Total)

	_, err = h.svc.OpenSession(context.Background(), "mcp_alice", &fakeTransport{id: "s2"})
	assert.NoError(t, err)
}

func TestOpenSession_ConnectFailureReleasesLease(t *testing.T) {
	h := newHarness(t)
	h.pool.On("Connect", mock.Anything, "alice", mock.Anything).
		Return(nil, browserpool.ErrBrowserUnreachable).Once()
	h.pool.On("Connect", mock.Anything, "alice", mock.Anything).
		Return(&stubHandle{connected: true}, nil).Once()

	_, err := h.svc.OpenSession(context.Background(), "mcp_alice", &fakeTransport{id: "s1"})
	assert.ErrorIs(t, err, browserpool.ErrBrowserUnreachable)
	assert.False(t, h.registry.Has("s1"))

	_, err = h.svc.OpenSession(context.Background(), "mcp_alice", &fakeTransport{id: "s2"})
	assert.NoError(t, err)
}

func TestOpenSession_CapacityReleasesLease(t *testing.T) {
	h := newHarness(t)
	h.registry = sessions.NewRegistry(sessions.Config{MaxSessions: 1})
	h.svc = NewService(h.store, h.pool, h.registry, NewToolDispatcher("mcp-gateway", "test"))
	h.store.browsers["mcp_bob"] = storage.BrowserRecord{BrowserID: "b-2", UserID: "bob", BrowserURL: "http://10.0.0.3:9222", Token: "mcp_bob"}
	h.pool.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(&stubHandle{connected: true}, nil)

	_, err := h.svc.OpenSession(context.Background(), "mcp_bob", &fakeTransport{id: "s1"})
	require.NoError(t, err)

	_, err = h.svc.OpenSession(context.Background(), "mcp_alice", &fakeTransport{id: "s2"})
	require.ErrorIs(t, err, sessions.ErrMaxSessionsReached)

	require.True(t, h.svc.CloseSession(context.Background(), "s1"))
	_, err = h.svc.OpenSession(context.Background(), "mcp_alice", &fakeTransport{id: "s3"})
	assert.NoError(t, err)
}

func TestOpenSession_UserRateLimited(t *testing.T) {
	limiter := ratelimit.NewPerUser(func() ratelimit.Limiter {
		return ratelimit.NewTokenBucket(1, 0)
	})
	h := newHarness(t, WithUserLimiter(limiter))
	h.pool.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(&stubHandle{connected: true}, nil)

	tr := &fakeTransport{id: "s1"}
	_, err := h.svc.OpenSession(context.Background(), "mcp_alice", tr)
	require.NoError(t, err)

	err = h.svc.HandleMessage(context.Background(), "s1", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	assert.ErrorIs(t, err, ErrUserRateLimited)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
}

func TestHandleMessage(t *testing.T) {
	h := newHarness(t)
	h.pool.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(&stubHandle{connected: true}, nil)
	tr := &fakeTransport{id: "s1"}
	_, err := h.svc.OpenSession(context.Background(), "mcp_alice", tr)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.svc.HandleMessage(ctx, "s1", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	resp := tr.lastResponse(t)
	assert.JSONEq(t, `1`, string(resp.ID))
	assert.Nil(t, resp.Error)

	require.NoError(t, h.svc.HandleMessage(ctx, "s1", []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"browser_status"}}`)))
	resp = tr.lastResponse(t)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 1, h.store.toolCalls["b-1"])

	require.NoError(t, h.svc.HandleMessage(ctx, "s1", []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nope"}}`)))
	resp = tr.lastResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
	assert.Equal(t, 1, h.store.toolCalls["b-1"])

	sent := len(tr.sent)
	require.NoError(t, h.svc.HandleMessage(ctx, "s1", []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	assert.Len(t, tr.sent, sent)
}

func TestHandleMessage_Errors(t *testing.T) {
	h := newHarness(t)
	h.pool.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(&stubHandle{connected: true}, nil)
	_, err := h.svc.OpenSession(context.Background(), "mcp_alice", &fakeTransport{id: "s1"})
	require.NoError(t, err)

	err = h.svc.HandleMessage(context.Background(), "missing", []byte(`{}`))
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	err = h.svc.HandleMessage(context.Background(), "s1", []byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.pool.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(&stubHandle{connected: true}, nil)
	tr := &fakeTransport{id: "s1"}
	_, err := h.svc.OpenSession(context.Background(), "mcp_alice", tr)
	require.NoError(t, err)

	assert.Equal(t, 1, h.svc.Shutdown(context.Background()))
	assert.True(t, tr.closed)
	assert.False(t, h.registry.Has("s1"))
}

func TestCloseBrowserSessions(t *testing.T) {
	h := newHarness(t)
	h.store.browsers["mcp_alice_2"] = storage.BrowserRecord{BrowserID: "b-2", UserID: "alice", BrowserURL: "http://10.0.0.2:9222", Token: "mcp_alice_2"}
	h.pool.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(&stubHandle{connected: true}, nil)

	_, err := h.svc.OpenSession(context.Background(), "mcp_alice", &fakeTransport{id: "s1"})
	require.NoError(t, err)
	_, err = h.svc.OpenSession(context.Background(), "mcp_alice_2", &fakeTransport{id: "s2"})
	require.NoError(t, err)

	assert.Equal(t, 1, h.svc.CloseBrowserSessions(context.Background(), "alice", "b-2"))
	assert.True(t, h.registry.Has("s1"))
	assert.False(t, h.registry.Has("s2"))

	assert.Equal(t, 1, h.svc.CloseUserSessions(context.Background(), "alice"))
	assert.Empty(t, h.registry.IDs())
}
