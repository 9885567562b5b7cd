package users

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) Detect(ctx context.Context, browserURL string) (*browserpool.BrowserInfo, error) {
	args := m.Called(ctx, browserURL)
	info, _ := args.Get(0).(*browserpool.BrowserInfo)
	return info, args.Error(1)
}

type fakeSessions struct {
	mu          sync.Mutex
	userCloses  []string
	browserRefs []string
}

func (f *fakeSessions) CloseUserSessions(_ context.Context, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCloses = append(f.userCloses, userID)
	return 2
}

func (f *fakeSessions) CloseBrowserSessions(_ context.Context, userID, browserID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browserRefs = append(f.browserRefs, userID+"/"+browserID)
	return 1
}

type fakePool struct {
	conns        map[string]browserpool.Connection
	disconnected []string
}

func (p *fakePool) Connection(userID string) (browserpool.Connection, bool) {
	c, ok := p.conns[userID]
	return c, ok
}

func (p *fakePool) Disconnect(_ context.Context, userID string) bool {
	p.disconnected = append(p.disconnected, userID)
	_, ok := p.conns[userID]
	delete(p.conns, userID)
	return ok
}

var chromeInfo = &browserpool.BrowserInfo{
	Browser:         "Chrome/126.0.6478.127",
	ProtocolVersion: "1.3",
	UserAgent:       "Mozilla/5.0",
}

type fixture struct {
	store    *storage.LogStore
	detector *MockDetector
	sessions *fakeSessions
	pool     *fakePool
	tokens   *auth.Manager
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.OpenLogStore(storage.LogConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:    store,
		detector: new(MockDetector),
		sessions: &fakeSessions{},
		pool:     &fakePool{conns: map[string]browserpool.Connection{}},
		tokens:   auth.NewManager(auth.ManagerConfig{Enabled: true}),
	}
	f.svc = NewService(store, f.detector, f.sessions, f.pool, f.tokens, nil)
	return f
}

func TestValidateEmail(t *testing.T) {
	assert.ErrorIs(t, ValidateEmail(""), ErrEmailRequired)
	assert.ErrorIs(t, ValidateEmail("alice"), ErrInvalidEmail)
	assert.ErrorIs(t, ValidateEmail("alice@example"), ErrInvalidEmail)
	assert.ErrorIs(t, ValidateEmail("al ice@example.com"), ErrInvalidEmail)
	assert.NoError(t, ValidateEmail("alice@example.com"))
}

func TestValidateBrowserURL(t *testing.T) {
	assert.ErrorIs(t, ValidateBrowserURL(""), ErrBrowserURLRequired)
	assert.ErrorIs(t, ValidateBrowserURL("ftp://host:9222"), ErrInvalidBrowserURL)
	assert.ErrorIs(t, ValidateBrowserURL("http://"), ErrInvalidBrowserURL)
	assert.NoError(t, ValidateBrowserURL("http://192.168.1.10:9222"))
	assert.NoError(t, ValidateBrowserURL("ws://localhost:9222/devtools/browser/abc"))
}

func TestRegisterUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.svc.RegisterUser(ctx, "  Alice.Smith@example.com ", "")
	require.NoError(t, err)
	assert.Equal(t, "alice-smith", user.UserID)
	assert.Equal(t, "Alice.Smith@example.com", user.Email)

	_, err = f.svc.RegisterUser(ctx, "Alice.Smith@example.com", "")
	assert.ErrorIs(t, err, storage.ErrEmailExists)

	_, err = f.svc.RegisterUser(ctx, "not-an-email", "")
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestBindBrowser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RegisterUser(ctx, "alice@example.com", "Alice")
	require.NoError(t, err)
	f.detector.On("Detect", mock.Anything, "http://10.0.0.2:9222").Return(chromeInfo, nil).Once()

	rec, info, err := f.svc.BindBrowser(ctx, "alice", BindRequest{BrowserURL: "http://10.0.0.2:9222", TokenName: "laptop"})
	require.NoError(t, err)
	assert.Same(t, chromeInfo, info)
	assert.Equal(t, "laptop", rec.TokenName)
	require.NotNil(t, rec.Metadata)
	assert.Equal(t, "Chrome Chrome/126.0.6478.127", rec.Metadata.Description)
	assert.Equal(t, "1.3", rec.Metadata.BrowserInfo.ProtocolVersion)

	got, err := f.store.GetBrowserByToken(ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, rec.BrowserID, got.BrowserID)
	f.detector.AssertExpectations(t)
}

func TestBindBrowser_Unreachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RegisterUser(ctx, "alice@example.com", "")
	require.NoError(t, err)
	f.detector.On("Detect", mock.Anything, mock.Anything).Return(nil, browserpool.ErrBrowserUnreachable)

	_, _, err = f.svc.BindBrowser(ctx, "alice", BindRequest{BrowserURL: "http://10.0.0.9:9222"})
	assert.ErrorIs(t, err, browserpool.ErrBrowserUnreachable)

	browsers, err := f.svc.ListBrowsers(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, browsers)
}

func TestBindBrowser_UnknownUserSkipsDetection(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.BindBrowser(context.Background(), "ghost", BindRequest{BrowserURL: "http://10.0.0.2:9222"})
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
	f.detector.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything)
}

func TestDeleteUser_ReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RegisterUser(ctx, "alice@example.com", "")
	require.NoError(t, err)
	f.detector.On("Detect", mock.Anything, mock.Anything).Return(chromeInfo, nil)
	rec, _, err := f.svc.BindBrowser(ctx, "alice", BindRequest{BrowserURL: "http://10.0.0.2:9222", TokenName: "laptop"})
	require.NoError(t, err)

	apiToken, err := f.tokens.GenerateToken("alice", []string{"*"}, 0)
	require.NoError(t, err)
	f.pool.conns["alice"] = browserpool.Connection{UserID: "alice", BrowserURL: rec.BrowserURL}

	names, err := f.svc.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"laptop"}, names)

	_, err = f.store.GetBrowserByToken(ctx, rec.Token)
	assert.ErrorIs(t, err, storage.ErrBrowserNotFound)
	_, err = f.tokens.Authenticate(apiToken.Token)
	assert.ErrorIs(t, err, auth.ErrTokenRevoked)
	assert.Equal(t, []string{"alice"}, f.sessions.userCloses)
	assert.Equal(t, []string{"alice"}, f.pool.disconnected)

	_, err = f.svc.DeleteUser(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestUnbindBrowser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RegisterUser(ctx, "alice@example.com", "")
	require.NoError(t, err)
	_, err = f.svc.RegisterUser(ctx, "bob@example.com", "")
	require.NoError(t, err)
	f.detector.On("Detect", mock.Anything, mock.Anything).Return(chromeInfo, nil)

	laptop, _, err := f.svc.BindBrowser(ctx, "alice", BindRequest{BrowserURL: "http://10.0.0.2:9222", TokenName: "laptop"})
	require.NoError(t, err)
	desktop, _, err := f.svc.BindBrowser(ctx, "alice", BindRequest{BrowserURL: "http://10.0.0.3:9222", TokenName: "desktop"})
	require.NoError(t, err)
	f.pool.conns["alice"] = browserpool.Connection{UserID: "alice", BrowserURL: desktop.BrowserURL}

	_, err = f.svc.UnbindBrowser(ctx, "bob", laptop.BrowserID)
	assert.ErrorIs(t, err, storage.ErrBrowserNotFound)

	_, err = f.svc.UnbindBrowser(ctx, "alice", laptop.BrowserID)
	require.NoError(t, err)
	assert.Empty(t, f.pool.disconnected)
	assert.Equal(t, []string{"alice/" + laptop.BrowserID}, f.sessions.browserRefs)

	_, err = f.svc.UnbindBrowser(ctx, "alice", desktop.BrowserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, f.pool.disconnected)
}

func TestUpdateBrowser_DetectsNewURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RegisterUser(ctx, "alice@example.com", "")
	require.NoError(t, err)
	f.detector.On("Detect", mock.Anything, "http://10.0.0.2:9222").Return(chromeInfo, nil)
	f.detector.On("Detect", mock.Anything, "http://10.0.0.9:9222").Return(nil, browserpool.ErrBrowserUnreachable)
	f.detector.On("Detect", mock.Anything, "http://10.0.0.3:9222").Return(chromeInfo, nil)

	rec, _, err := f.svc.BindBrowser(ctx, "alice", BindRequest{BrowserURL: "http://10.0.0.2:9222"})
	require.NoError(t, err)

	bad := "http://10.0.0.9:9222"
	_, err = f.svc.UpdateBrowser(ctx, "alice", rec.BrowserID, storage.BrowserUpdate{BrowserURL: &bad})
	assert.ErrorIs(t, err, browserpool.ErrBrowserUnreachable)

	good := "http://10.0.0.3:9222"
	desc := "work laptop"
	updated, err := f.svc.UpdateBrowser(ctx, "alice", rec.BrowserID, storage.BrowserUpdate{BrowserURL: &good, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, good, updated.BrowserURL)
	assert.Equal(t, desc, updated.Metadata.Description)
}

func TestUpdateUsername(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RegisterUser(ctx, "alice@example.com", "")
	require.NoError(t, err)

	_, err = f.svc.UpdateUsername(ctx, "alice", "  ")
	assert.ErrorIs(t, err, ErrUsernameRequired)

	user, err := f.svc.UpdateUsername(ctx, "alice", "Alice Smith")
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", user.Username)
	assert.NotNil(t, user.UpdatedAt)

	summaries, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 0, summaries[0].BrowserCount)
}
