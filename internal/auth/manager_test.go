package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(ManagerConfig{Enabled: true, TokenExpiration: time.Hour}, WithNowFunc(clock.Now)), clock
}

func TestGenerateToken(t *testing.T) {
	m, clock := newTestManager(t)

	tok, err := m.GenerateToken("alice", []string{"browser:use"}, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tok.Token, "mcp_"))
	assert.Len(t, tok.Token, 4+32)
	assert.Equal(t, clock.Now().Add(time.Hour), tok.ExpiresAt)
	assert.True(t, m.HasToken(tok.Token))
	assert.Equal(t, 1, m.TokenCount())
}

func TestAuthenticate_RoundTripThenExpiry(t *testing.T) {
	m, clock := newTestManager(t)

	tok, err := m.GenerateToken("alice", []string{"browser:use"}, 10*time.Minute)
	require.NoError(t, err)

	identity, err := m.Authenticate(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, []string{"browser:use"}, identity.Permissions)

	clock.Advance(10*time.Minute + time.Second)
	_, err = m.Authenticate(tok.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Expired tokens are dropped on first sight.
	assert.Equal(t, 0, m.TokenCount())
	_, err = m.Authenticate(tok.Token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthenticate_RevokedIsDistinctFromUnknown(t *testing.T) {
	m, _ := newTestManager(t)

	tok, err := m.GenerateToken("alice", nil, 0)
	require.NoError(t, err)

	assert.True(t, m.RevokeToken(tok.Token))
	assert.False(t, m.RevokeToken(tok.Token))

	_, err = m.Authenticate(tok.Token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = m.Authenticate("mcp_never-issued")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = m.Authenticate("")
	assert.ErrorIs(t, err, ErrTokenMissing)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRevokedTokenStaysRevokedIfReinserted(t *testing.T) {
	m, _ := newTestManager(t)

	tok, err := m.GenerateToken("alice", nil, 0)
	require.NoError(t, err)
	require.True(t, m.RevokeToken(tok.Token))

	m.mu.Lock()
	m.tokens[tok.Token] = &Token{Token: tok.Token, UserID: "alice", ExpiresAt: time.Now().Add(time.Hour)}
	m.mu.Unlock()

	_, err = m.Authenticate(tok.Token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	assert.False(t, m.HasToken(tok.Token))
}

func TestAuthenticate_Disabled(t *testing.T) {
	m := NewManager(ManagerConfig{Enabled: false})

	identity, err := m.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, AnonymousUserID, identity.UserID)
	assert.True(t, m.Authorize(identity, "anything"))
}

func TestAuthorize(t *testing.T) {
	m, _ := newTestManager(t)

	assert.True(t, m.Authorize(Identity{Permissions: []string{"*"}}, "admin:tokens"))
	assert.True(t, m.Authorize(Identity{Permissions: []string{"browser:use"}}, "browser:use"))
	assert.False(t, m.Authorize(Identity{Permissions: []string{"browser:use"}}, "browser:admin"))
	assert.False(t, m.Authorize(Identity{}, "browser:use"))
}

func TestRevokeUserTokens(t *testing.T) {
	m, _ := newTestManager(t)

	a1, err := m.GenerateToken("alice", nil, 0)
	require.NoError(t, err)
	_, err = m.GenerateToken("alice", nil, 0)
	require.NoError(t, err)
	b1, err := m.GenerateToken("bob", nil, 0)
	require.NoError(t, err)

	assert.Len(t, m.UserTokens("alice"), 2)
	assert.Equal(t, 2, m.RevokeUserTokens("alice"))
	assert.Empty(t, m.UserTokens("alice"))

	_, err = m.Authenticate(a1.Token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = m.Authenticate(b1.Token)
	assert.NoError(t, err)
}

func TestCleanupExpired(t *testing.T) {
	m, clock := newTestManager(t)

	_, err := m.GenerateToken("alice", nil, time.Minute)
	require.NoError(t, err)
	_, err = m.GenerateToken("bob", nil, time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.CleanupExpired())
	assert.Equal(t, 1, m.TokenCount())
}

func TestStartCleanupStopsWithContext(t *testing.T) {
	m, clock := newTestManager(t)
	_, err := m.GenerateToken("alice", nil, time.Minute)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartCleanup(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return m.TokenCount() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestStartCleanup_ZeroIntervalUsesDefault(t *testing.T) {
	assert.Equal(t, 5*time.Minute, ManagerConfig{}.Interval())
	assert.Equal(t, time.Second, ManagerConfig{CleanupInterval: time.Second}.Interval())

	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NotPanics(t, func() { m.StartCleanup(ctx, 0) })
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestPredefinedTokens(t *testing.T) {
	m := NewManager(ManagerConfig{
		Enabled: true,
		Tokens: []PredefinedToken{
			{Token: "mcp_ops", UserID: "ops", Permissions: []string{"*"}},
			{Token: "", UserID: "ignored"},
		},
	})

	assert.Equal(t, 1, m.TokenCount())
	identity, err := m.Authenticate("mcp_ops")
	require.NoError(t, err)
	assert.Equal(t, "ops", identity.UserID)
}

func TestExtractToken(t *testing.T) {
	assert.Equal(t, "mcp_abc", ExtractToken("Bearer mcp_abc"))
	assert.Equal(t, "mcp_abc", ExtractToken("bearer   mcp_abc"))
	assert.Equal(t, "mcp_abc", ExtractToken("mcp_abc"))
	assert.Equal(t, "", ExtractToken(""))
}
