package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrTokenMissing = errors.New("token is required")
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenRevoked = errors.New("token has been revoked")
)

const (
	AnonymousUserID = "anonymous"
	PermissionAll   = "*"

	PermissionUsersRead     = "users:read"
	PermissionUsersWrite    = "users:write"
	PermissionBrowsersRead  = "browsers:read"
	PermissionBrowsersWrite = "browsers:write"

	tokenPrefix            = "mcp_"
	defaultTokenExpiration = 24 * time.Hour
	defaultCleanupInterval = 5 * time.Minute
)

type Token struct {
	Token       string    `json:"token"`
	UserID      string    `json:"userId"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type Identity struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
}

// Can reports whether the identity holds action or the wildcard.
func (i Identity) Can(action string) bool {
	return slices.Contains(i.Permissions, PermissionAll) || slices.Contains(i.Permissions, action)
}

type PredefinedToken struct {
	Token       string   `mapstructure:"token"`
	UserID      string   `mapstructure:"user_id"`
	Permissions []string `mapstructure:"permissions"`
}

type ManagerConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	TokenExpiration time.Duration     `mapstructure:"token_expiration"`
	CleanupInterval time.Duration     `mapstructure:"cleanup_interval"`
	Tokens          []PredefinedToken `mapstructure:"tokens"`
}

func (c ManagerConfig) Interval() time.Duration {
	if c.CleanupInterval <= 0 {
		return defaultCleanupInterval
	}
	return c.CleanupInterval
}

type Option func(*Manager)

func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager holds issued API tokens in memory. Revocation is permanent for a
// token string.
type Manager struct {
	mu         sync.RWMutex
	tokens     map[string]*Token
	revoked    map[string]struct{}
	enabled    bool
	expiration time.Duration
	now        func() time.Time
}

func NewManager(cfg ManagerConfig, opts ...Option) *Manager {
	m := &Manager{
		tokens:     make(map[string]*Token),
		revoked:    make(map[string]struct{}),
		enabled:    cfg.Enabled,
		expiration: cfg.TokenExpiration,
		now:        time.Now,
	}
	if m.expiration <= 0 {
		m.expiration = defaultTokenExpiration
	}
	for _, opt := range opts {
		opt(m)
	}

	expiresAt := m.now().Add(m.expiration)
	for _, p := range cfg.Tokens {
		if p.Token == "" {
			continue
		}
		m.tokens[p.Token] = &Token{
			Token:       p.Token,
			UserID:      p.UserID,
			Permissions: slices.Clone(p.Permissions),
			ExpiresAt:   expiresAt,
		}
	}
	if len(cfg.Tokens) > 0 {
		slog.Info("Loaded predefined tokens", "count", len(m.tokens))
	}
	return m
}

func (m *Manager) Enabled() bool {
	return m.enabled
}

func (m *Manager) Authenticate(token string) (Identity, error) {
	if !m.enabled {
		return Identity{UserID: AnonymousUserID, Permissions: []string{PermissionAll}}, nil
	}
	if token == "" {
		return Identity{}, fmt.Errorf("%w: %w", ErrTokenInvalid, ErrTokenMissing)
	}

	m.mu.RLock()
	_, revoked := m.revoked[token]
	t, exists := m.tokens[token]
	m.mu.RUnlock()

	if revoked {
		return Identity{}, ErrTokenRevoked
	}
	if !exists {
		return Identity{}, ErrTokenInvalid
	}
	if t.ExpiresAt.Before(m.now()) {
		m.mu.Lock()
		if m.tokens[token] == t {
			delete(m.tokens, token)
		}
		m.mu.Unlock()
		return Identity{}, ErrTokenExpired
	}
	return Identity{UserID: t.UserID, Permissions: slices.Clone(t.Permissions)}, nil
}

func (m *Manager) Authorize(identity Identity, action string) bool {
	return identity.Can(action)
}

// GenerateToken issues a new token. A non-positive ttl uses the configured
// expiration.
func (m *Manager) GenerateToken(userID string, permissions []string, ttl time.Duration) (*Token, error) {
	value, err := newToken()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = m.expiration
	}
	t := &Token{
		Token:       value,
		UserID:      userID,
		Permissions: slices.Clone(permissions),
		ExpiresAt:   m.now().Add(ttl),
	}

	m.mu.Lock()
	m.tokens[value] = t
	m.mu.Unlock()

	slog.Info("Token issued", "user_id", userID, "expires_at", t.ExpiresAt)
	c := *t
	return &c, nil
}

func (m *Manager) RevokeToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tokens[token]
	if !exists {
		return false
	}
	delete(m.tokens, token)
	m.revoked[token] = struct{}{}
	slog.Info("Token revoked", "user_id", t.UserID)
	return true
}

func (m *Manager) RevokeUserTokens(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for value, t := range m.tokens {
		if t.UserID == userID {
			delete(m.tokens, value)
			m.revoked[value] = struct{}{}
			count++
		}
	}
	if count > 0 {
		slog.Info("User tokens revoked", "user_id", userID, "count", count)
	}
	return count
}

func (m *Manager) UserTokens(userID string) []Token {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Token
	for _, t := range m.tokens {
		if t.UserID == userID {
			result = append(result, *t)
		}
	}
	slices.SortFunc(result, func(a, b Token) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return result
}

func (m *Manager) HasToken(token string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, revoked := m.revoked[token]
	_, exists := m.tokens[token]
	return exists && !revoked
}

func (m *Manager) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for value, t := range m.tokens {
		if t.ExpiresAt.Before(now) {
			delete(m.tokens, value)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Cleaned up expired tokens", "removed", removed)
	}
	return removed
}

// StartCleanup sweeps expired tokens until ctx is done. A non-positive
// interval falls back to the default.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// ExtractToken accepts "Bearer <token>" or the bare token.
func ExtractToken(header string) string {
	header = strings.TrimSpace(header)
	scheme, rest, ok := strings.Cut(header, " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(rest)
	}
	return header
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
