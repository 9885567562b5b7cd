package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

var (
	ErrEmailRequired      = errors.New("email is required")
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrUsernameRequired   = errors.New("username is required")
	ErrBrowserURLRequired = errors.New("browserURL is required")
	ErrInvalidBrowserURL  = errors.New("invalid browser URL")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type Detector interface {
	Detect(ctx context.Context, browserURL string) (*browserpool.BrowserInfo, error)
}

type SessionCloser interface {
	CloseUserSessions(ctx context.Context, userID string) int
	CloseBrowserSessions(ctx context.Context, userID, browserID string) int
}

type Pool interface {
	Connection(userID string) (browserpool.Connection, bool)
	Disconnect(ctx context.Context, userID string) bool
}

type TokenRevoker interface {
	RevokeUserTokens(userID string) int
}

type UserSummary struct {
	User         storage.UserRecord
	BrowserCount int
}

type BindRequest struct {
	BrowserURL  string
	TokenName   string
	Description string
}

type Service struct {
	store    storage.Store
	detector Detector
	sessions SessionCloser
	pool     Pool
	tokens   TokenRevoker
	events   events.Publisher
}

func NewService(store storage.Store, detector Detector, sessions SessionCloser, pool Pool, tokens TokenRevoker, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		store:    store,
		detector: detector,
		sessions: sessions,
		pool:     pool,
		tokens:   tokens,
		events:   publisher,
	}
}

func ValidateEmail(email string) error {
	if email == "" {
		return ErrEmailRequired
	}
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateBrowserURL accepts http(s) and ws(s) debugging endpoints.
func ValidateBrowserURL(raw string) error {
	if raw == "" {
		return ErrBrowserURLRequired
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBrowserURL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBrowserURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidBrowserURL)
	}
	return nil
}

func (s *Service) RegisterUser(ctx context.Context, email, username string) (*storage.UserRecord, error) {
	email = strings.TrimSpace(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	user, err := s.store.RegisterUserByEmail(ctx, email, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{Type: events.UserRegistered, UserID: user.UserID})
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (*storage.UserRecord, []storage.BrowserRecord, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	browsers, err := s.store.GetUserBrowsers(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return user, browsers, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]UserSummary, error) {
	users, err := s.store.GetAllUsers(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]UserSummary, 0, len(users))
	for _, u := range users {
		browsers, err := s.store.GetUserBrowsers(ctx, u.UserID)
		if err != nil {
			return nil, err
		}
		result = append(result, UserSummary{User: u, BrowserCount: len(browsers)})
	}
	return result, nil
}

func (s *Service) UpdateUsername(ctx context.Context, userID, username string) (*storage.UserRecord, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrUsernameRequired
	}
	if err := s.store.UpdateUsername(ctx, userID, username); err != nil {
		return nil, err
	}
	return s.store.GetUserByID(ctx, userID)
}

// DeleteUser removes the user and its bindings, then tears down everything
// that was live for it: sessions, the pooled browser connection and issued
// API tokens. Returns the deleted bindings' token names.
func (s *Service) DeleteUser(ctx context.Context, userID string) ([]string, error) {
	tokenNames, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	closed := 0
	if s.sessions != nil {
		closed = s.sessions.CloseUserSessions(ctx, userID)
	}
	disconnected := false
	if s.pool != nil {
		disconnected = s.pool.Disconnect(ctx, userID)
	}
	revoked := 0
	if s.tokens != nil {
		revoked = s.tokens.RevokeUserTokens(userID)
	}

	slog.Info("User resources released",
		"user_id", userID,
		"sessions_closed", closed,
		"browser_disconnected", disconnected,
		"tokens_revoked", revoked,
	)
	s.publish(ctx, events.Event{Type: events.UserDeleted, UserID: userID})
	return tokenNames, nil
}

// BindBrowser verifies the browser answers on its debugging endpoint before
// storing the binding.
func (s *Service) BindBrowser(ctx context.Context, userID string, req BindRequest) (*storage.BrowserRecord, *browserpool.BrowserInfo, error) {
	if err := ValidateBrowserURL(req.BrowserURL); err != nil {
		return nil, nil, err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, nil, err
	}

	info, err := s.detector.Detect(ctx, req.BrowserURL)
	if err != nil {
		return nil, nil, err
	}

	description := req.Description
	if description == "" {
		description = "Chrome " + info.Browser
	}
	rec, err := s.store.BindBrowser(ctx, userID, req.BrowserURL, storage.BindOptions{
		TokenName:   req.TokenName,
		Description: description,
		BrowserInfo: toStoredInfo(info),
	})
	if err != nil {
		return nil, nil, err
	}

	s.publish(ctx, events.Event{Type: events.BrowserBound, UserID: userID, BrowserID: rec.BrowserID})
	return rec, info, nil
}

func (s *Service) ListBrowsers(ctx context.Context, userID string) ([]storage.BrowserRecord, error) {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.GetUserBrowsers(ctx, userID)
}

// GetBrowser returns a binding only when it belongs to userID.
func (s *Service) GetBrowser(ctx context.Context, userID, browserID string) (*storage.BrowserRecord, error) {
	rec, err := s.store.GetBrowserByID(ctx, browserID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, storage.ErrBrowserNotFound
	}
	return rec, nil
}

func (s *Service) UpdateBrowser(ctx context.Context, userID, browserID string, update storage.BrowserUpdate) (*storage.BrowserRecord, error) {
	rec, err := s.GetBrowser(ctx, userID, browserID)
	if err != nil {
		return nil, err
	}

	if update.BrowserURL != nil && *update.BrowserURL != rec.BrowserURL {
		if err := ValidateBrowserURL(*update.BrowserURL); err != nil {
			return nil, err
		}
		if _, err := s.detector.Detect(ctx, *update.BrowserURL); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateBrowser(ctx, browserID, update); err != nil {
		return nil, err
	}
	return s.store.GetBrowserByID(ctx, browserID)
}

// UnbindBrowser deletes the binding, closes the sessions opened with it and
// drops the pooled connection when it points at this browser.
func (s *Service) UnbindBrowser(ctx context.Context, userID, browserID string) (*storage.BrowserRecord, error) {
	rec, err := s.GetBrowser(ctx, userID, browserID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UnbindBrowser(ctx, browserID); err != nil {
		return nil, err
	}

	if s.sessions != nil {
		s.sessions.CloseBrowserSessions(ctx, userID, browserID)
	}
	if s.pool != nil {
		if conn, ok := s.pool.Connection(userID); ok && conn.BrowserURL == rec.BrowserURL {
			s.pool.Disconnect(ctx, userID)
		}
	}

	s.publish(ctx, events.Event{Type: events.BrowserUnbound, UserID: userID, BrowserID: browserID})
	return rec, nil
}

func toStoredInfo(info *browserpool.BrowserInfo) *storage.BrowserInfo {
	if info == nil {
		return nil
	}
	return &storage.BrowserInfo{
		Version:         info.Browser,
		UserAgent:       info.UserAgent,
		ProtocolVersion: info.ProtocolVersion,
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.events.Publish(ctx, e); err != nil {
		slog.Warn("Failed to publish event", "type", e.Type, "error", err)
	}
}
