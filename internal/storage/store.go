package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrBrowserNotFound        = errors.New("browser not found")
	ErrEmailExists            = errors.New("email is already registered")
	ErrUserIDExists           = errors.New("user id already exists")
	ErrTokenNameExists        = errors.New("token name already exists for user")
	ErrSyncMethodNotSupported = errors.New("synchronous storage method not supported by this backend, use the async variant")
	ErrStorageNotInitialized  = errors.New("storage not initialized")
)

const (
	BackendJSONL    = "jsonl"
	BackendPostgres = "postgresql"

	browserTokenPrefix = "mcp_"
)

// Store is the contract both backends implement. Every call may perform I/O.
type Store interface {
	RegisterUserByEmail(ctx context.Context, email, username string) (*UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (*UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (*UserRecord, error)
	GetAllUsers(ctx context.Context) ([]UserRecord, error)
	UpdateUsername(ctx context.Context, userID, username string) error
	DeleteUser(ctx context.Context, userID string) ([]string, error)

	BindBrowser(ctx context.Context, userID, browserURL string, opts BindOptions) (*BrowserRecord, error)
	GetBrowserByID(ctx context.Context, browserID string) (*BrowserRecord, error)
	GetBrowserByToken(ctx context.Context, token string) (*BrowserRecord, error)
	GetUserBrowsers(ctx context.Context, userID string) ([]BrowserRecord, error)
	UpdateBrowser(ctx context.Context, browserID string, update BrowserUpdate) error
	UpdateLastConnected(ctx context.Context, browserID string) error
	IncrementToolCallCount(ctx context.Context, browserID string) error
	UnbindBrowser(ctx context.Context, browserID string) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// SyncReader answers lookups from memory. Only the log backend provides one.
type SyncReader interface {
	UserByID(userID string) (*UserRecord, bool)
	UserByEmail(email string) (*UserRecord, bool)
	Users() []UserRecord
	BrowserByID(browserID string) (*BrowserRecord, bool)
	BrowserByToken(token string) (*BrowserRecord, bool)
	UserBrowsers(userID string) []BrowserRecord
	LocalStats() Stats
}

var userIDSanitizer = regexp.MustCompile(`[^a-z0-9-]`)

// UserIDFromEmail derives the user id from the local part of an email address.
func UserIDFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return userIDSanitizer.ReplaceAllString(strings.ToLower(local), "-")
}

func newBrowserToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate browser token: %w", err)
	}
	return browserTokenPrefix + hex.EncodeToString(b), nil
}

func newBrowserID() string {
	return uuid.NewString()
}

func defaultTokenName(now time.Time) string {
	return fmt.Sprintf("browser-%d", now.UnixMilli())
}

// storeNow truncates to microseconds so both backends keep identical precision.
func storeNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
