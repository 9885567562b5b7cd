package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	defaultLogFile           = "store-v2.jsonl"
	defaultSnapshotThreshold = 10000

	opRegisterUser        = "register_user"
	opUpdateUsername      = "update_username"
	opDeleteUser          = "delete_user"
	opBindBrowser         = "bind_browser"
	opUpdateBrowser       = "update_browser"
	opUpdateLastConnected = "update_last_connected"
	opIncrementToolCall   = "increment_tool_call"
	opUnbindBrowser       = "unbind_browser"
	opSnapshot            = "snapshot"
)

type LogConfig struct {
	DataDir           string `mapstructure:"data_dir"`
	LogFile           string `mapstructure:"log_file"`
	SnapshotThreshold int    `mapstructure:"snapshot_threshold"`
	AutoCompaction    bool   `mapstructure:"auto_compaction"`
}

type logEntry struct {
	Op        string          `json:"op"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

type usernameChange struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type userRef struct {
	UserID string `json:"userId"`
}

type browserRef struct {
	BrowserID string `json:"browserId"`
}

type browserChange struct {
	BrowserID   string  `json:"browserId"`
	BrowserURL  *string `json:"browserURL,omitempty"`
	Description *string `json:"description,omitempty"`
}

type snapshotData struct {
	Users    []UserRecord    `json:"users"`
	Browsers []BrowserRecord `json:"browsers"`
}

// LogStore keeps all records in memory and persists every mutation as one
// JSON line appended to the operation log before it is applied.
type LogStore struct {
	mu        sync.RWMutex
	cfg       LogConfig
	path      string
	file      *os.File
	lineCount int
	now       func() time.Time

	users           map[string]*UserRecord
	usersByEmail    map[string]string
	browsers        map[string]*BrowserRecord
	browsersByToken map[string]string
	browsersByUser  map[string]map[string]struct{}
}

// OpenLogStore creates the data directory if needed, replays the existing log
// and opens it for appending.
func OpenLogStore(cfg LogConfig) (*LogStore, error) {
	if cfg.LogFile == "" {
		cfg.LogFile = defaultLogFile
	}
	if cfg.SnapshotThreshold <= 0 {
		cfg.SnapshotThreshold = defaultSnapshotThreshold
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &LogStore{
		cfg:  cfg,
		path: filepath.Join(cfg.DataDir, cfg.LogFile),
		now:  storeNow,
	}
	s.resetIndices()

	start := time.Now()
	if err := s.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}
	s.file = f

	slog.Info("Log store opened",
		"path", s.path,
		"users", len(s.users),
		"browsers", len(s.browsers),
		"log_lines", s.lineCount,
		"replay_duration", time.Since(start))
	return s, nil
}

func (s *LogStore) resetIndices() {
	s.users = make(map[string]*UserRecord)
	s.usersByEmail = make(map[string]string)
	s.browsers = make(map[string]*BrowserRecord)
	s.browsersByToken = make(map[string]string)
	s.browsersByUser = make(map[string]map[string]struct{})
}

func (s *LogStore) replay() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("Operation log not found, starting empty", "path", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open operation log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var entry logEntry
			if err := json.Unmarshal(line, &entry); err != nil {
				slog.Warn("Skipping corrupt log line", "error", err)
			} else if err := s.apply(entry); err != nil {
				slog.Warn("Skipping unreadable log entry", "op", entry.Op, "error", err)
			} else {
				s.lineCount++
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read operation log: %w", readErr)
		}
	}
}

func (s *LogStore) apply(entry logEntry) error {
	switch entry.Op {
	case opRegisterUser:
		var u UserRecord
		if err := json.Unmarshal(entry.Data, &u); err != nil {
			return err
		}
		s.users[u.UserID] = &u
		s.usersByEmail[u.Email] = u.UserID
		if _, ok := s.browsersByUser[u.UserID]; !ok {
			s.browsersByUser[u.UserID] = make(map[string]struct{})
		}

	case opUpdateUsername:
		var c usernameChange
		if err := json.Unmarshal(entry.Data, &c); err != nil {
			return err
		}
		if u, ok := s.users[c.UserID]; ok {
			ts := entry.Timestamp
			u.Username = c.Username
			u.UpdatedAt = &ts
		}

	case opDeleteUser:
		var ref userRef
		if err := json.Unmarshal(entry.Data, &ref); err != nil {
			return err
		}
		u, ok := s.users[ref.UserID]
		if !ok {
			return nil
		}
		delete(s.users, ref.UserID)
		delete(s.usersByEmail, u.Email)
		for browserID := range s.browsersByUser[ref.UserID] {
			if b, ok := s.browsers[browserID]; ok {
				delete(s.browsersByToken, b.Token)
				delete(s.browsers, browserID)
			}
		}
		delete(s.browsersByUser, ref.UserID)

	case opBindBrowser:
		var b BrowserRecord
		if err := json.Unmarshal(entry.Data, &b); err != nil {
			return err
		}
		s.browsers[b.BrowserID] = &b
		s.browsersByToken[b.Token] = b.BrowserID
		if _, ok := s.browsersByUser[b.UserID]; !ok {
			s.browsersByUser[b.UserID] = make(map[string]struct{})
		}
		s.browsersByUser[b.UserID][b.BrowserID] = struct{}{}

	case opUpdateBrowser:
		var c browserChange
		if err := json.Unmarshal(entry.Data, &c); err != nil {
			return err
		}
		b, ok := s.browsers[c.BrowserID]
		if !ok {
			return nil
		}
		if c.BrowserURL != nil && *c.BrowserURL != "" {
			b.BrowserURL = *c.BrowserURL
		}
		if c.Description != nil {
			if b.Metadata == nil {
				b.Metadata = &BrowserMetadata{}
			}
			b.Metadata.Description = *c.Description
		}

	case opUpdateLastConnected:
		var ref browserRef
		if err := json.Unmarshal(entry.Data, &ref); err != nil {
			return err
		}
		if b, ok := s.browsers[ref.BrowserID]; ok {
			ts := entry.Timestamp
			b.LastConnectedAt = &ts
		}

	case opIncrementToolCall:
		var ref browserRef
		if err := json.Unmarshal(entry.Data, &ref); err != nil {
			return err
		}
		if b, ok := s.browsers[ref.BrowserID]; ok {
			b.ToolCallCount++
		}

	case opUnbindBrowser:
		var ref browserRef
		if err := json.Unmarshal(entry.Data, &ref); err != nil {
			return err
		}
		if b, ok := s.browsers[ref.BrowserID]; ok {
			delete(s.browsersByToken, b.Token)
			delete(s.browsersByUser[b.UserID], ref.BrowserID)
			delete(s.browsers, ref.BrowserID)
		}

	case opSnapshot:
		var snap snapshotData
		if err := json.Unmarshal(entry.Data, &snap); err != nil {
			return err
		}
		s.resetIndices()
		for i := range snap.Users {
			u := snap.Users[i]
			s.users[u.UserID] = &u
			s.usersByEmail[u.Email] = u.UserID
			s.browsersByUser[u.UserID] = make(map[string]struct{})
		}
		for i := range snap.Browsers {
			b := snap.Browsers[i]
			s.browsers[b.BrowserID] = &b
			s.browsersByToken[b.Token] = b.BrowserID
			if _, ok := s.browsersByUser[b.UserID]; !ok {
				s.browsersByUser[b.UserID] = make(map[string]struct{})
			}
			s.browsersByUser[b.UserID][b.BrowserID] = struct{}{}
		}

	default:
		return fmt.Errorf("unknown operation %q", entry.Op)
	}
	return nil
}

// commitLocked appends the operation to the log and applies it to memory.
func (s *LogStore) commitLocked(op string, data any) error {
	if s.file == nil {
		return ErrStorageNotInitialized
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", op, err)
	}
	entry := logEntry{Op: op, Timestamp: s.now(), Data: raw}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to operation log: %w", err)
	}
	s.lineCount++

	if err := s.apply(entry); err != nil {
		return fmt.Errorf("failed to apply %s: %w", op, err)
	}
	s.maybeCompactLocked()
	return nil
}

func (s *LogStore) maybeCompactLocked() {
	if !s.cfg.AutoCompaction || s.lineCount < s.cfg.SnapshotThreshold {
		return
	}
	slog.Info("Operation log reached snapshot threshold, compacting", "log_lines", s.lineCount)
	if err := s.compactLocked(); err != nil {
		slog.Error("Failed to compact operation log", "error", err)
	}
}

// Compact replaces the log with a single snapshot line. The previous log is
// kept next to it as <log>.<unix ms>.bak.
func (s *LogStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *LogStore) compactLocked() error {
	start := time.Now()

	snap := snapshotData{Users: s.usersLocked(), Browsers: s.allBrowsersLocked()}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	line, err := json.Marshal(logEntry{Op: opSnapshot, Timestamp: s.now(), Data: raw})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(line, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			slog.Warn("Failed to close operation log before compaction", "error", err)
		}
		s.file = nil
	}

	backup := fmt.Sprintf("%s.%d.bak", s.path, time.Now().UnixMilli())
	if err := os.Rename(s.path, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return s.reopenAfter(fmt.Errorf("failed to back up operation log: %w", err))
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Rename(backup, s.path)
		return s.reopenAfter(fmt.Errorf("failed to install snapshot: %w", err))
	}
	s.lineCount = 1

	if err := s.reopenAfter(nil); err != nil {
		return err
	}
	slog.Info("Operation log compacted", "backup", backup, "duration", time.Since(start))
	return nil
}

func (s *LogStore) reopenAfter(cause error) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("failed to reopen operation log: %w", err))
	}
	s.file = f
	return cause
}

func (s *LogStore) RegisterUserByEmail(_ context.Context, email, username string) (*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByEmail[email]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEmailExists, email)
	}
	userID := UserIDFromEmail(email)
	if _, ok := s.users[userID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserIDExists, userID)
	}
	if username == "" {
		username = userID
	}

	user := UserRecord{
		UserID:       userID,
		Email:        email,
		Username:     username,
		RegisteredAt: s.now(),
	}
	if err := s.commitLocked(opRegisterUser, user); err != nil {
		return nil, err
	}
	slog.Info("User registered", "email", email, "user_id", userID)
	return &user, nil
}

func (s *LogStore) GetUserByID(_ context.Context, userID string) (*UserRecord, error) {
	u, ok := s.UserByID(userID)
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (s *LogStore) GetUserByEmail(_ context.Context, email string) (*UserRecord, error) {
	u, ok := s.UserByEmail(email)
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (s *LogStore) GetAllUsers(_ context.Context) ([]UserRecord, error) {
	return s.Users(), nil
}

func (s *LogStore) UpdateUsername(_ context.Context, userID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return ErrUserNotFound
	}
	return s.commitLocked(opUpdateUsername, usernameChange{UserID: userID, Username: username})
}

func (s *LogStore) DeleteUser(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	names := make([]string, 0, len(s.browsersByUser[userID]))
	for _, b := range s.userBrowsersLocked(userID) {
		names = append(names, b.TokenName)
	}
	if err := s.commitLocked(opDeleteUser, userRef{UserID: userID}); err != nil {
		return nil, err
	}
	slog.Info("User deleted", "user_id", userID, "browsers", len(names))
	return names, nil
}

func (s *LogStore) BindBrowser(_ context.Context, userID, browserURL string, opts BindOptions) (*BrowserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	now := s.now()
	tokenName := opts.TokenName
	if tokenName == "" {
		tokenName = defaultTokenName(now)
	}
	for _, b := range s.userBrowsersLocked(userID) {
		if b.TokenName == tokenName {
			return nil, fmt.Errorf("%w: %s", ErrTokenNameExists, tokenName)
		}
	}
	token, err := newBrowserToken()
	if err != nil {
		return nil, err
	}

	browser := BrowserRecord{
		BrowserID:  newBrowserID(),
		UserID:     userID,
		BrowserURL: browserURL,
		TokenName:  tokenName,
		Token:      token,
		CreatedAt:  now,
	}
	if opts.Description != "" || opts.BrowserInfo != nil {
		browser.Metadata = &BrowserMetadata{Description: opts.Description, BrowserInfo: opts.BrowserInfo}
	}
	if err := s.commitLocked(opBindBrowser, browser); err != nil {
		return nil, err
	}
	slog.Info("Browser bound", "user_id", userID, "token_name", tokenName, "browser_id", browser.BrowserID)
	return &browser, nil
}

func (s *LogStore) GetBrowserByID(_ context.Context, browserID string) (*BrowserRecord, error) {
	b, ok := s.BrowserByID(browserID)
	if !ok {
		return nil, ErrBrowserNotFound
	}
	return b, nil
}

func (s *LogStore) GetBrowserByToken(_ context.Context, token string) (*BrowserRecord, error) {
	b, ok := s.BrowserByToken(token)
	if !ok {
		return nil, ErrBrowserNotFound
	}
	return b, nil
}

func (s *LogStore) GetUserBrowsers(_ context.Context, userID string) ([]BrowserRecord, error) {
	return s.UserBrowsers(userID), nil
}

func (s *LogStore) UpdateBrowser(_ context.Context, browserID string, update BrowserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.browsers[browserID]; !ok {
		return ErrBrowserNotFound
	}
	return s.commitLocked(opUpdateBrowser, browserChange{
		BrowserID:   browserID,
		BrowserURL:  update.BrowserURL,
		Description: update.Description,
	})
}

// UpdateLastConnected is a no-op for unknown browsers.
func (s *LogStore) UpdateLastConnected(_ context.Context, browserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.browsers[browserID]; !ok {
		return nil
	}
	return s.commitLocked(opUpdateLastConnected, browserRef{BrowserID: browserID})
}

func (s *LogStore) IncrementToolCallCount(_ context.Context, browserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.browsers[browserID]; !ok {
		return ErrBrowserNotFound
	}
	return s.commitLocked(opIncrementToolCall, browserRef{BrowserID: browserID})
}

func (s *LogStore) UnbindBrowser(_ context.Context, browserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return ErrBrowserNotFound
	}
	userID, tokenName := b.UserID, b.TokenName
	if err := s.commitLocked(opUnbindBrowser, browserRef{BrowserID: browserID}); err != nil {
		return err
	}
	slog.Info("Browser unbound", "user_id", userID, "token_name", tokenName)
	return nil
}

func (s *LogStore) Stats(_ context.Context) (Stats, error) {
	return s.LocalStats(), nil
}

func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *LogStore) UserByID(userID string) (*UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, false
	}
	c := u.clone()
	return &c, true
}

func (s *LogStore) UserByEmail(email string) (*UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.usersByEmail[email]
	if !ok {
		return nil, false
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, false
	}
	c := u.clone()
	return &c, true
}

func (s *LogStore) Users() []UserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usersLocked()
}

func (s *LogStore) BrowserByID(browserID string) (*BrowserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.browsers[browserID]
	if !ok {
		return nil, false
	}
	c := b.clone()
	return &c, true
}

func (s *LogStore) BrowserByToken(token string) (*BrowserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	browserID, ok := s.browsersByToken[token]
	if !ok {
		return nil, false
	}
	b, ok := s.browsers[browserID]
	if !ok {
		return nil, false
	}
	c := b.clone()
	return &c, true
}

func (s *LogStore) UserBrowsers(userID string) []BrowserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userBrowsersLocked(userID)
}

func (s *LogStore) LocalStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Backend:  BackendJSONL,
		Users:    len(s.users),
		Browsers: len(s.browsers),
		LogLines: s.lineCount,
	}
}

func (s *LogStore) usersLocked() []UserRecord {
	result := make([]UserRecord, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].RegisteredAt.Before(result[j].RegisteredAt)
		}
		return result[i].UserID < result[j].UserID
	})
	return result
}

func (s *LogStore) allBrowsersLocked() []BrowserRecord {
	result := make([]BrowserRecord, 0, len(s.browsers))
	for _, b := range s.browsers {
		result = append(result, b.clone())
	}
	sortBrowsers(result)
	return result
}

func (s *LogStore) userBrowsersLocked(userID string) []BrowserRecord {
	ids := s.browsersByUser[userID]
	result := make([]BrowserRecord, 0, len(ids))
	for id := range ids {
		if b, ok := s.browsers[id]; ok {
			result = append(result, b.clone())
		}
	}
	sortBrowsers(result)
	return result
}

func sortBrowsers(list []BrowserRecord) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].BrowserID < list[j].BrowserID
	})
}
