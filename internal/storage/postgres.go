package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const browserColumns = `browser_id, user_id, browser_url, token_name, token, created_at,
	last_connected_at, tool_call_count, metadata`

// PostgresStore keeps users and browser bindings in the mcp_users and
// mcp_browsers tables. The schema comes from the db migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: storeNow}
}

func (s *PostgresStore) RegisterUserByEmail(ctx context.Context, email, username string) (*UserRecord, error) {
	userID := UserIDFromEmail(email)
	if username == "" {
		username = userID
	}
	user := UserRecord{
		UserID:       userID,
		Email:        email,
		Username:     username,
		RegisteredAt: s.now(),
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mcp_users WHERE email = $1)`, email).Scan(&exists); err != nil {
			return fmt.Errorf("check email: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrEmailExists, email)
		}
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mcp_users WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check user id: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrUserIDExists, userID)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO mcp_users (user_id, email, username, registered_at) VALUES ($1, $2, $3, $4)`,
			user.UserID, user.Email, user.Username, user.RegisteredAt)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrEmailExists, email)
		}
		return nil, err
	}

	slog.Info("User registered", "email", email, "user_id", userID)
	return &user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (*UserRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, email, username, registered_at, updated_at, metadata FROM mcp_users WHERE user_id = $1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, email, username, registered_at, updated_at, metadata FROM mcp_users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetAllUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, email, username, registered_at, updated_at, metadata FROM mcp_users ORDER BY registered_at, user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateUsername(ctx context.Context, userID, username string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mcp_users SET username = $1, updated_at = $2 WHERE user_id = $3`, username, s.now(), userID)
	if err != nil {
		return fmt.Errorf("update username: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) ([]string, error) {
	var names []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT token_name FROM mcp_browsers WHERE user_id = $1 ORDER BY created_at`, userID)
		if err != nil {
			return fmt.Errorf("list browsers: %w", err)
		}
		names, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("list browsers: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM mcp_users WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("User deleted", "user_id", userID, "browsers", len(names))
	return names, nil
}

func (s *PostgresStore) BindBrowser(ctx context.Context, userID, browserURL string, opts BindOptions) (*BrowserRecord, error) {
	now := s.now()
	tokenName := opts.TokenName
	if tokenName == "" {
		tokenName = defaultTokenName(now)
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
	metadata, err := marshalNullable(browser.Metadata)
	if err != nil {
		return nil, err
	}
	pgID, err := toPgUUID(browser.BrowserID)
	if err != nil {
		return nil, err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mcp_users WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if !exists {
			return ErrUserNotFound
		}
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM mcp_browsers WHERE user_id = $1 AND token_name = $2)`,
			userID, tokenName).Scan(&exists); err != nil {
			return fmt.Errorf("check token name: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrTokenNameExists, tokenName)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO mcp_browsers (browser_id, user_id, browser_url, token_name, token, created_at, tool_call_count, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
			pgID, userID, browserURL, tokenName, token, now, metadata)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrTokenNameExists, tokenName)
		}
		return nil, err
	}

	slog.Info("Browser bound", "user_id", userID, "token_name", tokenName, "browser_id", browser.BrowserID)
	return &browser, nil
}

func (s *PostgresStore) GetBrowserByID(ctx context.Context, browserID string) (*BrowserRecord, error) {
	pgID, err := toPgUUID(browserID)
	if err != nil {
		return nil, ErrBrowserNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+browserColumns+` FROM mcp_browsers WHERE browser_id = $1`, pgID)
	return scanBrowser(row)
}

func (s *PostgresStore) GetBrowserByToken(ctx context.Context, token string) (*BrowserRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+browserColumns+` FROM mcp_browsers WHERE token = $1`, token)
	return scanBrowser(row)
}

func (s *PostgresStore) GetUserBrowsers(ctx context.Context, userID string) ([]BrowserRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+browserColumns+` FROM mcp_browsers WHERE user_id = $1 ORDER BY created_at, browser_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list browsers: %w", err)
	}
	defer rows.Close()

	result := []BrowserRecord{}
	for rows.Next() {
		b, err := scanBrowser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateBrowser(ctx context.Context, browserID string, update BrowserUpdate) error {
	pgID, err := toPgUUID(browserID)
	if err != nil {
		return ErrBrowserNotFound
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT metadata FROM mcp_browsers WHERE browser_id = $1 FOR UPDATE`, pgID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBrowserNotFound
		}
		if err != nil {
			return fmt.Errorf("load browser: %w", err)
		}

		if update.BrowserURL != nil && *update.BrowserURL != "" {
			if _, err := tx.Exec(ctx, `UPDATE mcp_browsers SET browser_url = $1 WHERE browser_id = $2`, *update.BrowserURL, pgID); err != nil {
				return fmt.Errorf("update browser url: %w", err)
			}
		}
		if update.Description != nil {
			metadata := &BrowserMetadata{}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, metadata); err != nil {
					return fmt.Errorf("decode browser metadata: %w", err)
				}
			}
			metadata.Description = *update.Description
			encoded, err := json.Marshal(metadata)
			if err != nil {
				return fmt.Errorf("encode browser metadata: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE mcp_browsers SET metadata = $1 WHERE browser_id = $2`, encoded, pgID); err != nil {
				return fmt.Errorf("update browser metadata: %w", err)
			}
		}
		return nil
	})
}

// UpdateLastConnected is a no-op for unknown browsers.
func (s *PostgresStore) UpdateLastConnected(ctx context.Context, browserID string) error {
	pgID, err := toPgUUID(browserID)
	if err != nil {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE mcp_browsers SET last_connected_at = $1 WHERE browser_id = $2`, s.now(), pgID); err != nil {
		return fmt.Errorf("update last connected: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementToolCallCount(ctx context.Context, browserID string) error {
	pgID, err := toPgUUID(browserID)
	if err != nil {
		return ErrBrowserNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE mcp_browsers SET tool_call_count = tool_call_count + 1 WHERE browser_id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("increment tool call count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBrowserNotFound
	}
	return nil
}

func (s *PostgresStore) UnbindBrowser(ctx context.Context, browserID string) error {
	pgID, err := toPgUUID(browserID)
	if err != nil {
		return ErrBrowserNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM mcp_browsers WHERE browser_id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("unbind browser: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBrowserNotFound
	}
	slog.Info("Browser unbound", "browser_id", browserID)
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Backend: BackendPostgres}
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM mcp_users), (SELECT COUNT(*) FROM mcp_browsers)`).
		Scan(&stats.Users, &stats.Browsers)
	if err != nil {
		return Stats{}, fmt.Errorf("count records: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanUser(row pgx.Row) (*UserRecord, error) {
	var (
		u         UserRecord
		updatedAt *time.Time
		metadata  []byte
	)
	err := row.Scan(&u.UserID, &u.Email, &u.Username, &u.RegisteredAt, &updatedAt, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.RegisteredAt = u.RegisteredAt.UTC()
	if updatedAt != nil {
		t := updatedAt.UTC()
		u.UpdatedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &u.Metadata); err != nil {
			return nil, fmt.Errorf("decode user metadata: %w", err)
		}
	}
	return &u, nil
}

func scanBrowser(row pgx.Row) (*BrowserRecord, error) {
	var (
		b             BrowserRecord
		id            pgtype.UUID
		lastConnected *time.Time
		metadata      []byte
	)
	err := row.Scan(&id, &b.UserID, &b.BrowserURL, &b.TokenName, &b.Token, &b.CreatedAt,
		&lastConnected, &b.ToolCallCount, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBrowserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan browser: %w", err)
	}
	b.BrowserID = uuidToString(id.Bytes)
	b.CreatedAt = b.CreatedAt.UTC()
	if lastConnected != nil {
		t := lastConnected.UTC()
		b.LastConnectedAt = &t
	}
	if len(metadata) > 0 {
		b.Metadata = &BrowserMetadata{}
		if err := json.Unmarshal(metadata, b.Metadata); err != nil {
			return nil, fmt.Errorf("decode browser metadata: %w", err)
		}
	}
	return &b, nil
}

func marshalNullable(v *BrowserMetadata) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode browser metadata: %w", err)
	}
	return b, nil
}

func toPgUUID(id string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, err
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

func uuidToString(id [16]byte) string {
	return uuid.UUID(id).String()
}
