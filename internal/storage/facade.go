package storage

import "context"

// Facade fronts exactly one backend. The log variant additionally exposes a
// SyncReader; the relational variant does not.
type Facade struct {
	log        *LogStore
	relational *PostgresStore
}

func NewLogFacade(s *LogStore) *Facade {
	return &Facade{log: s}
}

func NewRelationalFacade(s *PostgresStore) *Facade {
	return &Facade{relational: s}
}

// Backend names the wired backend, or "" when none is.
func (f *Facade) Backend() string {
	switch {
	case f == nil:
		return ""
	case f.log != nil:
		return BackendJSONL
	case f.relational != nil:
		return BackendPostgres
	default:
		return ""
	}
}

// Sync returns the in-memory reader of the log backend.
func (f *Facade) Sync() (SyncReader, error) {
	switch f.Backend() {
	case BackendJSONL:
		return f.log, nil
	case BackendPostgres:
		return nil, ErrSyncMethodNotSupported
	default:
		return nil, ErrStorageNotInitialized
	}
}

// Log returns the log backend when it is the wired variant.
func (f *Facade) Log() (*LogStore, error) {
	switch f.Backend() {
	case BackendJSONL:
		return f.log, nil
	case BackendPostgres:
		return nil, ErrSyncMethodNotSupported
	default:
		return nil, ErrStorageNotInitialized
	}
}

func (f *Facade) store() (Store, error) {
	switch f.Backend() {
	case BackendJSONL:
		return f.log, nil
	case BackendPostgres:
		return f.relational, nil
	default:
		return nil, ErrStorageNotInitialized
	}
}

func (f *Facade) RegisterUserByEmail(ctx context.Context, email, username string) (*UserRecord, error) {
	s, err := f.store()
	if err != nil {
		return nil, err
	}
	return s.RegisterUserByEmail(ctx, email, username)
}

func (f *Facade) GetUserByID(ctx context.Context, userID string) (*UserRecord, error) {
	s, err := f.store()
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, userID)
}

func (f *Facade) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	s, err := f.store()
	if err != nil {
		return nil, err
	}
	return s.GetUserByEmail(ctx, email)
}

func (f *Facade) GetAllUsers(ctx context.Context) ([]UserRecord, error) {
	s, err := f.store()
	if err != nil {
		return nil, err
	}
	return s.GetAllUsers(ctx)
}

func (f *Facade) UpdateUsername(ctx context.Context, userID, username string) error {
	s, err := f.store()
	if err != nil {
		return err
	}
	return s.UpdateUsername(ctx, userID, username)
}

func (f *Facade) DeleteUser(ctx context.Context, userID string) ([]string, error) {
	s, err := f.store()
	if err != nil {
		return nil, err
	}
	return s.DeleteUser(ctx, userID)
}

func (f *Facade) BindBrowser(ctx context.Context, userID, browserURL string, opts BindOptions) (*BrowserRecord, error) {
	s, err := f.store()
	if err != nil {
		return nil, err
	}
	return s.BindBrowser(ctx, userID, browserURL, opts)
}

func (f *Facade) GetBrowserByID(ctx context.Context, browserID string) (*BrowserRecord, error) {
	s, err := f.store()
	if err != nil {
		return nil, err
	}
	return s.GetBrowserByID(ctx, browserID)
}

// GetBrowserByToken prefers the in-memory index when the log backend is wired.
func (f *Facade) GetBrowserByToken(ctx context.Context, token string) (*BrowserRecord, error) {
	if r, err := f.Sync(); err == nil {
		b, ok := r.BrowserByToken(token)
		if !ok {
			return nil, ErrBrowserNotFound
		}
		return b, nil
	}
	s, err := f.store()
	if err != nil {
		return nil, err
	}
	return s.GetBrowserByToken(ctx, token)
}

func (f *Facade) GetUserBrowsers(ctx context.Context, userID string) ([]BrowserRecord, error) {
	s, err := f.store()
	if err != nil {
		return nil, err
	}
	return s.GetUserBrowsers(ctx, userID)
}

func (f *Facade) UpdateBrowser(ctx context.Context, browserID string, update BrowserUpdate) error {
	s, err := f.store()
	if err != nil {
		return err
	}
	return s.UpdateBrowser(ctx, browserID, update)
}

func (f *Facade) UpdateLastConnected(ctx context.Context, browserID string) error {
	s, err := f.store()
	if err != nil {
		return err
	}
	return s.UpdateLastConnected(ctx, browserID)
}

func (f *Facade) IncrementToolCallCount(ctx context.Context, browserID string) error {
	s, err := f.store()
	if err != nil {
		return err
	}
	return s.IncrementToolCallCount(ctx, browserID)
}

func (f *Facade) UnbindBrowser(ctx context.Context, browserID string) error {
	s, err := f.store()
	if err != nil {
		return err
	}
	return s.UnbindBrowser(ctx, browserID)
}

func (f *Facade) Stats(ctx context.Context) (Stats, error) {
	s, err := f.store()
	if err != nil {
		return Stats{}, err
	}
	return s.Stats(ctx)
}

func (f *Facade) Close() error {
	s, err := f.store()
	if err != nil {
		return err
	}
	return s.Close()
}
