package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) SessionID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockTransport) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockTransport) SetOnClose(fn func()) {
	m.Called(fn == nil)
}

type fakeTransport struct {
	id string

	mu      sync.Mutex
	onClose func()
	closed  int
}

func (f *fakeTransport) SessionID() string { return f.id }

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed++
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (f *fakeTransport) SetOnClose(fn func()) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

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

func newClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCreate_CapacityLimit(t *testing.T) {
	r := NewRegistry(Config{MaxSessions: 2})
	ctx := context.Background()

	_, err := r.Create("s1", "alice", &fakeTransport{id: "s1"}, nil, nil)
	require.NoError(t, err)
	_, err = r.Create("s2", "bob", &fakeTransport{id: "s2"}, nil, nil)
	require.NoError(t, err)

	_, err = r.Create("s3", "carol", &fakeTransport{id: "s3"}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxSessionsReached)
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 2, capErr.Limit)

	assert.True(t, r.Delete(ctx, "s1"))
	_, err = r.Create("s3", "carol", &fakeTransport{id: "s3"}, nil, nil)
	assert.NoError(t, err)
}

func TestCreate_UnlimitedByDefault(t *testing.T) {
	r := NewRegistry(Config{})
	for i := range 50 {
		id := fmt.Sprintf("s%d", i)
		_, err := r.Create(id, "alice", &fakeTransport{id: id}, nil, nil)
		require.NoError(t, err)
	}
	assert.Len(t, r.UserSessions("alice"), 50)
}

func TestCreate_ConcurrentRespectsLimit(t *testing.T) {
	r := NewRegistry(Config{MaxSessions: 5})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			if _, err := r.Create(id, "alice", &fakeTransport{id: id}, nil, nil); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 5, r.Stats().Total)
}

func TestCreate_DuplicateID(t *testing.T) {
	r := NewRegistry(Config{})
	_, err := r.Create("s1", "alice", &fakeTransport{id: "s1"}, nil, nil)
	require.NoError(t, err)

	_, err = r.Create("s1", "bob", &fakeTransport{id: "s1"}, nil, nil)
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Empty(t, r.UserSessions("bob"))
}

func TestDelete_DetachesOnCloseBeforeClosing(t *testing.T) {
	r := NewRegistry(Config{})
	tr := new(MockTransport)

	detach := tr.On("SetOnClose", true).Return().Once()
	tr.On("Close", mock.Anything).Return(nil).Once().NotBefore(detach)

	_, err := r.Create("s1", "alice", tr, nil, nil)
	require.NoError(t, err)

	assert.True(t, r.Delete(context.Background(), "s1"))
	tr.AssertExpectations(t)
}

func TestDelete_RemovesIndicesWhenCloseFails(t *testing.T) {
	var deleted []string
	r := NewRegistry(Config{}, WithOnDeleted(func(s *Session) {
		deleted = append(deleted, s.ID)
	}))
	tr := new(MockTransport)
	tr.On("SetOnClose", true).Return()
	tr.On("Close", mock.Anything).Return(errors.New("broken pipe"))

	_, err := r.Create("s1", "alice", tr, nil, nil)
	require.NoError(t, err)

	assert.True(t, r.Delete(context.Background(), "s1"))
	assert.False(t, r.Has("s1"))
	assert.Empty(t, r.UserSessions("alice"))
	assert.NotContains(t, r.Stats().ByUser, "alice")
	assert.Equal(t, []string{"s1"}, deleted)
}

func TestDelete_OnCloseDoesNotReenter(t *testing.T) {
	r := NewRegistry(Config{})
	tr := &fakeTransport{id: "s1"}
	_, err := r.Create("s1", "alice", tr, nil, nil)
	require.NoError(t, err)

	reentered := false
	tr.SetOnClose(func() {
		reentered = true
		r.Delete(context.Background(), "s1")
	})

	assert.True(t, r.Delete(context.Background(), "s1"))
	assert.False(t, reentered)
	assert.Equal(t, 1, tr.closed)
	assert.False(t, r.Delete(context.Background(), "s1"))
}

func TestCleanupExpired(t *testing.T) {
	clock := newClock()
	r := NewRegistry(Config{Timeout: time.Minute}, WithNowFunc(clock.Now))

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := r.Create(id, "alice", &fakeTransport{id: id}, nil, nil)
		require.NoError(t, err)
	}

	clock.Advance(45 * time.Second)
	r.UpdateActivity("s2")
	clock.Advance(30 * time.Second)

	stats := r.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Active)

	assert.Equal(t, 2, r.CleanupExpired(context.Background()))
	assert.ElementsMatch(t, []string{"s2"}, r.IDs())
	assert.Equal(t, 0, r.CleanupExpired(context.Background()))
}

func TestCleanupUser(t *testing.T) {
	r := NewRegistry(Config{})
	transports := map[string]*fakeTransport{}
	for i, user := range []string{"alice", "alice", "alice", "bob"} {
		id := fmt.Sprintf("s%d", i)
		transports[id] = &fakeTransport{id: id}
		_, err := r.Create(id, user, transports[id], nil, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, r.CleanupUser(context.Background(), "alice"))
	assert.Empty(t, r.UserSessions("alice"))
	assert.Len(t, r.UserSessions("bob"), 1)
	assert.Equal(t, map[string]int{"bob": 1}, r.Stats().ByUser)
	for id, tr := range transports {
		if id == "s3" {
			assert.Equal(t, 0, tr.closed)
			continue
		}
		assert.Equal(t, 1, tr.closed, id)
	}

	assert.Equal(t, 0, r.CleanupUser(context.Background(), "nobody"))
}

func TestCleanupAll(t *testing.T) {
	r := NewRegistry(Config{})
	for i := range 10 {
		id := fmt.Sprintf("s%d", i)
		_, err := r.Create(id, fmt.Sprintf("user%d", i%3), &fakeTransport{id: id}, nil, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 10, r.CleanupAll(context.Background()))
	assert.Equal(t, Stats{ByUser: map[string]int{}}, r.Stats())
}

func TestStart_SweepsExpired(t *testing.T) {
	clock := newClock()
	r := NewRegistry(Config{Timeout: time.Minute, CleanupInterval: 10 * time.Millisecond}, WithNowFunc(clock.Now))
	_, err := r.Create("s1", "alice", &fakeTransport{id: "s1"}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool {
		return !r.Has("s1")
	}, time.Second, 10*time.Millisecond)
}
