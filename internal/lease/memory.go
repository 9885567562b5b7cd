package lease

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	holder    string
	expiresAt time.Time
}

type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memoryEntry
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryManager(ttl time.Duration) *MemoryManager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryManager{
		leases: make(map[string]memoryEntry),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.leases[key]; ok && now.Before(e.expiresAt) && e.holder != holder {
		return ErrLeaseHeld
	}
	m.leases[key] = memoryEntry{holder: holder, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryManager) Release(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.leases[key]
	if !ok || e.holder != holder {
		return ErrLeaseNotHeld
	}
	delete(m.leases, key)
	return nil
}

func (m *MemoryManager) Refresh(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.leases[key]
	if !ok || e.holder != holder || !now.Before(e.expiresAt) {
		return ErrLeaseNotHeld
	}
	e.expiresAt = now.Add(m.ttl)
	m.leases[key] = e
	return nil
}

func (m *MemoryManager) Close() error {
	return nil
}
