package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Factory func() Limiter

// PerUser keeps one lazily created limiter per identity. The periodic sweep
// drops every limiter, active or not.
type PerUser struct {
	mu       sync.Mutex
	limiters map[string]Limiter
	factory  Factory
}

func NewPerUser(factory Factory) *PerUser {
	return &PerUser{
		limiters: make(map[string]Limiter),
		factory:  factory,
	}
}

func (p *PerUser) limiter(userID string) Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[userID]
	if !ok {
		l = p.factory()
		p.limiters[userID] = l
	}
	return l
}

func (p *PerUser) Allow(userID string) bool {
	return p.limiter(userID).Allow()
}

func (p *PerUser) Wait(ctx context.Context, userID string) error {
	return p.limiter(userID).Wait(ctx)
}

func (p *PerUser) Reset(userID string) {
	p.mu.Lock()
	l, ok := p.limiters[userID]
	p.mu.Unlock()
	if ok {
		l.Reset()
	}
}

// Clear drops all limiters.
func (p *PerUser) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.limiters)
	p.limiters = make(map[string]Limiter)
	return n
}

type PerUserStats struct {
	TotalUsers int              `json:"totalUsers"`
	Limiters   map[string]Stats `json:"limiters"`
}

func (p *PerUser) Stats() PerUserStats {
	p.mu.Lock()
	snapshot := make(map[string]Limiter, len(p.limiters))
	for id, l := range p.limiters {
		snapshot[id] = l
	}
	p.mu.Unlock()

	stats := PerUserStats{TotalUsers: len(snapshot), Limiters: make(map[string]Stats, len(snapshot))}
	for id, l := range snapshot {
		stats.Limiters[id] = l.Stats()
	}
	return stats
}

func (p *PerUser) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Clear(); n > 0 {
				slog.Debug("Cleared per-user rate limiters", "removed", n)
			}
		}
	}
}
