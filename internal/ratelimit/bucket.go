package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket wraps rate.Limiter, which refills lazily from elapsed time.
// All calls pass an explicit instant so the clock can be replaced in tests.
type TokenBucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter

	maxTokens  int
	refillRate float64
	wait       bool
	now        func() time.Time
}

// NewTokenBucket returns a full bucket holding up to maxTokens that refills at
// refillRate tokens per second.
func NewTokenBucket(maxTokens int, refillRate float64, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	b := &TokenBucket{
		limiter:    rate.NewLimiter(rate.Limit(refillRate), maxTokens),
		maxTokens:  maxTokens,
		refillRate: refillRate,
		wait:       o.waitOnExhaustion,
		now:        o.now,
	}
	if o.initialTokens != nil {
		initial := int(math.Floor(math.Max(*o.initialTokens, 0)))
		if drain := maxTokens - initial; drain > 0 {
			b.limiter.ReserveN(b.now(), drain)
		}
	}
	return b
}

func (b *TokenBucket) current() *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter
}

func (b *TokenBucket) TryAcquire(n int) bool {
	return b.current().AllowN(b.now(), n)
}

func (b *TokenBucket) Allow() bool {
	return b.TryAcquire(1)
}

// Acquire takes n tokens. Without WithWaitOnExhaustion it fails immediately
// with an *ExceededError; otherwise it reserves the tokens and sleeps for the
// reservation delay, giving them back if ctx ends first.
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	lim := b.current()
	now := b.now()

	if !b.wait || n > b.maxTokens || b.refillRate <= 0 {
		if lim.AllowN(now, n) {
			return nil
		}
		return &ExceededError{Limit: b.maxTokens, RetryAfter: b.perToken()}
	}

	r := lim.ReserveN(now, n)
	if !r.OK() {
		return &ExceededError{Limit: b.maxTokens, RetryAfter: b.perToken()}
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.CancelAt(b.now())
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *TokenBucket) Wait(ctx context.Context) error {
	return b.Acquire(ctx, 1)
}

func (b *TokenBucket) perToken() time.Duration {
	if b.refillRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / b.refillRate).Round(time.Millisecond)
}

// Reset refills the bucket to capacity.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limiter = rate.NewLimiter(rate.Limit(b.refillRate), b.maxTokens)
}

// AvailableTokens returns the whole tokens currently in the bucket.
func (b *TokenBucket) AvailableTokens() int {
	lim := b.current()
	if b.refillRate <= 0 {
		// a zero-rate limiter spends its burst directly
		return lim.Burst()
	}
	tokens := lim.TokensAt(b.now())
	if tokens < 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

func (b *TokenBucket) Stats() Stats {
	available := b.AvailableTokens()
	s := Stats{
		Algorithm:  AlgorithmTokenBucket,
		Limit:      b.maxTokens,
		Available:  available,
		RefillRate: b.refillRate,
	}
	if b.maxTokens > 0 {
		s.Utilization = float64(b.maxTokens-available) / float64(b.maxTokens) * 100
	}
	return s
}
