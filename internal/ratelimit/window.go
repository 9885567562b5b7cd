package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow admits at most maxRequests within any trailing window.
type SlidingWindow struct {
	mu          sync.Mutex
	requests    []time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

func NewSlidingWindow(maxRequests int, window time.Duration, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	return &SlidingWindow{
		maxRequests: maxRequests,
		window:      window,
		now:         o.now,
	}
}

// pruneLocked drops timestamps at or before now-window.
func (w *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.requests = append(w.requests[:0], w.requests[i:]...)
	}
}

func (w *SlidingWindow) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)
	if len(w.requests) < w.maxRequests {
		w.requests = append(w.requests, now)
		return true
	}
	return false
}

func (w *SlidingWindow) Allow() bool {
	return w.TryAcquire()
}

// Acquire never waits; it fails with an *ExceededError whose RetryAfter is
// the time until the oldest request leaves the window.
func (w *SlidingWindow) Acquire(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)
	if len(w.requests) < w.maxRequests {
		w.requests = append(w.requests, now)
		return nil
	}
	retry := w.window
	if len(w.requests) > 0 {
		retry = w.requests[0].Add(w.window).Sub(now)
	}
	return &ExceededError{Limit: w.maxRequests, RetryAfter: retry}
}

func (w *SlidingWindow) Wait(ctx context.Context) error {
	return w.Acquire(ctx)
}

func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests = nil
}

func (w *SlidingWindow) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	s := Stats{
		Algorithm: AlgorithmSlidingWindow,
		Limit:     w.maxRequests,
		Available: w.maxRequests - len(w.requests),
		Window:    w.window,
	}
	if w.maxRequests > 0 {
		s.Utilization = float64(len(w.requests)) / float64(w.maxRequests) * 100
	}
	return s
}
