package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ExceededError carries the configured limit and a hint for when to retry.
type ExceededError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: limit %d, retry after %s", e.Limit, e.RetryAfter)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Limiter is the behaviour shared by both algorithms.
type Limiter interface {
	Allow() bool
	Wait(ctx context.Context) error
	Reset()
	Stats() Stats
}

const (
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmSlidingWindow = "sliding_window"
)

type Stats struct {
	Algorithm   string        `json:"algorithm"`
	Limit       int           `json:"limit"`
	Available   int           `json:"available"`
	Utilization float64       `json:"utilization"`
	RefillRate  float64       `json:"refillRate,omitempty"`
	Window      time.Duration `json:"window,omitempty"`
}

type options struct {
	now              func() time.Time
	initialTokens    *float64
	waitOnExhaustion bool
}

type Option func(*options)

// WithNowFunc replaces the wall clock.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithInitialTokens starts a token bucket below capacity.
func WithInitialTokens(tokens float64) Option {
	return func(o *options) {
		o.initialTokens = &tokens
	}
}

// WithWaitOnExhaustion makes Acquire sleep until tokens are available
// instead of failing.
func WithWaitOnExhaustion() Option {
	return func(o *options) {
		o.waitOnExhaustion = true
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
