package ratelimit

import (
	"fmt"
	"time"
)

type BucketConfig struct {
	MaxTokens  int     `mapstructure:"max_tokens"`
	RefillRate float64 `mapstructure:"refill_rate"`
}

type UserConfig struct {
	Algorithm       string        `mapstructure:"algorithm"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	RefillRate      float64       `mapstructure:"refill_rate"`
	MaxRequests     int           `mapstructure:"max_requests"`
	Window          time.Duration `mapstructure:"window"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type Config struct {
	Global BucketConfig `mapstructure:"global"`
	User   UserConfig   `mapstructure:"user"`
}

const (
	defaultGlobalMaxTokens  = 1000
	defaultGlobalRefillRate = 100
	defaultUserMaxTokens    = 100
	defaultUserRefillRate   = 10
	defaultWindow           = time.Minute
	defaultCleanupInterval  = time.Minute
)

func NewGlobal(cfg BucketConfig) *TokenBucket {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultGlobalMaxTokens
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = defaultGlobalRefillRate
	}
	return NewTokenBucket(cfg.MaxTokens, cfg.RefillRate)
}

// Factory returns the per-user limiter constructor selected by Algorithm.
func (c UserConfig) Factory() (Factory, error) {
	switch c.Algorithm {
	case "", AlgorithmTokenBucket:
		maxTokens, refill := c.MaxTokens, c.RefillRate
		if maxTokens <= 0 {
			maxTokens = defaultUserMaxTokens
		}
		if refill <= 0 {
			refill = defaultUserRefillRate
		}
		return func() Limiter { return NewTokenBucket(maxTokens, refill) }, nil
	case AlgorithmSlidingWindow:
		maxRequests, window := c.MaxRequests, c.Window
		if maxRequests <= 0 {
			maxRequests = defaultUserMaxTokens
		}
		if window <= 0 {
			window = defaultWindow
		}
		return func() Limiter { return NewSlidingWindow(maxRequests, window) }, nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm: %s", c.Algorithm)
	}
}

func (c UserConfig) Interval() time.Duration {
	if c.CleanupInterval <= 0 {
		return defaultCleanupInterval
	}
	return c.CleanupInterval
}
