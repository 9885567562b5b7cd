// Package lease enforces a single live client connection per browser binding.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	ErrLeaseHeld    = errors.New("browser already has an active connection")
	ErrLeaseNotHeld = errors.New("lease not held by caller")
)

const DefaultTTL = time.Hour

// Manager hands out exclusive, expiring leases keyed by browser token.
type Manager interface {
	Acquire(ctx context.Context, key, holder string) error
	Release(ctx context.Context, key, holder string) error
	Refresh(ctx context.Context, key, holder string) error
	Close() error
}

type Config struct {
	Type  string        `mapstructure:"type"`
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// New builds the manager selected by cfg.Type; anything but "redis" gives the
// in-process implementation.
func New(ctx context.Context, cfg Config) (Manager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Type == TypeRedis {
		return NewRedisManager(ctx, cfg.Redis, cfg.TTL)
	}
	return NewMemoryManager(cfg.TTL), nil
}
