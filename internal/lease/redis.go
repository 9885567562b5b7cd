package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mcp:lease:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisManager shares leases between gateway replicas.
type RedisManager struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisManager(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisManager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisManager{client: client, ttl: ttl}, nil
}

func (m *RedisManager) Acquire(ctx context.Context, key, holder string) error {
	k := redisKeyPrefix + key
	ok, err := m.client.SetNX(ctx, k, holder, m.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return nil
	}

	current, err := m.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return m.Acquire(ctx, key, holder)
	}
	if err != nil {
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if current == holder {
		return m.Refresh(ctx, key, holder)
	}
	return ErrLeaseHeld
}

func (m *RedisManager) Release(ctx context.Context, key, holder string) error {
	n, err := releaseScript.Run(ctx, m.client, []string{redisKeyPrefix + key}, holder).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (m *RedisManager) Refresh(ctx context.Context, key, holder string) error {
	n, err := refreshScript.Run(ctx, m.client, []string{redisKeyPrefix + key}, holder, m.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (m *RedisManager) Close() error {
	return m.client.Close()
}
