package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyGuard records keys in Redis so admission holds across
// gateway replicas.
type RedisIdempotencyGuard struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedisIdempotencyGuard connects to cfg.Redis.URL and verifies it responds.
func NewRedisIdempotencyGuard(ctx context.Context, cfg IdempotencyConfig, logger *slog.Logger) (*RedisIdempotencyGuard, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisIdempotencyGuardWithClient(client, cfg.Redis.KeyPrefix, cfg.TTL, logger), nil
}

// NewRedisIdempotencyGuardWithClient wraps an existing client. Used by tests.
func NewRedisIdempotencyGuardWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration, logger *slog.Logger) *RedisIdempotencyGuard {
	return &RedisIdempotencyGuard{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

// Admit uses SET NX so the check and the record are a single Redis command.
func (g *RedisIdempotencyGuard) Admit(ctx context.Context, key string) (Admission, error) {
	ok, err := g.client.SetNX(ctx, g.keyPrefix+key, 1, g.ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("record idempotency key: %w", err)
	}
	if !ok {
		return Duplicate, nil
	}
	return Admitted, nil
}

// Ping checks Redis connectivity.
func (g *RedisIdempotencyGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (g *RedisIdempotencyGuard) Close() error {
	return g.client.Close()
}
