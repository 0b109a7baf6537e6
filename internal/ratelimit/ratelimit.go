// Package ratelimit bounds the webhook callback path per tenant. State lives
// in Redis, not in process memory: the controller's hosting model gives no
// guarantee that two invocations share an address space, so an in-memory
// counter map would silently reset on every cold start.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "webhook:rate:"

// Limiter answers whether one more event for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter is a fixed-window counter using INCR + EXPIRE NX. Redis
// failures fail open: dropping a wake because the limiter is down would be
// worse than letting a burst through.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
}

func New(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: int64(limit), window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rkey := keyPrefix + key
	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.ExpireNX(ctx, rkey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("ratelimit: redis unavailable, failing open", "key", key, "err", err)
		return true, fmt.Errorf("redis pipeline: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// MockLimiter is an in-memory limiter for testing. It ignores windows; tests
// control it through the Limit field.
type MockLimiter struct {
	Limit  int
	counts map[string]int
}

func NewMock(limit int) *MockLimiter {
	return &MockLimiter{Limit: limit, counts: make(map[string]int)}
}

func (m *MockLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.counts[key]++
	return m.Limit <= 0 || m.counts[key] <= m.Limit, nil
}
