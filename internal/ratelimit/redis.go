package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a fixed one-second window counter in
// Redis, shared by every collector instance pointed at the same store. Burst
// above the per-second rate is not supported; use MemoryLimiter when a single
// instance needs burst tolerance.
type RedisLimiter struct {
	rdb  *redis.Client
	rate int64 // requests per second per project
}

// NewRedisLimiter shares the given client; Close does not close it.
func NewRedisLimiter(rdb *redis.Client, rate int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, rate: int64(rate)}
}

// Allow increments the project's counter for the current second and permits
// the request while the counter is within the rate.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := time.Now().Unix()
	counter := fmt.Sprintf("ratelimit:%s:%d", key, window)

	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, counter)
	pipe.Expire(ctx, counter, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	return incr.Val() <= r.rate, nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisLimiter) Close() error { return nil }
