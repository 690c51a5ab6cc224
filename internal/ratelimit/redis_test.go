package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisLimiter(t *testing.T, rate int) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, rate)
}

func TestRedisLimiterDeniesPastRate(t *testing.T) {
	l := redisLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "proj-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := l.Allow(ctx, "proj-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiterIndependentProjects(t *testing.T) {
	l := redisLimiter(t, 1)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "proj-1")
	require.NoError(t, err)
	require.True(t, ok)

	// proj-1 is spent for this second; proj-2 is untouched.
	ok, err = l.Allow(ctx, "proj-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "proj-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiterErrorsWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLimiter(client, 1)
	mr.Close()

	_, err := l.Allow(context.Background(), "proj-1")
	assert.Error(t, err)
}
