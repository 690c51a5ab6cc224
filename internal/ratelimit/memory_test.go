package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := NewMemoryLimiter(1, 3)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "proj-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := m.Allow(ctx, "proj-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRefills(t *testing.T) {
	m := NewMemoryLimiter(100, 1)
	defer m.Close()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "proj-1")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "proj-1")
	require.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, _ = m.Allow(ctx, "proj-1")
	assert.True(t, ok)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "proj-1")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "proj-1")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "proj-2")
	assert.True(t, ok)
}

func TestMemoryLimiterEviction(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	m.Allow(context.Background(), "proj-1")
	m.mu.Lock()
	m.buckets["proj-1"].lastAccess = time.Now().Add(-2 * staleThreshold)
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.buckets)
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	ok, err := NoopLimiter{}.Allow(context.Background(), "any")
	require.NoError(t, err)
	assert.True(t, ok)
}
