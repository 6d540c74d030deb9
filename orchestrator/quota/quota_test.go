// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/gateway/orchestrator/llm"
)

func TestMemoryStoreEnforcesLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Allow(ctx, "t1", 3))
	}
	err := s.Allow(ctx, "t1", 3)
	require.Error(t, err)
	assert.Equal(t, llm.KindQuotaExceeded, llm.KindOf(err))
	assert.Equal(t, Window, llm.RetryAfterOf(err))

	// Other tenants are unaffected.
	assert.NoError(t, s.Allow(ctx, "t2", 3))
}

func TestMemoryStoreWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Allow(ctx, "t1", 1))
	require.Error(t, s.Allow(ctx, "t1", 1))

	now = now.Add(Window + time.Second)
	assert.NoError(t, s.Allow(ctx, "t1", 1))
}

func TestMemoryStoreUnlimited(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Allow(context.Background(), "t1", 0))
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreEnforcesLimit(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Allow(ctx, "t1", 5))
	}
	err := s.Allow(ctx, "t1", 5)
	require.Error(t, err)
	assert.Equal(t, llm.KindQuotaExceeded, llm.KindOf(err))

	assert.NoError(t, s.Allow(ctx, "t2", 5))
}

func TestRedisStoreWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client, WithRedisClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Allow(ctx, "t1", 1))
	require.Error(t, s.Allow(ctx, "t1", 1))

	now = now.Add(Window + time.Second)
	assert.NoError(t, s.Allow(ctx, "t1", 1))
}

func TestRedisStoreFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client)

	mr.Close()
	assert.NoError(t, s.Allow(context.Background(), "t1", 1))
	assert.NoError(t, s.Allow(context.Background(), "t1", 1))
}

func TestRedisStoreUsage(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Allow(ctx, "t1", 10))
	require.NoError(t, s.Allow(ctx, "t1", 10))

	count, reset, err := s.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.False(t, reset.IsZero())
}
