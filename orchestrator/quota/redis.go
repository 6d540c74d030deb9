// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is a distributed sliding-window quota store backed by a
// Redis sorted set per tenant. Redis errors fail open: a broken quota
// backend must not take inference down with it.
type RedisStore struct {
	client *redis.Client
	logger *log.Logger
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisLogger overrides the default logger.
func WithRedisLogger(l *log.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// WithRedisClock injects a time source for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		logger: log.New(os.Stdout, "[QUOTA] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis connects a store from a redis URL (redis://host:port/db) and
// verifies the connection.
func DialRedis(ctx context.Context, redisURL string, opts ...RedisOption) (*RedisStore, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) Allow(ctx context.Context, tenantID string, limitPerMinute int) error {
	if limitPerMinute <= 0 {
		return nil
	}

	now := s.now()
	key := "quota:" + tenantID

	pipe := s.client.Pipeline()
	minScore := now.Add(-Window).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*Window)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Printf("redis quota check failed for %s: %v (failing open)", tenantID, err)
		return nil
	}

	// ZCard ran before this request's ZAdd, so the count includes only
	// prior requests in the window.
	if count := countCmd.Val(); count >= int64(limitPerMinute) {
		return exceeded(tenantID, count+1, limitPerMinute)
	}
	return nil
}

// Usage returns the number of requests a tenant issued in the current
// window and when the oldest of them leaves it.
func (s *RedisStore) Usage(ctx context.Context, tenantID string) (int64, time.Time, error) {
	now := s.now()
	key := "quota:" + tenantID

	minScore := fmt.Sprintf("%d", now.Add(-Window).UnixNano())
	count, err := s.client.ZCount(ctx, key, minScore, "+inf").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("quota usage for %s: %w", tenantID, err)
	}

	oldest, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: minScore, Max: "+inf", Count: 1,
	}).Result()
	if err != nil || len(oldest) == 0 {
		return count, now, nil
	}
	reset := time.Unix(0, int64(oldest[0].Score)).Add(Window)
	return count, reset, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
