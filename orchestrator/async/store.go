// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"modelgate/gateway/orchestrator/llm"
)

// DefaultJobTTL is how long terminal jobs are retained.
const DefaultJobTTL = 24 * time.Hour

// JobStore persists job records. Save is called on every state
// transition; Sweep removes terminal jobs whose completion is older than
// the cutoff and returns how many it removed. Stores with native TTL
// support may make Sweep a no-op.
type JobStore interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Delete(ctx context.Context, jobID string) error
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// ErrJobNotFound is returned by Get for unknown or expired job ids.
var ErrJobNotFound = fmt.Errorf("job not found")

// MemoryJobStore is the in-process fallback store, always maintained.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*Job)}
}

func (s *MemoryJobStore) Save(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryJobStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.State.Terminal() && !job.CompletedAt.IsZero() && job.CompletedAt.Before(olderThan) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// RedisJobStore persists jobs as JSON values. Terminal jobs carry a TTL,
// so Redis expires them without sweeping.
type RedisJobStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisJobStore creates a store over an existing client. A zero ttl
// means DefaultJobTTL.
func NewRedisJobStore(client *redis.Client, ttl time.Duration) *RedisJobStore {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	return &RedisJobStore{client: client, ttl: ttl}
}

func jobKey(jobID string) string { return "job:" + jobID }

func (s *RedisJobStore) Save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	var expire time.Duration
	if job.State.Terminal() {
		expire = s.ttl
	}
	if err := s.client.Set(ctx, jobKey(job.ID), data, expire).Err(); err != nil {
		return llm.WrapError(llm.KindInternal, "", fmt.Errorf("save job %s: %w", job.ID, err))
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *RedisJobStore) Delete(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, jobKey(jobID)).Err()
}

// Sweep is a no-op; terminal jobs expire via TTL.
func (s *RedisJobStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

var (
	_ JobStore = (*MemoryJobStore)(nil)
	_ JobStore = (*RedisJobStore)(nil)
)
