// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package quota enforces per-tenant request budgets with a sliding
// one-minute window. The Redis store is authoritative across instances;
// the in-memory store serves single-instance deployments and the
// fail-open path.
package quota

import (
	"context"
	"sync"
	"time"

	"modelgate/gateway/orchestrator/llm"
)

// Window is the sliding quota window.
const Window = time.Minute

// Store decides whether a tenant may issue one more request. Allow
// records the request and returns a quota-exceeded error when the tenant
// is over its per-minute limit. A limit of zero or below means unlimited.
type Store interface {
	Allow(ctx context.Context, tenantID string, limitPerMinute int) error
}

// exceeded builds the canonical quota error.
func exceeded(tenantID string, count int64, limit int) error {
	e := llm.Errorf(llm.KindQuotaExceeded,
		"tenant %s exceeded quota: %d requests/minute (limit %d)", tenantID, count, limit)
	e.RetryAfter = Window
	return e
}

// MemoryStore is a process-local sliding-window store.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock injects a time source for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory quota store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, tenantID string, limitPerMinute int) error {
	if limitPerMinute <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-Window)

	kept := s.windows[tenantID][:0]
	for _, ts := range s.windows[tenantID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.windows[tenantID] = kept

	if len(kept) > limitPerMinute {
		return exceeded(tenantID, int64(len(kept)), limitPerMinute)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
