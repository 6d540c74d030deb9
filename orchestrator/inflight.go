// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"sync"

	"modelgate/gateway/orchestrator/breaker"
	"modelgate/gateway/orchestrator/router"
)

// inflightTracker counts in-flight provider calls. It backs the
// least-loaded routing strategy through the router.LoadReader interface.
type inflightTracker struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{counts: make(map[string]int64)}
}

func (t *inflightTracker) inc(providerID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[providerID]++
	return t.counts[providerID]
}

func (t *inflightTracker) dec(providerID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[providerID] > 0 {
		t.counts[providerID]--
	}
	return t.counts[providerID]
}

// Inflight implements router.LoadReader.
func (t *inflightTracker) Inflight(providerID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[providerID]
}

var _ router.LoadReader = (*inflightTracker)(nil)

// breakerSet lazily creates one circuit breaker per provider id. Circuit
// state is process-wide per id and survives provider re-registration.
type breakerSet struct {
	opts []breaker.Option

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

func newBreakerSet(opts ...breaker.Option) *breakerSet {
	return &breakerSet{opts: opts, breakers: make(map[string]*breaker.Breaker)}
}

func (s *breakerSet) forProvider(providerID string) *breaker.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[providerID]
	if !ok {
		b = breaker.New(providerID, s.opts...)
		s.breakers[providerID] = b
	}
	return b
}

// SnapshotOf implements router.CircuitReader. Unknown ids report a
// closed circuit.
func (s *breakerSet) SnapshotOf(providerID string) breaker.Snapshot {
	s.mu.Lock()
	b, ok := s.breakers[providerID]
	s.mu.Unlock()
	if !ok {
		return breaker.Snapshot{ProviderID: providerID, State: breaker.StateClosed}
	}
	return b.Snapshot()
}

func (s *breakerSet) reset(providerID string) {
	s.forProvider(providerID).Reset()
}

var _ router.CircuitReader = (*breakerSet)(nil)
