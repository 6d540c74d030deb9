// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements the per-provider circuit breaker used by the
// execution orchestrator to fail fast after repeated retryable failures.
package breaker

import (
	"sync"
	"time"

	"modelgate/gateway/orchestrator/llm"
)

// State of a circuit.
type State string

const (
	// StateClosed admits all calls.
	StateClosed State = "closed"

	// StateOpen rejects all calls until the half-open window elapses.
	StateOpen State = "open"

	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen State = "half_open"
)

// Defaults.
const (
	DefaultFailureThreshold    = 5
	DefaultHalfOpenAfter       = 30 * time.Second
	DefaultHalfOpenConcurrency = 1
)

// Breaker is the circuit state machine for one provider id. State is
// process-wide per provider; the orchestrator holds one Breaker per id.
// All methods are safe for concurrent use.
//
// Only retryable failures advance the counter; deterministic client errors
// (validation, auth, quota) never trip the circuit.
type Breaker struct {
	providerID          string
	failureThreshold    int
	halfOpenAfter       time.Duration
	halfOpenConcurrency int
	now                 func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time
	probesInFlight      int
}

// Snapshot is a point-in-time view of a circuit.
type Snapshot struct {
	ProviderID          string    `json:"provider_id"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	ProbeInFlight       bool      `json:"half_open_probe_in_flight"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets consecutive retryable failures before opening.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) { b.failureThreshold = n }
}

// WithHalfOpenAfter sets how long an open circuit waits before probing.
func WithHalfOpenAfter(d time.Duration) Option {
	return func(b *Breaker) { b.halfOpenAfter = d }
}

// WithHalfOpenConcurrency sets the probe budget in half-open state.
func WithHalfOpenConcurrency(n int) Option {
	return func(b *Breaker) { b.halfOpenConcurrency = n }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker for a provider id.
func New(providerID string, opts ...Option) *Breaker {
	b := &Breaker{
		providerID:          providerID,
		failureThreshold:    DefaultFailureThreshold,
		halfOpenAfter:       DefaultHalfOpenAfter,
		halfOpenConcurrency: DefaultHalfOpenConcurrency,
		now:                 time.Now,
		state:               StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow decides whether a call may proceed. In the open state it fails
// immediately with a circuit-open error carrying the remaining delay.
// After the half-open window it admits up to the probe budget; extra
// concurrent callers while a probe is in flight fail fast.
//
// Every admitted call must be concluded with RecordSuccess,
// RecordFailure, or RecordCancelled.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.halfOpenAfter {
			return b.openError(b.halfOpenAfter - elapsed)
		}
		b.state = StateHalfOpen
		b.probesInFlight = 0
		fallthrough

	case StateHalfOpen:
		if b.probesInFlight >= b.halfOpenConcurrency {
			return b.openError(0)
		}
		b.probesInFlight++
		return nil
	}
	return nil
}

// RecordSuccess concludes an admitted call that succeeded. In half-open it
// closes the circuit and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probesInFlight = 0
		b.state = StateClosed
		b.consecutiveFailures = 0
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure concludes an admitted call that failed. Retryable failures
// advance the counter and may open the circuit; a retryable probe failure
// re-opens it. Non-retryable failures prove the backend reachable and are
// treated like successes for circuit purposes.
func (b *Breaker) RecordFailure(retryable bool) {
	if !retryable {
		b.RecordSuccess()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureAt = b.now()

	switch b.state {
	case StateHalfOpen:
		b.probesInFlight = 0
		b.state = StateOpen
		b.openedAt = b.now()
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
}

// RecordCancelled concludes an admitted call that ended without an
// observable backend outcome, such as a caller cancellation. It releases
// a half-open probe slot so the next Allow can admit a fresh probe, and
// leaves the failure counter and state untouched.
func (b *Breaker) RecordCancelled() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

// Reset forces the circuit closed and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.probesInFlight = 0
	b.openedAt = time.Time{}
}

// State returns the current state, accounting for an elapsed half-open
// window.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns a point-in-time view. An open circuit whose half-open
// window has elapsed reports half-open, matching what the next Allow will
// observe.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	if state == StateOpen && b.now().Sub(b.openedAt) >= b.halfOpenAfter {
		state = StateHalfOpen
	}
	return Snapshot{
		ProviderID:          b.providerID,
		State:               state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		OpenedAt:            b.openedAt,
		ProbeInFlight:       b.probesInFlight > 0,
	}
}

func (b *Breaker) openError(retryAfter time.Duration) error {
	e := llm.Errorf(llm.KindCircuitOpen, "circuit for %s is open", b.providerID)
	e.Provider = b.providerID
	e.RetryAfter = retryAfter
	return e
}
