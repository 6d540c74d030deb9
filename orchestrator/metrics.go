// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import "time"

// MetricsSink receives pipeline measurements. The prometheus
// implementation in shared/metrics satisfies it; NopMetrics is the
// default.
type MetricsSink interface {
	// RequestCompleted records one finished request with its outcome
	// ("completed", "failed", "cancelled").
	RequestCompleted(model, provider, outcome string, duration time.Duration, tokens int)

	// AttemptRetried records a retry or fallback hop.
	AttemptRetried(provider, errorKind string)

	// InflightChanged reports the current in-flight count of a provider.
	InflightChanged(provider string, inflight int64)

	// CircuitStateChanged reports a breaker transition.
	CircuitStateChanged(provider, state string)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RequestCompleted(model, provider, outcome string, duration time.Duration, tokens int) {
}
func (NopMetrics) AttemptRetried(provider, errorKind string)      {}
func (NopMetrics) InflightChanged(provider string, inflight int64) {}
func (NopMetrics) CircuitStateChanged(provider, state string)     {}

var _ MetricsSink = NopMetrics{}
