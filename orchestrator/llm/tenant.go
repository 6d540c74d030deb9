// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package llm

import "time"

// TenantContext is the per-request identity and policy envelope. It is
// passed by value through the pipeline; plugins and providers must not
// retain references past the call.
type TenantContext struct {
	// TenantID identifies the tenant. Required for async submissions.
	TenantID string `json:"tenant_id"`

	// UserID identifies the end user within the tenant, if known.
	UserID string `json:"user_id,omitempty"`

	// SessionID groups related requests, if known.
	SessionID string `json:"session_id,omitempty"`

	// TraceID correlates with distributed tracing, if present.
	TraceID string `json:"trace_id,omitempty"`

	// Attempt is the current attempt ordinal, set by the orchestrator.
	Attempt int `json:"attempt,omitempty"`

	// MaxAttempts caps retry/fallback attempts. Zero means the
	// orchestrator default.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// PreferredDevice biases routing toward providers exposing the device.
	PreferredDevice string `json:"preferred_device,omitempty"`

	// Timeout overrides the request timeout when set.
	Timeout time.Duration `json:"timeout,omitempty"`

	// CostSensitive biases routing toward local providers.
	CostSensitive bool `json:"cost_sensitive,omitempty"`
}
