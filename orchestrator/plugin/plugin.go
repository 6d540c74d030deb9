// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package plugin defines the phase-based extension points of the
// execution pipeline and the registry that manages plugin lifecycle.
package plugin

import (
	"context"
	"time"

	"modelgate/gateway/orchestrator/llm"
	"modelgate/gateway/orchestrator/router"
)

// Phase is a pipeline stage. Plugins declare exactly one phase.
type Phase string

const (
	PhaseValidate  Phase = "validate"
	PhaseRoute     Phase = "route"
	PhasePreInfer  Phase = "pre_infer"
	PhaseInfer     Phase = "infer"
	PhasePostInfer Phase = "post_infer"
	PhaseAudit     Phase = "audit"
)

// Phases lists all pipeline stages in execution order.
var Phases = []Phase{
	PhaseValidate,
	PhaseRoute,
	PhasePreInfer,
	PhaseInfer,
	PhasePostInfer,
	PhaseAudit,
}

// DefaultOrder is assumed when a plugin reports order zero.
const DefaultOrder = 100

// State of a plugin in the registry lifecycle.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialized State = "initialized"
	StateActive      State = "active"
	StateFailed      State = "failed"
	StateStopped     State = "stopped"
)

// ExecutionContext is the shared mutable state of one request flowing
// through the pipeline. It is scoped to a single request and accessed by
// one goroutine at a time; plugins mutate it or short-circuit by setting
// Err.
type ExecutionContext struct {
	Request  *llm.InferenceRequest
	Tenant   llm.TenantContext
	Deadline time.Time

	// Phase is the stage currently executing.
	Phase Phase

	// Routing is set during the route phase.
	Routing *router.Decision

	// Provider is the id of the provider serving the current attempt.
	Provider string

	// Response is set after a successful unary call.
	Response *llm.InferenceResponse

	// Chunk is the streaming chunk flowing through post-infer plugins.
	// Nil outside the streaming path.
	Chunk *llm.StreamChunk

	// Err short-circuits the pipeline; only audit-phase plugins still run.
	Err error

	// Metadata carries cross-plugin annotations for the request.
	Metadata map[string]any

	StartedAt time.Time
}

// NewExecutionContext creates a context for one request.
func NewExecutionContext(req *llm.InferenceRequest, tenant llm.TenantContext, deadline time.Time) *ExecutionContext {
	return &ExecutionContext{
		Request:   req,
		Tenant:    tenant,
		Deadline:  deadline,
		Metadata:  make(map[string]any),
		StartedAt: time.Now(),
	}
}

// Fail records a short-circuiting error. The first error wins.
func (ec *ExecutionContext) Fail(err error) {
	if ec.Err == nil {
		ec.Err = err
	}
}

// ShortCircuited reports whether a plugin or provider failed the request.
func (ec *ExecutionContext) ShortCircuited() bool { return ec.Err != nil }

// Plugin is the pipeline extension contract. Implementations must be safe
// for concurrent Execute calls; the registry serializes lifecycle methods.
type Plugin interface {
	// ID returns the unique plugin identifier.
	ID() string

	// Version returns the plugin build version.
	Version() string

	// Phase returns the single pipeline stage the plugin runs in.
	Phase() Phase

	// Order sorts plugins within a phase, ascending. Zero means
	// DefaultOrder.
	Order() int

	// Initialize prepares the plugin with its configuration snapshot.
	Initialize(ctx context.Context, config map[string]any) error

	// Execute runs the plugin against the request context. A returned
	// error short-circuits the pipeline.
	Execute(ctx context.Context, ec *ExecutionContext) error

	// Healthy reports plugin health; the registry is healthy iff every
	// active plugin is.
	Healthy(ctx context.Context) bool

	// Shutdown releases plugin resources.
	Shutdown(ctx context.Context) error
}

// Info is the introspection view of a registered plugin.
type Info struct {
	ID      string         `json:"id"`
	Version string         `json:"version"`
	Phase   Phase          `json:"phase"`
	Order   int            `json:"order"`
	State   State          `json:"state"`
	Config  map[string]any `json:"config,omitempty"`
}

// orderOf normalizes a plugin's order.
func orderOf(p Plugin) int {
	if p.Order() == 0 {
		return DefaultOrder
	}
	return p.Order()
}
