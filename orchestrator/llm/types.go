// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package llm defines the normalized data model, error taxonomy, and provider
// contract for the ModelGate inference gateway, together with the provider
// registry that catalogues live provider instances.
package llm

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleSystem is an instruction message; only valid in leading positions.
	RoleSystem Role = "system"

	// RoleUser is an end-user message.
	RoleUser Role = "user"

	// RoleAssistant is a model-generated message.
	RoleAssistant Role = "assistant"

	// RoleTool is a tool invocation result fed back to the model.
	RoleTool Role = "tool"
)

// Message is a single chat message in a normalized inference request.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Tool describes a tool/function schema offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolChoice controls tool selection for a request.
type ToolChoice string

const (
	// ToolChoiceNone disables tool calling.
	ToolChoiceNone ToolChoice = "none"

	// ToolChoiceAuto lets the model decide.
	ToolChoiceAuto ToolChoice = "auto"
)

// Request defaults applied by Normalize.
const (
	// DefaultTimeout is the per-request deadline when none is specified.
	DefaultTimeout = 60 * time.Second

	// DefaultPriority is the async queue priority when none is specified.
	DefaultPriority = 5
)

// InferenceRequest is the normalized, immutable inference request. Callers
// build it once; the orchestrator and providers must not mutate it. Use
// Clone when a modified copy is needed.
type InferenceRequest struct {
	// RequestID uniquely identifies this call.
	RequestID string `json:"request_id"`

	// Model is the opaque model identifier resolved by the router.
	Model string `json:"model"`

	// Messages is the ordered conversation.
	Messages []Message `json:"messages"`

	// Parameters holds sampling parameters (temperature, max_tokens, top_p,
	// top_k, stop, ...). Values are provider-interpreted.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Tools is the ordered list of tool schemas available to the model.
	Tools []Tool `json:"tools,omitempty"`

	// ToolChoice is "none", "auto", or a specific tool name.
	ToolChoice ToolChoice `json:"tool_choice,omitempty"`

	// Streaming requests chunked delivery.
	Streaming bool `json:"streaming"`

	// PreferredProvider pins routing to a provider id when it is a live
	// candidate.
	PreferredProvider string `json:"preferred_provider,omitempty"`

	// Timeout is the total request deadline. Zero means DefaultTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Priority orders async jobs; larger runs earlier. Zero means
	// DefaultPriority.
	Priority int `json:"priority,omitempty"`
}

// Normalize returns a copy with defaults applied.
func (r *InferenceRequest) Normalize() *InferenceRequest {
	out := r.Clone()
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Priority == 0 {
		out.Priority = DefaultPriority
	}
	return out
}

// Clone returns a deep copy of the request.
func (r *InferenceRequest) Clone() *InferenceRequest {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	if r.Tools != nil {
		out.Tools = make([]Tool, len(r.Tools))
		copy(out.Tools, r.Tools)
	}
	if r.Parameters != nil {
		out.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			out.Parameters[k] = v
		}
	}
	return &out
}

// Validate checks the structural invariants of the request:
//   - request id, model, and at least one message are present
//   - system messages appear only in leading positions
//   - the final message is authored by user or assistant
//
// Violations return a validation error.
func (r *InferenceRequest) Validate() error {
	if r.RequestID == "" {
		return NewError(KindValidation, "request_id is required")
	}
	if r.Model == "" {
		return NewError(KindValidation, "model is required")
	}
	if len(r.Messages) == 0 {
		return NewError(KindValidation, "at least one message is required")
	}

	leading := true
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem:
			if !leading {
				return Errorf(KindValidation, "system message at position %d after non-system message", i)
			}
		case RoleUser, RoleAssistant, RoleTool:
			leading = false
		default:
			return Errorf(KindValidation, "unknown role %q at position %d", m.Role, i)
		}
	}

	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser && last.Role != RoleAssistant {
		return Errorf(KindValidation, "last message must be user or assistant, got %q", last.Role)
	}
	return nil
}

// InferenceResponse is the result of a unary inference call. Ownership
// transfers to the caller.
type InferenceResponse struct {
	RequestID    string         `json:"request_id"`
	Model        string         `json:"model"`
	Content      string         `json:"content"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TokensUsed   int            `json:"tokens_used"`
	DurationMs   int64          `json:"duration_ms"`
	Timestamp    time.Time      `json:"timestamp"`
	StopReason   string         `json:"stop_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StreamChunk is one element of a streaming response. Chunk indices from a
// single call are strictly monotonic starting at 0; exactly one chunk has
// IsFinal set and it is the last one delivered. The final chunk carries
// usage totals in Metadata. A non-empty Err terminates the stream.
type StreamChunk struct {
	RequestID string         `json:"request_id"`
	Index     int            `json:"index"`
	Delta     string         `json:"delta,omitempty"`
	IsFinal   bool           `json:"is_final"`
	Err       string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
