// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package audit defines the append-only event trail of the inference
// pipeline and its sinks.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"modelgate/gateway/orchestrator/llm"
)

// Kind is an audit event type. Every terminal request outcome emits
// exactly one of the inference or stream kinds.
type Kind string

const (
	InferenceStarted   Kind = "INFERENCE_STARTED"
	InferenceCompleted Kind = "INFERENCE_COMPLETED"
	InferenceFailed    Kind = "INFERENCE_FAILED"
	InferenceCancelled Kind = "INFERENCE_CANCELLED"

	StreamStarted   Kind = "STREAM_STARTED"
	StreamCompleted Kind = "STREAM_COMPLETED"
	StreamFailed    Kind = "STREAM_FAILED"

	ProviderRegistered   Kind = "PROVIDER_REGISTERED"
	ProviderUnregistered Kind = "PROVIDER_UNREGISTERED"
	CircuitOpened        Kind = "CIRCUIT_OPENED"
	CircuitClosed        Kind = "CIRCUIT_CLOSED"
)

// Terminal reports whether the kind concludes a request.
func (k Kind) Terminal() bool {
	switch k {
	case InferenceCompleted, InferenceFailed, InferenceCancelled,
		StreamCompleted, StreamFailed:
		return true
	}
	return false
}

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Duration  int64     `json:"duration_ms,omitempty"`
	Tokens    int       `json:"tokens_used,omitempty"`
	ErrorKind llm.Kind  `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event with id and timestamp filled in.
func NewEvent(kind Kind, runID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives audit events. Record must not block the request path
// beyond enqueueing; sinks that do I/O buffer internally.
type Sink interface {
	Record(ctx context.Context, event *Event)
	Close(ctx context.Context) error
}

// MultiSink fans events out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event *Event) {
	for _, s := range m {
		s.Record(ctx, event)
	}
}

func (m MultiSink) Close(ctx context.Context) error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(ctx context.Context, event *Event) {}
func (NopSink) Close(ctx context.Context) error          { return nil }

var (
	_ Sink = (MultiSink)(nil)
	_ Sink = NopSink{}
)
