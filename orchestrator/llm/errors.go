// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an inference error. Every kind carries an implied
// retryability used by the orchestrator's retry/fallback loop and by the
// circuit breaker (only retryable failures trip it).
type Kind string

const (
	// KindValidation indicates a malformed or contract-violating request.
	KindValidation Kind = "validation"

	// KindAuth indicates authentication or authorization failure.
	KindAuth Kind = "auth"

	// KindQuotaExceeded indicates the tenant exhausted its quota.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindRateLimit indicates the provider rejected the call with a 429.
	KindRateLimit Kind = "rate_limit"

	// KindProviderUnavailable indicates the provider is unreachable or unhealthy.
	KindProviderUnavailable Kind = "provider_unavailable"

	// KindCircuitOpen indicates the call was rejected by an open circuit breaker.
	KindCircuitOpen Kind = "circuit_open"

	// KindTimeout indicates the request deadline expired.
	KindTimeout Kind = "timeout"

	// KindCancelled indicates the consumer cancelled the request.
	KindCancelled Kind = "cancelled"

	// KindAllProvidersUnavailable indicates the router exhausted every candidate.
	KindAllProvidersUnavailable Kind = "all_providers_unavailable"

	// KindQueueFull indicates the async queue rejected a submission.
	KindQueueFull Kind = "queue_full"

	// KindInternal indicates an unexpected failure.
	KindInternal Kind = "internal"
)

// Retryable reports whether errors of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindProviderUnavailable, KindCircuitOpen, KindTimeout, KindQueueFull, KindInternal:
		return true
	default:
		return false
	}
}

// Error is the canonical error type for all inference operations.
type Error struct {
	// Kind is the machine-readable classification.
	Kind Kind `json:"kind"`

	// Provider is the provider id the error originated from, if any.
	Provider string `json:"provider,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`

	// RetryAfter is a suggested delay before retrying, if known
	// (rate limits and open circuits).
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error of the given kind with kind-derived retryability.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.Retryable()}
}

// Errorf creates an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WrapError wraps err in an Error of the given kind, tagged with the
// originating provider id.
func WrapError(kind Kind, provider string, err error) *Error {
	e := NewError(kind, err.Error())
	e.Provider = provider
	e.Cause = err
	return e
}

// FromContext converts a context error into the taxonomy: deadline expiry
// maps to timeout, consumer cancel maps to cancelled. Returns nil for a
// live context.
func FromContext(ctx context.Context) *Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return NewError(KindTimeout, "request deadline exceeded")
	case context.Canceled:
		return NewError(KindCancelled, "request cancelled by consumer")
	default:
		return nil
	}
}

// KindOf returns the Kind of err, or KindInternal if err carries no
// classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether err may be retried. Unclassified errors are
// treated as retryable internal failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return KindOf(err).Retryable()
}

// IsKind reports whether err is classified as the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf returns the suggested retry delay carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
