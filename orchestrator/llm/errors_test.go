// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindRetryability(t *testing.T) {
	retryable := []Kind{KindRateLimit, KindProviderUnavailable, KindCircuitOpen, KindTimeout, KindQueueFull, KindInternal}
	terminal := []Kind{KindValidation, KindAuth, KindQuotaExceeded, KindCancelled, KindAllProvidersUnavailable}

	for _, k := range retryable {
		assert.True(t, k.Retryable(), "kind %s should be retryable", k)
	}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), "kind %s should not be retryable", k)
	}
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindProviderUnavailable, "local/ollama", cause)

	assert.True(t, IsRetryable(err))
	assert.Equal(t, KindProviderUnavailable, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "local/ollama")
}

func TestKindOfWrappedChain(t *testing.T) {
	inner := NewError(KindRateLimit, "429 from upstream")
	wrapped := fmt.Errorf("attempt 2: %w", inner)

	assert.Equal(t, KindRateLimit, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindRateLimit))
	assert.True(t, IsRetryable(wrapped))
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.Nil(t, FromContext(ctx))

	cancel()
	err := FromContext(ctx)
	assert.Equal(t, KindCancelled, err.Kind)
	assert.False(t, err.Retryable)

	dctx, dcancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer dcancel()
	err = FromContext(dctx)
	assert.Equal(t, KindTimeout, err.Kind)
	assert.True(t, err.Retryable)
}

func TestRetryAfterOf(t *testing.T) {
	err := NewError(KindCircuitOpen, "circuit open")
	err.RetryAfter = 12 * time.Second

	assert.Equal(t, 12*time.Second, RetryAfterOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, time.Duration(0), RetryAfterOf(errors.New("plain")))
}
