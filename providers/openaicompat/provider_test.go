// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/gateway/orchestrator/llm"
)

func newProvider(t *testing.T, endpoint string, models ...string) *Provider {
	t.Helper()
	p := New("openai/test")
	require.NoError(t, p.Initialize(context.Background(), llm.Config{
		Name:     "test backend",
		Driver:   Driver,
		Endpoint: endpoint,
		APIKey:   "sk-test",
		Models:   models,
		Enabled:  true,
	}))
	return p
}

func testRequest() *llm.InferenceRequest {
	return &llm.InferenceRequest{
		RequestID: "req-1",
		Model:     "gpt-4o",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}
}

func TestInferSuccess(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"message":       map[string]string{"content": "hello"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL, "gpt-4o")
	resp, err := p.Infer(context.Background(), testRequest(), llm.TenantContext{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 5, resp.TokensUsed)
	assert.Equal(t, 3, resp.InputTokens)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, "req-1", resp.RequestID)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", gotBody.Model)
	assert.False(t, gotBody.Stream)
	assert.Equal(t, "u1", gotBody.User)
}

func TestInferMapsErrorStatuses(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		wantKind   llm.Kind
	}{
		{http.StatusTooManyRequests, "7", llm.KindRateLimit},
		{http.StatusUnauthorized, "", llm.KindAuth},
		{http.StatusForbidden, "", llm.KindAuth},
		{http.StatusInternalServerError, "", llm.KindProviderUnavailable},
		{http.StatusBadGateway, "", llm.KindProviderUnavailable},
		{http.StatusBadRequest, "", llm.KindValidation},
		{http.StatusNotFound, "", llm.KindValidation},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"message": "backend says no", "type": "test"},
				})
			}))
			defer srv.Close()

			p := newProvider(t, srv.URL)
			_, err := p.Infer(context.Background(), testRequest(), llm.TenantContext{})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, llm.KindOf(err))
			assert.Contains(t, err.Error(), "backend says no")
			if tt.retryAfter != "" {
				assert.Equal(t, 7*time.Second, llm.RetryAfterOf(err))
			}
		})
	}
}

func TestInferNetworkErrorIsUnavailable(t *testing.T) {
	p := newProvider(t, "http://127.0.0.1:1")
	_, err := p.Infer(context.Background(), testRequest(), llm.TenantContext{})
	require.Error(t, err)
	assert.Equal(t, llm.KindProviderUnavailable, llm.KindOf(err))
}

func TestInferContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Infer(ctx, testRequest(), llm.TenantContext{})
	require.Error(t, err)
	assert.Equal(t, llm.KindTimeout, llm.KindOf(err))
}

func sseHandler(lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

func TestStreamDecodesSSE(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL)
	ch, err := p.Stream(context.Background(), testRequest(), llm.TenantContext{})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "hel", chunks[0].Delta)
	assert.Equal(t, "lo", chunks[1].Delta)
	assert.True(t, chunks[2].IsFinal)
	assert.Equal(t, 5, chunks[2].Metadata["tokens_used"])
	for _, c := range chunks {
		assert.Equal(t, "req-1", c.RequestID)
	}
}

func TestStreamTruncatedEndsWithErrorChunk(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"partial"}}]}`,
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL)
	ch, err := p.Stream(context.Background(), testRequest(), llm.TenantContext{})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[0].Delta)
	assert.True(t, chunks[1].IsFinal)
	assert.NotEmpty(t, chunks[1].Err)
}

func TestStreamErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL)
	_, err := p.Stream(context.Background(), testRequest(), llm.TenantContext{})
	require.Error(t, err)
	assert.Equal(t, llm.KindRateLimit, llm.KindOf(err))
}

func TestSupports(t *testing.T) {
	p := newProvider(t, "http://example.com", "gpt-4o", "gpt-4o-mini")
	assert.True(t, p.Supports("gpt-4o", llm.TenantContext{}))
	assert.False(t, p.Supports("claude-3", llm.TenantContext{}))

	open := newProvider(t, "http://example.com")
	assert.True(t, open.Supports("anything", llm.TenantContext{}))
}

func TestInitializeRequiresEndpoint(t *testing.T) {
	p := New("openai/test")
	err := p.Initialize(context.Background(), llm.Config{})
	require.Error(t, err)
	assert.Equal(t, llm.KindValidation, llm.KindOf(err))
}

func TestHealthProbe(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/models", r.URL.Path)
			w.Write([]byte(`{"data":[]}`))
		}))
		defer srv.Close()

		p := newProvider(t, srv.URL)
		h, err := p.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, llm.HealthHealthy, h.Status)
	})

	t.Run("unhealthy on error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p := newProvider(t, srv.URL)
		h, err := p.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, llm.HealthUnhealthy, h.Status)
	})

	t.Run("unhealthy on network error", func(t *testing.T) {
		p := newProvider(t, "http://127.0.0.1:1")
		h, err := p.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, llm.HealthUnhealthy, h.Status)
	})
}
