// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/gateway/orchestrator"
	"modelgate/gateway/orchestrator/llm"
	"modelgate/gateway/orchestrator/router"
	"modelgate/gateway/shared/metrics"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *orchestrator.Engine) {
	t.Helper()
	e, err := orchestrator.New(orchestrator.WithStrategy(router.StrategyFailover, nil))
	require.NoError(t, err)
	e.Start(context.Background())
	t.Cleanup(func() { e.Close(context.Background()) })
	return NewServer(e, opts...), e
}

func registerMock(t *testing.T, e *orchestrator.Engine, p *llm.MockProvider) {
	t.Helper()
	require.NoError(t, e.Registry().Register(context.Background(), p))
}

func completionsBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"request_id": "req-1",
		"model":      "m",
		"messages":   []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCompletionsSuccess(t *testing.T) {
	s, e := newTestServer(t)
	registerMock(t, e, llm.NewMockProvider("p1"))

	req := httptest.NewRequest("POST", "/v1/inference/completions", completionsBody(t))
	req.Header.Set("X-Tenant-ID", "t1")
	rec := do(s, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp llm.InferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "m", resp.Model)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCompletionsValidationError(t *testing.T) {
	s, e := newTestServer(t)
	registerMock(t, e, llm.NewMockProvider("p1"))

	body := bytes.NewReader([]byte(`{"model": "m"}`))
	rec := do(s, httptest.NewRequest("POST", "/v1/inference/completions", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	assert.Equal(t, "validation", eb.Error.Kind)
	assert.False(t, eb.Error.Retryable)
}

func TestCompletionsNoProviders(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, httptest.NewRequest("POST", "/v1/inference/completions", completionsBody(t)))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	assert.Equal(t, "all_providers_unavailable", eb.Error.Kind)
}

func TestCompletionsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, httptest.NewRequest("POST", "/v1/inference/completions", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEmitsSSE(t *testing.T) {
	s, e := newTestServer(t)
	p1 := llm.NewMockProvider("p1")
	p1.Chunks = []llm.StreamChunk{
		{Delta: "hel"},
		{Delta: "lo", IsFinal: true},
	}
	registerMock(t, e, p1)

	rec := do(s, httptest.NewRequest("POST", "/v1/inference/completions/stream", completionsBody(t)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var deltas []string
	events := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.GreaterOrEqual(t, len(events), 3)
	for _, ev := range events[:len(events)-1] {
		var chunk llm.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(ev, "data: ")), &chunk))
		deltas = append(deltas, chunk.Delta)
	}
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.Equal(t, "data: [DONE]", events[len(events)-1])
}

func TestStreamValidationError(t *testing.T) {
	s, e := newTestServer(t)
	registerMock(t, e, llm.NewMockProvider("p1"))

	body := bytes.NewReader([]byte(`{"model": "m"}`))
	rec := do(s, httptest.NewRequest("POST", "/v1/inference/completions/stream", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func submitAsync(t *testing.T, s *Server, headers map[string]string) (int, asyncSubmitResponse) {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/inference/async", completionsBody(t))
	req.Header.Set("X-Tenant-ID", "t1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := do(s, req)
	var resp asyncSubmitResponse
	if rec.Code == http.StatusAccepted || rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec.Code, resp
}

func TestAsyncLifecycle(t *testing.T) {
	s, e := newTestServer(t)
	registerMock(t, e, llm.NewMockProvider("p1"))

	code, resp := submitAsync(t, s, nil)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, resp.JobID)

	deadline := time.Now().Add(5 * time.Second)
	var job map[string]any
	for time.Now().Before(deadline) {
		rec := do(s, httptest.NewRequest("GET", "/v1/inference/async/"+resp.JobID, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		if job["state"] == "completed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, "completed", job["state"])
	assert.NotNil(t, job["response"])
}

func TestAsyncRequiresTenant(t *testing.T) {
	s, e := newTestServer(t)
	registerMock(t, e, llm.NewMockProvider("p1"))

	req := httptest.NewRequest("POST", "/v1/inference/async", completionsBody(t))
	rec := do(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAsyncGetUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, httptest.NewRequest("GET", "/v1/inference/async/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsyncCancelUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, httptest.NewRequest("DELETE", "/v1/inference/async/nope", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp["cancelled"])
}

func TestAsyncIdempotencyKeyDedupes(t *testing.T) {
	s, e := newTestServer(t)
	registerMock(t, e, llm.NewMockProvider("p1"))

	headers := map[string]string{"Idempotency-Key": "k-1"}
	code1, first := submitAsync(t, s, headers)
	require.Equal(t, http.StatusAccepted, code1)

	code2, second := submitAsync(t, s, headers)
	require.Equal(t, http.StatusOK, code2)
	assert.Equal(t, first.JobID, second.JobID)

	// A different key gets a fresh job.
	code3, third := submitAsync(t, s, map[string]string{"Idempotency-Key": "k-2"})
	require.Equal(t, http.StatusAccepted, code3)
	assert.NotEqual(t, first.JobID, third.JobID)
}

func TestRedisIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()

	existing, dup, err := store.Reserve(ctx, "t1:k", "job-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Empty(t, existing)

	existing, dup, err = store.Reserve(ctx, "t1:k", "job-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "job-1", existing)

	mr.FastForward(2 * time.Hour)
	_, dup, err = store.Reserve(ctx, "t1:k", "job-3", time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestProvidersEndpoints(t *testing.T) {
	s, e := newTestServer(t)
	registerMock(t, e, llm.NewMockProvider("p1"))
	registerMock(t, e, llm.NewMockProvider("p2"))

	rec := do(s, httptest.NewRequest("GET", "/v1/providers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Providers []orchestrator.ProviderSummary `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Providers, 2)

	rec = do(s, httptest.NewRequest("GET", "/v1/providers/p1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var summary orchestrator.ProviderSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "p1", summary.ID)

	rec = do(s, httptest.NewRequest("GET", "/v1/providers/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, httptest.NewRequest("POST", "/v1/providers/p1/circuit-breaker/reset", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, httptest.NewRequest("POST", "/v1/providers/nope/circuit-breaker/reset", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPluginsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, httptest.NewRequest("GET", "/v1/plugins", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), orchestrator.RouterPluginID)

	rec = do(s, httptest.NewRequest("POST", "/v1/plugins/"+orchestrator.RouterPluginID+"/reload", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, httptest.NewRequest("POST", "/v1/plugins/nope/reload", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestAuthRejectsMissingToken(t *testing.T) {
	secret := []byte("s3cret")
	s, e := newTestServer(t, WithAuth(secret))
	registerMock(t, e, llm.NewMockProvider("p1"))

	rec := do(s, httptest.NewRequest("POST", "/v1/inference/completions", completionsBody(t)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open for load balancer probes.
	rec = do(s, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAcceptsValidToken(t *testing.T) {
	secret := []byte("s3cret")
	s, e := newTestServer(t, WithAuth(secret))
	registerMock(t, e, llm.NewMockProvider("p1"))

	token := signToken(t, secret, jwt.MapClaims{
		"sub":       "user-1",
		"tenant_id": "acme",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest("POST", "/v1/inference/completions", completionsBody(t))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := do(s, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	s, e := newTestServer(t, WithAuth([]byte("right")))
	registerMock(t, e, llm.NewMockProvider("p1"))

	token := signToken(t, []byte("wrong"), jwt.MapClaims{"tenant_id": "acme"})
	req := httptest.NewRequest("POST", "/v1/inference/completions", completionsBody(t))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := do(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetricsEndpointScrapes(t *testing.T) {
	m := metrics.New()
	s, e := newTestServer(t, WithHTTPMetrics(m))
	registerMock(t, e, llm.NewMockProvider("p1"))

	do(s, httptest.NewRequest("POST", "/v1/inference/completions", completionsBody(t)))

	rec := do(s, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modelgate_http_requests_total")
}

func TestTimeoutMsOverridesRequestTimeout(t *testing.T) {
	s, e := newTestServer(t)
	p1 := llm.NewMockProvider("p1")
	p1.InferDelay = 500 * time.Millisecond
	registerMock(t, e, p1)

	body, err := json.Marshal(map[string]any{
		"request_id": "req-to",
		"model":      "m",
		"messages":   []map[string]string{{"role": "user", "content": "hi"}},
		"timeout_ms": 50,
	})
	require.NoError(t, err)

	rec := do(s, httptest.NewRequest("POST", "/v1/inference/completions", bytes.NewReader(body)))
	require.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	assert.Equal(t, "timeout", eb.Error.Kind)
	assert.True(t, eb.Error.Retryable)
}

func TestRetryAfterHeaderOnOpenCircuit(t *testing.T) {
	s, e := newTestServer(t)
	p1 := llm.NewMockProvider("p1")
	for i := 0; i < 5; i++ {
		p1.Script = append(p1.Script, llm.NewError(llm.KindProviderUnavailable, "down"))
	}
	registerMock(t, e, p1)

	// Trip the breaker.
	for i := 0; i < 5; i++ {
		do(s, httptest.NewRequest("POST", "/v1/inference/completions", completionsBody(t)))
	}

	rec := do(s, httptest.NewRequest("POST", "/v1/inference/completions", completionsBody(t)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
