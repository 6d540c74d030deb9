// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"modelgate/gateway/orchestrator/llm"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	tenantKey    contextKey = "tenant"
)

// RequestIDFrom returns the request id assigned by the middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// TenantFrom returns the tenant context extracted by the auth
// middleware.
func TenantFrom(ctx context.Context) llm.TenantContext {
	t, _ := ctx.Value(tenantKey).(llm.TenantContext)
	return t
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestIDMiddleware assigns each request an id, honoring one supplied
// by the caller.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// observeMiddleware logs each request and records HTTP metrics against
// the route template.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.metrics != nil {
			s.metrics.HTTPRequest(route, r.Method, fmt.Sprintf("%d", rec.status), elapsed)
		}

		tenant := TenantFrom(r.Context())
		s.logger.InfoWithDuration(tenant.TenantID, RequestIDFrom(r.Context()),
			fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			float64(elapsed.Milliseconds()),
			map[string]any{"status": rec.status, "route": route})
	})
}

// authMiddleware validates the bearer token when auth is enabled and
// builds the tenant context from the token claims and headers. The
// X-Tenant-ID header wins over the token claim so operators can proxy
// on behalf of tenants.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := llm.TenantContext{
			TenantID:  r.Header.Get("X-Tenant-ID"),
			SessionID: r.Header.Get("X-Session-ID"),
			TraceID:   r.Header.Get("X-Trace-ID"),
		}

		if s.jwtSecret != nil {
			claims, err := s.parseBearer(r)
			if err != nil {
				writeError(w, llm.WrapError(llm.KindAuth, "", err))
				return
			}
			if tenant.TenantID == "" {
				tenant.TenantID, _ = claims["tenant_id"].(string)
			}
			tenant.UserID, _ = claims["sub"].(string)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

func (s *Server) parseBearer(r *http.Request) (jwt.MapClaims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// IdempotencyStore deduplicates async submissions by caller-supplied
// key. Reserve returns the previously stored job id when the key was
// already used within the TTL.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, jobID string, ttl time.Duration) (existing string, dup bool, err error)
}

// RedisIdempotencyStore backs idempotency keys with Redis SETNX.
type RedisIdempotencyStore struct {
	client *redis.Client
}

func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	rkey := "idem:" + key
	ok, err := s.client.SetNX(ctx, rkey, jobID, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", false, nil
	}
	existing, err := s.client.Get(ctx, rkey).Result()
	if err != nil {
		return "", false, err
	}
	return existing, true, nil
}

// memoryIdempotencyStore is the single-instance fallback when Redis is
// not configured. Entries expire lazily on lookup.
type memoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryIdemEntry
}

type memoryIdemEntry struct {
	jobID   string
	expires time.Time
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{entries: make(map[string]memoryIdemEntry)}
}

func (s *memoryIdempotencyStore) Reserve(ctx context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		return e.jobID, true, nil
	}
	s.entries[key] = memoryIdemEntry{jobID: jobID, expires: now.Add(ttl)}
	return "", false, nil
}
