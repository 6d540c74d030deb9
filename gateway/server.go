// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package gateway exposes the orchestrator over HTTP: unary and
// streaming inference, async jobs, and the provider and plugin
// management surface.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"modelgate/gateway/orchestrator"
	"modelgate/gateway/shared/logger"
	"modelgate/gateway/shared/metrics"
)

// DefaultIdempotencyTTL is how long an Idempotency-Key dedupes async
// submissions.
const DefaultIdempotencyTTL = 24 * time.Hour

// Server is the HTTP front end for one orchestrator engine.
type Server struct {
	engine  *orchestrator.Engine
	logger  *logger.Logger
	metrics *metrics.Metrics
	idem    IdempotencyStore
	idemTTL time.Duration

	jwtSecret      []byte
	allowedOrigins []string

	router *mux.Router
	http   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAuth enables HS256 bearer token validation with the given secret.
func WithAuth(secret []byte) Option {
	return func(s *Server) { s.jwtSecret = secret }
}

// WithHTTPMetrics installs the Prometheus collectors and exposes the
// scrape endpoint.
func WithHTTPMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins restricts CORS to the given origins. Default is
// all origins.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithIdempotencyStore replaces the in-memory idempotency store,
// typically with the Redis-backed one.
func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(s *Server) { s.idem = store }
}

// WithServerLogger replaces the default logger.
func WithServerLogger(l *logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer wires the routes for engine.
func NewServer(engine *orchestrator.Engine, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		logger:  logger.New("gateway"),
		idem:    newMemoryIdempotencyStore(),
		idemTTL: DefaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/inference/completions", s.handleCompletions).Methods("POST")
	v1.HandleFunc("/inference/completions/stream", s.handleStream).Methods("POST")

	v1.HandleFunc("/inference/async", s.handleAsyncSubmit).Methods("POST")
	v1.HandleFunc("/inference/async/{jobId}", s.handleAsyncGet).Methods("GET")
	v1.HandleFunc("/inference/async/{jobId}", s.handleAsyncCancel).Methods("DELETE")

	v1.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	v1.HandleFunc("/providers/{id}", s.handleGetProvider).Methods("GET")
	v1.HandleFunc("/providers/{id}/circuit-breaker/reset", s.handleResetCircuit).Methods("POST")

	v1.HandleFunc("/plugins", s.handleListPlugins).Methods("GET")
	v1.HandleFunc("/plugins/{id}/reload", s.handleReloadPlugin).Methods("POST")

	r.Use(s.requestIDMiddleware, s.observeMiddleware)
	return r
}

// Handler returns the full middleware chain, CORS outermost.
func (s *Server) Handler() http.Handler {
	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// ListenAndServe starts the HTTP listener on addr and blocks until the
// server stops.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("", "", "gateway listening", map[string]any{"addr": addr})
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
