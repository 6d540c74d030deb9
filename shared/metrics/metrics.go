// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Prometheus instrumentation for the gateway.
// The Metrics type satisfies the orchestrator's metrics sink interface
// without importing it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	inflight        *prometheus.GaugeVec
	circuitState    *prometheus.GaugeVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the gateway collectors and registers them on a fresh
// registry. Each call owns its own registry, so tests can create
// independent instances.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_requests_total",
				Help: "Total number of inference requests by outcome",
			},
			[]string{"model", "provider", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_request_duration_milliseconds",
				Help:    "End-to-end inference duration in milliseconds",
				Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"model", "provider"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_tokens_total",
				Help: "Total tokens consumed by completed requests",
			},
			[]string{"model", "provider"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_retries_total",
				Help: "Total retry attempts by provider and error kind",
			},
			[]string{"provider", "error_kind"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelgate_inflight_requests",
				Help: "In-flight requests per provider",
			},
			[]string{"provider"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelgate_circuit_state",
				Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
			},
			[]string{"provider"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_http_requests_total",
				Help: "Total HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_http_request_duration_milliseconds",
				Help:    "HTTP request duration in milliseconds",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
			},
			[]string{"route", "method"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.tokensTotal,
		m.retriesTotal,
		m.inflight,
		m.circuitState,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Handler serves the /metrics scrape endpoint for this instance's
// registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RequestCompleted records the outcome of one inference request.
func (m *Metrics) RequestCompleted(model, provider, outcome string, duration time.Duration, tokens int) {
	m.requestsTotal.WithLabelValues(model, provider, outcome).Inc()
	m.requestDuration.WithLabelValues(model, provider).Observe(float64(duration.Milliseconds()))
	if tokens > 0 {
		m.tokensTotal.WithLabelValues(model, provider).Add(float64(tokens))
	}
}

// AttemptRetried records one retry attempt against a provider.
func (m *Metrics) AttemptRetried(provider, errorKind string) {
	m.retriesTotal.WithLabelValues(provider, errorKind).Inc()
}

// InflightChanged records the current in-flight count for a provider.
func (m *Metrics) InflightChanged(provider string, inflight int64) {
	m.inflight.WithLabelValues(provider).Set(float64(inflight))
}

// CircuitStateChanged records a circuit breaker transition.
func (m *Metrics) CircuitStateChanged(provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.circuitState.WithLabelValues(provider).Set(v)
}

// RegisterQueueDepth exposes the async queue depth as a gauge sampled
// at scrape time.
func (m *Metrics) RegisterQueueDepth(depth func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "modelgate_async_queue_depth",
			Help: "Jobs waiting in the async queue",
		},
		depth,
	))
}

// HTTPRequest records one served HTTP request.
func (m *Metrics) HTTPRequest(route, method, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(float64(duration.Milliseconds()))
}
