// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives inference requests through the phase
// pipeline: validation, routing, quota, the provider call with
// retry/fallback under circuit breakers, and auditing. It is the single
// entry point the gateway talks to.
package orchestrator

import (
	"context"
	"log"
	"os"
	"time"

	"modelgate/gateway/orchestrator/async"
	"modelgate/gateway/orchestrator/audit"
	"modelgate/gateway/orchestrator/breaker"
	"modelgate/gateway/orchestrator/llm"
	"modelgate/gateway/orchestrator/plugin"
	"modelgate/gateway/orchestrator/quota"
	"modelgate/gateway/orchestrator/router"
)

// Engine defaults.
const (
	DefaultMaxAttempts      = 3
	DefaultFirstByteTimeout = 10 * time.Second
	DefaultBackoffInitial   = 100 * time.Millisecond
	DefaultBackoffMax       = 30 * time.Second
)

// Engine owns the registries, the router, the breaker set, and the async
// job manager. All exported methods are safe for concurrent use.
type Engine struct {
	registry *llm.Registry
	plugins  *plugin.Registry
	router   *router.Router
	breakers *breakerSet
	inflight *inflightTracker
	jobs     *async.Manager
	sink     audit.Sink
	metrics  MetricsSink
	logger   *log.Logger

	maxAttempts      int
	firstByteTimeout time.Duration
	backoffInitial   time.Duration
	backoffMax       time.Duration
	healthInterval   time.Duration
	poolHint         llm.Pool

	strategyName router.StrategyName
	weights      map[string]float64

	quotaStore   quota.Store
	quotaLimit   int
	tenantLimits map[string]int

	asyncOpts []async.ManagerOption

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry injects a provider registry. Default is a fresh one.
func WithRegistry(r *llm.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithAuditSink sets the audit destination. Default logs to stdout.
func WithAuditSink(s audit.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithMetrics sets the metrics destination. Default discards.
func WithMetrics(m MetricsSink) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStrategy selects the routing strategy, with optional weighted-random
// weights.
func WithStrategy(name router.StrategyName, weights map[string]float64) Option {
	return func(e *Engine) {
		e.strategyName = name
		e.weights = weights
	}
}

// WithPoolHint restricts routing to one provider pool.
func WithPoolHint(pool llm.Pool) Option {
	return func(e *Engine) { e.poolHint = pool }
}

// WithMaxAttempts caps retry/fallback attempts per request.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithFirstByteTimeout bounds the wait for the first streamed chunk.
func WithFirstByteTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.firstByteTimeout = d
		}
	}
}

// WithBackoff sets the retry backoff envelope.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		if initial > 0 {
			e.backoffInitial = initial
		}
		if max > 0 {
			e.backoffMax = max
		}
	}
}

// WithBreakerOptions configures every per-provider circuit breaker.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(e *Engine) { e.breakers = newBreakerSet(opts...) }
}

// WithQuota enables the builtin quota plugin: store plus default
// per-minute limit and optional per-tenant overrides.
func WithQuota(store quota.Store, defaultLimit int, tenantLimits map[string]int) Option {
	return func(e *Engine) {
		e.quotaStore = store
		e.quotaLimit = defaultLimit
		e.tenantLimits = tenantLimits
	}
}

// WithHealthInterval sets the registry health poll cadence.
func WithHealthInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.healthInterval = d
		}
	}
}

// WithAsyncOptions forwards options to the async job manager.
func WithAsyncOptions(opts ...async.ManagerOption) Option {
	return func(e *Engine) { e.asyncOpts = append(e.asyncOpts, opts...) }
}

// New assembles an engine and registers the builtin plugins.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		plugins:          plugin.NewRegistry(),
		breakers:         newBreakerSet(),
		inflight:         newInflightTracker(),
		metrics:          NopMetrics{},
		logger:           log.New(os.Stdout, "[ORCHESTRATOR] ", log.LstdFlags),
		maxAttempts:      DefaultMaxAttempts,
		firstByteTimeout: DefaultFirstByteTimeout,
		backoffInitial:   DefaultBackoffInitial,
		backoffMax:       DefaultBackoffMax,
		healthInterval:   llm.DefaultHealthInterval,
		strategyName:     router.StrategyRoundRobin,
		sleep:            sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.registry == nil {
		e.registry = llm.NewRegistry()
	}
	if e.sink == nil {
		e.sink = audit.NewLogSink(nil)
	}
	e.registry.SetObserver(func(event, id, version string) {
		kind := audit.ProviderRegistered
		if event == llm.EventProviderUnregistered {
			kind = audit.ProviderUnregistered
		}
		ev := audit.NewEvent(kind, "")
		ev.Provider = id
		ev.Message = version
		e.sink.Record(context.Background(), ev)
	})

	strategy := router.NewStrategy(e.strategyName, e.weights, e.inflight)
	e.router = router.New(e.registry,
		router.WithStrategy(strategy),
		router.WithCircuitReader(e.breakers),
	)

	ctx := context.Background()
	if err := e.plugins.Register(ctx, validatorPlugin{}, nil); err != nil {
		return nil, err
	}
	if err := e.plugins.Register(ctx, &routerPlugin{router: e.router, pool: e.poolHint}, nil); err != nil {
		return nil, err
	}
	if e.quotaStore != nil {
		qp := &quotaPlugin{store: e.quotaStore, defaultLimit: e.quotaLimit, tenantLimits: e.tenantLimits}
		if err := e.plugins.Register(ctx, qp, nil); err != nil {
			return nil, err
		}
	}

	e.jobs = async.NewManager(e.Infer, e.asyncOpts...)
	return e, nil
}

// Start launches the health poll loop and the async worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.registry.StartHealthLoop(ctx, e.healthInterval)
	e.jobs.Start(ctx)
}

// Close drains async workers and shuts down plugins, providers, and the
// audit sink.
func (e *Engine) Close(ctx context.Context) error {
	e.jobs.Close()

	var firstErr error
	if err := e.plugins.Close(ctx); err != nil {
		firstErr = err
	}
	if err := e.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.sink.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Registry exposes the provider registry for registration and discovery.
func (e *Engine) Registry() *llm.Registry { return e.registry }

// Router exposes the router for decision introspection.
func (e *Engine) Router() *router.Router { return e.router }

// RegisterPlugin adds a user plugin to the pipeline.
func (e *Engine) RegisterPlugin(ctx context.Context, p plugin.Plugin, config map[string]any) error {
	return e.plugins.Register(ctx, p, config)
}

// ListPlugins returns plugin introspection records.
func (e *Engine) ListPlugins() []plugin.Info { return e.plugins.List() }

// ReloadPlugin cycles one plugin through shutdown and initialize.
func (e *Engine) ReloadPlugin(ctx context.Context, id string) error {
	return e.plugins.Reload(ctx, id)
}

// PluginsHealthy reports the conjunction of active plugin health.
func (e *Engine) PluginsHealthy(ctx context.Context) bool {
	return e.plugins.Healthy(ctx)
}

// ProviderSummary is the introspection view of one provider.
type ProviderSummary struct {
	ID           string           `json:"id"`
	Version      string           `json:"version"`
	DisplayName  string           `json:"display_name,omitempty"`
	Pool         llm.Pool         `json:"pool,omitempty"`
	Capabilities llm.Capabilities `json:"capabilities"`
	Health       llm.Health       `json:"health"`
	Circuit      breaker.Snapshot `json:"circuit"`
	Inflight     int64            `json:"inflight"`
}

// ListProviders returns a summary per registered provider id.
func (e *Engine) ListProviders() []ProviderSummary {
	ids := e.registry.List()
	out := make([]ProviderSummary, 0, len(ids))
	for _, id := range ids {
		p, err := e.registry.Get(id)
		if err != nil {
			continue
		}
		d := p.Descriptor()
		out = append(out, ProviderSummary{
			ID:           d.ID,
			Version:      d.Version,
			DisplayName:  d.DisplayName,
			Pool:         d.Pool,
			Capabilities: p.Capabilities(),
			Health:       e.registry.HealthOf(id),
			Circuit:      e.breakers.SnapshotOf(id),
			Inflight:     e.inflight.Inflight(id),
		})
	}
	return out
}

// GetProvider returns the summary for one provider id.
func (e *Engine) GetProvider(id string) (ProviderSummary, error) {
	p, err := e.registry.Get(id)
	if err != nil {
		return ProviderSummary{}, err
	}
	d := p.Descriptor()
	return ProviderSummary{
		ID:           d.ID,
		Version:      d.Version,
		DisplayName:  d.DisplayName,
		Pool:         d.Pool,
		Capabilities: p.Capabilities(),
		Health:       e.registry.HealthOf(id),
		Circuit:      e.breakers.SnapshotOf(id),
		Inflight:     e.inflight.Inflight(id),
	}, nil
}

// ResetCircuit forces a provider's breaker closed.
func (e *Engine) ResetCircuit(providerID string) {
	e.breakers.reset(providerID)
	e.metrics.CircuitStateChanged(providerID, string(breaker.StateClosed))
	e.logger.Printf("circuit for %s reset", providerID)
}

// CircuitSnapshot returns the breaker state for a provider id.
func (e *Engine) CircuitSnapshot(providerID string) breaker.Snapshot {
	return e.breakers.SnapshotOf(providerID)
}

// SubmitAsync enqueues a request for background execution.
func (e *Engine) SubmitAsync(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext, priority int) (string, error) {
	return e.jobs.Submit(ctx, req, tenant, priority)
}

// GetJob returns the stored job record.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*async.Job, error) {
	return e.jobs.Get(ctx, jobID)
}

// CancelJob cancels a queued or running job.
func (e *Engine) CancelJob(ctx context.Context, jobID string) bool {
	return e.jobs.Cancel(ctx, jobID)
}

// QueueStats returns async queue introspection counters.
func (e *Engine) QueueStats() async.Stats { return e.jobs.Stats() }
