// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package router selects providers for inference requests. It filters
// candidates by model support, health, and circuit state, orders them by
// score, and delegates the primary pick to a pluggable strategy.
package router

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"modelgate/gateway/orchestrator/breaker"
	"modelgate/gateway/orchestrator/llm"
)

// DecisionRingSize is the number of routing decisions retained for
// introspection.
const DecisionRingSize = 1024

// Catalog is the provider lookup surface the router depends on. The
// registry in the llm package implements it.
type Catalog interface {
	ForModel(modelID string, tenant llm.TenantContext) []llm.Provider
	HealthOf(providerID string) llm.Health
}

// CircuitReader exposes circuit snapshots. The orchestrator's breaker set
// implements it; a nil reader means every circuit is treated as closed.
type CircuitReader interface {
	SnapshotOf(providerID string) breaker.Snapshot
}

// RoutingContext carries the inputs of a single routing decision.
type RoutingContext struct {
	Request *llm.InferenceRequest
	Tenant  llm.TenantContext

	// PoolHint restricts candidates to a pool. Empty or hybrid means no
	// restriction.
	PoolHint llm.Pool
}

// Decision is the emitted routing record. Fallbacks are ordered by score
// descending; circuit-open candidates are appended as a last-resort tail.
type Decision struct {
	RequestID string         `json:"request_id"`
	ModelID   string         `json:"model_id"`
	Primary   string         `json:"primary"`
	Fallbacks []string       `json:"fallbacks,omitempty"`
	Score     int            `json:"score"`
	Scores    map[string]int `json:"scores,omitempty"`
	Strategy  StrategyName   `json:"strategy"`
	Pool      llm.Pool       `json:"pool,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// Candidates returns primary followed by fallbacks.
func (d *Decision) Candidates() []string {
	out := make([]string, 0, 1+len(d.Fallbacks))
	out = append(out, d.Primary)
	out = append(out, d.Fallbacks...)
	return out
}

// Router routes inference requests to providers.
type Router struct {
	catalog  Catalog
	circuits CircuitReader
	strategy Strategy
	logger   *log.Logger

	mu      sync.Mutex
	ring    [DecisionRingSize]*Decision
	ringPos int
	byReq   map[string]*Decision
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithStrategy sets the primary selector. Default is round-robin.
func WithStrategy(s Strategy) RouterOption {
	return func(r *Router) { r.strategy = s }
}

// WithCircuitReader wires circuit snapshots into candidate filtering and
// scoring.
func WithCircuitReader(cr CircuitReader) RouterOption {
	return func(r *Router) { r.circuits = cr }
}

// WithRouterLogger overrides the default logger.
func WithRouterLogger(l *log.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// New creates a Router over a provider catalog.
func New(catalog Catalog, opts ...RouterOption) *Router {
	r := &Router{
		catalog:  catalog,
		strategy: NewRoundRobin(),
		logger:   log.New(os.Stdout, "[ROUTER] ", log.LstdFlags),
		byReq:    make(map[string]*Decision),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route computes a routing decision for the request. An empty candidate
// set yields an all-providers-unavailable error. The decision is recorded
// in the introspection ring keyed by request id.
func (r *Router) Route(ctx context.Context, rc RoutingContext) (*Decision, error) {
	if rc.Request == nil {
		return nil, llm.NewError(llm.KindValidation, "routing requires a request")
	}
	modelID := rc.Request.Model

	var live, lastResort []llm.Provider
	for _, p := range r.catalog.ForModel(modelID, rc.Tenant) {
		if !r.inPool(p, rc.PoolHint) {
			continue
		}
		if !r.catalog.HealthOf(p.ID()).Status.Routable() {
			continue
		}
		if r.circuitState(p.ID()) == breaker.StateOpen {
			lastResort = append(lastResort, p)
			continue
		}
		live = append(live, p)
	}

	if len(live) == 0 && len(lastResort) == 0 {
		return nil, llm.Errorf(llm.KindAllProvidersUnavailable,
			"no provider available for model %s", modelID)
	}

	scores := make(map[string]int, len(live)+len(lastResort))
	for _, p := range append(append([]llm.Provider(nil), live...), lastResort...) {
		scores[p.ID()] = r.score(p, rc.Tenant)
	}

	ordered := idsByScore(live, scores)
	tail := idsByScore(lastResort, scores)

	var primary string
	if len(ordered) > 0 {
		primary = r.strategy.Select(rc.PoolHint, ordered)
	} else {
		// Every candidate has an open circuit; probe the best one.
		primary = tail[0]
		tail = tail[1:]
	}

	if pref := rc.Request.PreferredProvider; pref != "" && pref != primary {
		if contains(ordered, pref) {
			primary = pref
		} else {
			r.logger.Printf("preferred provider %s not a candidate for model %s, using %s",
				pref, modelID, primary)
		}
	}

	fallbacks := make([]string, 0, len(ordered)+len(tail))
	for _, id := range ordered {
		if id != primary {
			fallbacks = append(fallbacks, id)
		}
	}
	fallbacks = append(fallbacks, tail...)

	d := &Decision{
		RequestID: rc.Request.RequestID,
		ModelID:   modelID,
		Primary:   primary,
		Fallbacks: fallbacks,
		Score:     scores[primary],
		Scores:    scores,
		Strategy:  r.strategy.Name(),
		Pool:      rc.PoolHint,
		DecidedAt: time.Now(),
	}
	r.record(d)
	return d, nil
}

// DecisionFor returns the last recorded decision for a request id.
func (r *Router) DecisionFor(requestID string) (*Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byReq[requestID]
	return d, ok
}

// RecentDecisions returns up to n most recent decisions, newest first.
func (r *Router) RecentDecisions(n int) []*Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > DecisionRingSize {
		n = DecisionRingSize
	}
	out := make([]*Decision, 0, n)
	for i := 0; i < DecisionRingSize && len(out) < n; i++ {
		slot := (r.ringPos - 1 - i + DecisionRingSize) % DecisionRingSize
		if r.ring[slot] == nil {
			break
		}
		out = append(out, r.ring[slot])
	}
	return out
}

func (r *Router) record(d *Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if evicted := r.ring[r.ringPos]; evicted != nil {
		if r.byReq[evicted.RequestID] == evicted {
			delete(r.byReq, evicted.RequestID)
		}
	}
	r.ring[r.ringPos] = d
	r.ringPos = (r.ringPos + 1) % DecisionRingSize
	r.byReq[d.RequestID] = d
}

// score grades a candidate for the decision record: 100 base, -20 per
// consecutive recent failure, +10 on device match, +5 for local providers
// when the tenant is cost-sensitive.
func (r *Router) score(p llm.Provider, tenant llm.TenantContext) int {
	score := 100
	if r.circuits != nil {
		score -= 20 * r.circuits.SnapshotOf(p.ID()).ConsecutiveFailures
	}
	if tenant.PreferredDevice != "" && p.Capabilities().SupportsDevice(tenant.PreferredDevice) {
		score += 10
	}
	if tenant.CostSensitive && p.Descriptor().Pool == llm.PoolLocal {
		score += 5
	}
	return score
}

func (r *Router) circuitState(providerID string) breaker.State {
	if r.circuits == nil {
		return breaker.StateClosed
	}
	return r.circuits.SnapshotOf(providerID).State
}

// inPool reports pool membership. Hybrid providers belong to every pool;
// an empty or hybrid hint matches everything.
func (r *Router) inPool(p llm.Provider, hint llm.Pool) bool {
	if hint == "" || hint == llm.PoolHybrid {
		return true
	}
	pool := p.Descriptor().Pool
	return pool == hint || pool == llm.PoolHybrid
}

// idsByScore orders provider ids by score descending, ties lexicographic.
func idsByScore(providers []llm.Provider, scores map[string]int) []string {
	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.ID())
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
