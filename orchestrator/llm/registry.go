// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Registry lifecycle events delivered to the observer.
const (
	EventProviderRegistered   = "provider_registered"
	EventProviderUnregistered = "provider_unregistered"
)

// Registry defaults.
const (
	// DefaultHealthInterval is how often the background poller probes
	// every provider.
	DefaultHealthInterval = 15 * time.Second

	// DefaultProbeTimeout bounds each individual health probe.
	DefaultProbeTimeout = 5 * time.Second

	// shutdownGrace bounds provider shutdown when replaced or unregistered.
	shutdownGrace = 30 * time.Second
)

// Observer receives registry lifecycle events.
type Observer func(event, providerID, version string)

// Registry is the versioned catalogue of provider instances. It owns the
// providers it holds: unregistering (or replacing) an instance shuts it
// down. It is safe for concurrent use.
//
// Health is polled in the background into a cache; the cache is the sole
// health source the router consults. Provider Health is never called on
// the hot path.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string][]*providerEntry // version-ascending per id
	factory  ProviderFactory
	source   ProviderSource
	observer Observer
	logger   *log.Logger

	healthMu      sync.RWMutex
	healthResults map[string]Health

	probeTimeout time.Duration
}

type providerEntry struct {
	provider Provider
	version  string
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(l *log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithProviderSource sets the source scanned by Discover.
func WithProviderSource(s ProviderSource) RegistryOption {
	return func(r *Registry) { r.source = s }
}

// WithProviderFactory sets the factory used to instantiate discovered
// configurations.
func WithProviderFactory(f ProviderFactory) RegistryOption {
	return func(r *Registry) { r.factory = f }
}

// WithObserver sets the lifecycle event observer.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithProbeTimeout overrides the per-provider health probe timeout.
func WithProbeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.probeTimeout = d }
}

// NewRegistry creates an empty provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byID:          make(map[string][]*providerEntry),
		healthResults: make(map[string]Health),
		logger:        log.New(os.Stdout, "[PROVIDER_REGISTRY] ", log.LstdFlags),
		probeTimeout:  DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a provider. If the same (id, version) already exists the
// predecessor is replaced and shut down. Emits a registered event.
func (r *Registry) Register(ctx context.Context, p Provider) error {
	if p == nil {
		return NewError(KindValidation, "provider cannot be nil")
	}
	id := p.ID()
	if id == "" {
		return NewError(KindValidation, "provider id is required")
	}
	version := p.Version()

	var replaced Provider

	r.mu.Lock()
	entries := r.byID[id]
	idx := -1
	for i, e := range entries {
		if e.version == version {
			idx = i
			break
		}
	}
	if idx >= 0 {
		replaced = entries[idx].provider
		entries[idx] = &providerEntry{provider: p, version: version}
	} else {
		entries = append(entries, &providerEntry{provider: p, version: version})
		sort.Slice(entries, func(i, j int) bool {
			return compareVersions(entries[i].version, entries[j].version) < 0
		})
	}
	r.byID[id] = entries
	r.mu.Unlock()

	// Providers are routable before the first poll completes.
	r.healthMu.Lock()
	if _, ok := r.healthResults[id]; !ok {
		r.healthResults[id] = Health{Status: HealthUnknown, Timestamp: time.Now()}
	}
	r.healthMu.Unlock()

	if replaced != nil {
		r.shutdownProvider(replaced)
		r.logger.Printf("Replaced provider %s@%s", id, version)
	} else {
		r.logger.Printf("Registered provider %s@%s", id, version)
	}
	r.emit(EventProviderRegistered, id, version)
	return nil
}

// Unregister removes and shuts down all versions of a provider id.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	return r.unregister(id, "")
}

// UnregisterVersion removes and shuts down one specific version.
func (r *Registry) UnregisterVersion(ctx context.Context, id, version string) error {
	return r.unregister(id, version)
}

func (r *Registry) unregister(id, version string) error {
	var removed []*providerEntry

	r.mu.Lock()
	entries, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Errorf(KindValidation, "provider %q not found", id)
	}
	if version == "" {
		removed = entries
		delete(r.byID, id)
	} else {
		kept := entries[:0]
		for _, e := range entries {
			if e.version == version {
				removed = append(removed, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(removed) == 0 {
			r.mu.Unlock()
			return Errorf(KindValidation, "provider %s@%s not found", id, version)
		}
		if len(kept) == 0 {
			delete(r.byID, id)
		} else {
			r.byID[id] = kept
		}
	}
	allGone := r.byID[id] == nil
	r.mu.Unlock()

	if allGone {
		r.healthMu.Lock()
		delete(r.healthResults, id)
		r.healthMu.Unlock()
	}

	for _, e := range removed {
		r.shutdownProvider(e.provider)
		r.logger.Printf("Unregistered provider %s@%s", id, e.version)
		r.emit(EventProviderUnregistered, id, e.version)
	}
	return nil
}

// Get returns the latest version of a provider id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, ok := r.byID[id]
	if !ok || len(entries) == 0 {
		return nil, Errorf(KindValidation, "provider %q not found", id)
	}
	return entries[len(entries)-1].provider, nil
}

// GetVersion returns a specific version of a provider id.
func (r *Registry) GetVersion(id, version string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byID[id] {
		if e.version == version {
			return e.provider, nil
		}
	}
	return nil, Errorf(KindValidation, "provider %s@%s not found", id, version)
}

// List returns all provider ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForModel returns the latest version of every provider whose Supports
// accepts the model for the tenant, sorted by id.
func (r *Registry) ForModel(modelID string, tenant TenantContext) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entries := r.byID[id]
		p := entries[len(entries)-1].provider
		if p.Supports(modelID, tenant) {
			out = append(out, p)
		}
	}
	return out
}

// StreamingProviders returns the latest version of every provider whose
// capabilities advertise streaming, sorted by id.
func (r *Registry) StreamingProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entries := r.byID[id]
		p := entries[len(entries)-1].provider
		if p.Capabilities().Streaming {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of registered provider ids.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Discover performs a one-shot scan of the configured ProviderSource,
// instantiating and registering every enabled configuration through the
// factory. Already-registered ids are skipped.
func (r *Registry) Discover(ctx context.Context) (int, error) {
	if r.source == nil || r.factory == nil {
		return 0, nil
	}

	configs, err := r.source.ListConfigs(ctx)
	if err != nil {
		return 0, WrapError(KindInternal, "", fmt.Errorf("provider source scan failed: %w", err))
	}

	added := 0
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if _, err := r.Get(cfg.Name); err == nil {
			continue
		}
		p, err := r.factory(cfg)
		if err != nil {
			r.logger.Printf("Warning: failed to create provider %q: %v", cfg.Name, err)
			continue
		}
		if err := p.Initialize(ctx, cfg); err != nil {
			r.logger.Printf("Warning: failed to initialize provider %q: %v", cfg.Name, err)
			continue
		}
		if err := r.Register(ctx, p); err != nil {
			r.logger.Printf("Warning: failed to register provider %q: %v", cfg.Name, err)
			continue
		}
		added++
	}

	if added > 0 {
		r.logger.Printf("Discovered %d provider(s)", added)
	}
	return added, nil
}

// HealthOf returns the cached health for a provider id. Missing entries
// report unknown.
func (r *Registry) HealthOf(id string) Health {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	if h, ok := r.healthResults[id]; ok {
		return h
	}
	return Health{Status: HealthUnknown}
}

// HealthSnapshot returns a copy of the health cache.
func (r *Registry) HealthSnapshot() map[string]Health {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	out := make(map[string]Health, len(r.healthResults))
	for id, h := range r.healthResults {
		out[id] = h
	}
	return out
}

// PollHealth probes every registered provider once, each under the probe
// timeout, and updates the cache.
func (r *Registry) PollHealth(ctx context.Context) {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.byID))
	for id, entries := range r.byID {
		providers[id] = entries[len(entries)-1].provider
	}
	r.mu.RUnlock()

	for id, p := range providers {
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		h, err := p.Health(probeCtx)
		cancel()
		if err != nil || h == nil {
			msg := "health probe failed"
			if err != nil {
				msg = err.Error()
			}
			h = &Health{Status: HealthUnhealthy, Message: msg}
		}
		if h.Timestamp.IsZero() {
			h.Timestamp = time.Now()
		}
		r.healthMu.Lock()
		r.healthResults[id] = *h
		r.healthMu.Unlock()
	}
}

// StartHealthLoop starts a background goroutine that polls provider health
// every interval until ctx is cancelled. The first poll runs immediately.
func (r *Registry) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	r.logger.Printf("Starting health loop (every %v)", interval)

	go func() {
		r.PollHealth(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Println("Stopping health loop")
				return
			case <-ticker.C:
				r.PollHealth(ctx)
			}
		}
	}()
}

// Close unregisters and shuts down every provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	all := r.byID
	r.byID = make(map[string][]*providerEntry)
	r.mu.Unlock()

	r.healthMu.Lock()
	r.healthResults = make(map[string]Health)
	r.healthMu.Unlock()

	for id, entries := range all {
		for _, e := range entries {
			r.shutdownProvider(e.provider)
			r.emit(EventProviderUnregistered, id, e.version)
		}
	}
	return nil
}

func (r *Registry) shutdownProvider(p Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		r.logger.Printf("Warning: provider %s shutdown failed: %v", p.ID(), err)
	}
}

// SetObserver installs the lifecycle event observer after construction.
// Call before any registration traffic; the field is not guarded.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

func (r *Registry) emit(event, id, version string) {
	if r.observer != nil {
		r.observer(event, id, version)
	}
}

// compareVersions orders two semver-ish strings ("1.2.3", leading "v"
// tolerated, missing fields read as zero). Non-numeric fields fall back to
// lexicographic comparison.
func compareVersions(a, b string) int {
	pa := parseVersion(a)
	pb := parseVersion(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a, b)
}

func parseVersion(v string) [3]int {
	var out [3]int
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.SplitN(v, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			break
		}
		out[i] = n
	}
	return out
}
