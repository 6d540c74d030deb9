// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
)

// Registry owns plugin lifecycle. Registration drives a plugin through
// registered, initialized, and active; any lifecycle error leaves it
// failed until a reload succeeds. Execution-path reads take the read lock
// only.
type Registry struct {
	logger *log.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	plugin Plugin
	state  State
	config map[string]any
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger overrides the default logger.
func WithRegistryLogger(l *log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:  log.New(os.Stdout, "[PLUGINS] ", log.LstdFlags),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a plugin and drives it to active. On initialization
// failure the plugin is retained in the failed state so a later Reload
// can recover it; the error is returned to the caller.
func (r *Registry) Register(ctx context.Context, p Plugin, config map[string]any) error {
	if p.ID() == "" {
		return fmt.Errorf("plugin id is required")
	}
	if !validPhase(p.Phase()) {
		return fmt.Errorf("plugin %s declares unknown phase %q", p.ID(), p.Phase())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[p.ID()]; exists {
		return fmt.Errorf("plugin %s is already registered", p.ID())
	}

	e := &entry{plugin: p, state: StateRegistered, config: config}
	r.entries[p.ID()] = e

	if err := p.Initialize(ctx, config); err != nil {
		e.state = StateFailed
		r.logger.Printf("plugin %s failed to initialize: %v", p.ID(), err)
		return fmt.Errorf("initialize plugin %s: %w", p.ID(), err)
	}
	e.state = StateInitialized
	e.state = StateActive
	r.logger.Printf("plugin %s v%s active in phase %s (order %d)",
		p.ID(), p.Version(), p.Phase(), orderOf(p))
	return nil
}

// Unregister shuts a plugin down and removes it.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("plugin %s is not registered", id)
	}
	delete(r.entries, id)

	if err := e.plugin.Shutdown(ctx); err != nil {
		r.logger.Printf("plugin %s shutdown error: %v", id, err)
		return err
	}
	e.state = StateStopped
	return nil
}

// Reload drives shutdown, initialize, and activate as one atomic step.
// On any failure the plugin remains failed and the pipeline skips it.
func (r *Registry) Reload(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("plugin %s is not registered", id)
	}

	if e.state == StateActive {
		if err := e.plugin.Shutdown(ctx); err != nil {
			e.state = StateFailed
			return fmt.Errorf("shutdown plugin %s: %w", id, err)
		}
	}
	if err := e.plugin.Initialize(ctx, e.config); err != nil {
		e.state = StateFailed
		return fmt.Errorf("initialize plugin %s: %w", id, err)
	}
	e.state = StateActive
	r.logger.Printf("plugin %s reloaded", id)
	return nil
}

// ForPhase returns the active plugins of a phase ordered ascending,
// ties broken by id. Failed and stopped plugins are skipped.
func (r *Registry) ForPhase(phase Phase) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Plugin
	for _, e := range r.entries {
		if e.state == StateActive && e.plugin.Phase() == phase {
			out = append(out, e.plugin)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := orderOf(out[i]), orderOf(out[j])
		if oi != oj {
			return oi < oj
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// StateOf returns the lifecycle state of a plugin.
func (r *Registry) StateOf(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// List returns introspection records sorted by phase order, then order,
// then id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			ID:      e.plugin.ID(),
			Version: e.plugin.Version(),
			Phase:   e.plugin.Phase(),
			Order:   orderOf(e.plugin),
			State:   e.state,
			Config:  e.config,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := phaseIndex(out[i].Phase), phaseIndex(out[j].Phase)
		if pi != pj {
			return pi < pj
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Healthy reports whether every active plugin is healthy.
func (r *Registry) Healthy(ctx context.Context) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.state == StateActive && !e.plugin.Healthy(ctx) {
			return false
		}
	}
	return true
}

// Close shuts down every plugin and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, e := range r.entries {
		if err := e.plugin.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown plugin %s: %w", id, err)
		}
		e.state = StateStopped
	}
	r.entries = make(map[string]*entry)
	return firstErr
}

func validPhase(p Phase) bool {
	for _, ph := range Phases {
		if p == ph {
			return true
		}
	}
	return false
}

func phaseIndex(p Phase) int {
	for i, ph := range Phases {
		if p == ph {
			return i
		}
	}
	return len(Phases)
}
