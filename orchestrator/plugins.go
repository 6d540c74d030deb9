// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"

	"modelgate/gateway/orchestrator/llm"
	"modelgate/gateway/orchestrator/plugin"
	"modelgate/gateway/orchestrator/quota"
	"modelgate/gateway/orchestrator/router"
)

// Builtin plugin ids.
const (
	ValidatorPluginID = "core/validator"
	RouterPluginID    = "core/router"
	QuotaPluginID     = "core/quota"
)

// validatorPlugin enforces the structural request invariants at the head
// of the validate phase.
type validatorPlugin struct{}

func (validatorPlugin) ID() string      { return ValidatorPluginID }
func (validatorPlugin) Version() string { return "1.0.0" }
func (validatorPlugin) Phase() plugin.Phase {
	return plugin.PhaseValidate
}
func (validatorPlugin) Order() int { return 10 }

func (validatorPlugin) Initialize(ctx context.Context, config map[string]any) error { return nil }

func (validatorPlugin) Execute(ctx context.Context, ec *plugin.ExecutionContext) error {
	return ec.Request.Validate()
}

func (validatorPlugin) Healthy(ctx context.Context) bool   { return true }
func (validatorPlugin) Shutdown(ctx context.Context) error { return nil }

// routerPlugin computes the routing decision during the route phase.
type routerPlugin struct {
	router *router.Router
	pool   llm.Pool
}

func (p *routerPlugin) ID() string          { return RouterPluginID }
func (p *routerPlugin) Version() string     { return "1.0.0" }
func (p *routerPlugin) Phase() plugin.Phase { return plugin.PhaseRoute }
func (p *routerPlugin) Order() int          { return 10 }

func (p *routerPlugin) Initialize(ctx context.Context, config map[string]any) error { return nil }

func (p *routerPlugin) Execute(ctx context.Context, ec *plugin.ExecutionContext) error {
	decision, err := p.router.Route(ctx, router.RoutingContext{
		Request:  ec.Request,
		Tenant:   ec.Tenant,
		PoolHint: p.pool,
	})
	if err != nil {
		return err
	}
	ec.Routing = decision
	return nil
}

func (p *routerPlugin) Healthy(ctx context.Context) bool   { return true }
func (p *routerPlugin) Shutdown(ctx context.Context) error { return nil }

// quotaPlugin enforces per-tenant request budgets at the head of the
// pre-infer phase. Tenants without an override use the default limit;
// zero disables enforcement.
type quotaPlugin struct {
	store        quota.Store
	defaultLimit int
	tenantLimits map[string]int
}

func (p *quotaPlugin) ID() string          { return QuotaPluginID }
func (p *quotaPlugin) Version() string     { return "1.0.0" }
func (p *quotaPlugin) Phase() plugin.Phase { return plugin.PhasePreInfer }
func (p *quotaPlugin) Order() int          { return 10 }

func (p *quotaPlugin) Initialize(ctx context.Context, config map[string]any) error { return nil }

func (p *quotaPlugin) Execute(ctx context.Context, ec *plugin.ExecutionContext) error {
	limit := p.defaultLimit
	if override, ok := p.tenantLimits[ec.Tenant.TenantID]; ok {
		limit = override
	}
	if limit <= 0 {
		return nil
	}
	return p.store.Allow(ctx, ec.Tenant.TenantID, limit)
}

func (p *quotaPlugin) Healthy(ctx context.Context) bool   { return true }
func (p *quotaPlugin) Shutdown(ctx context.Context) error { return nil }

var (
	_ plugin.Plugin = validatorPlugin{}
	_ plugin.Plugin = (*routerPlugin)(nil)
	_ plugin.Plugin = (*quotaPlugin)(nil)
)
