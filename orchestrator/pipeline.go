// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"modelgate/gateway/orchestrator/audit"
	"modelgate/gateway/orchestrator/breaker"
	"modelgate/gateway/orchestrator/llm"
	"modelgate/gateway/orchestrator/plugin"
)

// Infer executes one unary inference request through the full phase
// pipeline. The last provider error is surfaced when every attempt
// fails. Exactly one terminal audit event is emitted per request.
func (e *Engine) Infer(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (*llm.InferenceResponse, error) {
	if req == nil {
		return nil, llm.NewError(llm.KindValidation, "request is required")
	}
	req = req.Normalize()

	timeout := req.Timeout
	if tenant.Timeout > 0 {
		timeout = tenant.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := plugin.NewExecutionContext(req, tenant, time.Now().Add(timeout))
	e.emitStarted(ctx, audit.InferenceStarted, ec)

	for _, phase := range []plugin.Phase{plugin.PhaseValidate, plugin.PhaseRoute, plugin.PhasePreInfer} {
		e.runPhase(ctx, phase, ec)
		if ec.ShortCircuited() {
			return nil, e.finishUnary(ctx, ec)
		}
	}

	ec.Phase = plugin.PhaseInfer
	resp, err := e.executeWithRetry(ctx, ec)
	if err != nil {
		ec.Fail(err)
		return nil, e.finishUnary(ctx, ec)
	}
	ec.Response = resp

	e.runPhase(ctx, plugin.PhasePostInfer, ec)
	if ec.ShortCircuited() {
		return nil, e.finishUnary(ctx, ec)
	}
	return ec.Response, e.finishUnary(ctx, ec)
}

// runPhase executes a phase's plugins in order. The first plugin error
// short-circuits the remainder of the phase.
func (e *Engine) runPhase(ctx context.Context, phase plugin.Phase, ec *plugin.ExecutionContext) {
	ec.Phase = phase
	for _, p := range e.plugins.ForPhase(phase) {
		if err := p.Execute(ctx, ec); err != nil {
			e.logger.Printf("plugin %s failed request %s in phase %s: %v",
				p.ID(), ec.Request.RequestID, phase, err)
			ec.Fail(err)
			return
		}
	}
}

// executeWithRetry walks the routing decision's candidate order under
// the circuit breakers. Retryable failures advance to the next
// candidate with backoff; non-retryable failures surface immediately.
func (e *Engine) executeWithRetry(ctx context.Context, ec *plugin.ExecutionContext) (*llm.InferenceResponse, error) {
	decision := ec.Routing
	if decision == nil {
		return nil, llm.NewError(llm.KindInternal, "no routing decision")
	}

	candidates := decision.Candidates()
	maxAttempts := e.maxAttempts
	if ec.Tenant.MaxAttempts > 0 && ec.Tenant.MaxAttempts < maxAttempts {
		maxAttempts = ec.Tenant.MaxAttempts
	}
	if maxAttempts > len(candidates) {
		maxAttempts = len(candidates)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if cerr := llm.FromContext(ctx); cerr != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, cerr
		}

		providerID := candidates[attempt]
		ec.Provider = providerID

		if attempt > 0 {
			e.metrics.AttemptRetried(providerID, string(llm.KindOf(lastErr)))
			// An open circuit on the primary costs nothing to walk away
			// from; only wait when the failure consumed the backend.
			if !(llm.IsKind(lastErr, llm.KindCircuitOpen) && attempt == 1) {
				if err := e.sleep(ctx, e.backoffDelay(attempt-1)); err != nil {
					return nil, lastErr
				}
			}
		}

		resp, err := e.attempt(ctx, providerID, ec)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !llm.IsRetryable(err) {
			return nil, err
		}
		e.logger.Printf("attempt %d on %s for request %s failed: %v",
			attempt+1, providerID, ec.Request.RequestID, err)
	}

	if lastErr == nil {
		return nil, llm.Errorf(llm.KindAllProvidersUnavailable,
			"no candidate for model %s", ec.Request.Model)
	}
	return nil, lastErr
}

// attempt runs one provider call under its breaker and load tracking.
func (e *Engine) attempt(ctx context.Context, providerID string, ec *plugin.ExecutionContext) (*llm.InferenceResponse, error) {
	p, err := e.registry.Get(providerID)
	if err != nil {
		return nil, llm.WrapError(llm.KindProviderUnavailable, providerID, err)
	}

	br := e.breakers.forProvider(providerID)
	before := br.State()
	if err := br.Allow(); err != nil {
		return nil, err
	}

	tenant := ec.Tenant
	tenant.Attempt++

	e.inc(providerID)
	start := time.Now()
	resp, err := p.Infer(ctx, ec.Request, tenant)
	e.dec(providerID)

	if err != nil {
		if cerr := llm.FromContext(ctx); cerr != nil && llm.KindOf(err) == llm.KindInternal {
			err = cerr
		}
		concludeFailure(br, err)
		e.noteCircuitTransition(ctx, providerID, before, ec)
		return nil, err
	}

	br.RecordSuccess()
	e.noteCircuitTransition(ctx, providerID, before, ec)
	if resp != nil && resp.DurationMs == 0 {
		resp.DurationMs = time.Since(start).Milliseconds()
	}
	return resp, nil
}

// concludeFailure concludes a failed admitted call on its breaker. A
// cancelled call carries no backend signal and only releases the slot.
func concludeFailure(br *breaker.Breaker, err error) {
	if llm.IsKind(err, llm.KindCancelled) {
		br.RecordCancelled()
		return
	}
	br.RecordFailure(llm.IsRetryable(err))
}

func (e *Engine) inc(providerID string) int64 {
	n := e.inflight.inc(providerID)
	e.metrics.InflightChanged(providerID, n)
	return n
}

func (e *Engine) dec(providerID string) {
	e.metrics.InflightChanged(providerID, e.inflight.dec(providerID))
}

func (e *Engine) noteCircuitTransition(ctx context.Context, providerID string, before breaker.State, ec *plugin.ExecutionContext) {
	after := e.breakers.SnapshotOf(providerID).State
	if after == before {
		return
	}
	e.metrics.CircuitStateChanged(providerID, string(after))

	kind := audit.CircuitClosed
	if after == breaker.StateOpen {
		kind = audit.CircuitOpened
	}
	ev := audit.NewEvent(kind, ec.Request.RequestID)
	ev.TenantID = ec.Tenant.TenantID
	ev.Provider = providerID
	e.sink.Record(ctx, ev)
}

// backoffDelay computes min(max, initial*2^n) with 25% jitter either way.
func (e *Engine) backoffDelay(n int) time.Duration {
	d := e.backoffInitial << uint(n)
	if d > e.backoffMax || d <= 0 {
		d = e.backoffMax
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishUnary runs the audit phase, emits the single terminal event, and
// returns the context's error.
func (e *Engine) finishUnary(ctx context.Context, ec *plugin.ExecutionContext) error {
	e.runAuditPhase(ctx, ec)

	duration := time.Since(ec.StartedAt)
	switch {
	case ec.Err != nil && llm.IsKind(ec.Err, llm.KindCancelled):
		e.emitTerminal(ctx, audit.InferenceCancelled, ec, duration)
		e.metrics.RequestCompleted(ec.Request.Model, ec.Provider, "cancelled", duration, 0)
	case ec.Err != nil:
		e.emitTerminal(ctx, audit.InferenceFailed, ec, duration)
		e.metrics.RequestCompleted(ec.Request.Model, ec.Provider, "failed", duration, 0)
	default:
		e.emitTerminal(ctx, audit.InferenceCompleted, ec, duration)
		tokens := 0
		if ec.Response != nil {
			tokens = ec.Response.TokensUsed
		}
		e.metrics.RequestCompleted(ec.Request.Model, ec.Provider, "completed", duration, tokens)
	}
	return ec.Err
}

// runAuditPhase never short-circuits: audit plugins observe the outcome
// but cannot change it.
func (e *Engine) runAuditPhase(ctx context.Context, ec *plugin.ExecutionContext) {
	ec.Phase = plugin.PhaseAudit
	for _, p := range e.plugins.ForPhase(plugin.PhaseAudit) {
		if err := p.Execute(ctx, ec); err != nil {
			e.logger.Printf("audit plugin %s failed for request %s: %v",
				p.ID(), ec.Request.RequestID, err)
		}
	}
}

func (e *Engine) emitStarted(ctx context.Context, kind audit.Kind, ec *plugin.ExecutionContext) {
	ev := audit.NewEvent(kind, ec.Request.RequestID)
	ev.TenantID = ec.Tenant.TenantID
	ev.Model = ec.Request.Model
	e.sink.Record(ctx, ev)
}

func (e *Engine) emitTerminal(ctx context.Context, kind audit.Kind, ec *plugin.ExecutionContext, duration time.Duration) {
	ev := audit.NewEvent(kind, ec.Request.RequestID)
	ev.TenantID = ec.Tenant.TenantID
	ev.Model = ec.Request.Model
	ev.Provider = ec.Provider
	ev.Duration = duration.Milliseconds()
	if ec.Response != nil {
		ev.Tokens = ec.Response.TokensUsed
	}
	if ec.Err != nil {
		ev.ErrorKind = llm.KindOf(ec.Err)
		ev.Message = ec.Err.Error()
	}
	e.sink.Record(ctx, ev)
}
