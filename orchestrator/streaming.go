// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"time"

	"modelgate/gateway/orchestrator/audit"
	"modelgate/gateway/orchestrator/llm"
	"modelgate/gateway/orchestrator/plugin"
)

// Stream executes a streaming inference request. Before the first chunk
// arrives the call fails over between candidates like a unary request;
// once chunks flow there is no mid-stream fallback. Chunks pass through
// post-infer plugins one at a time, in order. The returned channel is
// closed after the final or error chunk.
func (e *Engine) Stream(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (<-chan llm.StreamChunk, error) {
	if req == nil {
		return nil, llm.NewError(llm.KindValidation, "request is required")
	}
	req = req.Normalize()
	req.Streaming = true

	timeout := req.Timeout
	if tenant.Timeout > 0 {
		timeout = tenant.Timeout
	}
	streamCtx, cancel := context.WithTimeout(ctx, timeout)

	ec := plugin.NewExecutionContext(req, tenant, time.Now().Add(timeout))
	e.emitStarted(streamCtx, audit.StreamStarted, ec)

	for _, phase := range []plugin.Phase{plugin.PhaseValidate, plugin.PhaseRoute, plugin.PhasePreInfer} {
		e.runPhase(streamCtx, phase, ec)
		if ec.ShortCircuited() {
			err := e.finishStream(streamCtx, ec, 0)
			cancel()
			return nil, err
		}
	}

	ec.Phase = plugin.PhaseInfer
	opened, err := e.openStream(streamCtx, ec)
	if err != nil {
		ec.Fail(err)
		ferr := e.finishStream(streamCtx, ec, 0)
		cancel()
		return nil, ferr
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer cancel()
		defer opened.cancel()
		defer opened.release()
		e.forwardStream(streamCtx, ec, opened, out)
	}()
	return out, nil
}

// openedStream is a provider stream that has delivered its first chunk.
type openedStream struct {
	first   llm.StreamChunk
	chunks  <-chan llm.StreamChunk
	cancel  context.CancelFunc
	release func()
}

// openStream walks the candidate order until a provider delivers its
// first chunk within the first-byte timeout. Candidates without
// streaming support are skipped.
func (e *Engine) openStream(ctx context.Context, ec *plugin.ExecutionContext) (*openedStream, error) {
	candidates := ec.Routing.Candidates()
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
			if lastErr == nil {
				lastErr = cerr
			}
			break
		}

		providerID := candidates[attempt]
		ec.Provider = providerID
		if attempt > 0 {
			e.metrics.AttemptRetried(providerID, string(llm.KindOf(lastErr)))
		}

		opened, err := e.openProviderStream(ctx, providerID, ec)
		if err == nil {
			return opened, nil
		}
		lastErr = err
		if !llm.IsRetryable(err) {
			break
		}
		e.logger.Printf("stream attempt %d on %s for request %s failed: %v",
			attempt+1, providerID, ec.Request.RequestID, err)
	}

	if lastErr == nil {
		lastErr = llm.Errorf(llm.KindAllProvidersUnavailable,
			"no streaming candidate for model %s", ec.Request.Model)
	}
	return nil, lastErr
}

// openProviderStream subscribes to one provider and waits for its first
// chunk under the breaker and the first-byte timeout.
func (e *Engine) openProviderStream(ctx context.Context, providerID string, ec *plugin.ExecutionContext) (*openedStream, error) {
	fail := func(cancel context.CancelFunc, err error) (*openedStream, error) {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}

	p, err := e.registry.Get(providerID)
	if err != nil {
		return fail(nil, llm.WrapError(llm.KindProviderUnavailable, providerID, err))
	}
	sp, ok := p.(llm.StreamingProvider)
	if !ok || !p.Capabilities().Streaming {
		return fail(nil, llm.Errorf(llm.KindProviderUnavailable,
			"provider %s does not support streaming", providerID))
	}

	br := e.breakers.forProvider(providerID)
	if err := br.Allow(); err != nil {
		return fail(nil, err)
	}

	tenant := ec.Tenant
	tenant.Attempt++

	attemptCtx, cancel := context.WithCancel(ctx)
	e.inc(providerID)
	release := func() {
		e.dec(providerID)
	}

	chunks, err := sp.Stream(attemptCtx, ec.Request, tenant)
	if err != nil {
		release()
		concludeFailure(br, err)
		return fail(cancel, err)
	}

	timer := time.NewTimer(e.firstByteTimeout)
	defer timer.Stop()

	select {
	case first, open := <-chunks:
		if !open {
			release()
			err := llm.Errorf(llm.KindProviderUnavailable,
				"provider %s closed the stream before the first chunk", providerID)
			err.Provider = providerID
			br.RecordFailure(true)
			return fail(cancel, err)
		}
		if first.Err != "" {
			release()
			err := llm.Errorf(llm.KindProviderUnavailable, "stream error: %s", first.Err)
			err.Provider = providerID
			br.RecordFailure(true)
			return fail(cancel, err)
		}
		// Ownership of the in-flight slot moves to the forwarder.
		return &openedStream{first: first, chunks: chunks, cancel: cancel, release: release}, nil

	case <-timer.C:
		release()
		br.RecordFailure(true)
		err := llm.Errorf(llm.KindTimeout,
			"no chunk from %s within %s", providerID, e.firstByteTimeout)
		err.Provider = providerID
		return fail(cancel, err)

	case <-ctx.Done():
		release()
		cerr := llm.FromContext(ctx)
		concludeFailure(br, cerr)
		return fail(cancel, cerr)
	}
}

// forwardStream relays chunks to the consumer, renumbering them and
// running post-infer plugins per chunk. It closes out when done and
// emits the terminal stream audit event.
func (e *Engine) forwardStream(ctx context.Context, ec *plugin.ExecutionContext, opened *openedStream, out chan<- llm.StreamChunk) {
	defer close(out)

	br := e.breakers.forProvider(ec.Provider)
	index := 0
	tokens := 0
	sawFinal := false
	pluginFault := false

	deliver := func(chunk llm.StreamChunk) bool {
		chunk.RequestID = ec.Request.RequestID
		chunk.Index = index

		ec.Phase = plugin.PhasePostInfer
		ec.Chunk = &chunk
		for _, p := range e.plugins.ForPhase(plugin.PhasePostInfer) {
			if err := p.Execute(ctx, ec); err != nil {
				ec.Fail(err)
				pluginFault = true
				return false
			}
		}
		ec.Chunk = nil

		select {
		case out <- chunk:
		case <-ctx.Done():
			ec.Fail(llm.FromContext(ctx))
			return false
		}

		index++
		if chunk.IsFinal {
			sawFinal = true
			if v, ok := chunk.Metadata["tokens_used"]; ok {
				switch n := v.(type) {
				case int:
					tokens = n
				case int64:
					tokens = int(n)
				case float64:
					tokens = int(n)
				}
			}
		}
		return true
	}

	if !deliver(opened.first) {
		e.failStream(ctx, ec, out, index, tokens, !pluginFault)
		return
	}

	for !sawFinal {
		select {
		case chunk, open := <-opened.chunks:
			if !open {
				// Stream ended without a final chunk.
				ec.Fail(llm.Errorf(llm.KindProviderUnavailable,
					"provider %s ended the stream without a final chunk", ec.Provider))
				e.failStream(ctx, ec, out, index, tokens, true)
				return
			}
			if chunk.Err != "" {
				ec.Fail(llm.Errorf(llm.KindProviderUnavailable, "stream error: %s", chunk.Err))
				e.failStream(ctx, ec, out, index, tokens, true)
				return
			}
			if !deliver(chunk) {
				e.failStream(ctx, ec, out, index, tokens, !pluginFault)
				return
			}
		case <-ctx.Done():
			ec.Fail(llm.FromContext(ctx))
			e.failStream(ctx, ec, out, index, tokens, true)
			return
		}
	}

	br.RecordSuccess()
	ec.Response = &llm.InferenceResponse{
		RequestID:  ec.Request.RequestID,
		Model:      ec.Request.Model,
		TokensUsed: tokens,
	}
	if err := e.finishStream(ctx, ec, tokens); err != nil {
		e.logger.Printf("stream %s finished with error: %v", ec.Request.RequestID, err)
	}
}

// failStream concludes the breaker call for the attempt, emits a
// terminal error chunk unless the request was cancelled, and audits the
// failure. Only provider-originated errors count against the circuit;
// cancellations and plugin rejections release the call without an
// outcome.
func (e *Engine) failStream(ctx context.Context, ec *plugin.ExecutionContext, out chan<- llm.StreamChunk, index, tokens int, providerFault bool) {
	if ec.Provider != "" {
		br := e.breakers.forProvider(ec.Provider)
		if providerFault && !llm.IsKind(ec.Err, llm.KindCancelled) {
			br.RecordFailure(llm.IsRetryable(ec.Err))
		} else {
			br.RecordCancelled()
		}
	}

	if ec.Err != nil && !llm.IsKind(ec.Err, llm.KindCancelled) {
		errChunk := llm.StreamChunk{
			RequestID: ec.Request.RequestID,
			Index:     index,
			IsFinal:   true,
			Err:       ec.Err.Error(),
		}
		// The consumer may be between receives; block until it takes
		// the chunk or the stream context ends. A consumer already
		// blocked in receive gets one last attempt after expiry.
		select {
		case out <- errChunk:
		case <-ctx.Done():
			select {
			case out <- errChunk:
			default:
			}
		}
	}

	if err := e.finishStream(ctx, ec, tokens); err != nil {
		e.logger.Printf("stream %s failed: %v", ec.Request.RequestID, err)
	}
}

// finishStream runs the audit phase and emits the single terminal stream
// event.
func (e *Engine) finishStream(ctx context.Context, ec *plugin.ExecutionContext, tokens int) error {
	e.runAuditPhase(ctx, ec)

	duration := time.Since(ec.StartedAt)
	switch {
	case ec.Err != nil && llm.IsKind(ec.Err, llm.KindCancelled):
		e.emitStreamTerminal(ctx, audit.StreamFailed, ec, duration, tokens)
		e.metrics.RequestCompleted(ec.Request.Model, ec.Provider, "cancelled", duration, tokens)
	case ec.Err != nil:
		e.emitStreamTerminal(ctx, audit.StreamFailed, ec, duration, tokens)
		e.metrics.RequestCompleted(ec.Request.Model, ec.Provider, "failed", duration, tokens)
	default:
		e.emitStreamTerminal(ctx, audit.StreamCompleted, ec, duration, tokens)
		e.metrics.RequestCompleted(ec.Request.Model, ec.Provider, "completed", duration, tokens)
	}
	return ec.Err
}

func (e *Engine) emitStreamTerminal(ctx context.Context, kind audit.Kind, ec *plugin.ExecutionContext, duration time.Duration, tokens int) {
	ev := audit.NewEvent(kind, ec.Request.RequestID)
	ev.TenantID = ec.Tenant.TenantID
	ev.Model = ec.Request.Model
	ev.Provider = ec.Provider
	ev.Duration = duration.Milliseconds()
	ev.Tokens = tokens
	if ec.Err != nil {
		ev.ErrorKind = llm.KindOf(ec.Err)
		ev.Message = ec.Err.Error()
	}
	e.sink.Record(ctx, ev)
}
