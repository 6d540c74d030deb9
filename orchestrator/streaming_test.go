// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/gateway/orchestrator/audit"
	"modelgate/gateway/orchestrator/breaker"
	"modelgate/gateway/orchestrator/llm"
	"modelgate/gateway/orchestrator/plugin"
)

func streamRequest(id string) *llm.InferenceRequest {
	req := unaryRequest(id)
	req.Streaming = true
	return req
}

func collect(t *testing.T, ch <-chan llm.StreamChunk) []llm.StreamChunk {
	t.Helper()
	var out []llm.StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, open := <-ch:
			if !open {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("stream never closed")
		}
	}
}

func waitForTerminal(t *testing.T, sink *recorderSink, runID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sink.terminalCount(runID) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no terminal audit event for %s", runID)
}

func TestStreamDeliversOrderedChunks(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink)

	p1 := llm.NewMockProvider("p1")
	p1.Chunks = []llm.StreamChunk{
		{Delta: "a"},
		{Delta: "b"},
		{Delta: "c", IsFinal: true, Metadata: map[string]any{"tokens_used": 12}},
	}
	registerMock(t, e, p1)

	ch, err := e.Stream(context.Background(), streamRequest("s1"), llm.TenantContext{TenantID: "t1"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "s1", c.RequestID)
		assert.Equal(t, i == len(chunks)-1, c.IsFinal)
	}

	waitForTerminal(t, sink, "s1")
	completed := sink.byKind(audit.StreamCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 12, completed[0].Tokens)
	assert.Equal(t, 1, sink.terminalCount("s1"))
	assert.Equal(t, int64(0), e.inflight.Inflight("p1"))
}

func TestStreamCancellation(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink)

	p1 := llm.NewMockProvider("p1")
	p1.ChunkDelay = 10 * time.Millisecond
	var chunks []llm.StreamChunk
	for i := 0; i < 20; i++ {
		chunks = append(chunks, llm.StreamChunk{Delta: "x", IsFinal: i == 19})
	}
	p1.Chunks = chunks
	registerMock(t, e, p1)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.Stream(ctx, streamRequest("s-cancel"), llm.TenantContext{})
	require.NoError(t, err)

	received := 0
	for chunk := range ch {
		if chunk.Err != "" {
			break
		}
		received++
		if received == 6 {
			cancel()
		}
	}
	assert.LessOrEqual(t, received, 7, "no chunks after cancel")

	waitForTerminal(t, sink, "s-cancel")
	failed := sink.byKind(audit.StreamFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, llm.KindCancelled, failed[0].ErrorKind)
	cancel()
}

func TestStreamFirstByteTimeoutFailsOver(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink, WithFirstByteTimeout(50*time.Millisecond))

	slow := llm.NewMockProvider("p1")
	slow.ChunkDelay = 500 * time.Millisecond
	fast := llm.NewMockProvider("p2")
	fast.Chunks = []llm.StreamChunk{{Delta: "quick", IsFinal: true}}
	registerMock(t, e, slow)
	registerMock(t, e, fast)

	ch, err := e.Stream(context.Background(), streamRequest("s-fb"), llm.TenantContext{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, "quick", chunks[0].Delta)

	assert.Equal(t, 1, e.CircuitSnapshot("p1").ConsecutiveFailures)
	waitForTerminal(t, sink, "s-fb")
	assert.Equal(t, 1, sink.terminalCount("s-fb"))
}

func TestStreamSkipsNonStreamingCandidate(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink)

	unary := llm.NewMockProvider("p1")
	unary.Caps = llm.Capabilities{} // no streaming
	streamer := llm.NewMockProvider("p2")
	streamer.Chunks = []llm.StreamChunk{{Delta: "ok", IsFinal: true}}
	registerMock(t, e, unary)
	registerMock(t, e, streamer)

	ch, err := e.Stream(context.Background(), streamRequest("s-skip"), llm.TenantContext{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, "ok", chunks[0].Delta)
}

func TestStreamErrorBeforeFirstChunkSurfaces(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink, WithMaxAttempts(1))

	p1 := llm.NewMockProvider("p1")
	p1.StreamErr = llm.NewError(llm.KindProviderUnavailable, "no backend")
	registerMock(t, e, p1)

	_, err := e.Stream(context.Background(), streamRequest("s-err"), llm.TenantContext{})
	require.Error(t, err)
	assert.Equal(t, llm.KindProviderUnavailable, llm.KindOf(err))

	failed := sink.byKind(audit.StreamFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, sink.terminalCount("s-err"))
}

func TestStreamValidationShortCircuits(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink)
	registerMock(t, e, llm.NewMockProvider("p1"))

	bad := streamRequest("s-bad")
	bad.Messages = nil
	_, err := e.Stream(context.Background(), bad, llm.TenantContext{})
	require.Error(t, err)
	assert.Equal(t, llm.KindValidation, llm.KindOf(err))
	assert.Len(t, sink.byKind(audit.StreamFailed), 1)
}

func TestStreamSlowConsumerStillGetsErrorChunk(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink)

	p1 := llm.NewMockProvider("p1")
	p1.Chunks = []llm.StreamChunk{
		{Delta: "a"},
		{Err: "backend reset"},
	}
	registerMock(t, e, p1)

	ch, err := e.Stream(context.Background(), streamRequest("s-slow"), llm.TenantContext{})
	require.NoError(t, err)

	first, open := <-ch
	require.True(t, open)
	assert.Equal(t, "a", first.Delta)

	// Consumer stalls between receives; the terminal error chunk must
	// still arrive once it resumes.
	time.Sleep(100 * time.Millisecond)

	var last llm.StreamChunk
	for chunk := range ch {
		last = chunk
	}
	require.True(t, last.IsFinal)
	assert.Contains(t, last.Err, "backend reset")

	waitForTerminal(t, sink, "s-slow")
	require.Len(t, sink.byKind(audit.StreamFailed), 1)
}

func TestStreamCancelledHalfOpenCallFreesCircuit(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink,
		WithMaxAttempts(1),
		WithBreakerOptions(
			breaker.WithFailureThreshold(1),
			breaker.WithHalfOpenAfter(20*time.Millisecond),
		),
	)

	p1 := llm.NewMockProvider("p1")
	p1.Script = []error{llm.NewError(llm.KindProviderUnavailable, "backend down")}
	var slow []llm.StreamChunk
	for i := 0; i < 50; i++ {
		slow = append(slow, llm.StreamChunk{Delta: "x", IsFinal: i == 49})
	}
	p1.Chunks = slow
	p1.ChunkDelay = 5 * time.Millisecond
	registerMock(t, e, p1)

	_, err := e.Infer(context.Background(), unaryRequest("u-open"), llm.TenantContext{})
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, e.CircuitSnapshot("p1").State)

	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.Stream(ctx, streamRequest("s-halfopen"), llm.TenantContext{})
	require.NoError(t, err)

	_, open := <-ch
	require.True(t, open)
	cancel()
	for range ch {
	}
	waitForTerminal(t, sink, "s-halfopen")

	// The admitted call concluded without an outcome; the half-open
	// slot is free again.
	snap := e.CircuitSnapshot("p1")
	assert.Equal(t, breaker.StateHalfOpen, snap.State)
	assert.False(t, snap.ProbeInFlight)

	resp, err := e.Infer(context.Background(), unaryRequest("u-after"), llm.TenantContext{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, breaker.StateClosed, e.CircuitSnapshot("p1").State)
}

func TestStreamPluginErrorDoesNotTripCircuit(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink)

	p1 := llm.NewMockProvider("p1")
	p1.Chunks = []llm.StreamChunk{
		{Delta: "a"},
		{Delta: "b", IsFinal: true},
	}
	registerMock(t, e, p1)

	pp := plugin.NewMockPlugin("chunk-rejector", plugin.PhasePostInfer, 50)
	pp.ExecErr = llm.NewError(llm.KindInternal, "chunk rejected")
	require.NoError(t, e.RegisterPlugin(context.Background(), pp, nil))

	ch, err := e.Stream(context.Background(), streamRequest("s-reject"), llm.TenantContext{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsFinal)
	assert.Contains(t, chunks[0].Err, "chunk rejected")

	waitForTerminal(t, sink, "s-reject")

	// The rejection is not the provider's fault.
	snap := e.CircuitSnapshot("p1")
	assert.Equal(t, breaker.StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestStreamChunksPassThroughPostInferPlugins(t *testing.T) {
	sink := &recorderSink{}
	e := newTestEngine(t, sink)

	p1 := llm.NewMockProvider("p1")
	p1.Chunks = []llm.StreamChunk{
		{Delta: "a"},
		{Delta: "b", IsFinal: true},
	}
	registerMock(t, e, p1)

	var indices []int
	pp := plugin.NewMockPlugin("chunk-observer", plugin.PhasePostInfer, 50)
	pp.OnExecute = func(ec *plugin.ExecutionContext) {
		if ec.Chunk != nil {
			indices = append(indices, ec.Chunk.Index)
		}
	}
	require.NoError(t, e.RegisterPlugin(context.Background(), pp, nil))

	ch, err := e.Stream(context.Background(), streamRequest("s-pp"), llm.TenantContext{})
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 2)
	waitForTerminal(t, sink, "s-pp")
	assert.Equal(t, []int{0, 1}, indices)
}
