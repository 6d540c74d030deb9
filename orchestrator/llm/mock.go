// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MockProvider is a scriptable in-memory provider used across package
// tests. Infer pops results from a script; when the script is exhausted it
// returns a canned success. It is safe for concurrent use.
type MockProvider struct {
	MockID      string
	MockVersion string
	Caps        Capabilities
	Desc        Descriptor
	ModelSet    []string // empty = open universe
	HealthState Health
	InferDelay  time.Duration

	// Script is consumed front to back: a nil entry yields success, a
	// non-nil entry is returned as the call's error.
	Script []error

	// Chunks drive Stream; when empty, Stream synthesizes a two-chunk
	// response.
	Chunks []StreamChunk

	// ChunkDelay paces chunk emission.
	ChunkDelay time.Duration

	// StreamErr fails Stream before the first chunk.
	StreamErr error

	mu         sync.Mutex
	inferCalls int64
	shutdowns  int64
	initCalls  int64
}

// NewMockProvider creates a healthy mock provider serving every model.
func NewMockProvider(id string) *MockProvider {
	return &MockProvider{
		MockID:      id,
		MockVersion: "1.0.0",
		Caps:        Capabilities{Streaming: true},
		HealthState: Health{Status: HealthHealthy, Timestamp: time.Now()},
	}
}

func (m *MockProvider) ID() string      { return m.MockID }
func (m *MockProvider) Version() string { return m.MockVersion }

func (m *MockProvider) Descriptor() Descriptor {
	d := m.Desc
	d.ID = m.MockID
	d.Version = m.MockVersion
	return d
}

func (m *MockProvider) Capabilities() Capabilities { return m.Caps }

func (m *MockProvider) Initialize(ctx context.Context, config Config) error {
	atomic.AddInt64(&m.initCalls, 1)
	return nil
}

func (m *MockProvider) Supports(modelID string, tenant TenantContext) bool {
	if len(m.ModelSet) == 0 {
		return true
	}
	for _, id := range m.ModelSet {
		if id == modelID {
			return true
		}
	}
	return false
}

func (m *MockProvider) Infer(ctx context.Context, req *InferenceRequest, tenant TenantContext) (*InferenceResponse, error) {
	atomic.AddInt64(&m.inferCalls, 1)

	if m.InferDelay > 0 {
		select {
		case <-time.After(m.InferDelay):
		case <-ctx.Done():
			if e := FromContext(ctx); e != nil {
				e.Provider = m.MockID
				return nil, e
			}
		}
	}
	if err := ctx.Err(); err != nil {
		e := FromContext(ctx)
		e.Provider = m.MockID
		return nil, e
	}

	m.mu.Lock()
	var scripted error
	if len(m.Script) > 0 {
		scripted = m.Script[0]
		m.Script = m.Script[1:]
	}
	m.mu.Unlock()
	if scripted != nil {
		return nil, scripted
	}

	return &InferenceResponse{
		RequestID:    req.RequestID,
		Model:        req.Model,
		Content:      "mock response from " + m.MockID,
		InputTokens:  3,
		OutputTokens: 5,
		TokensUsed:   8,
		Timestamp:    time.Now(),
		StopReason:   "stop",
	}, nil
}

func (m *MockProvider) Stream(ctx context.Context, req *InferenceRequest, tenant TenantContext) (<-chan StreamChunk, error) {
	atomic.AddInt64(&m.inferCalls, 1)
	if m.StreamErr != nil {
		return nil, m.StreamErr
	}

	chunks := m.Chunks
	if len(chunks) == 0 {
		chunks = []StreamChunk{
			{Delta: "mock "},
			{Delta: "stream", IsFinal: true, Metadata: map[string]any{"tokens_used": 8}},
		}
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for i, c := range chunks {
			if m.ChunkDelay > 0 {
				select {
				case <-time.After(m.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			c.RequestID = req.RequestID
			c.Index = i
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *MockProvider) Health(ctx context.Context) (*Health, error) {
	h := m.HealthState
	return &h, nil
}

func (m *MockProvider) Shutdown(ctx context.Context) error {
	atomic.AddInt64(&m.shutdowns, 1)
	return nil
}

// InferCalls returns how many Infer/Stream calls the mock has served.
func (m *MockProvider) InferCalls() int64 { return atomic.LoadInt64(&m.inferCalls) }

// Shutdowns returns how many times Shutdown ran.
func (m *MockProvider) Shutdowns() int64 { return atomic.LoadInt64(&m.shutdowns) }

var (
	_ Provider          = (*MockProvider)(nil)
	_ StreamingProvider = (*MockProvider)(nil)
)
