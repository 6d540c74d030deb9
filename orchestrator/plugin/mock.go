// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"sync"
)

// MockPlugin is a scriptable plugin used across package tests.
type MockPlugin struct {
	MockID      string
	MockVersion string
	MockPhase   Phase
	MockOrder   int

	// InitErr fails Initialize; ExecErr fails every Execute.
	InitErr error
	ExecErr error

	// Unhealthy makes Healthy report false.
	Unhealthy bool

	// OnExecute, when set, runs inside Execute with the context.
	OnExecute func(ec *ExecutionContext)

	mu        sync.Mutex
	execCount int
	initCount int
	shutCount int
}

// NewMockPlugin creates an active-ready mock for a phase.
func NewMockPlugin(id string, phase Phase, order int) *MockPlugin {
	return &MockPlugin{MockID: id, MockVersion: "1.0.0", MockPhase: phase, MockOrder: order}
}

func (m *MockPlugin) ID() string      { return m.MockID }
func (m *MockPlugin) Version() string { return m.MockVersion }
func (m *MockPlugin) Phase() Phase    { return m.MockPhase }
func (m *MockPlugin) Order() int      { return m.MockOrder }

func (m *MockPlugin) Initialize(ctx context.Context, config map[string]any) error {
	m.mu.Lock()
	m.initCount++
	m.mu.Unlock()
	return m.InitErr
}

func (m *MockPlugin) Execute(ctx context.Context, ec *ExecutionContext) error {
	m.mu.Lock()
	m.execCount++
	m.mu.Unlock()
	if m.OnExecute != nil {
		m.OnExecute(ec)
	}
	return m.ExecErr
}

func (m *MockPlugin) Healthy(ctx context.Context) bool { return !m.Unhealthy }

func (m *MockPlugin) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutCount++
	m.mu.Unlock()
	return nil
}

// ExecCount returns how many Execute calls ran.
func (m *MockPlugin) ExecCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execCount
}

// InitCount returns how many Initialize calls ran.
func (m *MockPlugin) InitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCount
}

// ShutdownCount returns how many Shutdown calls ran.
func (m *MockPlugin) ShutdownCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutCount
}

var _ Plugin = (*MockPlugin)(nil)
