// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/gateway/orchestrator/llm"
)

// RecorderSink captures events for assertions.
type RecorderSink struct {
	mu     sync.Mutex
	events []*Event
}

func (r *RecorderSink) Record(ctx context.Context, event *Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *RecorderSink) Close(ctx context.Context) error { return nil }

func (r *RecorderSink) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

func TestKindTerminal(t *testing.T) {
	terminal := []Kind{InferenceCompleted, InferenceFailed, InferenceCancelled, StreamCompleted, StreamFailed}
	for _, k := range terminal {
		assert.True(t, k.Terminal(), k)
	}
	for _, k := range []Kind{InferenceStarted, StreamStarted, ProviderRegistered, CircuitOpened} {
		assert.False(t, k.Terminal(), k)
	}
}

func TestNewEventFillsIdentity(t *testing.T) {
	e := NewEvent(InferenceStarted, "run-1")
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "run-1", e.RunID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestLogSinkFormats(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(log.New(&buf, "", 0))

	e := NewEvent(InferenceCompleted, "run-1")
	e.TenantID = "t1"
	e.Model = "llama3"
	e.Provider = "acme/fast"
	e.Tokens = 42
	s.Record(context.Background(), e)

	out := buf.String()
	assert.Contains(t, out, "INFERENCE_COMPLETED")
	assert.Contains(t, out, "run=run-1")
	assert.Contains(t, out, "tokens=42")

	buf.Reset()
	fail := NewEvent(InferenceFailed, "run-2")
	fail.ErrorKind = llm.KindTimeout
	s.Record(context.Background(), fail)
	assert.Contains(t, buf.String(), "error=timeout")
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &RecorderSink{}, &RecorderSink{}
	m := MultiSink{a, b}

	m.Record(context.Background(), NewEvent(StreamStarted, "run-1"))
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.NoError(t, m.Close(context.Background()))
}

func TestPostgresSinkFlushesOnBatchSize(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 2))

	s := NewPostgresSink(db, WithBatchSize(2), WithFlushInterval(time.Hour))
	s.Record(context.Background(), NewEvent(InferenceStarted, "run-1"))
	s.Record(context.Background(), NewEvent(InferenceCompleted, "run-1"))

	// The filling Record flushes synchronously.
	assert.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, s.Close(context.Background()))
	assert.Zero(t, s.Dropped())
}

func TestPostgresSinkFlushesOnClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresSink(db, WithBatchSize(100), WithFlushInterval(time.Hour))
	s.Record(context.Background(), NewEvent(InferenceFailed, "run-1"))

	require.NoError(t, s.Close(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkCountsDropped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnError(assert.AnError)

	s := NewPostgresSink(db, WithBatchSize(1), WithFlushInterval(time.Hour))
	s.Record(context.Background(), NewEvent(InferenceStarted, "run-1"))

	assert.Equal(t, int64(1), s.Dropped())
	require.NoError(t, s.Close(context.Background()))
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
