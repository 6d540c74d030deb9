// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Batch writer defaults.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
)

// PostgresSink persists events to an audit_events table through a
// batching writer: rows are flushed when the batch fills or on a ticker,
// whichever comes first. Record never blocks on the database; a full
// buffer drops the event and counts it.
type PostgresSink struct {
	db            *sql.DB
	logger        *log.Logger
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []*Event
	dropped int64

	stop chan struct{}
	done chan struct{}
}

// PostgresOption configures a PostgresSink.
type PostgresOption func(*PostgresSink)

// WithBatchSize sets how many events one INSERT carries.
func WithBatchSize(n int) PostgresOption {
	return func(s *PostgresSink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval sets the ticker-driven flush cadence.
func WithFlushInterval(d time.Duration) PostgresOption {
	return func(s *PostgresSink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithPostgresLogger overrides the default logger.
func WithPostgresLogger(l *log.Logger) PostgresOption {
	return func(s *PostgresSink) { s.logger = l }
}

// NewPostgresSink creates a sink over an open database handle and starts
// its flush loop.
func NewPostgresSink(db *sql.DB, opts ...PostgresOption) *PostgresSink {
	s := &PostgresSink{
		db:            db,
		logger:        log.New(os.Stdout, "[AUDIT] ", log.LstdFlags),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.flushLoop()
	return s
}

// EnsureSchema creates the audit_events table if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			tenant_id   TEXT,
			model       TEXT,
			provider    TEXT,
			duration_ms BIGINT,
			tokens_used INTEGER,
			error_kind  TEXT,
			message     TEXT,
			timestamp   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_run ON audit_events (run_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_ts ON audit_events (tenant_id, timestamp)`)
	if err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, event *Event) {
	s.mu.Lock()
	s.pending = append(s.pending, event)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		s.flush()
	}
}

// Dropped returns how many events were lost to flush failures.
func (s *PostgresSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes remaining events and stops the loop.
func (s *PostgresSink) Close(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.flush()
	return nil
}

func (s *PostgresSink) flushLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			return
		}
	}
}

func (s *PostgresSink) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.insertBatch(ctx, batch); err != nil {
		s.mu.Lock()
		s.dropped += int64(len(batch))
		s.mu.Unlock()
		s.logger.Printf("failed to flush %d audit events: %v", len(batch), err)
	}
}

func (s *PostgresSink) insertBatch(ctx context.Context, batch []*Event) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_events
		(id, kind, run_id, tenant_id, model, provider, duration_ms, tokens_used, error_kind, message, timestamp)
		VALUES `)

	args := make([]any, 0, len(batch)*11)
	for i, e := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		sb.WriteString("(")
		for j := 1; j <= 11; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")
		args = append(args,
			e.ID, string(e.Kind), e.RunID, e.TenantID, e.Model, e.Provider,
			e.Duration, e.Tokens, string(e.ErrorKind), e.Message, e.Timestamp)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

var _ Sink = (*PostgresSink)(nil)
