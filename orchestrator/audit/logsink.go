// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"log"
	"os"
)

// LogSink writes events to a standard logger, one line per event. It is
// the default sink in development setups.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a sink over the given logger; nil uses stdout with
// an AUDIT prefix.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(os.Stdout, "[AUDIT] ", log.LstdFlags)
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event *Event) {
	if event.ErrorKind != "" {
		s.logger.Printf("%s run=%s tenant=%s model=%s provider=%s duration_ms=%d error=%s",
			event.Kind, event.RunID, event.TenantID, event.Model, event.Provider,
			event.Duration, event.ErrorKind)
		return
	}
	s.logger.Printf("%s run=%s tenant=%s model=%s provider=%s duration_ms=%d tokens=%d",
		event.Kind, event.RunID, event.TenantID, event.Model, event.Provider,
		event.Duration, event.Tokens)
}

func (s *LogSink) Close(ctx context.Context) error { return nil }

var _ Sink = (*LogSink)(nil)
