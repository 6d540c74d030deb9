// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging with multi-tenant support
for ModelGate components.

# Overview

The logger package outputs single-line JSON to stdout, making logs easily
consumable by CloudWatch, ELK stack, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, orchestrator, etc.)
  - Instance ID and container name (for distributed tracing)
  - Tenant ID (for multi-tenant isolation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log messages with tenant and request context:

	log.Info("tenant-123", "req-456", "Inference completed", map[string]any{
	    "model":    "llama-3-70b",
	    "provider": "openai-primary",
	})

Log errors with status codes:

	log.ErrorWithCode("tenant-123", "req-456", "Inference failed", 503, err, map[string]any{
	    "provider": "openai-primary",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("tenant-123", "req-456", "Request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"gateway","instance_id":"i-abc123","container":"gateway-xyz",
	 "tenant_id":"tenant-123","request_id":"req-456",
	 "message":"Inference completed","fields":{"model":"llama-3-70b"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
