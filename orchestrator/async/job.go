// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package async runs inference requests in the background through a
// bounded priority queue and a fixed worker pool.
package async

import (
	"time"

	"modelgate/gateway/orchestrator/llm"
)

// JobState is the lifecycle state of an async job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is a queued inference request and its outcome. State advances
// monotonically: pending, processing, then exactly one terminal state.
type Job struct {
	ID       string                `json:"job_id"`
	Request  *llm.InferenceRequest `json:"request"`
	Tenant   llm.TenantContext     `json:"tenant"`
	Priority int                   `json:"priority"`
	State    JobState              `json:"state"`

	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Response *llm.InferenceResponse `json:"response,omitempty"`

	// Error and ErrorKind describe a failed outcome.
	Error     string   `json:"error,omitempty"`
	ErrorKind llm.Kind `json:"error_kind,omitempty"`
}

// Clone returns a shallow copy safe for handing to callers.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}
