// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/gateway/orchestrator/llm"
)

func testRequest(model string) *llm.InferenceRequest {
	return &llm.InferenceRequest{
		RequestID: "req-" + model,
		Model:     model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}
}

func testTenant() llm.TenantContext { return llm.TenantContext{TenantID: "t1"} }

func okRun(resp string) RunFunc {
	return func(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (*llm.InferenceResponse, error) {
		return &llm.InferenceResponse{RequestID: req.RequestID, Content: resp}, nil
	}
}

func waitForState(t *testing.T, m *Manager, jobID string, want JobState) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", jobID, want)
	return nil
}

func TestManagerCompletesJob(t *testing.T) {
	m := NewManager(okRun("done"), WithWorkers(2))
	m.Start(context.Background())
	defer m.Close()

	id, err := m.Submit(context.Background(), testRequest("llama3"), testTenant(), 0)
	require.NoError(t, err)

	job := waitForState(t, m, id, JobCompleted)
	assert.Equal(t, "done", job.Response.Content)
	assert.Equal(t, 5, job.Priority, "default priority applies")
	assert.False(t, job.CompletedAt.IsZero())
}

func TestManagerRequiresTenant(t *testing.T) {
	m := NewManager(okRun(""))
	_, err := m.Submit(context.Background(), testRequest("llama3"), llm.TenantContext{}, 0)
	require.Error(t, err)
	assert.Equal(t, llm.KindValidation, llm.KindOf(err))
}

func TestManagerPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	run := func(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (*llm.InferenceResponse, error) {
		mu.Lock()
		order = append(order, req.Model)
		mu.Unlock()
		return &llm.InferenceResponse{RequestID: req.RequestID}, nil
	}

	// Submit before starting so the single worker observes queue order.
	m := NewManager(run, WithWorkers(1))
	ctx := context.Background()

	a, err := m.Submit(ctx, testRequest("A"), testTenant(), 1)
	require.NoError(t, err)
	_, err = m.Submit(ctx, testRequest("B"), testTenant(), 9)
	require.NoError(t, err)
	_, err = m.Submit(ctx, testRequest("C"), testTenant(), 5)
	require.NoError(t, err)

	m.Start(ctx)
	defer m.Close()
	waitForState(t, m, a, JobCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B", "C", "A"}, order)
}

func TestManagerFIFOOnEqualPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	run := func(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (*llm.InferenceResponse, error) {
		mu.Lock()
		order = append(order, req.Model)
		mu.Unlock()
		return &llm.InferenceResponse{}, nil
	}

	m := NewManager(run, WithWorkers(1))
	ctx := context.Background()
	var last string
	for _, model := range []string{"first", "second", "third"} {
		id, err := m.Submit(ctx, testRequest(model), testTenant(), 5)
		require.NoError(t, err)
		last = id
	}

	m.Start(ctx)
	defer m.Close()
	waitForState(t, m, last, JobCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestManagerQueueFull(t *testing.T) {
	m := NewManager(okRun(""), WithQueueCapacity(2))
	ctx := context.Background()

	_, err := m.Submit(ctx, testRequest("a"), testTenant(), 0)
	require.NoError(t, err)
	_, err = m.Submit(ctx, testRequest("b"), testTenant(), 0)
	require.NoError(t, err)

	id, err := m.Submit(ctx, testRequest("c"), testTenant(), 0)
	require.Error(t, err)
	assert.Equal(t, llm.KindQueueFull, llm.KindOf(err))
	assert.True(t, llm.IsRetryable(err))
	assert.Empty(t, id)

	// The rejected job must not linger in the store.
	_, err = m.Get(ctx, id)
	assert.Error(t, err)
}

func TestManagerFailedJobRecordsErrorKind(t *testing.T) {
	run := func(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (*llm.InferenceResponse, error) {
		return nil, llm.NewError(llm.KindAllProvidersUnavailable, "nothing up")
	}
	m := NewManager(run, WithWorkers(1))
	m.Start(context.Background())
	defer m.Close()

	id, err := m.Submit(context.Background(), testRequest("llama3"), testTenant(), 0)
	require.NoError(t, err)

	job := waitForState(t, m, id, JobFailed)
	assert.Equal(t, llm.KindAllProvidersUnavailable, job.ErrorKind)
	assert.NotEmpty(t, job.Error)
}

func TestManagerCancelPending(t *testing.T) {
	m := NewManager(okRun(""), WithWorkers(1))
	ctx := context.Background()

	// Not started: jobs stay pending in the queue.
	id, err := m.Submit(ctx, testRequest("llama3"), testTenant(), 0)
	require.NoError(t, err)

	require.True(t, m.Cancel(ctx, id))
	job, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, job.State)

	// Terminal jobs cannot be cancelled again.
	assert.False(t, m.Cancel(ctx, id))
	assert.False(t, m.Cancel(ctx, "unknown"))
}

func TestManagerCancelProcessing(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (*llm.InferenceResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, llm.FromContext(ctx)
	}
	m := NewManager(run, WithWorkers(1))
	ctx := context.Background()
	m.Start(ctx)
	defer m.Close()

	id, err := m.Submit(ctx, testRequest("llama3"), testTenant(), 0)
	require.NoError(t, err)
	<-started

	require.True(t, m.Cancel(ctx, id))
	job := waitForState(t, m, id, JobCancelled)
	assert.Equal(t, llm.KindCancelled, job.ErrorKind)
}

func TestManagerStats(t *testing.T) {
	m := NewManager(okRun(""), WithQueueCapacity(10), WithWorkers(2))
	ctx := context.Background()

	_, err := m.Submit(ctx, testRequest("a"), testTenant(), 0)
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 1, stats.QueueSize)
	assert.Equal(t, 10, stats.QueueCapacity)
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, int64(1), stats.Submitted)
}

func TestManagerSweepRemovesExpired(t *testing.T) {
	now := time.Now()
	m := NewManager(okRun("done"),
		WithWorkers(1),
		WithJobTTL(24*time.Hour),
		WithSweepInterval(20*time.Millisecond),
		WithManagerClock(func() time.Time { return now }),
	)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Close()

	id, err := m.Submit(ctx, testRequest("llama3"), testTenant(), 0)
	require.NoError(t, err)
	waitForState(t, m, id, JobCompleted)

	// Age the job past the TTL and let the sweeper run.
	now = now.Add(25 * time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get(ctx, id); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s survived the sweep", id)
}

func TestJobStateMonotonic(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobProcessing.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
}

func TestRedisJobStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisJobStore(client, time.Hour)
	ctx := context.Background()

	job := &Job{
		ID:          "job-1",
		Request:     testRequest("llama3"),
		Tenant:      testTenant(),
		Priority:    7,
		State:       JobPending,
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Priority, got.Priority)
	assert.Equal(t, "llama3", got.Request.Model)
	assert.Zero(t, client.TTL(ctx, "job:job-1").Val(), "pending jobs carry no TTL")

	// Terminal state sets the TTL.
	job.State = JobCompleted
	job.CompletedAt = time.Now().UTC()
	require.NoError(t, store.Save(ctx, job))
	assert.Equal(t, time.Hour, client.TTL(ctx, "job:job-1").Val())

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, store.Delete(ctx, "job-1"))
	_, err = store.Get(ctx, "job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestManagerWithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := NewManager(okRun("done"),
		WithWorkers(1),
		WithJobStore(NewRedisJobStore(client, time.Hour)),
	)
	m.Start(context.Background())
	defer m.Close()

	id, err := m.Submit(context.Background(), testRequest("llama3"), testTenant(), 0)
	require.NoError(t, err)

	job := waitForState(t, m, id, JobCompleted)
	assert.Equal(t, "done", job.Response.Content)
}
