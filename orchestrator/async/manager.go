// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package async

import (
	"context"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelgate/gateway/orchestrator/llm"
)

// SweepInterval is how often terminal jobs past their TTL are removed.
const SweepInterval = time.Hour

// RunFunc executes one inference request; the orchestrator's unary entry
// point is injected here.
type RunFunc func(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (*llm.InferenceResponse, error)

// Stats is the queue introspection record.
type Stats struct {
	QueueSize     int   `json:"queue_size"`
	QueueCapacity int   `json:"queue_capacity"`
	Pending       int   `json:"pending_count"`
	Processing    int   `json:"processing_count"`
	Workers       int   `json:"workers"`
	Submitted     int64 `json:"submitted_total"`
}

// Manager owns the bounded priority queue and its worker pool. Jobs are
// dequeued highest priority first, FIFO on ties; outcomes land in the
// job store.
type Manager struct {
	run           RunFunc
	store         JobStore
	queue         *jobQueue
	logger        *log.Logger
	workers       int
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu         sync.Mutex
	cancels    map[string]context.CancelFunc
	cancelFlag map[string]bool
	processing int
	submitted  int64
	started    bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithQueueCapacity bounds the pending queue.
func WithQueueCapacity(n int) ManagerOption {
	return func(m *Manager) { m.queue = newJobQueue(n) }
}

// WithWorkers overrides the worker count. Zero or below restores the
// default of min(CPU, 4).
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithJobStore replaces the in-memory store.
func WithJobStore(s JobStore) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithJobTTL sets terminal job retention.
func WithJobTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = d }
}

// WithSweepInterval overrides the cleanup cadence, for tests.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithManagerLogger overrides the default logger.
func WithManagerLogger(l *log.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerClock injects a time source for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// DefaultWorkers is min(CPU, 4).
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n > 4 {
		return 4
	}
	if n < 1 {
		return 1
	}
	return n
}

// NewManager creates a stopped manager; call Start to spin up workers.
func NewManager(run RunFunc, opts ...ManagerOption) *Manager {
	m := &Manager{
		run:           run,
		store:         NewMemoryJobStore(),
		queue:         newJobQueue(DefaultQueueCapacity),
		logger:        log.New(os.Stdout, "[ASYNC] ", log.LstdFlags),
		workers:       DefaultWorkers(),
		ttl:           DefaultJobTTL,
		sweepInterval: SweepInterval,
		now:           time.Now,
		cancels:       make(map[string]context.CancelFunc),
		cancelFlag:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit enqueues a request and returns the job id. The tenant id is
// required: async outcomes are only retrievable per tenant. A full queue
// fails with a retryable queue-full error.
func (m *Manager) Submit(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext, priority int) (string, error) {
	if req == nil {
		return "", llm.NewError(llm.KindValidation, "async submission requires a request")
	}
	if tenant.TenantID == "" {
		return "", llm.NewError(llm.KindValidation, "async submission requires a tenant id")
	}
	if priority == 0 {
		priority = req.Priority
	}
	if priority == 0 {
		priority = llm.DefaultPriority
	}

	job := &Job{
		ID:          uuid.NewString(),
		Request:     req.Clone(),
		Tenant:      tenant,
		Priority:    priority,
		State:       JobPending,
		SubmittedAt: m.now(),
	}
	if err := m.store.Save(ctx, job); err != nil {
		return "", err
	}
	if err := m.queue.push(job); err != nil {
		if derr := m.store.Delete(ctx, job.ID); derr != nil {
			m.logger.Printf("failed to remove unqueued job %s: %v", job.ID, derr)
		}
		return "", err
	}

	m.mu.Lock()
	m.submitted++
	m.mu.Unlock()
	return job.ID, nil
}

// Get returns the stored record for a job id.
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	return m.store.Get(ctx, jobID)
}

// Cancel cancels a job. Pending jobs leave the queue immediately;
// processing jobs get their context cancelled and a flag the worker
// checks after the in-flight provider call. Returns false for unknown or
// already terminal jobs.
func (m *Manager) Cancel(ctx context.Context, jobID string) bool {
	if m.queue.remove(jobID) {
		job, err := m.store.Get(ctx, jobID)
		if err != nil {
			return true
		}
		job.State = JobCancelled
		job.CompletedAt = m.now()
		if err := m.store.Save(ctx, job); err != nil {
			m.logger.Printf("failed to persist cancellation of %s: %v", jobID, err)
		}
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[jobID]; ok {
		m.cancelFlag[jobID] = true
		cancel()
		return true
	}
	return false
}

// Stats returns queue introspection counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.queue.len()
	return Stats{
		QueueSize:     size,
		QueueCapacity: m.queue.capacity,
		Pending:       size,
		Processing:    m.processing,
		Workers:       m.workers,
		Submitted:     m.submitted,
	}
}

// Start spins up the worker pool and the TTL sweeper. It is a no-op when
// already running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.baseCtx, m.stop = context.WithCancel(ctx)
	m.mu.Unlock()

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.wg.Add(1)
	go m.sweeper()
	m.logger.Printf("started %d workers (queue capacity %d)", m.workers, m.queue.capacity)
}

// Close stops accepting work, drains nothing further, cancels in-flight
// jobs, and waits for workers to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	stop := m.stop
	m.mu.Unlock()

	m.queue.close()
	stop()
	m.wg.Wait()
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()

	for {
		job := m.queue.pop()
		if job == nil {
			return
		}
		m.process(job)
	}
}

func (m *Manager) process(job *Job) {
	jobCtx, cancel := context.WithCancel(m.baseCtx)
	defer cancel()

	m.mu.Lock()
	m.cancels[job.ID] = cancel
	m.processing++
	m.mu.Unlock()

	job.State = JobProcessing
	job.StartedAt = m.now()
	if err := m.store.Save(m.baseCtx, job); err != nil {
		m.logger.Printf("failed to persist job %s transition: %v", job.ID, err)
	}

	resp, err := m.run(jobCtx, job.Request, job.Tenant)

	m.mu.Lock()
	delete(m.cancels, job.ID)
	wasCancelled := m.cancelFlag[job.ID]
	delete(m.cancelFlag, job.ID)
	m.processing--
	m.mu.Unlock()

	job.CompletedAt = m.now()
	switch {
	case wasCancelled || llm.IsKind(err, llm.KindCancelled):
		job.State = JobCancelled
		if err != nil {
			job.Error = err.Error()
			job.ErrorKind = llm.KindCancelled
		}
	case err != nil:
		job.State = JobFailed
		job.Error = err.Error()
		job.ErrorKind = llm.KindOf(err)
	default:
		job.State = JobCompleted
		job.Response = resp
	}

	// Terminal writes go through the background context so a cancelled
	// job context cannot lose the outcome.
	if err := m.store.Save(context.Background(), job); err != nil {
		m.logger.Printf("failed to persist job %s outcome: %v", job.ID, err)
	}
}

func (m *Manager) sweeper() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := m.now().Add(-m.ttl)
			removed, err := m.store.Sweep(m.baseCtx, cutoff)
			if err != nil {
				m.logger.Printf("job sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				m.logger.Printf("swept %d expired jobs", removed)
			}
		case <-m.baseCtx.Done():
			return
		}
	}
}
