// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package async

import (
	"container/heap"
	"sync"

	"modelgate/gateway/orchestrator/llm"
)

// DefaultQueueCapacity bounds the pending queue.
const DefaultQueueCapacity = 1000

// jobQueue is a bounded blocking priority queue: higher priority first,
// FIFO on ties by submission sequence.
type jobQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    queueHeap
	capacity int
	seq      uint64
	closed   bool
}

type queueItem struct {
	job *Job
	seq uint64
}

func newJobQueue(capacity int) *jobQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &jobQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push enqueues a job; a full queue yields a retryable queue-full error.
func (q *jobQueue) push(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return llm.NewError(llm.KindInternal, "job queue is closed")
	}
	if q.items.Len() >= q.capacity {
		return llm.Errorf(llm.KindQueueFull, "async queue is full (capacity %d)", q.capacity)
	}

	q.seq++
	heap.Push(&q.items, &queueItem{job: job, seq: q.seq})
	q.notEmpty.Signal()
	return nil
}

// pop blocks until a job is available or the queue is closed, in which
// case it returns nil.
func (q *jobQueue) pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*queueItem).job
}

// remove drops a pending job by id, reporting whether it was queued.
func (q *jobQueue) remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.job.ID == jobID {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// close wakes all blocked consumers; subsequent pops drain then return nil.
func (q *jobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// queueHeap implements heap.Interface: max-priority first, FIFO ties.
type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
