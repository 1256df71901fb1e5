package queue

import (
	"context"
	"sync"
)

// Compile-time interface satisfaction check.
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue holds pending jobs in process memory. Jobs are lost if the
// process exits. The runs they carried stay pending or running in the store,
// where the engine picks them up again on its next start.
type MemoryQueue struct {
	*pool

	mu      sync.Mutex
	pending []Job
	signal  chan struct{}
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	q := &MemoryQueue{signal: make(chan struct{}, 1)}
	q.pool = newPool(q, o)
	return q
}

// Start launches the workers.
func (q *MemoryQueue) Start(h Handler) error {
	return q.start(h)
}

// Enqueue appends job to the pending list.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}
	job = prepare(job)
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	q.wake()
	return job.ID, nil
}

// RemoveByRunID drops the pending job of runID, or cancels it if running.
func (q *MemoryQueue) RemoveByRunID(_ context.Context, runID string) bool {
	q.mu.Lock()
	removed := false
	kept := q.pending[:0]
	for _, j := range q.pending {
		if j.RunID == runID {
			removed = true
			continue
		}
		kept = append(kept, j)
	}
	q.pending = kept
	q.mu.Unlock()

	if q.cancelActive(runID) {
		return true
	}
	return removed
}

// Stats reports pending and running job counts.
func (q *MemoryQueue) Stats(_ context.Context) Stats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	return Stats{Pending: pending, Running: q.running(), Concurrency: q.opts.concurrency}
}

// Close stops the workers. Pending jobs are discarded.
func (q *MemoryQueue) Close(ctx context.Context) error {
	return q.close(ctx)
}

func (q *MemoryQueue) next(ctx context.Context) (Job, bool, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return job, true, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return Job{}, false, ctx.Err()
		}
	}
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
