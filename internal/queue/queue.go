// Package queue runs workflow executions on a capacity-limited worker pool.
// Jobs are held either in process memory or in a Redis list; in both cases
// the local pool bounds concurrency and the dequeue rate.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// ErrClosed is returned when enqueueing on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Job asks a worker to execute (or continue) one workflow run. Mode tells
// the handler whether the run starts fresh or continues; Params then carry
// the overrides supplied on resume.
type Job struct {
	ID         string           `json:"id" msgpack:"id"`
	WorkflowID string           `json:"workflow_id" msgpack:"workflow_id"`
	RunID      string           `json:"run_id" msgpack:"run_id"`
	Mode       string           `json:"mode,omitempty" msgpack:"mode,omitempty"`
	Params     map[string]any   `json:"params,omitempty" msgpack:"params,omitempty"`
	Options    model.RunOptions `json:"options" msgpack:"options"`
	EnqueuedAt time.Time        `json:"enqueued_at" msgpack:"enqueued_at"`
}

// Handler executes a dequeued job. The context is cancelled when the job is
// removed while running or when the queue shuts down.
type Handler func(ctx context.Context, job Job) error

// Queue is the execution queue consumed by the engine.
type Queue interface {
	// Start launches the workers. It must be called once before jobs run.
	Start(h Handler) error
	// Enqueue schedules job and returns its handle.
	Enqueue(ctx context.Context, job Job) (string, error)
	// RemoveByRunID drops a pending job for runID, or cancels it if a
	// worker already holds it. Reports whether a job was found.
	RemoveByRunID(ctx context.Context, runID string) bool
	// Stats reports pending and running job counts.
	Stats(ctx context.Context) Stats
	// Close stops the workers, cancelling running jobs once ctx expires.
	Close(ctx context.Context) error
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Pending     int `json:"pending"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Option configures a queue.
type Option func(*options)

type options struct {
	concurrency int
	rateLimit   float64
	rateBurst   int
	logger      *slog.Logger
}

func defaultOptions() options {
	return options{
		concurrency: 4,
		logger:      slog.Default(),
	}
}

// WithConcurrency sets the number of worker goroutines, which is also the
// maximum number of runs executing at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRateLimit caps the sustained dequeue rate in jobs per second. Zero
// disables rate limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = perSecond
		o.rateBurst = burst
	}
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func prepare(job Job) Job {
	if job.ID == "" {
		job.ID = model.NewID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return job
}
