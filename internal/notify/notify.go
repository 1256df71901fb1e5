// Package notify delivers run lifecycle events to interested parties. Every
// notifier is fire-and-forget from the engine's point of view: delivery
// errors are logged, never propagated into run state.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// Event types.
const (
	EventRunCompleted     = "run.completed"
	EventRunFailed        = "run.failed"
	EventRunTimeout       = "run.timeout"
	EventRunCancelled     = "run.cancelled"
	EventRunPaused        = "run.paused"
	EventReviewRequested  = "run.review_requested"
	EventReviewTimedOut   = "run.review_timed_out"
	EventStepSlow         = "step.timeout_warning"
	EventWorkflowSlow     = "run.timeout_warning"
	EventCompensationFail = "run.compensation_failed"
)

// Event is a run lifecycle notification.
type Event struct {
	Type       string          `json:"type"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	StepID     string          `json:"step_id,omitempty"`
	Status     model.RunStatus `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	Fields     map[string]any  `json:"fields,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function into a Notifier.
type Func func(ctx context.Context, ev Event) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Log writes events to a structured logger.
type Log struct {
	Logger *slog.Logger
}

// Notify logs ev at info level, or warn for failure events.
func (l Log) Notify(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	switch ev.Type {
	case EventRunFailed, EventRunTimeout, EventStepSlow, EventWorkflowSlow, EventCompensationFail, EventReviewTimedOut:
		level = slog.LevelWarn
	}
	l.Logger.Log(ctx, level, "run event",
		"event", ev.Type,
		"run_id", ev.RunID,
		"workflow_id", ev.WorkflowID,
		"step_id", ev.StepID,
		"status", ev.Status,
		"message", ev.Message,
		"error", ev.Error,
	)
	return nil
}

// Publisher is satisfied by the engine's log broker.
type Publisher interface {
	Publish(id, line string)
}

// Broker publishes events as JSON lines on the run's live log stream, so
// SSE subscribers see lifecycle changes inline with step logs.
type Broker struct {
	Publisher Publisher
}

// Notify publishes ev to subscribers of ev.RunID.
func (b Broker) Notify(_ context.Context, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b.Publisher.Publish(ev.RunID, string(line))
	return nil
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

// Notify delivers ev to every notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
