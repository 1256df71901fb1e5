package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/notify"
)

// Timeout event kinds.
const (
	TimeoutWarning         = "warning"
	TimeoutExceeded        = "timeout"
	WorkflowTimeoutWarning = "workflow_warning"
	WorkflowTimeoutReached = "workflow_timeout"
)

// Scopes used in timeout metrics.
const (
	scopeStep     = "step"
	scopeWorkflow = "workflow"
)

// Retention limits of the in-memory event history.
const (
	maxTimeoutEvents = 100
	maxTrackedRuns   = 1000
)

// TimeoutEvent is one warning or timeout observed for a run.
type TimeoutEvent struct {
	Kind        string        `json:"kind"`
	RunID       string        `json:"run_id"`
	WorkflowID  string        `json:"workflow_id,omitempty"`
	StepID      string        `json:"step_id,omitempty"`
	Action      string        `json:"action,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	Limit       time.Duration `json:"limit"`
	PercentUsed float64       `json:"percent_used"`
	At          time.Time     `json:"at"`
}

func (ev TimeoutEvent) fields() map[string]any {
	f := map[string]any{
		"kind":         ev.Kind,
		"elapsed_ms":   ev.Elapsed.Milliseconds(),
		"limit_ms":     ev.Limit.Milliseconds(),
		"percent_used": ev.PercentUsed,
	}
	if ev.Action != "" {
		f["action"] = ev.Action
	}
	return f
}

// TimeoutEventLogger records timeout warnings and timeouts with elapsed,
// limit and percentage used. Events go to the run log, the notifier and an
// in-memory per-run history served by the API.
type TimeoutEventLogger struct {
	logger   *slog.Logger
	notifier notify.Notifier

	mu     sync.Mutex
	events map[string][]TimeoutEvent
	order  []string
}

// NewTimeoutEventLogger creates a timeout event logger.
func NewTimeoutEventLogger(logger *slog.Logger, n notify.Notifier) *TimeoutEventLogger {
	return &TimeoutEventLogger{
		logger:   logger,
		notifier: n,
		events:   make(map[string][]TimeoutEvent),
	}
}

// Record stores ev and reports it. rl may be nil.
func (t *TimeoutEventLogger) Record(ctx context.Context, rl *RunLogger, ev TimeoutEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.PercentUsed == 0 && ev.Limit > 0 {
		ev.PercentUsed = percentOf(ev.Elapsed, ev.Limit)
	}

	t.mu.Lock()
	if _, seen := t.events[ev.RunID]; !seen {
		t.order = append(t.order, ev.RunID)
		if len(t.order) > maxTrackedRuns {
			delete(t.events, t.order[0])
			t.order = t.order[1:]
		}
	}
	list := append(t.events[ev.RunID], ev)
	if len(list) > maxTimeoutEvents {
		list = list[len(list)-maxTimeoutEvents:]
	}
	t.events[ev.RunID] = list
	t.mu.Unlock()

	msg := "timeout event"
	evType := ""
	switch ev.Kind {
	case TimeoutWarning:
		msg = "step approaching timeout"
		evType = notify.EventStepSlow
		timeoutWarnings.WithLabelValues(scopeStep).Inc()
	case WorkflowTimeoutWarning:
		msg = "run approaching workflow timeout"
		evType = notify.EventWorkflowSlow
		timeoutWarnings.WithLabelValues(scopeWorkflow).Inc()
	case TimeoutExceeded:
		msg = "step timed out"
	case WorkflowTimeoutReached:
		msg = "run exceeded workflow timeout"
	}

	if rl != nil {
		rl.Warn(ev.StepID, msg, ev.fields())
	} else {
		t.logger.Warn(msg, "run_id", ev.RunID, "step_id", ev.StepID,
			"elapsed_ms", ev.Elapsed.Milliseconds(), "limit_ms", ev.Limit.Milliseconds(),
			"percent_used", ev.PercentUsed)
	}

	if evType == "" || t.notifier == nil {
		return
	}
	err := t.notifier.Notify(ctx, notify.Event{
		Type:       evType,
		RunID:      ev.RunID,
		WorkflowID: ev.WorkflowID,
		StepID:     ev.StepID,
		Message:    msg,
		Fields:     ev.fields(),
		Timestamp:  ev.At,
	})
	if err != nil {
		t.logger.Warn("failed to deliver timeout warning", "run_id", ev.RunID, "error", err)
	}
}

// Events returns the recorded events of a run, oldest first.
func (t *TimeoutEventLogger) Events(runID string) []TimeoutEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TimeoutEvent(nil), t.events[runID]...)
}

func percentOf(elapsed, limit time.Duration) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(elapsed) / float64(limit) * 100
}
