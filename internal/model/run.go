package model

import (
	"sort"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

// Run status constants.
const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
	StatusTimeout   RunStatus = "timeout"
)

// validTransitions maps each status to the set of statuses it may transition to.
// completed and cancelled are terminal. failed and timeout may be resumed.
// paused may fail when a review times out with the fail fallback.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusPaused:    true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusPaused:    true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimeout:   true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusRunning: true,
	},
	StatusTimeout: {
		StatusRunning: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to RunStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// AllowedSources returns every status that may transition to to, sorted.
func AllowedSources(to RunStatus) []RunStatus {
	var sources []RunStatus
	for from, targets := range validTransitions {
		if targets[to] {
			sources = append(sources, from)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}

// Terminal reports whether no further transition is possible from s.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a run in status s still occupies its subject.
func (s RunStatus) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPaused
}

// PausedState captures where a gracefully paused run stopped. Resuming
// reproduces Context exactly and continues at StepID.
type PausedState struct {
	StepID   string         `json:"step_id"`
	Context  Context        `json:"context"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	PausedAt time.Time      `json:"paused_at"`
}

// RunOptions are the execution options recorded with a run.
type RunOptions struct {
	QueryID         string `json:"query_id,omitempty"`
	ReviewMode      bool   `json:"review_mode,omitempty"`
	UseTransactions bool   `json:"use_transactions,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

// Run is one execution instance of a Workflow.
type Run struct {
	ID          string            `json:"id"`
	WorkflowID  string            `json:"workflow_id"`
	Status      RunStatus         `json:"status"`
	Context     Context           `json:"context,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	PausedState *PausedState      `json:"paused_state,omitempty"`
	Options     RunOptions        `json:"options"`
	OutputPaths map[string]string `json:"output_paths,omitempty"`
	CurrentStep string            `json:"current_step,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// QueryID returns the subject the run works on, read from its options or
// falling back to the "queryId" input parameter.
func (r *Run) QueryID() string {
	if r.Options.QueryID != "" {
		return r.Options.QueryID
	}
	if v, ok := r.Params["queryId"].(string); ok {
		return v
	}
	return ""
}

// Log levels used for persisted run log lines.
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// LogLine represents a single persisted log line from a run.
type LogLine struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Seq       int            `json:"seq"`
	Level     string         `json:"level"`
	StepID    string         `json:"step_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// HistoryEntry is the execution history record stored when a run finishes.
type HistoryEntry struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	WorkflowID    string    `json:"workflow_id"`
	Status        RunStatus `json:"status"`
	StepsExecuted int       `json:"steps_executed"`
	DurationMS    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
