package model

import (
	"time"
)

// Review timeout fallback actions.
const (
	ReviewApprove = "approve"
	ReviewReject  = "reject"
	ReviewFail    = "fail"
)

// Workflow is an immutable workflow definition: an ordered list of steps
// linked through next/elseNext, with optional parallel fan-out.
type Workflow struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step        `json:"steps" yaml:"steps"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Step is one node of a workflow's step graph.
type Step struct {
	ID                  string         `json:"id" yaml:"id"`
	Name                string         `json:"name,omitempty" yaml:"name,omitempty"`
	Action              string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params              map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Next                string         `json:"next,omitempty" yaml:"next,omitempty"`
	ElseNext            string         `json:"else_next,omitempty" yaml:"else_next,omitempty"`
	Condition           *Condition     `json:"condition,omitempty" yaml:"condition,omitempty"`
	Parallel            []string       `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	ReviewPoint         bool           `json:"review_point,omitempty" yaml:"review_point,omitempty"`
	ReviewTimeout       time.Duration  `json:"review_timeout,omitempty" yaml:"review_timeout,omitempty"`
	ReviewTimeoutAction string         `json:"review_timeout_action,omitempty" yaml:"review_timeout_action,omitempty"`
	ContinueOnError     bool           `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Timeout             time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Compensate names a registered action that undoes the step when the
	// run later fails or is cancelled.
	Compensate string `json:"compensate,omitempty" yaml:"compensate,omitempty"`
}

// FirstStepID returns the id of the entry step, or "" for an empty workflow.
func (w *Workflow) FirstStepID() string {
	if len(w.Steps) == 0 {
		return ""
	}
	return w.Steps[0].ID
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepIDs returns the set of step ids. These are the reserved context keys
// that result flattening must never overwrite.
func (w *Workflow) StepIDs() map[string]bool {
	ids := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		ids[s.ID] = true
	}
	return ids
}

// DisplayName returns the step name, falling back to its id.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Checkpoint is an immutable snapshot appended to a run's history after a
// step outcome and before pause/cancel transitions.
type Checkpoint struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id"`
	NextStepID string         `json:"next_step_id,omitempty"`
	Context    Context        `json:"context"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Checkpoint reasons recorded under Metadata["reason"].
const (
	CheckpointStep     = "step"
	CheckpointSkipped  = "skipped"
	CheckpointPause    = "pause"
	CheckpointCancel   = "cancel"
	CheckpointReview   = "review"
	CheckpointFailure  = "failure"
	CheckpointContinue = "continue_on_error"
)

// Reason returns the checkpoint reason recorded in its metadata.
func (c *Checkpoint) Reason() string {
	if c.Metadata == nil {
		return ""
	}
	r, _ := c.Metadata["reason"].(string)
	return r
}
