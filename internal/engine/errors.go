package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// WorkflowValidationError reports a workflow that cannot run as defined.
type WorkflowValidationError struct {
	WorkflowID string
	Problems   []string
}

func (e *WorkflowValidationError) Error() string {
	return fmt.Sprintf("workflow %s is invalid: %s", e.WorkflowID, strings.Join(e.Problems, "; "))
}

// InvalidTransitionError is returned when an operation is attempted on a run
// whose status does not allow it.
type InvalidTransitionError struct {
	RunID    string
	Op       string
	Current  model.RunStatus
	Expected []model.RunStatus
}

func (e *InvalidTransitionError) Error() string {
	expected := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		expected[i] = string(s)
	}
	return fmt.Sprintf("cannot %s run %s: status is %s, expected one of [%s]",
		e.Op, e.RunID, e.Current, strings.Join(expected, ", "))
}

// StepTimeoutError is returned when a step exceeds its effective timeout.
// Suggestions are remediation hints surfaced to operators.
type StepTimeoutError struct {
	StepID      string
	Action      string
	Timeout     time.Duration
	Elapsed     time.Duration
	Suggestions []string
	Metadata    map[string]any
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s (action %s) timed out after %s", e.StepID, e.Action, e.Timeout)
}

// WorkflowTimeoutError is the cancellation cause when a run exceeds its
// overall timeout.
type WorkflowTimeoutError struct {
	RunID   string
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *WorkflowTimeoutError) Error() string {
	return fmt.Sprintf("run %s exceeded workflow timeout of %s", e.RunID, e.Timeout)
}

// LoopDetectedError is returned when a step is visited more often than the
// configured repetition limit.
type LoopDetectedError struct {
	StepID string
	Visits int
	Max    int
}

func (e *LoopDetectedError) Error() string {
	return fmt.Sprintf("loop detected: step %s visited %d times (max %d)", e.StepID, e.Visits, e.Max)
}

// CircularReferenceError is returned when a skipped step's else branch
// points back at itself.
type CircularReferenceError struct {
	StepID string
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("circular reference: step %s else_next points to itself", e.StepID)
}

// ServiceUnavailableError is returned when a run cannot start because a
// dependency is down.
type ServiceUnavailableError struct {
	Service string
	Err     error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service %s unavailable: %v", e.Service, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// CancelledError is the cancellation cause of a run stopped by a caller or
// superseded by a newer run on the same subject.
type CancelledError struct {
	RunID  string
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("run %s cancelled", e.RunID)
	}
	return fmt.Sprintf("run %s cancelled: %s", e.RunID, e.Reason)
}

// BadRequestError is returned for caller mistakes other than status
// violations, such as navigating to an unknown step.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string { return e.Msg }

// NotFoundError is returned when a run or workflow does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ParallelError is returned when every member of a parallel group failed.
type ParallelError struct {
	StepID   string
	Failures map[string]error
}

func (e *ParallelError) Error() string {
	ids := sortedKeys(e.Failures)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s: %v", id, e.Failures[id])
	}
	return fmt.Sprintf("parallel step %s: all members failed (%s)", e.StepID, strings.Join(parts, "; "))
}

// Unwrap exposes the member errors to errors.Is and errors.As.
func (e *ParallelError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, id := range sortedKeys(e.Failures) {
		errs = append(errs, e.Failures[id])
	}
	return errs
}

// Classification of a failed step or run.
const (
	classCancelled = "cancelled"
	classTimeout   = "timeout"
	classFailed    = "failed"
)

// classify decides how a failure is recorded. cause is the cancellation
// cause of the run's context, if any; a cancellation signal wins over
// whatever error the step produced.
func classify(err error, cause error) string {
	var cancelled *CancelledError
	if errors.As(cause, &cancelled) || errors.As(err, &cancelled) {
		return classCancelled
	}
	var stepTimeout *StepTimeoutError
	var wfTimeout *WorkflowTimeoutError
	if errors.As(err, &stepTimeout) || errors.As(err, &wfTimeout) || errors.As(cause, &wfTimeout) {
		return classTimeout
	}
	return classFailed
}
