package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// DurationKey is the field added to object results with the step's
// execution time in milliseconds.
const DurationKey = "_duration_ms"

// warnFraction is the share of a step's timeout after which a one-shot
// approaching-timeout warning is recorded.
const warnFraction = 0.8

// Timeout sources reported with step timeouts.
const (
	sourceStep       = "step"
	sourceActionType = "action_type"
	sourceDefault    = "default"
)

// TimeoutPolicy resolves a step's effective timeout: the step's own
// timeout, else the default of its action type, else Default.
type TimeoutPolicy struct {
	Default time.Duration
	ByType  map[string]time.Duration
}

func (p TimeoutPolicy) resolve(step *model.Step, actionType string, rl *RunLogger) (time.Duration, string) {
	switch {
	case step.Timeout > 0:
		return step.Timeout, sourceStep
	case step.Timeout < 0:
		rl.Warn(step.ID, "invalid step timeout, using global default", map[string]any{"timeout": step.Timeout.String()})
		return p.Default, sourceDefault
	}
	if d, ok := p.ByType[actionType]; ok {
		if d > 0 {
			return d, sourceActionType
		}
		rl.Warn(step.ID, "invalid action type timeout, using global default",
			map[string]any{"action_type": actionType, "timeout": d.String()})
	}
	return p.Default, sourceDefault
}

// StepOutcome is the result of executing one step.
type StepOutcome struct {
	Result   any
	Skipped  bool
	Duration time.Duration
	Timeout  time.Duration

	// Parallel groups only: successful member results and member failures,
	// with Members listing every member in group order.
	Members  []string
	Results  map[string]any
	Failures map[string]error
}

// Executor runs single steps and parallel groups.
type Executor struct {
	registry *action.Registry
	store    store.Store
	policy   TimeoutPolicy
	events   *TimeoutEventLogger
	logger   *slog.Logger
}

// NewExecutor creates a step executor. s is used to open transaction
// sessions when it implements store.Transactional.
func NewExecutor(registry *action.Registry, s store.Store, policy TimeoutPolicy, events *TimeoutEventLogger, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		store:    s,
		policy:   policy,
		events:   events,
		logger:   logger,
	}
}

// ExecuteStep runs stepID against rc. A step whose condition is false is
// skipped without error. Steps with a parallel group fan out. rc is never
// modified; the caller applies the outcome.
func (x *Executor) ExecuteStep(ctx context.Context, wf *model.Workflow, stepID string, rc model.Context, rl *RunLogger, useTx bool) (StepOutcome, error) {
	step := wf.Step(stepID)
	if step == nil {
		return StepOutcome{}, fmt.Errorf("step %s not found in workflow %s", stepID, wf.ID)
	}

	if step.Condition != nil {
		ok, err := step.Condition.Evaluate(rc)
		if err != nil {
			return StepOutcome{}, fmt.Errorf("step %s: evaluate condition: %w", step.ID, err)
		}
		if !ok {
			observeStep(metricAction(step), outcomeSkipped, 0)
			rl.Info(step.ID, "condition not met, step skipped", map[string]any{"condition": step.Condition.Key})
			return StepOutcome{Skipped: true}, nil
		}
	}

	if len(step.Parallel) > 0 {
		return x.executeParallel(ctx, wf, step, rc, rl)
	}
	return x.executeAction(ctx, wf.ID, step, rc, rl, useTx)
}

func (x *Executor) executeAction(ctx context.Context, workflowID string, step *model.Step, rc model.Context, rl *RunLogger, useTx bool) (StepOutcome, error) {
	def, err := x.registry.Resolve(step.Action)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("step %s: %w", step.ID, err)
	}

	params, err := def.Validate(stepParams(rc, step.Params))
	if err != nil {
		observeStep(def.Name, outcomeValidation, 0)
		rl.Error(step.ID, "step params rejected", map[string]any{"action": def.Name, "error": err.Error()})
		return StepOutcome{}, err
	}

	timeout, source := x.policy.resolve(step, def.Type, rl)

	var sess store.Session
	if useTx {
		if tx, ok := x.store.(store.Transactional); ok {
			sess, err = tx.BeginSession(ctx)
			if err != nil {
				return StepOutcome{}, fmt.Errorf("step %s: begin transaction: %w", step.ID, err)
			}
			params[action.SessionKey] = sess
		}
	}

	rl.Info(step.ID, "step started", map[string]any{
		"action":         def.Name,
		"timeout_ms":     timeout.Milliseconds(),
		"timeout_source": source,
	})

	start := time.Now()
	result, err := x.invoke(ctx, workflowID, step, def, params, timeout, source, rl)
	elapsed := time.Since(start)

	if sess != nil {
		switch {
		case err == nil:
			if cerr := sess.Commit(); cerr != nil {
				err = fmt.Errorf("step %s: commit transaction: %w", step.ID, cerr)
			} else {
				rl.Debug(step.ID, "transaction committed", nil)
			}
		default:
			if rerr := sess.Rollback(); rerr != nil {
				rl.Warn(step.ID, "transaction rollback failed", map[string]any{"error": rerr.Error()})
			} else {
				rl.Debug(step.ID, "transaction rolled back", nil)
			}
		}
	}

	out := StepOutcome{Duration: elapsed, Timeout: timeout}
	if err != nil {
		observeStep(def.Name, failureOutcome(ctx, err), elapsed.Seconds())
		rl.Error(step.ID, "step failed", map[string]any{
			"action":     def.Name,
			"error":      err.Error(),
			"elapsed_ms": elapsed.Milliseconds(),
		})
		return out, err
	}

	observeStep(def.Name, outcomeSuccess, elapsed.Seconds())
	rl.Info(step.ID, "step completed", map[string]any{"action": def.Name, "elapsed_ms": elapsed.Milliseconds()})
	out.Result = withDuration(result, elapsed)
	return out, nil
}

type callResult struct {
	value any
	err   error
}

// invoke races the action against its timeout and the run's cancellation.
// The action keeps running in the background if it loses the race; its
// context is cancelled so it can stop cooperatively.
func (x *Executor) invoke(ctx context.Context, workflowID string, step *model.Step, def *action.Definition, params map[string]any, timeout time.Duration, source string, rl *RunLogger) (any, error) {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan callResult, 1)
	go func() {
		v, err := callAction(actx, def.Fn, params, rl.RunID())
		done <- callResult{value: v, err: err}
	}()

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	warn := time.NewTimer(time.Duration(float64(timeout) * warnFraction))
	defer warn.Stop()
	warnC := warn.C

	event := TimeoutEvent{RunID: rl.RunID(), WorkflowID: workflowID, StepID: step.ID, Action: def.Name, Limit: timeout}
	for {
		select {
		case r := <-done:
			return r.value, r.err

		case <-warnC:
			warnC = nil
			event.Kind = TimeoutWarning
			event.Elapsed = time.Since(start)
			x.events.Record(ctx, rl, event)

		case <-deadline.C:
			elapsed := time.Since(start)
			err := newStepTimeoutError(step, def, timeout, elapsed, source)
			cancel(err)
			event.Kind = TimeoutExceeded
			event.Elapsed = elapsed
			x.events.Record(ctx, rl, event)
			return nil, err

		case <-ctx.Done():
			cause := context.Cause(ctx)
			cancel(cause)
			return nil, cause
		}
	}
}

func callAction(ctx context.Context, fn action.Action, params map[string]any, runID string) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return fn(ctx, params, runID)
}

func newStepTimeoutError(step *model.Step, def *action.Definition, timeout, elapsed time.Duration, source string) *StepTimeoutError {
	suggestions := []string{
		fmt.Sprintf("Raise the timeout of step %s (currently %s) in the workflow definition", step.ID, timeout),
		"Make sure the action returns promptly when its context is cancelled",
		"Split the work into smaller steps or reduce the input size",
	}
	if def.Type != "" && source != sourceActionType {
		suggestions = append(suggestions,
			fmt.Sprintf("Set a default timeout for action type %s with ANVIL_ACTION_TIMEOUTS", def.Type))
	}
	return &StepTimeoutError{
		StepID:      step.ID,
		Action:      def.Name,
		Timeout:     timeout,
		Elapsed:     elapsed,
		Suggestions: suggestions,
		Metadata: map[string]any{
			"action_type":    def.Type,
			"timeout_ms":     timeout.Milliseconds(),
			"elapsed_ms":     elapsed.Milliseconds(),
			"percent_used":   percentOf(elapsed, timeout),
			"timeout_source": source,
		},
	}
}

type memberResult struct {
	outcome StepOutcome
	err     error
}

// executeParallel runs every member of step's group concurrently against
// its own copy of rc and waits for all of them to settle. The group fails
// only if every member failed. If the fork step names an action, it runs
// as one more member. Members run outside transaction boundaries.
func (x *Executor) executeParallel(ctx context.Context, wf *model.Workflow, step *model.Step, rc model.Context, rl *RunLogger) (StepOutcome, error) {
	members := append([]string(nil), step.Parallel...)
	if step.Action != "" {
		members = append(members, step.ID)
	}
	rl.Info(step.ID, "parallel group started", map[string]any{"members": members})

	start := time.Now()
	results := make([]memberResult, len(members))
	var g errgroup.Group
	for i, id := range members {
		g.Go(func() error {
			local := rc.Clone()
			var out StepOutcome
			var err error
			if id == step.ID {
				out, err = x.executeAction(ctx, wf.ID, step, local, rl, false)
			} else {
				out, err = x.ExecuteStep(ctx, wf, id, local, rl, false)
			}
			results[i] = memberResult{outcome: out, err: err}
			return nil
		})
	}
	_ = g.Wait()

	reserved := wf.StepIDs()
	skip := func(k string) bool { return reserved[k] || model.IsInternalKey(k) }
	merged := map[string]any{}
	out := StepOutcome{
		Members:  members,
		Results:  make(map[string]any),
		Failures: make(map[string]error),
	}

	var succeeded, timedOut, failed int
	summary := make([]map[string]any, 0, len(members))
	for i, id := range members {
		r := results[i]
		entry := map[string]any{"step_id": id, "elapsed_ms": r.outcome.Duration.Milliseconds()}
		if r.outcome.Timeout > 0 {
			entry["limit_ms"] = r.outcome.Timeout.Milliseconds()
			entry["percent_used"] = percentOf(r.outcome.Duration, r.outcome.Timeout)
		}

		var te *StepTimeoutError
		switch {
		case errors.As(r.err, &te):
			timedOut++
			entry["status"] = outcomeTimeout
			entry["error"] = r.err.Error()
			out.Failures[id] = r.err
		case r.err != nil:
			failed++
			entry["status"] = outcomeError
			entry["error"] = r.err.Error()
			out.Failures[id] = r.err
		case r.outcome.Skipped:
			succeeded++
			entry["status"] = outcomeSkipped
		default:
			succeeded++
			entry["status"] = outcomeSuccess
			out.Results[id] = r.outcome.Result
			if obj, ok := r.outcome.Result.(map[string]any); ok {
				model.MergeObject(merged, obj, skip)
			}
		}
		summary = append(summary, entry)
	}
	out.Duration = time.Since(start)

	fields := map[string]any{
		"succeeded":  succeeded,
		"timed_out":  timedOut,
		"failed":     failed,
		"elapsed_ms": out.Duration.Milliseconds(),
		"members":    summary,
	}
	if succeeded == 0 {
		rl.Error(step.ID, "parallel group failed", fields)
		return out, &ParallelError{StepID: step.ID, Failures: out.Failures}
	}
	if timedOut+failed > 0 {
		rl.Warn(step.ID, "parallel group partially failed", fields)
	} else {
		rl.Info(step.ID, "parallel group completed", fields)
	}
	out.Result = merged
	return out, nil
}

// NextStepID returns the step that follows step: its else branch when it
// was skipped, its next step otherwise. "" ends the run.
func NextStepID(step *model.Step, skipped bool) string {
	if skipped {
		return step.ElseNext
	}
	return step.Next
}

// stepParams merges the step's own params over a copy of the context.
func stepParams(rc model.Context, params map[string]any) map[string]any {
	merged := rc.Clone()
	for k, v := range model.NewContext(params) {
		merged[k] = v
	}
	return merged
}

func withDuration(result any, elapsed time.Duration) any {
	obj, ok := result.(map[string]any)
	if !ok {
		return result
	}
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out[DurationKey] = elapsed.Milliseconds()
	return out
}

func failureOutcome(ctx context.Context, err error) string {
	switch classify(err, context.Cause(ctx)) {
	case classCancelled:
		return outcomeCancelled
	case classTimeout:
		return outcomeTimeout
	}
	var ve *action.ValidationError
	if errors.As(err, &ve) {
		return outcomeValidation
	}
	return outcomeError
}

func metricAction(step *model.Step) string {
	if step.Action == "" {
		return "parallel"
	}
	return step.Action
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
