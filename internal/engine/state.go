package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// StateManager persists run lifecycle transitions and checkpoints and
// reconstructs where a run continues from.
type StateManager struct {
	store  store.Store
	logger *slog.Logger
}

// NewStateManager creates a state manager over s.
func NewStateManager(s store.Store, logger *slog.Logger) *StateManager {
	return &StateManager{store: s, logger: logger}
}

// Get loads a run, mapping a missing row to NotFoundError.
func (m *StateManager) Get(ctx context.Context, runID string) (*model.Run, error) {
	run, err := m.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Transition moves runID to status on behalf of op.
func (m *StateManager) Transition(ctx context.Context, runID, op string, to model.RunStatus) error {
	return m.wrap(ctx, runID, op, to, m.store.UpdateRunStatus(ctx, runID, to))
}

// Pause stores ps and moves the run to paused. A paused run only has its
// state replaced.
func (m *StateManager) Pause(ctx context.Context, runID string, ps *model.PausedState) error {
	return m.wrap(ctx, runID, "pause", model.StatusPaused, m.store.PauseRun(ctx, runID, ps))
}

func (m *StateManager) wrap(ctx context.Context, runID, op string, to model.RunStatus, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Kind: "run", ID: runID}
	case errors.Is(err, store.ErrInvalidTransition):
		current := model.RunStatus("unknown")
		if run, gerr := m.store.GetRun(ctx, runID); gerr == nil {
			current = run.Status
		}
		return &InvalidTransitionError{RunID: runID, Op: op, Current: current, Expected: model.AllowedSources(to)}
	default:
		return err
	}
}

// requireStatus fails with an InvalidTransitionError unless run is in one of
// allowed.
func requireStatus(run *model.Run, op string, allowed ...model.RunStatus) error {
	for _, s := range allowed {
		if run.Status == s {
			return nil
		}
	}
	return &InvalidTransitionError{RunID: run.ID, Op: op, Current: run.Status, Expected: allowed}
}

// Checkpoint appends a checkpoint and mirrors the context onto the run
// record. Failures are logged and counted; they never stop a run.
func (m *StateManager) Checkpoint(ctx context.Context, runID, stepID, nextStepID string, rc model.Context, reason string, meta map[string]any) {
	metadata := map[string]any{"reason": reason}
	for k, v := range meta {
		metadata[k] = v
	}
	cp := &model.Checkpoint{
		ID:         model.NewID(),
		RunID:      runID,
		StepID:     stepID,
		NextStepID: nextStepID,
		Context:    rc.Clone(),
		Metadata:   metadata,
		Timestamp:  time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		checkpointFailures.Inc()
		m.logger.Warn("failed to save checkpoint", "run_id", runID, "step_id", stepID, "reason", reason, "error", err)
	}

	current := nextStepID
	if reason == model.CheckpointFailure || reason == model.CheckpointCancel || reason == model.CheckpointPause {
		current = stepID
	}
	if err := m.store.UpdateRunContext(ctx, runID, rc, current); err != nil {
		m.logger.Warn("failed to update run context", "run_id", runID, "error", err)
	}
}

// Restore returns the step a run continues at and its context.
//
// A fresh start or restart begins at the first step with the run's params.
// A gracefully paused run continues exactly where it stopped. Anything else
// continues at the latest checkpoint's next step, with the run's original
// domain params filled back in for keys the checkpoint lacks. overrides are
// applied last.
func (m *StateManager) Restore(ctx context.Context, run *model.Run, wf *model.Workflow, mode string, overrides map[string]any) (string, model.Context, error) {
	var stepID string
	var rc model.Context

	switch {
	case mode == modeStart || mode == modeRestart:
		stepID, rc = wf.FirstStepID(), model.NewContext(run.Params)
	case run.PausedState != nil:
		stepID, rc = run.PausedState.StepID, run.PausedState.Context.Clone()
	default:
		cp, err := m.store.LatestCheckpoint(ctx, run.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			stepID, rc = wf.FirstStepID(), model.NewContext(run.Params)
		case err != nil:
			return "", nil, fmt.Errorf("load latest checkpoint: %w", err)
		default:
			stepID, rc = cp.NextStepID, cp.Context.Clone()
			for k, v := range model.NewContext(model.DomainParams(run.Params)) {
				if _, ok := rc[k]; !ok {
					rc[k] = v
				}
			}
		}
	}

	for k, v := range model.NewContext(overrides) {
		rc[k] = v
	}
	return stepID, rc, nil
}
