package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

const (
	recoveryPageSize = 100
	interruptedError = "interrupted: the process executing the run stopped"
)

// recoverRuns requeues the runs a previous process left behind. Pending runs
// start over from their first step, oldest first. Running runs are marked
// failed and resumed from their latest checkpoint, so the step that was in
// flight runs again.
func (e *Engine) recoverRuns(ctx context.Context) error {
	running, err := e.listByStatus(ctx, model.StatusRunning)
	if err != nil {
		return err
	}
	pending, err := e.listByStatus(ctx, model.StatusPending)
	if err != nil {
		return err
	}

	var errs []error
	for _, run := range running {
		e.logger.Info("resuming interrupted run", "run_id", run.ID, "workflow_id", run.WorkflowID)
		if err := e.store.FailRun(ctx, run.ID, model.StatusFailed, interruptedError); err != nil {
			if !errors.Is(err, store.ErrInvalidTransition) {
				errs = append(errs, fmt.Errorf("mark run %s interrupted: %w", run.ID, err))
			}
			continue
		}
		if err := e.enqueue(ctx, run, modeResume, nil); err != nil {
			errs = append(errs, fmt.Errorf("requeue run %s: %w", run.ID, err))
		}
	}
	for _, run := range pending {
		e.logger.Info("requeueing pending run", "run_id", run.ID, "workflow_id", run.WorkflowID)
		if err := e.enqueue(ctx, run, modeStart, nil); err != nil {
			errs = append(errs, fmt.Errorf("requeue run %s: %w", run.ID, err))
		}
	}
	return errors.Join(errs...)
}

// listByStatus returns every run in status, oldest first.
func (e *Engine) listByStatus(ctx context.Context, status model.RunStatus) ([]*model.Run, error) {
	var all []*model.Run
	for offset := 0; ; offset += recoveryPageSize {
		runs, total, err := e.store.ListRuns(ctx, store.RunFilter{
			Status: status,
			Limit:  recoveryPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s runs: %w", status, err)
		}
		all = append(all, runs...)
		if len(runs) == 0 || offset+len(runs) >= total {
			break
		}
	}
	slices.Reverse(all)
	return all, nil
}
