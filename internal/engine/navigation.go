package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// NextStep moves a paused run's cursor past the step it would run next,
// without running it.
func (e *Engine) NextStep(ctx context.Context, runID string) (*model.Run, error) {
	return e.navigate(ctx, runID, "next", func(run *model.Run, wf *model.Workflow, ps *model.PausedState) error {
		step := wf.Step(ps.StepID)
		if step == nil {
			return &BadRequestError{Msg: fmt.Sprintf("run %s has no step to move past", runID)}
		}
		ps.StepID = step.Next
		return nil
	})
}

// PreviousStep moves a paused run's cursor back to the step that led to the
// current one, restoring the context as it was before that step ran.
func (e *Engine) PreviousStep(ctx context.Context, runID string) (*model.Run, error) {
	return e.navigate(ctx, runID, "back", func(run *model.Run, wf *model.Workflow, ps *model.PausedState) error {
		cps, err := e.store.ListCheckpoints(ctx, runID)
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}

		prev := -1
		for i := len(cps) - 1; i >= 0; i-- {
			if cps[i].NextStepID == ps.StepID && cps[i].StepID != ps.StepID && advances(cps[i]) {
				prev = i
				break
			}
		}
		if prev < 0 {
			return &BadRequestError{Msg: fmt.Sprintf("run %s has no earlier step to go back to", runID)}
		}

		target := cps[prev].StepID
		rc := model.NewContext(run.Params)
		for i := prev - 1; i >= 0; i-- {
			if cps[i].NextStepID == target && advances(cps[i]) {
				rc = cps[i].Context.Clone()
				break
			}
		}
		ps.StepID = target
		ps.Context = rc
		return nil
	})
}

// JumpToStep moves a paused run's cursor to stepID, keeping its context.
func (e *Engine) JumpToStep(ctx context.Context, runID, stepID string) (*model.Run, error) {
	return e.navigate(ctx, runID, "jump", func(run *model.Run, wf *model.Workflow, ps *model.PausedState) error {
		if wf.Step(stepID) == nil {
			return &BadRequestError{Msg: fmt.Sprintf("workflow %s has no step %s", wf.ID, stepID)}
		}
		ps.StepID = stepID
		return nil
	})
}

// advances reports whether a checkpoint records forward progress rather
// than a stop.
func advances(cp model.Checkpoint) bool {
	switch cp.Reason() {
	case model.CheckpointStep, model.CheckpointSkipped, model.CheckpointContinue, model.CheckpointReview:
		return true
	}
	return false
}

func (e *Engine) navigate(ctx context.Context, runID, op string, move func(*model.Run, *model.Workflow, *model.PausedState) error) (*model.Run, error) {
	run, err := e.state.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(run, op, model.StatusPaused); err != nil {
		return nil, err
	}
	wf, err := e.catalog.Get(run.WorkflowID)
	if err != nil {
		return nil, &NotFoundError{Kind: "workflow", ID: run.WorkflowID}
	}

	ps := run.PausedState
	if ps == nil {
		ps = &model.PausedState{StepID: wf.FirstStepID(), Context: model.NewContext(run.Params)}
	}
	from := ps.StepID
	if err := move(run, &wf, ps); err != nil {
		return nil, err
	}
	ps.PausedAt = time.Now().UTC()
	if ps.Metadata == nil {
		ps.Metadata = map[string]any{}
	}
	ps.Metadata["navigated_from"] = from

	if err := e.state.Pause(ctx, runID, ps); err != nil {
		return nil, err
	}
	e.logger.Info("paused run cursor moved", "run_id", runID, "op", op, "from", from, "to", ps.StepID)
	return e.reloadRun(ctx, run), nil
}
