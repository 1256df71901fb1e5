package engine

import (
	"context"
	"fmt"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/notify"
)

// Pause asks a pending or running run to stop at its next step boundary.
// The executing worker records the paused state; the step in flight, if
// any, runs again on resume.
func (e *Engine) Pause(ctx context.Context, runID, reason string) error {
	run, err := e.state.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := requireStatus(run, "pause", model.StatusPending, model.StatusRunning); err != nil {
		return err
	}
	e.setPauseReason(runID, reason)
	if err := e.state.Transition(ctx, runID, "pause", model.StatusPaused); err != nil {
		e.takePauseReason(runID)
		return err
	}
	e.logger.Info("pause requested", "run_id", runID, "reason", reason)
	return nil
}

// Resume queues a paused, failed or timed-out run to continue. A paused run
// continues exactly where it stopped; a failed one from its latest
// checkpoint. params, when given, override context keys.
func (e *Engine) Resume(ctx context.Context, runID string, params map[string]any) error {
	run, err := e.state.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := requireStatus(run, "resume", model.StatusPaused, model.StatusFailed, model.StatusTimeout); err != nil {
		return err
	}
	e.reviews.Clear(runID)
	if err := e.enqueue(ctx, run, modeResume, params); err != nil {
		return err
	}
	e.logger.Info("run resume queued", "run_id", runID, "from_status", run.Status)
	return nil
}

// Retry queues a failed or timed-out run again, from its latest checkpoint
// or, with fromStart, from the first step with its original params.
func (e *Engine) Retry(ctx context.Context, runID string, fromStart bool) error {
	run, err := e.state.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := requireStatus(run, "retry", model.StatusFailed, model.StatusTimeout); err != nil {
		return err
	}
	mode := modeRetry
	if fromStart {
		mode = modeRestart
		e.compensation.Clear(runID)
	}
	if err := e.enqueue(ctx, run, mode, nil); err != nil {
		return err
	}
	e.logger.Info("run retry queued", "run_id", runID, "from_start", fromStart)
	return nil
}

// Cancel stops a pending, running or paused run for good. Its queued job is
// dropped so the worker slot frees up for the next run.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	return e.cancel(ctx, runID, "cancelled by request")
}

func (e *Engine) cancel(ctx context.Context, runID, reason string) error {
	run, err := e.state.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := requireStatus(run, "cancel", model.StatusPending, model.StatusRunning, model.StatusPaused); err != nil {
		return err
	}
	if err := e.state.Transition(ctx, runID, "cancel", model.StatusCancelled); err != nil {
		return err
	}

	e.reviews.Clear(runID)
	active := e.cancelExecution(runID, &CancelledError{RunID: runID, Reason: reason})
	e.queue.RemoveByRunID(ctx, runID)
	if !active {
		e.finishCancelledIdle(context.WithoutCancel(ctx), runID, reason)
	}
	e.logger.Info("run cancelled", "run_id", runID, "reason", reason, "was_executing", active)
	return nil
}

// Approve resolves a pending review and continues the run after the review
// step. params override context keys, for example with curated candidates.
func (e *Engine) Approve(ctx context.Context, runID string, params map[string]any) error {
	if err := e.requireReview(ctx, runID); err != nil {
		return err
	}
	e.logger.Info("review approved", "run_id", runID)
	return e.Resume(ctx, runID, params)
}

// Reject resolves a pending review by cancelling the run.
func (e *Engine) Reject(ctx context.Context, runID, reason string) error {
	if err := e.requireReview(ctx, runID); err != nil {
		return err
	}
	if reason == "" {
		reason = "review rejected"
	}
	e.logger.Info("review rejected", "run_id", runID, "reason", reason)
	return e.cancel(ctx, runID, reason)
}

func (e *Engine) requireReview(ctx context.Context, runID string) error {
	run, err := e.state.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := requireStatus(run, "review", model.StatusPaused); err != nil {
		return err
	}
	if run.PausedState == nil || run.PausedState.Reason != model.CheckpointReview {
		return &BadRequestError{Msg: fmt.Sprintf("run %s is not awaiting review", runID)}
	}
	return nil
}

// onReviewTimeout applies the fallback of a review nobody resolved in time.
func (e *Engine) onReviewTimeout(runID, fallback string) {
	ctx := context.Background()
	run, err := e.state.Get(ctx, runID)
	if err != nil {
		e.logger.Error("review timeout for unknown run", "run_id", runID, "error", err)
		return
	}
	e.notify(ctx, notify.Event{
		Type:       notify.EventReviewTimedOut,
		RunID:      runID,
		WorkflowID: run.WorkflowID,
		Status:     run.Status,
		Message:    fallback,
	})

	switch fallback {
	case model.ReviewReject:
		err = e.cancel(ctx, runID, "review timed out")
	case model.ReviewFail:
		err = e.failReview(ctx, run)
	default:
		err = e.Resume(ctx, runID, nil)
	}
	if err != nil {
		e.logger.Error("review timeout fallback failed", "run_id", runID, "fallback", fallback, "error", err)
	}
}

func (e *Engine) failReview(ctx context.Context, run *model.Run) error {
	const msg = "review timed out"
	if err := e.store.FailRun(ctx, run.ID, model.StatusFailed, msg); err != nil {
		return e.state.wrap(ctx, run.ID, "fail", model.StatusFailed, err)
	}
	e.drainCompensations(ctx, run.ID, run.WorkflowID)
	runsTotal.WithLabelValues(run.WorkflowID, string(model.StatusFailed)).Inc()
	e.notify(ctx, notify.Event{
		Type:       notify.EventRunFailed,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     model.StatusFailed,
		Error:      msg,
	})
	e.saveHistory(ctx, run, model.StatusFailed, 0, 0, msg)
	return nil
}
