package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/definition"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/notify"
	"github.com/seantiz/anvil/internal/queue"
	"github.com/seantiz/anvil/internal/services"
	"github.com/seantiz/anvil/internal/store"
)

// Job modes carried on queue jobs.
const (
	modeStart   = "start"
	modeResume  = "resume"
	modeRetry   = "retry"
	modeRestart = "restart"
)

// compensationTimeout bounds a rollback started after the run's own
// context is gone.
const compensationTimeout = time.Minute

// Config holds the engine's execution limits.
type Config struct {
	WorkflowTimeout    time.Duration
	StepTimeout        time.Duration
	ActionTimeouts     map[string]time.Duration
	ReviewTimeout      time.Duration
	MaxStepRepetitions int

	// DisableRecovery skips requeueing runs a previous process left pending
	// or running. Set it when several processes share one store.
	DisableRecovery bool
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		WorkflowTimeout:    3 * time.Hour,
		StepTimeout:        3 * time.Hour,
		ReviewTimeout:      24 * time.Hour,
		MaxStepRepetitions: 100,
	}
}

// ServiceChecker validates the services a set of steps depends on.
type ServiceChecker interface {
	ValidateForSteps(ctx context.Context, ids []string) services.Result
}

// OutputGenerator renders the artifacts of a finished run.
type OutputGenerator interface {
	Generate(run *model.Run, wf *model.Workflow) (map[string]string, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the execution limits. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		def := DefaultConfig()
		if cfg.WorkflowTimeout <= 0 {
			cfg.WorkflowTimeout = def.WorkflowTimeout
		}
		if cfg.StepTimeout <= 0 {
			cfg.StepTimeout = def.StepTimeout
		}
		if cfg.ReviewTimeout <= 0 {
			cfg.ReviewTimeout = def.ReviewTimeout
		}
		if cfg.MaxStepRepetitions <= 0 {
			cfg.MaxStepRepetitions = def.MaxStepRepetitions
		}
		e.cfg = cfg
	}
}

// WithCatalog sets the workflow catalog.
func WithCatalog(c *definition.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithServices sets the service checker consulted before a run starts.
func WithServices(sc ServiceChecker) Option {
	return func(e *Engine) { e.services = sc }
}

// WithNotifier sets the notifier receiving run lifecycle events.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithOutputs sets the generator of run artifacts.
func WithOutputs(g OutputGenerator) Option {
	return func(e *Engine) { e.outputs = g }
}

// Engine orchestrates workflow runs: it creates and queues them, executes
// their steps on queue workers and carries them through pause, review,
// resume, cancellation and failure.
type Engine struct {
	store    store.Store
	registry *action.Registry
	catalog  *definition.Catalog
	queue    queue.Queue
	services ServiceChecker
	notifier notify.Notifier
	outputs  OutputGenerator
	cfg      Config
	logger   *slog.Logger

	executor     *Executor
	validator    *Validator
	state        *StateManager
	compensation *CompensationManager
	reviews      *ReviewTimeoutService
	timeouts     *TimeoutEventLogger
	broker       *LogBroker

	mu           sync.Mutex
	active       map[string]*execution
	slots        map[string]chan struct{}
	pauseReasons map[string]string
}

// NewEngine creates an engine executing jobs from q. Call Start to begin
// consuming the queue.
func NewEngine(s store.Store, registry *action.Registry, q queue.Queue, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		registry:     registry,
		catalog:      definition.NewCatalog(),
		queue:        q,
		cfg:          DefaultConfig(),
		logger:       logger,
		broker:       NewLogBroker(),
		active:       make(map[string]*execution),
		slots:        make(map[string]chan struct{}),
		pauseReasons: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = notify.Log{Logger: logger}
	}
	e.notifier = notify.Multi{e.notifier, notify.Broker{Publisher: e.broker}}

	e.timeouts = NewTimeoutEventLogger(logger, e.notifier)
	e.executor = NewExecutor(registry, s, TimeoutPolicy{
		Default: e.cfg.StepTimeout,
		ByType:  e.cfg.ActionTimeouts,
	}, e.timeouts, logger)
	e.validator = NewValidator(registry)
	e.state = NewStateManager(s, logger)
	e.compensation = NewCompensationManager(registry, logger)
	e.reviews = NewReviewTimeoutService(e.onReviewTimeout, logger)
	return e
}

// Start requeues runs interrupted by a previous process, then launches the
// queue workers.
func (e *Engine) Start() error {
	if !e.cfg.DisableRecovery {
		if err := e.recoverRuns(context.Background()); err != nil {
			e.logger.Warn("failed to recover interrupted runs", "error", err)
		}
	}
	return e.queue.Start(e.handleJob)
}

// Close stops accepting work, cancels pending review timers and waits for
// running executions until ctx expires.
func (e *Engine) Close(ctx context.Context) error {
	e.reviews.Stop()
	return e.queue.Close(ctx)
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Registry returns the action registry.
func (e *Engine) Registry() *action.Registry {
	return e.registry
}

// Catalog returns the workflow catalog.
func (e *Engine) Catalog() *definition.Catalog {
	return e.catalog
}

// RegisterWorkflow adds wf to the catalog.
func (e *Engine) RegisterWorkflow(wf model.Workflow) error {
	return e.catalog.Register(wf)
}

// RegisterAction registers an in-process action.
func (e *Engine) RegisterAction(name string, fn action.Action) error {
	return e.registry.Register(name, fn)
}

// RegisterModule registers a pluggable module, resolvable as an action under
// its own name.
func (e *Engine) RegisterModule(m action.Module) error {
	return e.registry.RegisterModule(m)
}

// RegisterCompensationAction sets the action that undoes stepID when a run
// fails after the step completed.
func (e *Engine) RegisterCompensationAction(stepID string, fn Compensation) {
	e.compensation.Register(stepID, fn)
}

// TimeoutEvents returns the timeout warnings and timeouts recorded for a run.
func (e *Engine) TimeoutEvents(runID string) []TimeoutEvent {
	return e.timeouts.Events(runID)
}

// PendingReviews lists runs awaiting review with their fallback deadlines.
func (e *Engine) PendingReviews() []PendingReview {
	return e.reviews.Pending()
}

// PendingCompensations lists the completed steps of a run that would be
// compensated if it failed now.
func (e *Engine) PendingCompensations(runID string) []CompensationEntry {
	return e.compensation.Pending(runID)
}

// Progress reports on a run currently executing steps.
func (e *Engine) Progress(runID string) (Progress, bool) {
	e.mu.Lock()
	x, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return x.monitor.Snapshot(), true
}

// QueueStats reports the job queue's pending and running counts.
func (e *Engine) QueueStats(ctx context.Context) queue.Stats {
	return e.queue.Stats(ctx)
}

// StartRequest describes a run to create.
type StartRequest struct {
	WorkflowID string           `json:"workflow_id"`
	Params     map[string]any   `json:"params,omitempty"`
	Options    model.RunOptions `json:"options"`
	CreatedBy  string           `json:"created_by,omitempty"`
}

// StartWorkflow creates a pending run and queues it for execution. Active
// runs of the same workflow on the same subject are cancelled first.
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (string, error) {
	run, err := e.createRun(ctx, req)
	if err != nil {
		return "", err
	}
	if err := e.enqueue(ctx, run, modeStart, nil); err != nil {
		if ferr := e.store.FailRun(ctx, run.ID, model.StatusFailed, err.Error()); ferr != nil {
			e.logger.Error("failed to mark unqueued run as failed", "run_id", run.ID, "error", ferr)
		}
		return "", err
	}
	e.logger.Info("run queued", "run_id", run.ID, "workflow_id", run.WorkflowID)
	return run.ID, nil
}

// ExecuteWorkflow runs a workflow on the calling goroutine until it
// completes, fails, pauses or waits for review. With existingRunID set, that
// run is continued instead and req.Params act as resume overrides.
func (e *Engine) ExecuteWorkflow(ctx context.Context, req StartRequest, existingRunID string) (*model.Run, error) {
	if existingRunID != "" {
		run, err := e.state.Get(ctx, existingRunID)
		if err != nil {
			return nil, err
		}
		mode := modeResume
		if run.Status == model.StatusPending {
			mode = modeStart
		}
		return e.execute(ctx, existingRunID, mode, req.Params)
	}

	run, err := e.createRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, run.ID, modeStart, nil)
}

func (e *Engine) createRun(ctx context.Context, req StartRequest) (*model.Run, error) {
	wf, err := e.catalog.Get(req.WorkflowID)
	if err != nil {
		return nil, &NotFoundError{Kind: "workflow", ID: req.WorkflowID}
	}
	if err := e.validator.Validate(&wf); err != nil {
		return nil, err
	}
	if err := e.checkServices(ctx, &wf); err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:         model.NewID(),
		WorkflowID: wf.ID,
		Status:     model.StatusPending,
		Params:     req.Params,
		Options:    req.Options,
		CreatedBy:  req.CreatedBy,
		CreatedAt:  time.Now().UTC(),
	}
	if run.Options.QueryID == "" {
		run.Options.QueryID = run.QueryID()
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if qid := run.QueryID(); qid != "" {
		e.supersede(ctx, run, qid)
	}
	return run, nil
}

// supersede cancels the other active runs of run's workflow on the same
// subject and drops their queued jobs.
func (e *Engine) supersede(ctx context.Context, run *model.Run, queryID string) {
	ids, err := e.store.CancelActiveRuns(ctx, run.WorkflowID, queryID, run.ID)
	if err != nil {
		e.logger.Warn("failed to cancel superseded runs", "run_id", run.ID, "query_id", queryID, "error", err)
		return
	}
	for _, id := range ids {
		reason := "superseded by run " + run.ID
		e.reviews.Clear(id)
		active := e.cancelExecution(id, &CancelledError{RunID: id, Reason: reason})
		e.queue.RemoveByRunID(ctx, id)
		if !active {
			e.finishCancelledIdle(ctx, id, reason)
		}
		e.logger.Info("run superseded", "run_id", id, "by", run.ID, "query_id", queryID)
	}
}

func (e *Engine) checkServices(ctx context.Context, wf *model.Workflow) error {
	if e.services == nil {
		return nil
	}
	ids := make([]string, 0, 2*len(wf.Steps))
	for _, s := range wf.Steps {
		ids = append(ids, s.ID)
		if s.Action != "" {
			ids = append(ids, s.Action)
		}
	}
	res := e.services.ValidateForSteps(ctx, ids)
	if res.Valid {
		return nil
	}
	var down []string
	for _, s := range res.Services {
		if !s.Healthy && !s.Optional {
			down = append(down, s.Name)
		}
	}
	return &ServiceUnavailableError{Service: strings.Join(down, ", "), Err: errors.New(res.Message)}
}

func (e *Engine) enqueue(ctx context.Context, run *model.Run, mode string, params map[string]any) error {
	_, err := e.queue.Enqueue(ctx, queue.Job{
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
		Mode:       mode,
		Params:     params,
		Options:    run.Options,
	})
	if err != nil {
		return &ServiceUnavailableError{Service: "queue", Err: err}
	}
	return nil
}

// handleJob is the queue handler. Run failures are recorded on the run;
// only errors that prevented execution altogether reach the queue.
func (e *Engine) handleJob(ctx context.Context, job queue.Job) error {
	mode := job.Mode
	if mode == "" {
		mode = modeStart
	}
	run, err := e.execute(ctx, job.RunID, mode, job.Params)
	if run == nil && err != nil {
		return err
	}
	return nil
}

// execution is the state of one run while a worker executes it.
type execution struct {
	run     *model.Run
	wf      *model.Workflow
	rc      model.Context
	rl      *RunLogger
	monitor *Monitor
	started time.Time
	steps   int

	// ctx carries the run's cancellation and deadline; bg outlives it for
	// persisting the outcome.
	ctx    context.Context
	cancel context.CancelCauseFunc
	bg     context.Context
}

func (e *Engine) execute(parent context.Context, runID, mode string, overrides map[string]any) (*model.Run, error) {
	release, err := e.acquire(parent, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	bg := context.WithoutCancel(parent)
	run, err := e.state.Get(bg, runID)
	if err != nil {
		return nil, err
	}
	wf, err := e.catalog.Get(run.WorkflowID)
	if err != nil {
		if ferr := e.store.FailRun(bg, runID, model.StatusFailed, err.Error()); ferr != nil {
			e.logger.Error("failed to mark run as failed", "run_id", runID, "error", ferr)
		}
		return nil, &NotFoundError{Kind: "workflow", ID: run.WorkflowID}
	}

	claimed, err := e.claim(bg, run, &wf, mode)
	if err != nil {
		return run, err
	}
	if !claimed {
		return e.reloadRun(bg, run), nil
	}

	e.broker.Open(runID)
	defer e.broker.Close(runID)
	rl := newRunLogger(bg, runID, e.store, e.broker, e.logger)
	defer rl.Flush(bg)

	timeout := wf.Timeout
	if timeout <= 0 {
		timeout = e.cfg.WorkflowTimeout
	}
	mon := newMonitor(runID, wf.ID, timeout, e.cfg.MaxStepRepetitions, e.timeouts, rl)

	runCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	runCtx, cancelDeadline := context.WithDeadlineCause(runCtx, mon.Deadline(),
		&WorkflowTimeoutError{RunID: runID, Timeout: timeout, Elapsed: timeout})
	defer cancelDeadline()

	x := &execution{
		run:     run,
		wf:      &wf,
		rc:      model.NewContext(run.Params),
		rl:      rl,
		monitor: mon,
		started: time.Now(),
		ctx:     runCtx,
		cancel:  cancel,
		bg:      bg,
	}
	e.track(x)
	defer e.untrack(runID)

	if err := e.validator.Validate(&wf); err != nil {
		return e.fail(x, "", err)
	}
	if err := e.checkServices(bg, &wf); err != nil {
		return e.fail(x, "", err)
	}

	stepID, rc, err := e.state.Restore(bg, run, &wf, mode, overrides)
	if err != nil {
		return e.fail(x, "", err)
	}
	x.rc = rc
	if len(overrides) > 0 {
		params := model.NewContext(run.Params)
		for k, v := range overrides {
			params[k] = v
		}
		if err := e.store.UpdateRunParams(bg, runID, params); err != nil {
			rl.Warn("", "failed to persist resume params", map[string]any{"error": err.Error()})
		}
		x.run.Params = params
	}

	rl.Info(stepID, "run executing", map[string]any{
		"workflow_id": wf.ID,
		"mode":        mode,
		"timeout_ms":  timeout.Milliseconds(),
	})
	return e.loop(x, stepID)
}

// acquire takes the execution slot of runID, waiting while another worker
// of this process still holds it. A job queued by a resume issued mid-step
// therefore reads the run only after the previous execution has recorded
// where it stopped.
func (e *Engine) acquire(ctx context.Context, runID string) (func(), error) {
	for {
		e.mu.Lock()
		busy, ok := e.slots[runID]
		if !ok {
			done := make(chan struct{})
			e.slots[runID] = done
			e.mu.Unlock()
			return func() {
				e.mu.Lock()
				delete(e.slots, runID)
				e.mu.Unlock()
				close(done)
			}, nil
		}
		e.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for run %s to stop: %w", runID, context.Cause(ctx))
		}
	}
}

// claim moves the run into running for this worker. It reports false when
// the run is no longer runnable in the requested mode, which includes a
// concurrent claim by another worker.
func (e *Engine) claim(ctx context.Context, run *model.Run, wf *model.Workflow, mode string) (bool, error) {
	var err error
	switch {
	case mode == modeStart && run.Status == model.StatusPending:
		err = e.store.UpdateRunStatus(ctx, run.ID, model.StatusRunning)
	case mode == modeStart && run.Status == model.StatusPaused:
		// Paused while still queued: record where it will start.
		ps := &model.PausedState{
			StepID:   wf.FirstStepID(),
			Context:  model.NewContext(run.Params),
			Reason:   e.takePauseReason(run.ID),
			PausedAt: time.Now().UTC(),
		}
		if perr := e.state.Pause(ctx, run.ID, ps); perr != nil {
			e.logger.Warn("failed to record pause of queued run", "run_id", run.ID, "error", perr)
		}
		return false, nil
	case mode != modeStart && (run.Status == model.StatusPaused ||
		run.Status == model.StatusFailed || run.Status == model.StatusTimeout):
		err = e.store.ResumeRun(ctx, run.ID)
	default:
		e.logger.Info("run not runnable, skipping job", "run_id", run.ID, "status", run.Status, "mode", mode)
		return false, nil
	}

	if errors.Is(err, store.ErrInvalidTransition) {
		e.logger.Info("run claimed elsewhere, skipping job", "run_id", run.ID, "mode", mode)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", run.ID, err)
	}
	return true, nil
}

// loop executes steps from stepID until the run completes, fails or stops.
func (e *Engine) loop(x *execution, stepID string) (*model.Run, error) {
	reserved := x.wf.StepIDs()

	for stepID != "" {
		if err := x.monitor.Enter(x.ctx, stepID); err != nil {
			return e.fail(x, stepID, err)
		}
		if run, stopped := e.interrupted(x, stepID); stopped {
			return run, nil
		}

		outcome, err := e.executor.ExecuteStep(x.ctx, x.wf, stepID, x.rc, x.rl, x.run.Options.UseTransactions)

		// A pause or cancel that arrived during the step wins over its
		// outcome; the step runs again on resume.
		if run, stopped := e.interrupted(x, stepID); stopped {
			return run, nil
		}

		step := x.wf.Step(stepID)
		var next, reason string
		var meta map[string]any
		switch {
		case err != nil && e.continueAfter(x, step, err):
			x.rl.Warn(step.ID, "step failed, continuing", map[string]any{"error": err.Error()})
			x.rc[step.ID] = map[string]any{"error": err.Error()}
			next, reason = NextStepID(step, false), model.CheckpointContinue
			meta = map[string]any{"error": err.Error()}
		case err != nil:
			return e.fail(x, stepID, err)
		case outcome.Skipped:
			if step.ElseNext == step.ID {
				return e.fail(x, stepID, &CircularReferenceError{StepID: step.ID})
			}
			next, reason = NextStepID(step, true), model.CheckpointSkipped
		default:
			applyOutcome(x.rc, step, outcome, reserved)
			x.steps++
			snapshot := x.rc.Clone()
			for _, id := range outcome.Members {
				if res, ok := outcome.Results[id]; ok && id != step.ID {
					e.compensation.Track(x.run.ID, x.wf.Step(id), res, snapshot)
				}
			}
			e.compensation.Track(x.run.ID, step, outcome.Result, snapshot)
			next, reason = NextStepID(step, false), model.CheckpointStep
			if step.ReviewPoint && x.run.Options.ReviewMode {
				return e.pauseForReview(x, step, outcome.Result)
			}
		}

		if next != "" && x.wf.Step(next) == nil {
			return e.fail(x, stepID, fmt.Errorf("step %s: next step %s does not exist", step.ID, next))
		}
		e.state.Checkpoint(x.bg, x.run.ID, step.ID, next, x.rc, reason, meta)
		x.rl.Flush(x.bg)
		stepID = next
	}
	return e.complete(x)
}

// applyOutcome writes a successful step's results into rc: each parallel
// member under its own id, then the step's result under the step id.
func applyOutcome(rc model.Context, step *model.Step, outcome StepOutcome, reserved map[string]bool) {
	for _, id := range outcome.Members {
		if id == step.ID {
			continue
		}
		if res, ok := outcome.Results[id]; ok {
			rc.ApplyResult(id, res, reserved)
		}
	}
	rc.ApplyResult(step.ID, outcome.Result, reserved)
}

// continueAfter reports whether a failed step may be recorded and skipped.
// Cancellations and rejected params always stop the run.
func (e *Engine) continueAfter(x *execution, step *model.Step, err error) bool {
	if !step.ContinueOnError {
		return false
	}
	if classify(err, context.Cause(x.ctx)) == classCancelled {
		return false
	}
	var ve *action.ValidationError
	return !errors.As(err, &ve)
}

// interrupted checks whether the run was paused or cancelled from outside
// and, if so, records the stop at stepID.
func (e *Engine) interrupted(x *execution, stepID string) (*model.Run, bool) {
	cause := context.Cause(x.ctx)
	if classify(nil, cause) == classCancelled {
		return e.stopCancelled(x, stepID, cause), true
	}

	cur, err := e.store.GetRun(x.bg, x.run.ID)
	if err != nil {
		x.rl.Warn(stepID, "failed to read run status", map[string]any{"error": err.Error()})
		return nil, false
	}
	switch cur.Status {
	case model.StatusPaused:
		return e.stopPaused(x, stepID), true
	case model.StatusCancelled:
		return e.stopCancelled(x, stepID, cause), true
	}
	return nil, false
}

func (e *Engine) stopPaused(x *execution, stepID string) *model.Run {
	reason := e.takePauseReason(x.run.ID)
	ps := &model.PausedState{
		StepID:   stepID,
		Context:  x.rc.Clone(),
		Reason:   reason,
		PausedAt: time.Now().UTC(),
	}
	e.state.Checkpoint(x.bg, x.run.ID, stepID, stepID, x.rc, model.CheckpointPause, map[string]any{"pause_reason": reason})
	if err := e.state.Pause(x.bg, x.run.ID, ps); err != nil {
		x.rl.Error(stepID, "failed to persist paused state", map[string]any{"error": err.Error()})
	}

	runsTotal.WithLabelValues(x.wf.ID, string(model.StatusPaused)).Inc()
	x.rl.Info(stepID, "run paused", map[string]any{"reason": reason})
	e.notify(x.bg, notify.Event{
		Type:       notify.EventRunPaused,
		RunID:      x.run.ID,
		WorkflowID: x.wf.ID,
		StepID:     stepID,
		Status:     model.StatusPaused,
		Message:    reason,
	})
	return e.reloadRun(x.bg, x.run)
}

func (e *Engine) stopCancelled(x *execution, stepID string, cause error) *model.Run {
	reason := "cancelled"
	var ce *CancelledError
	if errors.As(cause, &ce) && ce.Reason != "" {
		reason = ce.Reason
	}

	e.state.Checkpoint(x.bg, x.run.ID, stepID, stepID, x.rc, model.CheckpointCancel, map[string]any{"cancel_reason": reason})
	if cur, err := e.store.GetRun(x.bg, x.run.ID); err == nil && cur.Status != model.StatusCancelled {
		if err := e.state.Transition(x.bg, x.run.ID, "cancel", model.StatusCancelled); err != nil {
			x.rl.Error(stepID, "failed to mark run cancelled", map[string]any{"error": err.Error()})
		}
	}
	e.drainCompensations(x.bg, x.run.ID, x.wf.ID)

	runsTotal.WithLabelValues(x.wf.ID, string(model.StatusCancelled)).Inc()
	x.rl.Warn(stepID, "run cancelled", map[string]any{"reason": reason})
	return e.finishRun(x, model.StatusCancelled, reason)
}

func (e *Engine) pauseForReview(x *execution, step *model.Step, candidates any) (*model.Run, error) {
	next := step.Next
	ps := &model.PausedState{
		StepID:   next,
		Context:  x.rc.Clone(),
		Reason:   model.CheckpointReview,
		Metadata: map[string]any{"review_step": step.ID, "candidates": candidates},
		PausedAt: time.Now().UTC(),
	}
	e.state.Checkpoint(x.bg, x.run.ID, step.ID, next, x.rc, model.CheckpointReview, nil)
	if err := e.state.Pause(x.bg, x.run.ID, ps); err != nil {
		if run, stopped := e.interrupted(x, next); stopped {
			return run, nil
		}
		return e.fail(x, step.ID, fmt.Errorf("pause for review: %w", err))
	}

	timeout := step.ReviewTimeout
	if timeout <= 0 {
		timeout = e.cfg.ReviewTimeout
	}
	e.reviews.Schedule(x.run.ID, timeout, step.ReviewTimeoutAction)

	runsTotal.WithLabelValues(x.wf.ID, string(model.StatusPaused)).Inc()
	x.rl.Info(step.ID, "run awaiting review", map[string]any{"timeout_ms": timeout.Milliseconds()})
	e.notify(x.bg, notify.Event{
		Type:       notify.EventReviewRequested,
		RunID:      x.run.ID,
		WorkflowID: x.wf.ID,
		StepID:     step.ID,
		Status:     model.StatusPaused,
		Fields:     map[string]any{"timeout_ms": timeout.Milliseconds(), "next_step": next},
	})
	return e.reloadRun(x.bg, x.run), nil
}

func (e *Engine) complete(x *execution) (*model.Run, error) {
	if err := e.store.UpdateRunContext(x.bg, x.run.ID, x.rc, ""); err != nil {
		x.rl.Warn("", "failed to persist final context", map[string]any{"error": err.Error()})
	}
	if err := e.state.Transition(x.bg, x.run.ID, "complete", model.StatusCompleted); err != nil {
		// A pause or cancel raced the last step.
		if run, stopped := e.interrupted(x, ""); stopped {
			return run, nil
		}
		x.rl.Error("", "failed to mark run completed", map[string]any{"error": err.Error()})
	}
	e.compensation.Clear(x.run.ID)

	runsTotal.WithLabelValues(x.wf.ID, string(model.StatusCompleted)).Inc()
	x.rl.Info("", "run completed", map[string]any{
		"steps_executed": x.steps,
		"elapsed_ms":     time.Since(x.started).Milliseconds(),
	})
	return e.finishRun(x, model.StatusCompleted, ""), nil
}

// fail records a failed execution at stepID. A cancellation signal turns
// the failure into a cancellation. Tracked compensations run before the
// run is marked failed or timed out.
func (e *Engine) fail(x *execution, stepID string, err error) (*model.Run, error) {
	cause := context.Cause(x.ctx)
	class := classify(err, cause)
	if class == classCancelled {
		return e.stopCancelled(x, stepID, cause), err
	}

	if stepID == "" {
		if cp, cerr := e.store.LatestCheckpoint(x.bg, x.run.ID); cerr == nil {
			stepID = cp.NextStepID
		}
		if stepID == "" {
			stepID = x.wf.FirstStepID()
		}
	}

	meta := map[string]any{"error": err.Error(), "classification": class}
	var te *StepTimeoutError
	if errors.As(err, &te) {
		meta["suggestions"] = te.Suggestions
		meta["timeout"] = te.Metadata
	}
	e.state.Checkpoint(x.bg, x.run.ID, stepID, stepID, x.rc, model.CheckpointFailure, meta)
	e.drainCompensations(x.bg, x.run.ID, x.wf.ID)

	status := model.StatusFailed
	if class == classTimeout {
		status = model.StatusTimeout
	}
	if ferr := e.store.FailRun(x.bg, x.run.ID, status, err.Error()); ferr != nil {
		x.rl.Error(stepID, "failed to record run failure", map[string]any{"error": ferr.Error()})
	}

	runsTotal.WithLabelValues(x.wf.ID, string(status)).Inc()
	x.rl.Error(stepID, "run failed", map[string]any{"error": err.Error(), "classification": class})
	return e.finishRun(x, status, err.Error()), err
}

// finishRun generates artifacts, notifies and records history for a run
// that stopped for good or until retried.
func (e *Engine) finishRun(x *execution, status model.RunStatus, errMsg string) *model.Run {
	run := e.reloadRun(x.bg, x.run)

	if e.outputs != nil && status != model.StatusCancelled {
		paths, err := e.outputs.Generate(run, x.wf)
		if err != nil {
			x.rl.Warn("", "output generation failed", map[string]any{"error": err.Error()})
		}
		if len(paths) > 0 {
			if err := e.store.UpdateOutputPaths(x.bg, run.ID, paths); err != nil {
				x.rl.Warn("", "failed to record output paths", map[string]any{"error": err.Error()})
			}
			run.OutputPaths = paths
		}
	}

	e.notify(x.bg, notify.Event{
		Type:       eventFor(status),
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     status,
		Error:      errMsg,
		Fields:     map[string]any{"steps_executed": x.steps},
	})
	e.saveHistory(x.bg, run, status, x.steps, time.Since(x.started), errMsg)
	return run
}

// finishCancelledIdle completes the cancellation of a run that no worker is
// executing.
func (e *Engine) finishCancelledIdle(ctx context.Context, runID, reason string) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Warn("failed to load cancelled run", "run_id", runID, "error", err)
		return
	}
	rc := run.Context
	stepID := run.CurrentStep
	if run.PausedState != nil {
		rc, stepID = run.PausedState.Context, run.PausedState.StepID
	}
	if rc == nil {
		rc = model.NewContext(run.Params)
	}
	e.state.Checkpoint(ctx, runID, stepID, stepID, rc, model.CheckpointCancel, map[string]any{"cancel_reason": reason})
	e.drainCompensations(ctx, runID, run.WorkflowID)

	runsTotal.WithLabelValues(run.WorkflowID, string(model.StatusCancelled)).Inc()
	e.notify(ctx, notify.Event{
		Type:       notify.EventRunCancelled,
		RunID:      runID,
		WorkflowID: run.WorkflowID,
		Status:     model.StatusCancelled,
		Message:    reason,
	})
	e.saveHistory(ctx, run, model.StatusCancelled, 0, 0, reason)
}

func (e *Engine) drainCompensations(ctx context.Context, runID, workflowID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := e.compensation.Drain(ctx, runID); err != nil {
		e.notify(ctx, notify.Event{
			Type:       notify.EventCompensationFail,
			RunID:      runID,
			WorkflowID: workflowID,
			Error:      err.Error(),
		})
	}
}

func (e *Engine) saveHistory(ctx context.Context, run *model.Run, status model.RunStatus, steps int, elapsed time.Duration, errMsg string) {
	h := &model.HistoryEntry{
		ID:            model.NewID(),
		RunID:         run.ID,
		WorkflowID:    run.WorkflowID,
		Status:        status,
		StepsExecuted: steps,
		DurationMS:    elapsed.Milliseconds(),
		Error:         errMsg,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.SaveHistory(ctx, h); err != nil {
		e.logger.Warn("failed to save run history", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, ev notify.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.logger.Warn("notification failed", "event", ev.Type, "run_id", ev.RunID, "error", err)
	}
}

func eventFor(status model.RunStatus) string {
	switch status {
	case model.StatusCompleted:
		return notify.EventRunCompleted
	case model.StatusTimeout:
		return notify.EventRunTimeout
	case model.StatusCancelled:
		return notify.EventRunCancelled
	case model.StatusPaused:
		return notify.EventRunPaused
	default:
		return notify.EventRunFailed
	}
}

func (e *Engine) reloadRun(ctx context.Context, run *model.Run) *model.Run {
	fresh, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		e.logger.Warn("failed to reload run", "run_id", run.ID, "error", err)
		return run
	}
	return fresh
}

func (e *Engine) track(x *execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[x.run.ID] = x
	activeRuns.Inc()
}

func (e *Engine) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[runID]; ok {
		delete(e.active, runID)
		activeRuns.Dec()
	}
}

// cancelExecution signals the run's in-flight execution, if any, and
// reports whether there was one.
func (e *Engine) cancelExecution(runID string, cause error) bool {
	e.mu.Lock()
	x, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		x.cancel(cause)
	}
	return ok
}

// ActiveRuns returns the ids of runs currently executing steps, sorted.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) setPauseReason(runID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseReasons[runID] = reason
}

func (e *Engine) takePauseReason(runID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.pauseReasons[runID]
	if !ok || reason == "" {
		reason = "requested"
	}
	delete(e.pauseReasons, runID)
	return reason
}
