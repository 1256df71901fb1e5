package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/model"
)

// Compensation undoes the effect of a completed step.
type Compensation func(ctx context.Context, entry CompensationEntry) error

// CompensationEntry is a completed step recorded for rollback.
type CompensationEntry struct {
	RunID      string        `json:"run_id"`
	StepID     string        `json:"step_id"`
	Action     string        `json:"action"`
	Compensate string        `json:"compensate,omitempty"`
	Result     any           `json:"result,omitempty"`
	Context    model.Context `json:"-"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// CompensationResultKey is the params key carrying the compensated step's
// result when a step's compensate action is invoked.
const CompensationResultKey = "result"

// CompensationManager holds compensation actions by step id and, per run,
// the completed steps that have one. On failure the tracked steps are
// compensated newest first. A step without a registered compensation may
// name a registry action in its compensate field instead.
type CompensationManager struct {
	registry *action.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	actions  map[string]Compensation
	trackers map[string][]CompensationEntry
}

// NewCompensationManager creates an empty manager. registry resolves the
// compensate actions named by steps; it may be nil.
func NewCompensationManager(registry *action.Registry, logger *slog.Logger) *CompensationManager {
	return &CompensationManager{
		registry: registry,
		logger:   logger,
		actions:  make(map[string]Compensation),
		trackers: make(map[string][]CompensationEntry),
	}
}

// Register sets the compensation action of stepID, replacing any earlier one.
func (m *CompensationManager) Register(stepID string, fn Compensation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[stepID] = fn
}

// Track records a completed step of runID if the step has a compensation.
func (m *CompensationManager) Track(runID string, step *model.Step, result any, snapshot model.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.actions[step.ID]; !ok && (step.Compensate == "" || m.registry == nil) {
		return
	}
	m.trackers[runID] = append(m.trackers[runID], CompensationEntry{
		RunID:      runID,
		StepID:     step.ID,
		Action:     step.Action,
		Compensate: step.Compensate,
		Result:     result,
		Context:    snapshot,
		RecordedAt: time.Now().UTC(),
	})
}

// Pending returns the tracked steps of runID in completion order.
func (m *CompensationManager) Pending(runID string) []CompensationEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompensationEntry(nil), m.trackers[runID]...)
}

// Clear drops the tracker of runID without compensating.
func (m *CompensationManager) Clear(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trackers, runID)
}

// Drain compensates every tracked step of runID in reverse completion order
// and empties the tracker. Every compensation is attempted; their errors
// are joined.
func (m *CompensationManager) Drain(ctx context.Context, runID string) error {
	m.mu.Lock()
	entries := m.trackers[runID]
	delete(m.trackers, runID)
	fns := make([]Compensation, len(entries))
	for i, e := range entries {
		fns[i] = m.actions[e.StepID]
		if fns[i] == nil && e.Compensate != "" {
			fns[i] = m.invokeAction(e.Compensate)
		}
	}
	m.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	m.logger.Info("running compensations", "run_id", runID, "count", len(entries))

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if fns[i] == nil {
			continue
		}
		if err := runCompensation(ctx, fns[i], entries[i]); err != nil {
			compensationsTotal.WithLabelValues(outcomeError).Inc()
			m.logger.Error("compensation failed", "run_id", runID, "step_id", entries[i].StepID, "error", err)
			errs = append(errs, fmt.Errorf("compensate %s: %w", entries[i].StepID, err))
			continue
		}
		compensationsTotal.WithLabelValues(outcomeSuccess).Inc()
	}
	return errors.Join(errs...)
}

// invokeAction compensates through the registry action name. It receives
// the step's context snapshot, without the step's own entry, and the step's
// result under CompensationResultKey.
func (m *CompensationManager) invokeAction(name string) Compensation {
	return func(ctx context.Context, entry CompensationEntry) error {
		params := entry.Context.Without(entry.StepID)
		params[CompensationResultKey] = entry.Result
		_, err := m.registry.Invoke(ctx, name, params, entry.RunID)
		return err
	}
}

func runCompensation(ctx context.Context, fn Compensation, entry CompensationEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()
	return fn(ctx, entry)
}
