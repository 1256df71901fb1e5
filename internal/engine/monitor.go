package engine

import (
	"context"
	"sync"
	"time"
)

// warningThresholds are the fractions of the workflow timeout at which a
// warning is emitted, each at most once per execution.
var warningThresholds = []float64{0.5, 0.75, 0.9}

// Monitor watches one execution of a run: elapsed time against the
// workflow timeout and how often each step has been entered.
type Monitor struct {
	runID      string
	workflowID string
	timeout    time.Duration
	maxVisits  int
	started    time.Time
	events     *TimeoutEventLogger
	rl         *RunLogger

	mu     sync.Mutex
	visits map[string]int
	fired  []bool
	steps  int
}

// Progress is a snapshot of a monitored execution.
type Progress struct {
	RunID        string         `json:"run_id"`
	Elapsed      time.Duration  `json:"elapsed"`
	Timeout      time.Duration  `json:"timeout"`
	PercentUsed  float64        `json:"percent_used"`
	StepsEntered int            `json:"steps_entered"`
	Visits       map[string]int `json:"visits"`
}

func newMonitor(runID, workflowID string, timeout time.Duration, maxVisits int, events *TimeoutEventLogger, rl *RunLogger) *Monitor {
	return &Monitor{
		runID:      runID,
		workflowID: workflowID,
		timeout:    timeout,
		maxVisits:  maxVisits,
		started:    time.Now(),
		events:     events,
		rl:         rl,
		visits:     make(map[string]int),
		fired:      make([]bool, len(warningThresholds)),
	}
}

// Deadline is when the execution runs out of time.
func (m *Monitor) Deadline() time.Time {
	return m.started.Add(m.timeout)
}

// Enter is called before stepID runs. It fails with a WorkflowTimeoutError
// once the timeout has elapsed and with a LoopDetectedError once the step
// has been entered more than the allowed number of times.
func (m *Monitor) Enter(ctx context.Context, stepID string) error {
	if err := m.checkElapsed(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.visits[stepID]++
	m.steps++
	visits := m.visits[stepID]
	m.mu.Unlock()

	if m.maxVisits > 0 && visits > m.maxVisits {
		return &LoopDetectedError{StepID: stepID, Visits: visits, Max: m.maxVisits}
	}
	return nil
}

func (m *Monitor) checkElapsed(ctx context.Context) error {
	elapsed := time.Since(m.started)
	if elapsed >= m.timeout {
		m.events.Record(ctx, m.rl, TimeoutEvent{
			Kind:       WorkflowTimeoutReached,
			RunID:      m.runID,
			WorkflowID: m.workflowID,
			Elapsed:    elapsed,
			Limit:      m.timeout,
		})
		return &WorkflowTimeoutError{RunID: m.runID, Timeout: m.timeout, Elapsed: elapsed}
	}

	fraction := float64(elapsed) / float64(m.timeout)
	for i, threshold := range warningThresholds {
		m.mu.Lock()
		fire := fraction >= threshold && !m.fired[i]
		if fire {
			m.fired[i] = true
		}
		m.mu.Unlock()
		if fire {
			m.events.Record(ctx, m.rl, TimeoutEvent{
				Kind:       WorkflowTimeoutWarning,
				RunID:      m.runID,
				WorkflowID: m.workflowID,
				Elapsed:    elapsed,
				Limit:      m.timeout,
			})
		}
	}
	return nil
}

// Snapshot returns the current progress.
func (m *Monitor) Snapshot() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := time.Since(m.started)
	visits := make(map[string]int, len(m.visits))
	for k, v := range m.visits {
		visits[k] = v
	}
	return Progress{
		RunID:        m.runID,
		Elapsed:      elapsed,
		Timeout:      m.timeout,
		PercentUsed:  percentOf(elapsed, m.timeout),
		StepsEntered: m.steps,
		Visits:       visits,
	}
}
