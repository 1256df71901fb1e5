package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// ReviewFallback is invoked when a review times out, with the configured
// fallback action.
type ReviewFallback func(runID, action string)

// ReviewTimeoutService keeps one pending timer per run awaiting review.
// When a timer fires before the review is resolved, the fallback runs.
type ReviewTimeoutService struct {
	fallback ReviewFallback
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[string]*reviewTimer
	stopped bool
}

type reviewTimer struct {
	timer    *time.Timer
	action   string
	deadline time.Time
}

// PendingReview describes a scheduled review deadline.
type PendingReview struct {
	RunID    string    `json:"run_id"`
	Action   string    `json:"action"`
	Deadline time.Time `json:"deadline"`
}

// NewReviewTimeoutService creates the service. fallback is called from the
// timer goroutine.
func NewReviewTimeoutService(fallback ReviewFallback, logger *slog.Logger) *ReviewTimeoutService {
	return &ReviewTimeoutService{
		fallback: fallback,
		logger:   logger,
		timers:   make(map[string]*reviewTimer),
	}
}

// Schedule arms the review timer of runID, replacing any earlier one. An
// empty action defaults to approve.
func (s *ReviewTimeoutService) Schedule(runID string, timeout time.Duration, action string) {
	if action == "" {
		action = model.ReviewApprove
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[runID]; ok {
		old.timer.Stop()
	}

	rt := &reviewTimer{action: action, deadline: time.Now().Add(timeout)}
	rt.timer = time.AfterFunc(timeout, func() { s.fire(runID, rt) })
	s.timers[runID] = rt
	s.logger.Info("review timeout scheduled", "run_id", runID, "timeout", timeout.String(), "action", action)
}

func (s *ReviewTimeoutService) fire(runID string, rt *reviewTimer) {
	s.mu.Lock()
	current, ok := s.timers[runID]
	if !ok || current != rt || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, runID)
	s.mu.Unlock()

	s.logger.Warn("review timed out", "run_id", runID, "action", rt.action)
	s.fallback(runID, rt.action)
}

// Clear cancels the pending timer of runID and reports whether one existed.
func (s *ReviewTimeoutService) Clear(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.timers[runID]
	if !ok {
		return false
	}
	rt.timer.Stop()
	delete(s.timers, runID)
	return true
}

// Pending lists the scheduled reviews ordered by deadline.
func (s *ReviewTimeoutService) Pending() []PendingReview {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingReview, 0, len(s.timers))
	for id, rt := range s.timers {
		out = append(out, PendingReview{RunID: id, Action: rt.action, Deadline: rt.deadline})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// Stop cancels every timer. Later Schedule calls are ignored.
func (s *ReviewTimeoutService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, rt := range s.timers {
		rt.timer.Stop()
		delete(s.timers, id)
	}
}
