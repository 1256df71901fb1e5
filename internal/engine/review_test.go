package engine

import (
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

type firedReview struct {
	runID  string
	action string
}

func newTestReviews() (*ReviewTimeoutService, chan firedReview) {
	fired := make(chan firedReview, 4)
	s := NewReviewTimeoutService(func(runID, action string) {
		fired <- firedReview{runID, action}
	}, discardLogger())
	return s, fired
}

func TestReviewTimeoutDefaultsToApprove(t *testing.T) {
	s, fired := newTestReviews()
	defer s.Stop()

	s.Schedule("run-1", 10*time.Millisecond, "")
	select {
	case f := <-fired:
		if f.runID != "run-1" || f.action != model.ReviewApprove {
			t.Errorf("fired %+v, want run-1 approve", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("review timeout never fired")
	}
	if len(s.Pending()) != 0 {
		t.Error("fired review still pending")
	}
}

func TestReviewTimeoutClear(t *testing.T) {
	s, fired := newTestReviews()
	defer s.Stop()

	s.Schedule("run-1", 30*time.Millisecond, model.ReviewReject)
	if !s.Clear("run-1") {
		t.Fatal("Clear = false for a scheduled review")
	}
	if s.Clear("run-1") {
		t.Error("second Clear = true")
	}
	select {
	case f := <-fired:
		t.Fatalf("cleared review fired: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReviewTimeoutRescheduleReplaces(t *testing.T) {
	s, fired := newTestReviews()
	defer s.Stop()

	s.Schedule("run-1", time.Hour, model.ReviewReject)
	s.Schedule("run-1", 10*time.Millisecond, model.ReviewFail)

	select {
	case f := <-fired:
		if f.action != model.ReviewFail {
			t.Errorf("action = %s, want fail", f.action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("review timeout never fired")
	}
	select {
	case f := <-fired:
		t.Fatalf("replaced timer fired: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReviewPendingSortedByDeadline(t *testing.T) {
	s, _ := newTestReviews()
	defer s.Stop()

	s.Schedule("late", 2*time.Hour, "")
	s.Schedule("early", time.Hour, model.ReviewReject)

	pending := s.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].RunID != "early" || pending[0].Action != model.ReviewReject {
		t.Errorf("first pending = %+v", pending[0])
	}
}

func TestReviewStopDropsTimers(t *testing.T) {
	s, fired := newTestReviews()
	s.Schedule("run-1", 10*time.Millisecond, "")
	s.Stop()
	s.Schedule("run-2", 10*time.Millisecond, "")

	select {
	case f := <-fired:
		t.Fatalf("timer fired after Stop: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}
