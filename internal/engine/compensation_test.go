package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/seantiz/anvil/internal/model"
)

func TestCompensationDrainReverseOrder(t *testing.T) {
	m := NewCompensationManager(nil, discardLogger())
	var order []string
	record := func(_ context.Context, e CompensationEntry) error {
		order = append(order, e.StepID)
		return nil
	}
	m.Register("a", record)
	m.Register("b", record)

	m.Track("run-1", &model.Step{ID: "a", Action: "reserve"}, "ok", model.Context{})
	m.Track("run-1", &model.Step{ID: "untracked"}, "ok", model.Context{})
	m.Track("run-1", &model.Step{ID: "b", Action: "charge"}, "ok", model.Context{})

	if got := len(m.Pending("run-1")); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if err := m.Drain(context.Background(), "run-1"); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if strings.Join(order, ",") != "b,a" {
		t.Errorf("order = %v, want [b a]", order)
	}
	if len(m.Pending("run-1")) != 0 {
		t.Error("entries remain after Drain")
	}
}

func TestCompensationDrainCollectsFailures(t *testing.T) {
	m := NewCompensationManager(nil, discardLogger())
	var ran []string
	m.Register("a", func(context.Context, CompensationEntry) error {
		ran = append(ran, "a")
		return nil
	})
	m.Register("b", func(context.Context, CompensationEntry) error {
		return errors.New("refund rejected")
	})
	m.Register("c", func(context.Context, CompensationEntry) error {
		panic("boom")
	})
	for _, id := range []string{"a", "b", "c"} {
		m.Track("run-1", &model.Step{ID: id}, nil, nil)
	}

	err := m.Drain(context.Background(), "run-1")
	if err == nil {
		t.Fatal("Drain: expected error")
	}
	for _, want := range []string{"compensate b", "refund rejected", "compensate c", "panicked"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if len(ran) != 1 {
		t.Errorf("a ran %d times, want 1", len(ran))
	}
}

func TestCompensationClear(t *testing.T) {
	m := NewCompensationManager(nil, discardLogger())
	called := false
	m.Register("a", func(context.Context, CompensationEntry) error {
		called = true
		return nil
	})
	m.Track("run-1", &model.Step{ID: "a"}, nil, nil)
	m.Clear("run-1")

	if err := m.Drain(context.Background(), "run-1"); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if called {
		t.Error("compensation ran after Clear")
	}
}
