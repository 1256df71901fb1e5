package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	return nil
}

func TestMetricsRegistered(t *testing.T) {
	observeStep("echo", outcomeSuccess, 0.01)
	runsTotal.WithLabelValues("wf", "completed").Inc()

	expected := []string{
		"anvil_step_duration_seconds",
		"anvil_steps_total",
		"anvil_runs_total",
		"anvil_active_runs",
		"anvil_timeout_warnings_total",
		"anvil_compensations_total",
		"anvil_checkpoint_failures_total",
	}
	for _, name := range expected {
		if gatherFamily(t, name) == nil {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestObserveStepLabels(t *testing.T) {
	observeStep("metrics-test", outcomeTimeout, 0.5)
	observeStep("metrics-test", outcomeTimeout, 1.5)

	fam := gatherFamily(t, "anvil_steps_total")
	if fam == nil {
		t.Fatal("steps_total metric family not found")
	}

	var got float64
	for _, m := range fam.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["action"] == "metrics-test" && labels["outcome"] == outcomeTimeout {
			got = m.GetCounter().GetValue()
		}
	}
	if got != 2 {
		t.Errorf("steps_total{action=metrics-test,outcome=timeout} = %v, want 2", got)
	}

	hist := gatherFamily(t, "anvil_step_duration_seconds")
	if hist == nil {
		t.Fatal("step_duration metric family not found")
	}
	for _, m := range hist.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "action" && lp.GetValue() == "metrics-test" {
				if c := m.GetHistogram().GetSampleCount(); c != 2 {
					t.Errorf("sample count = %d, want 2", c)
				}
			}
		}
	}
}
