package engine

import "github.com/prometheus/client_golang/prometheus"

// Step outcome label values.
const (
	outcomeSuccess    = "success"
	outcomeSkipped    = "skipped"
	outcomeTimeout    = "timeout"
	outcomeCancelled  = "cancelled"
	outcomeError      = "error"
	outcomeValidation = "validation_error"
)

var (
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_step_duration_seconds",
			Help:    "Step execution time, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action", "outcome"},
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_steps_total",
			Help: "Total number of executed steps by outcome.",
		},
		[]string{"action", "outcome"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_runs_total",
			Help: "Total number of runs that reached a final or paused status.",
		},
		[]string{"workflow", "status"},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_active_runs",
			Help: "Number of runs currently executing steps.",
		},
	)

	timeoutWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_timeout_warnings_total",
			Help: "Total number of approaching-timeout warnings.",
		},
		[]string{"scope"},
	)

	compensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_compensations_total",
			Help: "Total number of compensation actions run during rollback.",
		},
		[]string{"outcome"},
	)

	checkpointFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_checkpoint_failures_total",
			Help: "Total number of checkpoints that could not be persisted.",
		},
	)
)

func init() {
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(activeRuns)
	prometheus.MustRegister(timeoutWarnings)
	prometheus.MustRegister(compensationsTotal)
	prometheus.MustRegister(checkpointFailures)

	timeoutWarnings.WithLabelValues(scopeStep)
	timeoutWarnings.WithLabelValues(scopeWorkflow)
	compensationsTotal.WithLabelValues(outcomeSuccess)
	compensationsTotal.WithLabelValues(outcomeError)
}

func observeStep(action, outcome string, seconds float64) {
	stepDuration.WithLabelValues(action, outcome).Observe(seconds)
	stepsTotal.WithLabelValues(action, outcome).Inc()
}
