// Package metrics defines the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// circuitState is 0 for closed, 1 for half_open, 2 for open.
	circuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// reflectionTasks counts finished reflection tasks.
	// Labels: status (succeeded, failed)
	reflectionTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "reflection_tasks_total",
		Help:      "Reflection tasks by terminal status",
	}, []string{"status"})

	// reflectionIterations measures iterations used per finished task.
	reflectionIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "reflection_iterations",
		Help:      "Iterations used per reflection task",
		Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
	})

	// handoffTransitions counts artifact state transitions.
	// Labels: to (pending, approved, rejected, executed, rolled_back)
	handoffTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "handoff_transitions_total",
		Help:      "Handoff artifact transitions by target status",
	}, []string{"to"})

	// sandboxExec measures sandbox command latency.
	// Labels: outcome (ok, nonzero, timeout, error)
	sandboxExec = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "sandbox_exec_seconds",
		Help:      "Sandbox command duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"outcome"})

	// auditEntries counts audit ledger appends.
	// Labels: risk (LOW, MEDIUM, HIGH)
	auditEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "audit_entries_total",
		Help:      "Audit ledger entries by risk level",
	}, []string{"risk"})

	// experiments counts experiment outcomes.
	// Labels: status (validated, rejected, deferred)
	experiments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "experiments_total",
		Help:      "Exploration experiments by outcome",
	}, []string{"status"})
)

// SetCircuitState records the breaker state by name.
func SetCircuitState(state string) {
	switch state {
	case "open":
		circuitState.Set(2)
	case "half_open":
		circuitState.Set(1)
	default:
		circuitState.Set(0)
	}
}

// RecordReflectionTask records a terminal reflection task.
func RecordReflectionTask(status string, iterations int) {
	reflectionTasks.WithLabelValues(status).Inc()
	reflectionIterations.Observe(float64(iterations))
}

// RecordHandoffTransition records an artifact entering status to.
func RecordHandoffTransition(to string) {
	handoffTransitions.WithLabelValues(to).Inc()
}

// ObserveSandboxExec records one sandbox command.
func ObserveSandboxExec(outcome string, seconds float64) {
	sandboxExec.WithLabelValues(outcome).Observe(seconds)
}

// RecordAuditEntry records one audit append.
func RecordAuditEntry(risk string) {
	auditEntries.WithLabelValues(risk).Inc()
}

// RecordExperiment records an experiment outcome.
func RecordExperiment(status string) {
	experiments.WithLabelValues(status).Inc()
}
