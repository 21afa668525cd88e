package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	detectionCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "detection_cycles_total",
			Help:      "Total number of detection cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	detectionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "detection_cycle_seconds",
			Help:      "Detection cycle latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "anomalies_total",
			Help:      "Total anomalies detected, partitioned by severity.",
		},
		[]string{"severity"},
	)

	plansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "plans_total",
			Help:      "Total remediation plans reaching a terminal status.",
		},
		[]string{"status"},
	)

	executorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "executor_attempts_total",
			Help:      "Total executor step attempts, partitioned by action type and outcome.",
		},
		[]string{"action", "outcome"},
	)

	baselinesLearned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "baselines_learned_total",
			Help:      "Total baseline learning attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches sentinel collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		detectionCycles,
		detectionDurationSeconds,
		anomaliesTotal,
		plansTotal,
		executorAttempts,
		baselinesLearned,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDetectionCycle records one detection cycle's duration and outcome.
func ObserveDetectionCycle(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	detectionCycles.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	detectionDurationSeconds.Observe(duration.Seconds())
}

// CountAnomaly increments the anomaly counter for a severity.
func CountAnomaly(severity string) {
	anomaliesTotal.WithLabelValues(severity).Inc()
}

// CountPlan increments the plan counter for a terminal status.
func CountPlan(status string) {
	plansTotal.WithLabelValues(status).Inc()
}

// CountExecutorAttempt records the outcome of one executor step attempt.
func CountExecutorAttempt(action string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	executorAttempts.WithLabelValues(action, outcome).Inc()
}

// CountBaselineLearned records the outcome of one baseline learning attempt.
func CountBaselineLearned(err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	baselinesLearned.WithLabelValues(outcome).Inc()
}
