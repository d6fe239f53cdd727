// Package metrics holds the Prometheus collectors for the readiness engine.
// Collectors register on the default registry at init.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// recomputations counts status computer runs.
	// Labels: changed (true, false)
	recomputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readyline",
		Subsystem: "status",
		Name:      "recomputations_total",
		Help:      "Unit status recomputations",
	}, []string{"changed"})

	// transitions counts persisted status changes.
	// Labels: from, to, reason
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readyline",
		Subsystem: "status",
		Name:      "transitions_total",
		Help:      "Unit status transitions",
	}, []string{"from", "to", "reason"})

	cascadeDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "readyline",
		Subsystem: "status",
		Name:      "cascade_units",
		Help:      "Units recomputed per cascade",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	// escalations counts escalation events created.
	// Labels: level
	escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readyline",
		Subsystem: "escalation",
		Name:      "created_total",
		Help:      "Escalation events created",
	}, []string{"level"})

	// sweeps counts sweep runs.
	// Labels: outcome (completed, skipped, failed)
	sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readyline",
		Subsystem: "escalation",
		Name:      "sweeps_total",
		Help:      "Escalation sweeps by outcome",
	}, []string{"outcome"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "readyline",
		Subsystem: "escalation",
		Name:      "sweep_duration_seconds",
		Help:      "Escalation sweep duration in seconds",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	// notifications counts delivery attempts.
	// Labels: outcome (sent, retry, failed)
	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readyline",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification delivery attempts by outcome",
	}, []string{"outcome"})
)

func Recomputed(changed bool) {
	if changed {
		recomputations.WithLabelValues("true").Inc()
		return
	}
	recomputations.WithLabelValues("false").Inc()
}

func Transition(from, to, reason string) {
	if from == "" {
		from = "none"
	}
	transitions.WithLabelValues(from, to, reason).Inc()
}

func CascadeSize(n int) {
	cascadeDepth.Observe(float64(n))
}

func Escalated(level string) {
	escalations.WithLabelValues(level).Inc()
}

func Sweep(outcome string, took time.Duration) {
	sweeps.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		sweepDuration.Observe(took.Seconds())
	}
}

func Delivery(outcome string) {
	notifications.WithLabelValues(outcome).Inc()
}
