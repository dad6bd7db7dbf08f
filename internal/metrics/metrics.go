package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed detection runs.
	OutcomeSuccess = "success"
	// OutcomeError labels failed detection runs (storage or dependency issues).
	OutcomeError = "error"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimwatch_drift",
			Name:      "runs_total",
			Help:      "Total number of detection runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "claimwatch_drift",
			Name:      "run_seconds",
			Help:      "Detection run latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15, 30},
		},
	)

	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimwatch_drift",
			Name:      "signals_total",
			Help:      "Drift signals written, partitioned by metric variant.",
		},
		[]string{"metric"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimwatch_drift",
			Name:      "notifications_total",
			Help:      "Notification decisions, partitioned by result (sent or suppressed).",
		},
		[]string{"result"},
	)

	insufficientDataTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "claimwatch_drift",
			Name:      "insufficient_data_total",
			Help:      "Dimension assessments skipped for lack of samples.",
		},
	)
)

// Register attaches drift-engine collectors to the supplied Prometheus
// registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		signalsTotal,
		notificationsTotal,
		insufficientDataTotal,
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

// ObserveRun records a detection run duration and outcome label.
func ObserveRun(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	runsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.Observe(duration.Seconds())
}

// CountSignal records one written drift signal for the given metric variant.
func CountSignal(metric string) {
	signalsTotal.WithLabelValues(metric).Inc()
}

// CountNotification records a notification decision.
func CountNotification(sent bool) {
	result := "sent"
	if !sent {
		result = "suppressed"
	}
	notificationsTotal.WithLabelValues(result).Inc()
}

// CountInsufficientData records dimension assessments skipped for sample
// size.
func CountInsufficientData(n int) {
	if n > 0 {
		insufficientDataTotal.Add(float64(n))
	}
}
