package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	deployMetricsOnce sync.Once
	deployRegistry    *DeployMetrics
)

// DeployMetrics wraps the collectors tracking a deployment run.
type DeployMetrics struct {
	transactions *prometheus.CounterVec
	confirmation prometheus.Histogram
	steps        *prometheus.CounterVec
	drift        *prometheus.CounterVec
	reads        prometheus.Counter
}

// Deploy returns the lazily-initialised deployment metrics registry.
func Deploy() *DeployMetrics {
	deployMetricsOnce.Do(func() {
		deployRegistry = &DeployMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendctl",
				Subsystem: "chain",
				Name:      "transactions_total",
				Help:      "Transactions submitted segmented by kind (deploy, send) and outcome.",
			}, []string{"kind", "outcome"}),
			confirmation: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lendctl",
				Subsystem: "chain",
				Name:      "confirmation_seconds",
				Help:      "Time from submission until the required confirmation depth was observed.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			}),
			steps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendctl",
				Subsystem: "sequencer",
				Name:      "steps_total",
				Help:      "Deployment steps segmented by phase and outcome (skipped, applied, queued, failed).",
			}, []string{"phase", "outcome"}),
			drift: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendctl",
				Subsystem: "reconcile",
				Name:      "drift_total",
				Help:      "Parameters found to differ from the desired value, by parameter name.",
			}, []string{"param"}),
			reads: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendctl",
				Subsystem: "chain",
				Name:      "reads_total",
				Help:      "Read-only contract calls issued.",
			}),
		}
		prometheus.MustRegister(
			deployRegistry.transactions,
			deployRegistry.confirmation,
			deployRegistry.steps,
			deployRegistry.drift,
			deployRegistry.reads,
		)
	})
	return deployRegistry
}

// RecordTx counts a submitted transaction.
func (m *DeployMetrics) RecordTx(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "confirmed"
	if err != nil {
		outcome = "rejected"
	}
	m.transactions.WithLabelValues(normalize(kind), outcome).Inc()
}

// ObserveConfirmation records how long a transaction took to confirm.
func (m *DeployMetrics) ObserveConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmation.Observe(d.Seconds())
}

// RecordStep counts a sequencer step outcome.
func (m *DeployMetrics) RecordStep(phase, outcome string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(normalize(phase), normalize(outcome)).Inc()
}

// RecordDrift counts a parameter whose on-chain value differed from the plan.
func (m *DeployMetrics) RecordDrift(param string) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(normalize(param)).Inc()
}

// RecordRead counts a read-only call.
func (m *DeployMetrics) RecordRead() {
	if m == nil {
		return
	}
	m.reads.Inc()
}

func normalize(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "unknown"
	}
	return label
}
