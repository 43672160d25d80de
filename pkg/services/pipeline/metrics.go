package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the run-level pipeline counters. They hang off a caller-owned
// registry so tests and embedding processes stay isolated from the default
// global one.
type Metrics struct {
	RecordsProduced *prometheus.CounterVec
	RecordsEmitted  *prometheus.CounterVec
	RecordsConsumed *prometheus.CounterVec
	RecordsDropped  *prometheus.CounterVec
	ChangesApplied  prometheus.Counter
	QueueDepth      *prometheus.GaugeVec
	StageFailures   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Metrics{
		RecordsProduced: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "iamsentry",
			Name:      "records_produced_total",
			Help:      "Records emitted by source plugins.",
		}, []string{"plugin"}),
		RecordsEmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "iamsentry",
			Name:      "records_processed_total",
			Help:      "Records emitted by processor plugins.",
		}, []string{"plugin"}),
		RecordsConsumed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "iamsentry",
			Name:      "records_consumed_total",
			Help:      "Records drained by sink and alert plugins.",
		}, []string{"plugin"}),
		RecordsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "iamsentry",
			Name:      "records_dropped_total",
			Help:      "Records dropped per error class.",
		}, []string{"reason"}),
		ChangesApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "iamsentry",
			Name:      "changes_applied_total",
			Help:      "Policy changes applied (or simulated in dry runs).",
		}),
		QueueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "iamsentry",
			Name:      "stage_queue_depth",
			Help:      "Current depth of each stage input queue.",
		}, []string{"stage", "plugin"}),
		StageFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "iamsentry",
			Name:      "stage_failures_total",
			Help:      "Stage-level failures that degraded a run.",
		}, []string{"stage"}),
	}
}
