package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for ingestion runs. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	// Rows by outcome: processed, malformed
	Rows *prometheus.CounterVec

	// Indicator resolutions by dedup class
	Resolutions *prometheus.CounterVec

	// Anomaly flags by type
	Anomalies *prometheus.CounterVec

	// Anomaly records the store refused
	AnomalyWriteFailures prometheus.Counter

	// Skipped enrichments by service and reason
	EnrichmentMissing *prometheus.CounterVec

	// Per-record processing latency
	RecordLatency prometheus.Histogram

	// Record risk scores
	RiskScore prometheus.Histogram

	// Runs by terminal status
	Runs *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Rows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leakwatch_rows_total",
			Help: "Input rows by outcome",
		}, []string{"status"}), // status: "processed", "malformed"

		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leakwatch_resolutions_total",
			Help: "Indicator resolutions by class",
		}, []string{"class"}),

		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leakwatch_anomalies_total",
			Help: "Anomaly flags raised by type",
		}, []string{"type"}),

		AnomalyWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "leakwatch_anomaly_write_failures_total",
			Help: "Anomaly records that could not be persisted",
		}),

		EnrichmentMissing: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leakwatch_enrichment_missing_total",
			Help: "Enrichment calls skipped by service and reason",
		}, []string{"service", "reason"}),

		RecordLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "leakwatch_record_duration_seconds",
			Help:    "Duration of one record through the pipeline",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "leakwatch_risk_score",
			Help:    "Record risk scores",
			Buckets: []float64{20, 40, 60, 80, 100},
		}),

		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leakwatch_runs_total",
			Help: "Ingestion runs by terminal status",
		}, []string{"status"}),
	}
}

func (m *Metrics) row(status string) {
	if m != nil {
		m.Rows.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) resolution(class string) {
	if m != nil {
		m.Resolutions.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) anomaly(typ string) {
	if m != nil {
		m.Anomalies.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) anomalyWriteFailed() {
	if m != nil {
		m.AnomalyWriteFailures.Inc()
	}
}

// EnrichmentMissed is shaped for enrich.Options.OnMissing.
func (m *Metrics) EnrichmentMissed(service, reason string) {
	if m != nil {
		m.EnrichmentMissing.WithLabelValues(service, reason).Inc()
	}
}

func (m *Metrics) record(d time.Duration, risk int) {
	if m != nil {
		m.RecordLatency.Observe(d.Seconds())
		m.RiskScore.Observe(float64(risk))
	}
}

func (m *Metrics) run(status string) {
	if m != nil {
		m.Runs.WithLabelValues(status).Inc()
	}
}
