// Package metrics provides Prometheus instrumentation for context-window
// probing.
//
// # Description
//
// Metrics cover the three things operators of an unattended fleet run
// actually want to watch: how many probes have run and with what outcome,
// how long load/inference took, and how many models are still eligible.
//
// # Integration
//
// Metrics are exposed via a /metrics endpoint on the status server. Use
// with Prometheus + Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "lmstrix"
	probeSubsystem   = "probe"
	fleetSubsystem   = "fleet"
)

// ProbeMetrics holds all Prometheus metrics for context-window probing.
// Initialize once at startup via New() and register against a registry.
type ProbeMetrics struct {
	// ProbesTotal counts probes by model and outcome class.
	// Labels: model_id, class (success, bad_semantic, bad_infer, bad_load)
	ProbesTotal *prometheus.CounterVec

	// LoadDurationSeconds measures model load latency.
	// Labels: model_id
	LoadDurationSeconds *prometheus.HistogramVec

	// InferenceDurationSeconds measures inference latency after a
	// successful load.
	// Labels: model_id
	InferenceDurationSeconds *prometheus.HistogramVec

	// EligibleModels tracks how many models remain eligible for probing in
	// the current fleet run.
	EligibleModels prometheus.Gauge

	// FleetPassesTotal counts completed fleet passes.
	FleetPassesTotal prometheus.Counter

	// TestedMaxContext records each model's most recently discovered
	// tested_max_context.
	// Labels: model_id
	TestedMaxContext *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics against reg. Passing
// nil uses the default registerer.
func New(reg prometheus.Registerer) *ProbeMetrics {
	factory := promauto.With(reg)

	return &ProbeMetrics{
		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: probeSubsystem,
				Name:      "total",
				Help:      "Total number of probes by model and outcome class",
			},
			[]string{"model_id", "class"},
		),

		LoadDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: probeSubsystem,
				Name:      "load_duration_seconds",
				Help:      "Model load duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model_id"},
		),

		InferenceDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: probeSubsystem,
				Name:      "inference_duration_seconds",
				Help:      "Inference duration in seconds, after a successful load",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"model_id"},
		),

		EligibleModels: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: fleetSubsystem,
				Name:      "eligible_models",
				Help:      "Number of models still eligible for probing in the current fleet run",
			},
		),

		FleetPassesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: fleetSubsystem,
				Name:      "passes_total",
				Help:      "Total number of fleet passes completed",
			},
		),

		TestedMaxContext: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: probeSubsystem,
				Name:      "tested_max_context",
				Help:      "Most recently discovered tested_max_context per model",
			},
			[]string{"model_id"},
		),
	}
}

// RecordProbe records a completed probe outcome.
func (m *ProbeMetrics) RecordProbe(modelID, class string) {
	m.ProbesTotal.WithLabelValues(modelID, class).Inc()
}

// RecordLoadDuration records model load latency in seconds.
func (m *ProbeMetrics) RecordLoadDuration(modelID string, seconds float64) {
	m.LoadDurationSeconds.WithLabelValues(modelID).Observe(seconds)
}

// RecordInferenceDuration records inference latency in seconds.
func (m *ProbeMetrics) RecordInferenceDuration(modelID string, seconds float64) {
	m.InferenceDurationSeconds.WithLabelValues(modelID).Observe(seconds)
}

// SetEligibleModels sets the current eligible-model count for a fleet run.
func (m *ProbeMetrics) SetEligibleModels(n int) {
	m.EligibleModels.Set(float64(n))
}

// RecordFleetPass increments the completed-passes counter.
func (m *ProbeMetrics) RecordFleetPass() {
	m.FleetPassesTotal.Inc()
}

// SetTestedMaxContext records a model's discovered usable context.
func (m *ProbeMetrics) SetTestedMaxContext(modelID string, ctx int) {
	m.TestedMaxContext.WithLabelValues(modelID).Set(float64(ctx))
}
