package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

func attrOp(op string) attribute.KeyValue        { return attribute.String("op", op) }
func attrOutcome(outcome string) attribute.KeyValue { return attribute.String("outcome", outcome) }

// MeterRecorder captures the handful of process-wide measurements
// services/metrics doesn't cover: how long a whole test_one or test_fleet
// invocation took end to end, and what each model run finished as. It is a
// second, independent metrics surface built on the OpenTelemetry metrics
// API; services/metrics stays prometheus/client_golang-direct throughout
// because its existing tests assert against raw CounterVec/HistogramVec
// values and would break if it were rebuilt on top of otel/metric.
type MeterRecorder struct {
	runDuration     metric.Float64Histogram
	modelOutcomes   metric.Int64Counter
}

// InitMeter installs a global MeterProvider and returns a MeterRecorder
// bound to it, plus a Shutdown to call before process exit. Measurements
// always flow to a Prometheus reader (scraped the same way as
// services/metrics, under a distinct metric name prefix); setting
// LMSTRIX_METRICS_STDOUT additionally logs periodic snapshots to stdout,
// useful when running a fleet pass with no scraper attached.
func InitMeter(ctx context.Context, cfg Config) (*MeterRecorder, Shutdown, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lmstrix"
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	promReader, err := otelprometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("building prometheus metric reader: %w", err)
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(promReader)}

	if os.Getenv("LMSTRIX_METRICS_STDOUT") != "" {
		stdoutExporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
		if err != nil {
			return nil, nil, fmt.Errorf("building stdout metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(stdoutExporter, sdkmetric.WithInterval(30*time.Second))))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("lmstrix.telemetry")
	runDuration, err := meter.Float64Histogram(
		"lmstrix_run_duration_seconds",
		metric.WithDescription("Wall-clock duration of one test_one or test_fleet invocation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating run duration histogram: %w", err)
	}
	modelOutcomes, err := meter.Int64Counter(
		"lmstrix_model_outcomes_total",
		metric.WithDescription("Models that reached a terminal state, by outcome"),
		metric.WithUnit("{model}"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating model outcomes counter: %w", err)
	}

	return &MeterRecorder{runDuration: runDuration, modelOutcomes: modelOutcomes}, provider.Shutdown, nil
}

// RecordRun records how long one CLI-level operation (op: "test_one" or
// "test_fleet") took.
func (r *MeterRecorder) RecordRun(ctx context.Context, op string, seconds float64) {
	if r == nil {
		return
	}
	r.runDuration.Record(ctx, seconds, metric.WithAttributes(attrOp(op)))
}

// RecordModelOutcome records one model's state at the end of a run. The CLI
// passes the model's context_test_status as outcome: "completed" (including
// sticky-failed models) or, after an explicit-target probe, "in_progress".
func (r *MeterRecorder) RecordModelOutcome(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.modelOutcomes.Add(ctx, 1, metric.WithAttributes(attrOutcome(outcome)))
}
