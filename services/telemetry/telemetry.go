// Package telemetry wires up OpenTelemetry tracing for the probing engine.
//
// # Description
//
// Every package that matters for diagnosing a slow or stuck fleet run
// (backend, tester, fleet) starts its own spans against the global tracer
// provider installed here. Without a collector configured, spans go to a
// stdout exporter so a developer running lmstrix locally still sees trace
// output; with LMSTRIX_OTLP_ENDPOINT set, spans are batched to a real
// OTLP/gRPC collector (Jaeger, Tempo, etc.).
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config configures the tracer provider.
type Config struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string
	// OTLPEndpoint, if set, routes spans to an OTLP/gRPC collector instead
	// of stdout.
	OTLPEndpoint string
	// Insecure disables TLS on the OTLP connection. The zero value keeps
	// TLS; the CLI sets it to true, matching a local collector's usual
	// setup.
	Insecure bool
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Init installs a global tracer provider per cfg and returns a Shutdown to
// call before process exit.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lmstrix"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building span exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("LMSTRIX_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return stdouttrace.New(stdouttrace.WithoutTimestamps())
	}

	var dialOpts []grpc.DialOption
	if cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dialing OTLP collector %s: %w", endpoint, err)
	}
	return otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
}
