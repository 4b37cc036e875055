package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Global tracer for the application
	Tracer trace.Tracer

	// Global meter for custom metrics
	Meter metric.Meter

	// Custom metrics
	JobsStarted       metric.Int64Counter
	JobsCompleted     metric.Int64Counter
	SandboxesAcquired metric.Int64Counter
	SandboxesReleased metric.Int64Counter
	PhaseLatency      metric.Float64Histogram
	AcquireLatency    metric.Float64Histogram
)

// The instruments start against the global no-op providers so recording is
// always safe; InitTelemetry swaps in the real exporters.
func init() {
	Tracer = otel.Tracer("foundry")
	Meter = otel.Meter("foundry")
	if err := initMetrics(); err != nil {
		log.Printf("[Telemetry] Failed to create instruments: %v", err)
	}
}

// InitTelemetry initializes OpenTelemetry tracing and metrics
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", "development"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// initMetrics creates all custom metrics
func initMetrics() error {
	var err error

	JobsStarted, err = Meter.Int64Counter(
		"foundry.jobs.started",
		metric.WithDescription("Number of orchestration runs started"),
	)
	if err != nil {
		return err
	}

	JobsCompleted, err = Meter.Int64Counter(
		"foundry.jobs.completed",
		metric.WithDescription("Number of orchestration runs completed"),
	)
	if err != nil {
		return err
	}

	SandboxesAcquired, err = Meter.Int64Counter(
		"foundry.sandboxes.acquired",
		metric.WithDescription("Number of sandbox acquisitions"),
	)
	if err != nil {
		return err
	}

	SandboxesReleased, err = Meter.Int64Counter(
		"foundry.sandboxes.released",
		metric.WithDescription("Number of sandbox releases"),
	)
	if err != nil {
		return err
	}

	PhaseLatency, err = Meter.Float64Histogram(
		"foundry.phase.latency",
		metric.WithDescription("Agent phase execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	AcquireLatency, err = Meter.Float64Histogram(
		"foundry.sandbox.acquire_latency",
		metric.WithDescription("Sandbox acquisition latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}
