package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/maltehedderich/brand-gateway/internal/config"
	"github.com/maltehedderich/brand-gateway/internal/logger"
)

// TracerName is the instrumentation name used for every span
const TracerName = "github.com/maltehedderich/brand-gateway"

var (
	tracerProvider *sdktrace.TracerProvider
	propagator     = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
)

// Config contains tracing configuration
type Config struct {
	Enabled bool
	// Endpoint is the OTLP/HTTP collector host:port, e.g. localhost:4318
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	// SampleRate is the fraction of root traces to sample (0.0 to 1.0)
	SampleRate float64
}

// FromConfig builds a tracing config from the observability section
func FromConfig(obs config.ObservabilityConfig, serviceName, version string) *Config {
	return &Config{
		Enabled:        obs.TracingEnabled,
		Endpoint:       obs.TracingEndpoint,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    obs.Environment,
		SampleRate:     obs.TracingSampleRate,
	}
}

// Init installs the global tracer provider and W3C propagator. With tracing
// disabled a no-op provider is installed so spans cost nothing.
func Init(cfg *Config) error {
	log := logger.Get().WithComponent("tracing")
	otel.SetTextMapPropagator(propagator)

	if !cfg.Enabled {
		log.Info("distributed tracing is disabled")
		otel.SetTracerProvider(noop.NewTracerProvider())
		return nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tracerProvider)

	log.Info("distributed tracing initialized", logger.Fields{
		"endpoint":     cfg.Endpoint,
		"service_name": cfg.ServiceName,
		"environment":  cfg.Environment,
		"sample_rate":  cfg.SampleRate,
	})
	return nil
}

// Shutdown flushes and stops the tracer provider, if one was started
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Get().WithComponent("tracing").Error("failed to shutdown tracer provider", logger.Fields{
			"error": err.Error(),
		})
		return err
	}
	tracerProvider = nil
	return nil
}

// Tracer returns the application tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a new span with the given name and options
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// RecordError records err on the span in ctx
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// TraceID returns the trace ID in ctx, or "" when there is none
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
