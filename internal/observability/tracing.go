package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for governance spans.
const TracerName = "github.com/civicbot/governor"

// ErrUnknownExporter is returned for a trace exporter name SetupTracing does not know.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// #region tracing-config

// TracingConfig selects where spans go.
type TracingConfig struct {
	ServiceName  string `yaml:"service_name"`
	Exporter     string `yaml:"exporter" validate:"omitempty,oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// DefaultTracingConfig disables export.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:  "governor",
		Exporter:     "none",
		OTLPEndpoint: "localhost:4317",
		OTLPInsecure: true,
	}
}

// #endregion tracing-config

// #region setup

// SetupTracing installs a global TracerProvider and returns its shutdown func.
// With exporter "none" it returns a no-op shutdown and leaves the global
// provider untouched.
func SetupTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return noop, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}
	if err != nil {
		return noop, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the governance tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// #endregion setup
