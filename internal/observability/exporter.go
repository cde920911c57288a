// Package observability wires the process into its telemetry backends: an
// OpenTelemetry tracer provider selected by configuration, with the
// Prometheus instruments living under observability/metrics.
package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"dev.helix.conductor/internal/config"
)

// ExporterType selects where spans go.
type ExporterType string

const (
	ExporterNone    ExporterType = "none"
	ExporterConsole ExporterType = "console"
	ExporterOTLP    ExporterType = "otlp"
)

// SetupTracing builds a tracer provider per cfg, installs it as the otel
// global and returns it for shutdown. The none exporter still installs a
// provider so instrumented code keeps working, it just never samples.
func SetupTracing(ctx context.Context, cfg config.ObservabilityConfig, version string) (*sdktrace.TracerProvider, error) {
	res, err := buildResource(cfg.ServiceName, version)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch ExporterType(cfg.TraceExporter) {
	case ExporterNone, "":
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.NeverSample()),
		)
		otel.SetTracerProvider(tp)
		return tp, nil
	case ExporterConsole:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		exporter, err = newOTLPExporter(ctx, cfg.OTLPEndpoint)
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// newOTLPExporter accepts either a bare host:port (assumed insecure, the
// local-collector case) or a full URL. An empty endpoint defers to the
// OTEL_EXPORTER_OTLP_* environment variables.
func newOTLPExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option
	switch {
	case endpoint == "":
	case strings.Contains(endpoint, "://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	default:
		opts = append(opts,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	return otlptracehttp.New(ctx, opts...)
}

func buildResource(serviceName, version string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "conductor"
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
}

// ShutdownTracing flushes buffered spans. Safe on a nil provider.
func ShutdownTracing(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
