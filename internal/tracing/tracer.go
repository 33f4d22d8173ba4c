// Package tracing wires OpenTelemetry spans around gateway dispatch and
// upstream calls.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/allaspectsdev/switchyard"

	// DefaultServiceName is reported when Config.ServiceName is empty.
	DefaultServiceName = "switchyard"
)

// Exporter names accepted by Init.
const (
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Tracer returns the global switchyard tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Config selects the exporter and sampling for Init.
type Config struct {
	ServiceName string
	Version     string
	// InstanceID tells gateway processes apart, e.g. the listen address.
	InstanceID string
	// Exporter is one of ExporterStdout, ExporterOTLPGRPC, ExporterOTLPHTTP.
	Exporter string
	Endpoint string
	// SampleRate is clamped to [0, 1]. Spans continuing a sampled remote
	// parent are always kept.
	SampleRate float64
	Insecure   bool
}

// Init registers a global TracerProvider built from cfg and returns a
// shutdown function that flushes pending spans.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.InstanceID))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing: creating resource: %w", err)
	}

	exp, err := newExporter(ctx, cfg.Exporter, cfg.Endpoint, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("tracing: creating exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(min(max(cfg.SampleRate, 0), 1)))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// newExporter creates a span exporter based on the exporter name.
func newExporter(ctx context.Context, name, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{}
		if endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)", name, ExporterStdout, ExporterOTLPGRPC, ExporterOTLPHTTP)
	}
}
