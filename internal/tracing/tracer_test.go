package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// initForTest runs Init and restores the global no-op provider afterwards.
func initForTest(t *testing.T, cfg Config) {
	t.Helper()
	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})
}

func TestInit_ResourceIdentifiesGateway(t *testing.T) {
	initForTest(t, Config{Version: "0.3.0", InstanceID: "127.0.0.1:8787", Exporter: ExporterStdout, SampleRate: 1})

	_, span := Tracer().Start(context.Background(), "gateway.weather.current")
	defer span.End()
	ro, ok := span.(sdktrace.ReadOnlySpan)
	if !ok {
		t.Fatalf("span %T is not recorded", span)
	}

	attrs := ro.Resource().Set()
	if v, _ := attrs.Value(semconv.ServiceNameKey); v.AsString() != DefaultServiceName {
		t.Errorf("service.name = %q, want %q", v.AsString(), DefaultServiceName)
	}
	if v, _ := attrs.Value(semconv.ServiceVersionKey); v.AsString() != "0.3.0" {
		t.Errorf("service.version = %q", v.AsString())
	}
	if v, _ := attrs.Value(semconv.ServiceInstanceIDKey); v.AsString() != "127.0.0.1:8787" {
		t.Errorf("service.instance.id = %q", v.AsString())
	}
}

func TestInit_PropagatesW3CTraceContext(t *testing.T) {
	initForTest(t, Config{ServiceName: "switchyard-test", Exporter: ExporterStdout, SampleRate: 1})

	fields := strings.Join(otel.GetTextMapPropagator().Fields(), ",")
	if !strings.Contains(fields, "traceparent") || !strings.Contains(fields, "baggage") {
		t.Errorf("propagator fields = %s", fields)
	}
}

func TestInit_SampleRateIsClamped(t *testing.T) {
	initForTest(t, Config{Exporter: ExporterStdout, SampleRate: 7})

	for i := 0; i < 10; i++ {
		_, span := Tracer().Start(context.Background(), "upstream.call")
		if !span.SpanContext().IsSampled() {
			t.Fatal("a rate above 1 should sample every root span")
		}
		span.End()
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{ExporterStdout, "", false},
		{ExporterOTLPGRPC, "localhost:4317", false},
		{ExporterOTLPHTTP, "localhost:4318", false},
		{"jaeger", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := newExporter(context.Background(), tt.name, tt.endpoint, true)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), ExporterOTLPHTTP) {
					t.Errorf("err = %v, want an error listing the supported exporters", err)
				}
				return
			}
			if err != nil || exp == nil {
				t.Fatalf("newExporter: %v", err)
			}
			exp.Shutdown(context.Background())
		})
	}
}
