package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func spanAttrs(s tracetest.SpanStub) map[string]interface{} {
	attrs := map[string]interface{}{}
	for _, attr := range s.Attributes {
		attrs[string(attr.Key)] = attr.Value.AsInterface()
	}
	return attrs
}

func TestStartDispatchSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartDispatchSpan(context.Background(), "weather", "current", "weather.current-abc")
	if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
		t.Error("expected valid span in context")
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}
	if spans[0].Name != "gateway.weather.current" {
		t.Errorf("expected span name 'gateway.weather.current', got %q", spans[0].Name)
	}
	if got := spanAttrs(spans[0])["gateway.fingerprint"]; got != "weather.current-abc" {
		t.Errorf("gateway.fingerprint: got %v", got)
	}
}

func TestStartUpstreamSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartUpstreamSpan(context.Background(), "https://api.example.com/v1/current.json", "weather/weatherapi")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}
	if spans[0].Name != "upstream.call" {
		t.Errorf("expected span name 'upstream.call', got %q", spans[0].Name)
	}
	if spans[0].SpanKind != trace.SpanKindClient {
		t.Errorf("expected SpanKindClient, got %v", spans[0].SpanKind)
	}
}

func TestSetOutcomeAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := Tracer().Start(context.Background(), "test")
	SetOutcomeAttributes(ctx, "provider_server_error", 503)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}
	attrs := spanAttrs(spans[0])
	if attrs["upstream.status_code"] != int64(503) {
		t.Errorf("expected upstream.status_code 503, got %v", attrs["upstream.status_code"])
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
}

func TestSetResultAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := Tracer().Start(context.Background(), "test")
	SetResultAttributes(ctx, "miss", "rates/frankfurter", "", 2)
	span.End()

	attrs := spanAttrs(exporter.GetSpans()[0])
	if attrs["result.provider"] != "rates/frankfurter" {
		t.Errorf("result.provider: got %v", attrs["result.provider"])
	}
	if attrs["result.attempts"] != int64(2) {
		t.Errorf("result.attempts: got %v", attrs["result.attempts"])
	}
}

func TestRecordError_NilDoesNotPanic(t *testing.T) {
	RecordError(context.Background(), nil)
}

func TestRecordError_RecordsOnSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := Tracer().Start(context.Background(), "test")
	RecordError(ctx, errors.New("dial tcp: connection refused"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event on span")
	}
}

func TestInjectHeaders_CarriesTraceID(t *testing.T) {
	setupTestTracer(t)

	ctx, span := Tracer().Start(context.Background(), "parent")
	defer span.End()

	req, _ := http.NewRequest("GET", "https://api.frankfurter.app/latest?from=USD", nil)
	InjectHeaders(ctx, req)

	traceparent := req.Header.Get("traceparent")
	if len(traceparent) < 55 {
		t.Fatalf("traceparent missing or too short: %q", traceparent)
	}
	if got, want := traceparent[3:35], span.SpanContext().TraceID().String(); got != want {
		t.Errorf("expected trace ID %s in traceparent, got %s", want, got)
	}
}
