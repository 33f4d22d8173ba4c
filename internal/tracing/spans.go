package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartDispatchSpan opens the span covering one gateway request, from cache
// lookup through failover and fallback.
func StartDispatchSpan(ctx context.Context, service, operation, fingerprint string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway."+service+"."+operation,
		trace.WithAttributes(
			attribute.String("gateway.service", service),
			attribute.String("gateway.operation", operation),
			attribute.String("gateway.fingerprint", fingerprint),
		),
	)
}

// StartUpstreamSpan creates a client span for a single provider exchange.
// url must already be redacted.
func StartUpstreamSpan(ctx context.Context, url, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("upstream.provider", provider),
		),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the outgoing request so the upstream can continue the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetOutcomeAttributes annotates the current upstream span with the
// classified result of the exchange.
func SetOutcomeAttributes(ctx context.Context, classification string, statusCode int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("upstream.classification", classification),
		attribute.Int("upstream.status_code", statusCode),
	)
	if classification != "success" {
		span.SetStatus(codes.Error, classification)
	}
}

// SetResultAttributes annotates the current dispatch span with how the
// request was answered.
func SetResultAttributes(ctx context.Context, cache, provider, degraded string, attempts int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("result.cache", cache),
		attribute.String("result.provider", provider),
		attribute.String("result.degraded", degraded),
		attribute.Int("result.attempts", attempts),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
