package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartGatewaySpan creates a child span for one phase of request handling
// (parse, route, translate, record).
func StartGatewaySpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway."+phase,
		trace.WithAttributes(attribute.String("gateway.phase", phase)),
	)
}

// StartRoutingSpan creates a child span for one routing decision.
func StartRoutingSpan(ctx context.Context, model, strategy string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "routing.decide",
		trace.WithAttributes(
			attribute.String("routing.model", model),
			attribute.String("routing.strategy", strategy),
		),
	)
}

// StartUpstreamSpan creates a child span for an upstream HTTP call.
func StartUpstreamSpan(ctx context.Context, url, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("upstream.provider", provider),
		),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the given HTTP request headers so the upstream service can continue
// the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetRequestAttributes adds request-level attributes to the current span.
func SetRequestAttributes(ctx context.Context, requestID, sessionID, model, dialect string, stream bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("request.session_id", sessionID),
		attribute.String("request.model", model),
		attribute.String("request.dialect", dialect),
		attribute.Bool("request.stream", stream),
	)
}

// SetResponseAttributes adds response-level attributes to the current span.
func SetResponseAttributes(ctx context.Context, statusCode int, tokensIn, tokensOut int, retried bool, provider string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int("response.status_code", statusCode),
		attribute.Int("response.tokens_in", tokensIn),
		attribute.Int("response.tokens_out", tokensOut),
		attribute.Bool("response.retried", retried),
		attribute.String("response.provider", provider),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
