package obs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for bridgews spans.
var (
	AttrConnID    = attribute.Key("bridgews.conn.id")
	AttrRequestID = attribute.Key("bridgews.request.id")
	AttrProvider  = attribute.Key("bridgews.provider")
	AttrModel     = attribute.Key("bridgews.model")
)

// StartServerSpan starts a span for an inbound prompt/cancel request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call to a provider (subprocess or HTTP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
