package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control plane spans.
var (
	AttrOperation = attribute.Key("dmmsai.lifecycle.operation")
	AttrPlatform  = attribute.Key("dmmsai.service.platform")
	AttrService   = attribute.Key("dmmsai.service.name")
	AttrOutcome   = attribute.Key("dmmsai.outcome")
	AttrProbe     = attribute.Key("dmmsai.probe")
	AttrRPCMethod = attribute.Key("dmmsai.rpc.method")
	AttrPort      = attribute.Key("dmmsai.gateway.port")
	AttrStableID  = attribute.Key("dmmsai.gateway.stable_id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway JSON-RPC).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (service manager, health RPC).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
