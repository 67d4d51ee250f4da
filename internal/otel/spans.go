package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for librarian spans and instruments.
var (
	AttrRoute     = attribute.Key("librarian.http.route")
	AttrMethod    = attribute.Key("librarian.http.method")
	AttrQueue     = attribute.Key("librarian.queue.name")
	AttrAgentKind = attribute.Key("librarian.agent.kind")
	AttrFileKind  = attribute.Key("librarian.file.kind")
	AttrDecision  = attribute.Key("librarian.governance.decision")
	AttrOperation = attribute.Key("librarian.operation.type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
