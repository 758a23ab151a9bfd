package corekit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer name for every span the engine emits. Kept as a single constant
// so exporters can filter on it without enumerating every component.
const tracerName = "github.com/councilkit/engine"

// StartSpan starts a span named name under the engine's shared tracer,
// grounded on AddSpanEvent/telemetry helpers but trimmed to
// span creation and attributes only — no baggage propagation or
// cardinality limiting, since no exporter pipeline is in scope here.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanEvent records a named event with attributes on the span already
// active in ctx, a no-op if ctx carries no recording span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordSpanError attaches err as an error event on the active span. It
// does not change the span's status.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}
