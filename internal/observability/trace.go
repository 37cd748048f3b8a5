// Package observability carries the thin tracing helpers used to correlate
// audit events and log lines with an active OpenTelemetry span, without
// pulling in a collector or exporter the deployment never configured.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies spans emitted by this module in any connected
// OpenTelemetry backend.
const TracerName = "github.com/neosignal/assistantproxy"

// Tracer returns the package tracer. Call sites wrap pipeline stages and
// session lifecycle events with spans from this tracer. Once Setup has
// installed the SDK provider, spans carry real trace and span IDs; no
// exporter is registered, so they are not sent anywhere.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span named name, returning the derived context and the
// span so the caller can set attributes and End() it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// GetTraceID extracts the active span's trace ID from ctx, or "" if no span
// is recording.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// GetSpanID extracts the active span's span ID from ctx, or "" if no span is
// recording.
func GetSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
