package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the dualmic tracer.
const tracerName = "github.com/MrWong99/dualmic"

// Span attribute keys shared by the pipeline and the HTTP middleware.
const (
	AttrRole            = attribute.Key("dualmic.role")
	AttrSink            = attribute.Key("dualmic.sink")
	AttrSegmentStart    = attribute.Key("dualmic.segment.start_ms")
	AttrSegmentDuration = attribute.Key("dualmic.segment.duration_ms")
)

// StartSpan starts a span on the globally registered tracer provider. The
// caller must end the span, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartDeliverySpan starts the span covering one segment handed to a sink.
// start and duration are session-relative offsets of the segment.
func StartDeliverySpan(ctx context.Context, role, sink string, start, duration time.Duration) (context.Context, trace.Span) {
	return StartSpan(ctx, "segment.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			AttrRole.String(role),
			AttrSink.String(sink),
			AttrSegmentStart.Int64(start.Milliseconds()),
			AttrSegmentDuration.Int64(duration.Milliseconds()),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" when ctx
// carries no valid span.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged with the trace and span IDs of
// the span in ctx, if any.
func Logger(ctx context.Context) *slog.Logger {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return slog.Default().With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return slog.Default()
}

// ChannelLogger is [Logger] tagged with role.
func ChannelLogger(ctx context.Context, role string) *slog.Logger {
	return Logger(ctx).With(slog.String("role", role))
}
