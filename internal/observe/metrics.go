// Package observe provides application-wide observability primitives for
// dualmic: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dualmic metrics.
const meterName = "github.com/MrWong99/dualmic"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Hot path ---

	// WindowsProcessed counts analysis windows. Use with attribute:
	//   attribute.String("role", ...)
	WindowsProcessed metric.Int64Counter

	// WindowDuration tracks the processing time of one window through VAD,
	// segmenter, echo detector and arbiter. Use with attribute "role".
	WindowDuration metric.Float64Histogram

	// --- Segments ---

	// Segments counts closed segments. Use with attributes:
	//   attribute.String("role", ...), attribute.String("outcome", ...),
	//   attribute.String("reason", ...)
	Segments metric.Int64Counter

	// SegmentDuration tracks the voiced span of emitted segments.
	SegmentDuration metric.Float64Histogram

	// --- Cross-channel ---

	// FloorChanges counts floor transitions. Use with attributes:
	//   attribute.String("to", ...), attribute.String("reason", ...)
	FloorChanges metric.Int64Counter

	// EchoDetections counts windows classified as cross-talk. Use with
	// attribute "dominant".
	EchoDetections metric.Int64Counter

	// --- Errors ---

	// SinkErrors counts failed segment deliveries. Use with attribute
	// "sink".
	SinkErrors metric.Int64Counter

	// BreakerTransitions counts sink circuit breaker state changes. Use with
	// attributes "sink" and "to".
	BreakerTransitions metric.Int64Counter

	// EventsDropped counts debug events dropped on full subscriber buffers.
	// Use with attribute "kind".
	EventsDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running pipeline sessions.
	ActiveSessions metric.Int64UpDownCounter

	// DebugSubscribers tracks connected debug-event WebSocket clients.
	DebugSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// windowBuckets defines histogram bucket boundaries (in seconds) for the
// per-window hot path, which must stay well below the 20 ms window length.
var windowBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02,
}

// segmentBuckets covers the accepted voiced-span range (0.3 s to 12 s).
var segmentBuckets = []float64{
	0.3, 0.5, 1, 2, 3, 5, 8, 12,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.WindowsProcessed, err = m.Int64Counter("dualmic.windows.processed",
		metric.WithDescription("Total analysis windows processed by role."),
	); err != nil {
		return nil, err
	}
	if met.WindowDuration, err = m.Float64Histogram("dualmic.window.duration",
		metric.WithDescription("Processing time of one analysis window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(windowBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Segments, err = m.Int64Counter("dualmic.segments",
		metric.WithDescription("Closed speech segments by role, outcome and reject reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("dualmic.segment.duration",
		metric.WithDescription("Voiced span of emitted speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FloorChanges, err = m.Int64Counter("dualmic.floor.changes",
		metric.WithDescription("Floor transitions by new holder and reason."),
	); err != nil {
		return nil, err
	}
	if met.EchoDetections, err = m.Int64Counter("dualmic.echo.detections",
		metric.WithDescription("Windows classified as cross-talk by dominant role."),
	); err != nil {
		return nil, err
	}

	if met.SinkErrors, err = m.Int64Counter("dualmic.sink.errors",
		metric.WithDescription("Failed segment deliveries by sink."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("dualmic.sink.breaker.transitions",
		metric.WithDescription("Sink circuit breaker state changes by sink and new state."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("dualmic.events.dropped",
		metric.WithDescription("Debug events dropped on full subscriber buffers by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("dualmic.active_sessions",
		metric.WithDescription("Number of running pipeline sessions."),
	); err != nil {
		return nil, err
	}
	if met.DebugSubscribers, err = m.Int64UpDownCounter("dualmic.debug_subscribers",
		metric.WithDescription("Number of connected debug-event WebSocket clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("dualmic.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordWindow records one processed window and its processing time.
func (m *Metrics) RecordWindow(ctx context.Context, role string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("role", role))
	m.WindowsProcessed.Add(ctx, 1, attrs)
	m.WindowDuration.Record(ctx, seconds, attrs)
}

// RecordSegment records a closed segment. reason is "none" for segments that
// passed the quality gates. The duration histogram only sees emitted
// segments.
func (m *Metrics) RecordSegment(ctx context.Context, role, outcome, reason string, seconds float64) {
	m.Segments.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("outcome", outcome),
			attribute.String("reason", reason),
		),
	)
	if outcome == "emitted" {
		m.SegmentDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("role", role)))
	}
}

// RecordFloorChange records a floor transition.
func (m *Metrics) RecordFloorChange(ctx context.Context, to, reason string) {
	m.FloorChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("to", to),
			attribute.String("reason", reason),
		),
	)
}

// RecordEcho records one cross-talk detection.
func (m *Metrics) RecordEcho(ctx context.Context, dominant string) {
	m.EchoDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("dominant", dominant)))
}

// RecordSinkError records a failed segment delivery.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// RecordBreakerTransition records a sink circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, sink, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("to", to),
		),
	)
}

// RecordEventDropped records a debug event dropped on a full buffer.
func (m *Metrics) RecordEventDropped(ctx context.Context, kind string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
