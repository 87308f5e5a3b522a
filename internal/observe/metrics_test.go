package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"dualmic.window.duration", m.WindowDuration},
		{"dualmic.segment.duration", m.SegmentDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumFor returns the value of the data point of metric name whose attribute
// key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestRecordWindow(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordWindow(ctx, "doctor", 0.0001)
	m.RecordWindow(ctx, "doctor", 0.0002)
	m.RecordWindow(ctx, "patient", 0.0001)

	rm := collect(t, reader)
	if v, ok := sumFor(t, rm, "dualmic.windows.processed", "role", "doctor"); !ok || v != 2 {
		t.Errorf("doctor windows = %d (found %v), want 2", v, ok)
	}
	hist := findMetric(rm, "dualmic.window.duration").Data.(metricdata.Histogram[float64])
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("window duration samples = %d, want 3", total)
	}
}

func TestRecordSegment(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSegment(ctx, "doctor", "emitted", "none", 1.5)
	m.RecordSegment(ctx, "doctor", "rejected", "too_short", 0.2)
	m.RecordSegment(ctx, "patient", "withheld", "none", 2)

	rm := collect(t, reader)
	if v, ok := sumFor(t, rm, "dualmic.segments", "reason", "too_short"); !ok || v != 1 {
		t.Errorf("too_short = %d (found %v), want 1", v, ok)
	}
	if v, ok := sumFor(t, rm, "dualmic.segments", "outcome", "withheld"); !ok || v != 1 {
		t.Errorf("withheld = %d (found %v), want 1", v, ok)
	}

	hist, ok := findMetric(rm, "dualmic.segment.duration").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("segment duration should only hold the emitted segment, got %+v", hist.DataPoints)
	}
}

func TestCrossChannelCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFloorChange(ctx, "patient", "cede")
	m.RecordFloorChange(ctx, "patient", "override")
	m.RecordEcho(ctx, "doctor")
	m.RecordSinkError(ctx, "jsonl")
	m.RecordEventDropped(ctx, "vad")
	m.RecordBreakerTransition(ctx, "wavdir", "open")

	rm := collect(t, reader)

	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"dualmic.floor.changes", "reason", "cede", 1},
		{"dualmic.echo.detections", "dominant", "doctor", 1},
		{"dualmic.sink.errors", "sink", "jsonl", 1},
		{"dualmic.events.dropped", "kind", "vad", 1},
		{"dualmic.sink.breaker.transitions", "to", "open", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, ok := sumFor(t, rm, tc.name, tc.key, tc.value)
			if !ok || v != tc.want {
				t.Errorf("%s{%s=%s} = %d (found %v), want %d", tc.name, tc.key, tc.value, v, ok, tc.want)
			}
		})
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(n) as Add(n).
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.DebugSubscribers.Add(ctx, 3)
	m.DebugSubscribers.Add(ctx, -1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"dualmic.active_sessions", 2},
		{"dualmic.debug_subscribers", 2},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}
