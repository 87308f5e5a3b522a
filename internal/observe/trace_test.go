package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// captureLogs routes the default logger into a JSON buffer for the test's
// duration.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartDeliverySpan(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
	}{
		{name: "delivered", wantStatus: codes.Unset},
		{name: "sink failed", err: errors.New("disk full"), wantStatus: codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, exp := instrument(t)

			ctx, span := StartDeliverySpan(context.Background(), "patient", "wavdir", 2500*time.Millisecond, 1200*time.Millisecond)
			if CorrelationID(ctx) == "" {
				t.Error("delivery context carries no trace")
			}
			EndSpan(span, tt.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != "segment.deliver" || s.SpanKind != trace.SpanKindProducer {
				t.Errorf("span = %q kind %v, want segment.deliver producer", s.Name, s.SpanKind)
			}
			want := map[string]any{
				"dualmic.role":                "patient",
				"dualmic.sink":                "wavdir",
				"dualmic.segment.start_ms":    int64(2500),
				"dualmic.segment.duration_ms": int64(1200),
			}
			for k, w := range want {
				v, ok := spanAttr(s, k)
				if !ok || v.AsInterface() != w {
					t.Errorf("%s = %v, want %v", k, v.AsInterface(), w)
				}
			}
			if s.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", s.Status.Code, tt.wantStatus)
			}
			if tt.err != nil && len(s.Events) == 0 {
				t.Error("error was not recorded on the span")
			}
		})
	}
}

func TestChannelLogger(t *testing.T) {
	t.Run("without span", func(t *testing.T) {
		buf := captureLogs(t)
		ChannelLogger(context.Background(), "doctor").Info("pipeline: stream ended")

		var rec map[string]any
		if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
			t.Fatalf("decode log: %v", err)
		}
		if rec["role"] != "doctor" {
			t.Errorf("role = %v, want doctor", rec["role"])
		}
		if _, ok := rec["trace_id"]; ok {
			t.Error("trace_id logged without a span")
		}
	})

	t.Run("inside delivery span", func(t *testing.T) {
		instrument(t)
		buf := captureLogs(t)

		ctx, span := StartDeliverySpan(context.Background(), "patient", "jsonl", 0, time.Second)
		ChannelLogger(ctx, "patient").Warn("pipeline: segment delivery failed")
		EndSpan(span, nil)

		var rec map[string]any
		if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
			t.Fatalf("decode log: %v", err)
		}
		if rec["trace_id"] != CorrelationID(ctx) {
			t.Errorf("trace_id = %v, want %s", rec["trace_id"], CorrelationID(ctx))
		}
		if id, _ := rec["span_id"].(string); len(id) != 16 {
			t.Errorf("span_id = %q, want 16 hex chars", id)
		}
	})
}

func TestLogger(t *testing.T) {
	instrument(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("pipeline: retuned")
	ctx, span := StartSpan(context.Background(), "reload")
	Logger(ctx).Info("pipeline: retuned")
	EndSpan(span, nil)

	dec := json.NewDecoder(buf)
	var plain, traced map[string]any
	if err := dec.Decode(&plain); err != nil {
		t.Fatalf("decode first record: %v", err)
	}
	if err := dec.Decode(&traced); err != nil {
		t.Fatalf("decode second record: %v", err)
	}
	if _, ok := plain["trace_id"]; ok {
		t.Error("trace_id logged without a span")
	}
	if _, ok := plain["role"]; ok {
		t.Error("Logger must not tag a role")
	}
	if traced["trace_id"] != CorrelationID(ctx) {
		t.Errorf("trace_id = %v, want %s", traced["trace_id"], CorrelationID(ctx))
	}
}

func TestCorrelationID_Background(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}
