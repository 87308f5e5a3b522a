package debugws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/dualmic/internal/debugws"
	"github.com/MrWong99/dualmic/internal/events"
	"github.com/MrWong99/dualmic/internal/floor"
	"github.com/MrWong99/dualmic/internal/observe"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
)

func startServer(t *testing.T, bus *events.Bus) *httptest.Server {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	srv := httptest.NewServer(debugws.New(bus, debugws.WithMetrics(m), debugws.WithBuffer(16)))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/debug/events" + query
}

// waitSubscribers blocks until the bus has n subscribers.
func waitSubscribers(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("bus has %d subscribers, want %d", bus.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_StreamsFilteredEvents(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	srv := startServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "?kinds=floor"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	waitSubscribers(t, bus, 1)
	bus.Publish(events.Event{Kind: events.KindVAD, Role: audio.RoleDoctor, VAD: vad.Decision{Active: true}})
	bus.Publish(events.Event{
		Kind: events.KindFloor, Role: audio.RoleDoctor, At: 1220 * time.Millisecond,
		Floor: floor.Transition{To: audio.RoleDoctor, Reason: floor.ReasonInitial},
	})

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v, want text", typ)
	}
	var got struct {
		Kind string         `json:"kind"`
		Role string         `json:"role"`
		AtMs float64        `json:"at_ms"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Kind != "floor" || got.Role != "doctor" || got.AtMs != 1220 {
		t.Errorf("event = %+v", got)
	}
	if got.Data["reason"] != "initial" {
		t.Errorf("reason = %v, want initial", got.Data["reason"])
	}
}

func TestHandler_UnsubscribesOnClose(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	srv := startServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, ""), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitSubscribers(t, bus, 1)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitSubscribers(t, bus, 0)
}

func TestHandler_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	srv := startServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv, "?kinds=vad,bogus"), nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response = %v, want 400", resp)
	}
	if bus.Subscribers() != 0 {
		t.Error("rejected request must not subscribe")
	}
}
