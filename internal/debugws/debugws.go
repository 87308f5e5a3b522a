// Package debugws streams debug events to browser tooling over a WebSocket.
//
// Clients connect to the handler (conventionally GET /debug/events) and
// receive one JSON text message per [events.Event]. The optional "kinds"
// query parameter restricts the stream to a comma-separated list of kinds,
// e.g. /debug/events?kinds=vad,floor. Clients that cannot keep up lose
// events; the audio pipeline is never slowed down by a debug viewer.
package debugws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/dualmic/internal/events"
	"github.com/MrWong99/dualmic/internal/observe"
)

// Handler upgrades requests to WebSocket connections fed from an
// [events.Bus]. Safe for concurrent use.
type Handler struct {
	bus          *events.Bus
	metrics      *observe.Metrics
	buffer       int
	writeTimeout time.Duration
	origins      []string
}

// Option is a functional option for [New].
type Option func(*Handler)

// WithBuffer sets the per-connection event buffer. Default: 256.
func WithBuffer(n int) Option {
	return func(h *Handler) { h.buffer = n }
}

// WithWriteTimeout bounds a single message write. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.writeTimeout = d }
}

// WithOriginPatterns allows cross-origin connections from hosts matching the
// given patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New creates a Handler publishing events from bus.
func New(bus *events.Bus, opts ...Option) *Handler {
	h := &Handler{
		bus:          bus,
		buffer:       256,
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Debug("debugws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frame and cancels
	// ctx when the connection goes away.
	ctx := conn.CloseRead(r.Context())

	ch, cancel := h.bus.Subscribe(h.buffer, kinds...)
	defer cancel()

	mctx := context.WithoutCancel(ctx)
	h.metrics.DebugSubscribers.Add(mctx, 1)
	defer h.metrics.DebugSubscribers.Add(mctx, -1)

	slog.Info("debugws: client connected", "remote", r.RemoteAddr, "kinds", kinds)
	defer slog.Info("debugws: client disconnected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := h.write(ctx, conn, e); err != nil {
				slog.Debug("debugws: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func parseKinds(raw string) ([]events.Kind, error) {
	if raw == "" {
		return nil, nil
	}
	var kinds []events.Kind
	for part := range strings.SplitSeq(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := events.ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
