// Package app wires the dualmic subsystems into a running application.
//
// The App struct owns the full lifecycle: New checks the microphone
// assignment and connects all subsystems, Run streams both channels through
// the pipeline session and serves the HTTP endpoints, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via [Components] and functional options
// (WithEnumerator, WithMetrics, etc.). When an option is not provided, New
// derives the real implementation from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dualmic/internal/config"
	"github.com/MrWong99/dualmic/internal/debugws"
	"github.com/MrWong99/dualmic/internal/device"
	"github.com/MrWong99/dualmic/internal/events"
	"github.com/MrWong99/dualmic/internal/health"
	"github.com/MrWong99/dualmic/internal/observe"
	"github.com/MrWong99/dualmic/internal/pipeline"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
)

// Components holds one value per pluggable slot. Populated by main.go via the
// config registry.
type Components struct {
	Capture audio.Capture
	VAD     vad.Engine
	Sink    pipeline.Sink
}

// App owns all subsystem lifetimes and runs one dual-microphone session.
type App struct {
	cfg  *config.Config
	comp Components

	enum           device.Enumerator
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	// Subsystems, initialised in New.
	bus     *events.Bus
	stats   *pipeline.Stats
	session *pipeline.Session
	health  *health.Handler
	handler http.Handler

	running atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEnumerator replaces the device list from devices.available.
func WithEnumerator(e device.Enumerator) Option {
	return func(a *App) { a.enum = e }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets [App.Reload] change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// New creates an App by wiring all subsystems together. It fails before any
// audio is captured when the doctor and patient devices are the same
// physical microphone.
func New(ctx context.Context, cfg *config.Config, comp Components, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, comp: comp}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.enum == nil {
		a.enum = device.StaticEnumerator(cfg.Devices.Available)
	}

	// ── 1. Device guard ──────────────────────────────────────────────────
	if err := device.Check(ctx, a.enum, cfg.Devices.Doctor, cfg.Devices.Patient); err != nil {
		return nil, fmt.Errorf("app: device check: %w", err)
	}

	// ── 2. Components ────────────────────────────────────────────────────
	switch {
	case comp.Capture == nil:
		return nil, errors.New("app: capture is required")
	case comp.VAD == nil:
		return nil, errors.New("app: vad engine is required")
	case comp.Sink == nil:
		return nil, errors.New("app: sink is required")
	}

	// ── 3. Debug event bus ───────────────────────────────────────────────
	a.bus = events.NewBus(events.WithDropHook(func(k events.Kind) {
		a.metrics.RecordEventDropped(context.Background(), string(k))
	}))
	a.closers = append(a.closers, func() error {
		a.bus.Close()
		return nil
	})

	// ── 4. Pipeline session ──────────────────────────────────────────────
	a.stats = pipeline.NewStats(0)
	sess, err := pipeline.New(comp.VAD, comp.Sink, pipeline.Config{
		VAD:             cfg.VAD.Settings(),
		Segment:         cfg.Segmenter.Settings(),
		Echo:            cfg.Echo.Settings(),
		Floor:           cfg.Floor.Settings(),
		EchoSuppression: cfg.Audio.EchoSuppressionEnabled(),
	},
		pipeline.WithMetrics(a.metrics),
		pipeline.WithBus(a.bus),
		pipeline.WithStats(a.stats),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.session = sess

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// initHTTP builds the health, metrics and debug routes.
func (a *App) initHTTP() {
	a.health = health.New()
	a.health.Add(
		health.Checker{Name: "capture", Check: func(context.Context) error {
			if !a.running.Load() {
				return errors.New("capture not running")
			}
			return nil
		}},
		health.Checker{Name: "calibration", Check: func(context.Context) error {
			if !a.session.Calibrated() {
				return errors.New("noise floor calibration in progress")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	if a.cfg.Server.DebugEvents {
		mux.Handle("GET /debug/events", debugws.New(a.bus,
			debugws.WithBuffer(a.cfg.Audio.EventBuffer),
			debugws.WithOriginPatterns(a.cfg.Server.DebugOrigins...),
			debugws.WithMetrics(a.metrics),
		))
		mux.HandleFunc("GET /debug/stats", a.serveStats)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

func (a *App) serveStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.stats.Snapshot())
}

// Handler returns the HTTP handler served on server.listen_addr.
func (a *App) Handler() http.Handler { return a.handler }

// Session returns the pipeline session.
func (a *App) Session() *pipeline.Session { return a.session }

// Run opens the capture and processes both channels until the capture ends
// or ctx is cancelled. When server.listen_addr is set the HTTP endpoints are
// served for the same span. Run returns nil when the capture ended on its own
// and ctx's error when it was cancelled.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("app: already running")
	}
	defer a.running.Store(false)

	streams, err := a.comp.Capture.Open(ctx)
	if err != nil {
		return fmt.Errorf("app: open capture: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// Capture ended: stop serving too.
		defer cancel()
		if err := a.session.Run(gctx, streams); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: session: %w", err)
		}
		return nil
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("app: listen %q: %w", addr, err)
		}
		a.serve(gctx, g, ln)
	}

	slog.Info("app running",
		"doctor_device", a.cfg.Devices.Doctor,
		"patient_device", a.cfg.Devices.Patient,
		"listen_addr", a.cfg.Server.ListenAddr,
	)
	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// serve runs an HTTP server on ln until ctx is done.
func (a *App) serve(ctx context.Context, g *errgroup.Group, ln net.Listener) {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Hijacked debug sockets are not closed by Shutdown; ending their
	// subscriptions lets the handlers return.
	srv.RegisterOnShutdown(a.bus.Close)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	slog.Info("http server listening", "addr", ln.Addr().String())
}

// Reload applies hot-reloadable config changes to the running session. It
// matches [config.ChangeFunc].
func (a *App) Reload(_, newCfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.EchoChanged || d.FloorChanged {
		if err := a.session.Retune(context.Background(), newCfg.Floor.Settings(), newCfg.Echo.Settings()); err != nil {
			slog.Error("failed to apply tuning change", "err", err)
		}
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shutdown releases the capture, flushes and closes the sink, then runs the
// remaining closers. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.comp.Capture.Close(); err != nil {
			slog.Warn("capture close error", "err", err)
		}
		if c, ok := a.comp.Sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("sink close error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
