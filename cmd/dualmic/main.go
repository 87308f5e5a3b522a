// Command dualmic runs the dual-microphone speech pipeline: it captures the
// doctor and patient channels, segments speech per channel and delivers the
// segments of the speaker holding the floor to the configured sinks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/dualmic/internal/app"
	"github.com/MrWong99/dualmic/internal/config"
	"github.com/MrWong99/dualmic/internal/observe"
	"github.com/MrWong99/dualmic/internal/pipeline"
	"github.com/MrWong99/dualmic/internal/replay"
	"github.com/MrWong99/dualmic/internal/resilience"
	"github.com/MrWong99/dualmic/internal/sink"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
	"github.com/MrWong99/dualmic/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dualmic: config file %q not found; see configs/example.yaml\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dualmic: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogFormat, level))

	slog.Info("dualmic starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	providers, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		SampleRatio:    cfg.Telemetry.SampleRatio(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Component registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	comp, err := buildComponents(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build components", "err", err)
		return 1
	}

	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(ctx, cfg, comp,
		app.WithMetricsHandler(providers.Handler()),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		closeSink(comp.Sink)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("pipeline ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// reloadOnHangup forces a config check on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if !w.Reload() {
				slog.Info("SIGHUP: configuration unchanged")
			}
		}
	}
}

// ── Component wiring ──────────────────────────────────────────────────────────

// registerBuiltins wires all built-in component factories into reg.
func registerBuiltins(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Capture ───────────────────────────────────────────────────────────────
	reg.RegisterCapture("replay", func(cfg *config.Config) (audio.Capture, error) {
		return replay.New(replay.Config{
			Doctor:     cfg.Replay.Doctor,
			Patient:    cfg.Replay.Patient,
			SampleRate: cfg.Replay.SampleRate,
			Channels:   cfg.Replay.Channels,
			Realtime:   cfg.Replay.Realtime,
		})
	})

	// ── Sinks ─────────────────────────────────────────────────────────────────
	reg.RegisterSink("jsonl", func(entry config.SinkEntry) (pipeline.Sink, error) {
		var opts []sink.JSONOption
		if entry.Audio {
			opts = append(opts, sink.WithAudio())
		}
		return sink.OpenJSONLines(entry.Path, opts...)
	})
	reg.RegisterSink("wavdir", func(entry config.SinkEntry) (pipeline.Sink, error) {
		if entry.Path == "" {
			return nil, errors.New("wavdir sink requires a path")
		}
		return sink.NewWAVDir(entry.Path)
	})
	reg.RegisterSink("discard", func(config.SinkEntry) (pipeline.Sink, error) {
		return sink.Discard{}, nil
	})

	for _, kind := range []string{"vad", "capture", "sink"} {
		slog.Debug("registered components", "kind", kind, "names", reg.Names(kind))
	}
}

// buildComponents instantiates the components named in cfg using the
// registry. Outputs with a breaker are wrapped in [sink.Guarded]; several
// outputs are combined into one [sink.Multi].
func buildComponents(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (app.Components, error) {
	var comp app.Components

	engine, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return comp, fmt.Errorf("create vad engine %q: %w", cfg.VAD.Engine, err)
	}
	comp.VAD = engine

	capture, err := reg.CreateCapture(cfg)
	if err != nil {
		return comp, fmt.Errorf("create capture %q: %w", cfg.Audio.Capture, err)
	}
	comp.Capture = capture

	var sinks sink.Multi
	for _, entry := range cfg.Sink.Outputs {
		s, err := reg.CreateSink(entry)
		if err != nil {
			closeSink(sinks)
			return comp, fmt.Errorf("create sink %q: %w", entry.Name, err)
		}
		if entry.Breaker.MaxFailures > 0 {
			s = sink.Guard(s, resilience.New(resilience.Config{
				Name:        entry.Name,
				MaxFailures: entry.Breaker.MaxFailures,
				Cooldown:    entry.Breaker.Cooldown,
			}, resilience.WithTransitionHook(func(name string, _, to resilience.State) {
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			})))
		}
		slog.Info("sink created", "name", entry.Name, "path", entry.Path, "breaker", entry.Breaker.MaxFailures > 0)
		sinks = append(sinks, s)
	}
	if len(sinks) == 1 {
		comp.Sink = sinks[0]
	} else {
		comp.Sink = sinks
	}
	return comp, nil
}

func closeSink(s pipeline.Sink) {
	if c, ok := s.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("sink close error", "err", err)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         dualmic startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Doctor mic", cfg.Devices.Doctor)
	printRow(w, "Patient mic", cfg.Devices.Patient)
	printRow(w, "Capture", cfg.Audio.Capture)
	printRow(w, "VAD", cfg.VAD.Engine)
	for _, out := range cfg.Sink.Outputs {
		value := out.Name
		if out.Path != "" {
			value += " → " + out.Path
		}
		printRow(w, "Sink", value)
	}
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	if cfg.Server.DebugEvents {
		printRow(w, "Debug events", "enabled")
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
