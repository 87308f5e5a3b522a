package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/dualmic/internal/echo"
	"github.com/MrWong99/dualmic/internal/floor"
	"github.com/MrWong99/dualmic/internal/segment"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
)

// KnownNames lists the built-in implementation names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var KnownNames = map[string][]string{
	"vad":     {"energy"},
	"capture": {"replay"},
	"sink":    {"jsonl", "wavdir", "discard"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.LogFormat, LogFormatText)
	setDefault(&cfg.Server.ShutdownTimeout, 10*time.Second)
	setDefault(&cfg.Telemetry.ServiceName, "dualmic")

	setDefault(&cfg.Audio.Capture, "replay")
	setDefault(&cfg.Audio.EventBuffer, 256)

	vd := vad.DefaultConfig()
	setDefault(&cfg.VAD.Engine, "energy")
	setDefault(&cfg.VAD.OnThreshold, vd.OnThreshold)
	setDefault(&cfg.VAD.OffThreshold, vd.OffThreshold)
	setDefault(&cfg.VAD.StartWindows, vd.StartWindows)
	setDefault(&cfg.VAD.StopWindows, vd.StopWindows)

	sd := segment.DefaultConfig()
	s := &cfg.Segmenter
	setDefault(&s.CalibrationDuration, sd.CalibrationDuration)
	setDefault(&s.PreRoll, sd.PreRoll)
	setDefault(&s.SilenceTimeout, sd.SilenceTimeout)
	setDefault(&s.MinDuration, sd.MinDuration)
	setDefault(&s.MaxDuration, sd.MaxDuration)
	setDefault(&s.MinSpeechRatio, sd.MinSpeechRatio)
	setDefault(&s.NoiseMultiplier, sd.NoiseMultiplier)
	setDefault(&s.MinOnThreshold, sd.MinOnThreshold)
	setDefault(&s.OffRatio, sd.OffRatio)

	ed := echo.DefaultConfig()
	setDefault(&cfg.Echo.Buffer, ed.Buffer)
	setDefault(&cfg.Echo.WindowSamples, ed.WindowSamples)
	setDefault(&cfg.Echo.Threshold, ed.Threshold)
	setDefault(&cfg.Echo.TieBreak, ed.TieBreak)

	fd := floor.DefaultConfig()
	setDefault(&cfg.Floor.Hold, fd.Hold)
	setDefault(&cfg.Floor.Override, fd.Override)
	setDefault(&cfg.Floor.SwitchFactor, fd.SwitchFactor)
	setDefault(&cfg.Floor.Skew, fd.Skew)
	if cfg.Floor.TieFallback == nil {
		tf := fd.TieFallback
		cfg.Floor.TieFallback = &tf
	}

	setDefault(&cfg.Replay.SampleRate, audio.SampleRate)
	setDefault(&cfg.Replay.Channels, 1)

	if len(cfg.Sink.Outputs) == 0 {
		cfg.Sink.Outputs = []SinkEntry{{Name: "jsonl", Path: "-"}}
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Call [ApplyDefaults] first; zero-valued tuning fields fail validation.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if r := cfg.Telemetry.SampleRatio(); r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g must be between 0 and 1", r))
	}
	if cfg.Audio.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.event_buffer %d must not be negative", cfg.Audio.EventBuffer))
	}

	// Devices
	if cfg.Devices.Doctor == "" {
		errs = append(errs, errors.New("devices.doctor is required"))
	}
	if cfg.Devices.Patient == "" {
		errs = append(errs, errors.New("devices.patient is required"))
	}
	seen := make(map[string]int, len(cfg.Devices.Available))
	for i, d := range cfg.Devices.Available {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("devices.available[%d].id is required", i))
			continue
		}
		if prev, ok := seen[d.ID]; ok {
			errs = append(errs, fmt.Errorf("devices.available[%d].id %q is a duplicate of devices.available[%d]", i, d.ID, prev))
		}
		seen[d.ID] = i
	}

	// Component tuning
	if err := cfg.VAD.Settings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Segmenter.Settings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Echo.Settings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Floor.Settings().Validate(); err != nil {
		errs = append(errs, err)
	}

	// Replay
	if cfg.Audio.Capture == "replay" {
		if cfg.Replay.Doctor == "" || cfg.Replay.Patient == "" {
			errs = append(errs, errors.New("replay.doctor and replay.patient are required when audio.capture is replay"))
		}
	}
	if cfg.Replay.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("replay.sample_rate %d must not be negative", cfg.Replay.SampleRate))
	}
	if cfg.Replay.Channels < 0 || cfg.Replay.Channels > 2 {
		errs = append(errs, fmt.Errorf("replay.channels %d is invalid; valid values: 1, 2", cfg.Replay.Channels))
	}

	// Sinks
	for i, out := range cfg.Sink.Outputs {
		if out.Name == "" {
			errs = append(errs, fmt.Errorf("sink.outputs[%d].name is required", i))
		}
		if out.Breaker.MaxFailures < 0 || out.Breaker.Cooldown < 0 {
			errs = append(errs, fmt.Errorf("sink.outputs[%d].breaker values must not be negative", i))
		}
	}

	warnUnknownName("vad", cfg.VAD.Engine)
	warnUnknownName("capture", cfg.Audio.Capture)
	for _, out := range cfg.Sink.Outputs {
		warnUnknownName("sink", out.Name)
	}

	return errors.Join(errs...)
}

// warnUnknownName logs a warning if name is non-empty and not listed in
// [KnownNames] for kind. Third-party implementations may still be registered.
func warnUnknownName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := KnownNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown implementation name; may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
