// Package config provides the configuration schema, loader, hot-reload
// watcher and component registry for the dualmic speech pipeline.
package config

import (
	"time"

	"github.com/MrWong99/dualmic/internal/device"
	"github.com/MrWong99/dualmic/internal/echo"
	"github.com/MrWong99/dualmic/internal/floor"
	"github.com/MrWong99/dualmic/internal/segment"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Audio     AudioConfig     `yaml:"audio"`
	Devices   DevicesConfig   `yaml:"devices"`
	VAD       VADConfig       `yaml:"vad"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Echo      EchoConfig      `yaml:"echo"`
	Floor     FloorConfig     `yaml:"floor"`
	Replay    ReplayConfig    `yaml:"replay"`
	Sink      SinkConfig      `yaml:"sink"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for health, metrics and debug endpoints
	// (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// DebugEvents enables the /debug/events WebSocket and /debug/stats.
	DebugEvents bool `yaml:"debug_events"`

	// DebugOrigins lists cross-origin host patterns allowed to open the
	// debug WebSocket.
	DebugOrigins []string `yaml:"debug_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry resource settings.
type TelemetryConfig struct {
	// ServiceName is the OTel service.name attribute. Default: "dualmic".
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the OTel service.version attribute.
	ServiceVersion string `yaml:"service_version"`

	// TraceSampleRatio is the fraction of root traces sampled, 0 to 1.
	// Default: 1.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}

// SampleRatio reports the effective TraceSampleRatio.
func (t TelemetryConfig) SampleRatio() float64 {
	if t.TraceSampleRatio == nil {
		return 1
	}
	return *t.TraceSampleRatio
}

// AudioConfig selects the capture source and cross-channel behaviour.
type AudioConfig struct {
	// Capture names the registered capture implementation. Default: "replay".
	Capture string `yaml:"capture"`

	// EchoSuppression marks the quieter channel inactive for arbitration
	// while the echo detector reports cross-talk. Default: true.
	EchoSuppression *bool `yaml:"echo_suppression"`

	// EventBuffer is the per-subscriber debug event buffer. Default: 256.
	EventBuffer int `yaml:"event_buffer"`
}

// EchoSuppressionEnabled reports the effective EchoSuppression value.
func (a AudioConfig) EchoSuppressionEnabled() bool {
	return a.EchoSuppression == nil || *a.EchoSuppression
}

// DevicesConfig names the two microphones. Both IDs must resolve against
// Available and must not share a physical group.
type DevicesConfig struct {
	Doctor    string              `yaml:"doctor"`
	Patient   string              `yaml:"patient"`
	Available []device.Descriptor `yaml:"available"`
}

// VADConfig selects and tunes the voice activity engine.
type VADConfig struct {
	// Engine names the registered VAD engine. Default: "energy".
	Engine       string  `yaml:"engine"`
	OnThreshold  float64 `yaml:"on_threshold"`
	OffThreshold float64 `yaml:"off_threshold"`
	StartWindows int     `yaml:"start_windows"`
	StopWindows  int     `yaml:"stop_windows"`
}

// Settings converts the section into a [vad.Config].
func (c VADConfig) Settings() vad.Config {
	return vad.Config{
		OnThreshold:  c.OnThreshold,
		OffThreshold: c.OffThreshold,
		StartWindows: c.StartWindows,
		StopWindows:  c.StopWindows,
	}
}

// SegmenterConfig tunes the per-channel segmenter.
type SegmenterConfig struct {
	CalibrationDuration time.Duration `yaml:"calibration"`
	PreRoll             time.Duration `yaml:"pre_roll"`
	SilenceTimeout      time.Duration `yaml:"silence_timeout"`
	MinDuration         time.Duration `yaml:"min_duration"`
	MaxDuration         time.Duration `yaml:"max_duration"`
	MinSpeechRatio      float64       `yaml:"min_speech_ratio"`
	NoiseMultiplier     float64       `yaml:"noise_multiplier"`
	MinOnThreshold      float64       `yaml:"min_on_threshold"`
	OffRatio            float64       `yaml:"off_ratio"`
}

// Settings converts the section into a [segment.Config].
func (c SegmenterConfig) Settings() segment.Config {
	return segment.Config(c)
}

// EchoConfig tunes the cross-talk detector. Hot-reloadable.
type EchoConfig struct {
	Buffer        time.Duration `yaml:"buffer"`
	WindowSamples int           `yaml:"window_samples"`
	Threshold     float64       `yaml:"threshold"`
	TieBreak      audio.Role    `yaml:"tie_break"`
}

// Settings converts the section into an [echo.Config].
func (c EchoConfig) Settings() echo.Config {
	return echo.Config(c)
}

// FloorConfig tunes the dominant-speaker arbiter. Hot-reloadable.
type FloorConfig struct {
	Hold         time.Duration `yaml:"hold"`
	Override     time.Duration `yaml:"override"`
	SwitchFactor float64       `yaml:"switch_factor"`

	// TieFallback is a pointer so that an explicit 0 (disabled) survives
	// [ApplyDefaults].
	TieFallback *time.Duration `yaml:"tie_fallback"`
	Skew        time.Duration  `yaml:"skew"`
}

// Settings converts the section into a [floor.Config].
func (c FloorConfig) Settings() floor.Config {
	fc := floor.Config{
		Hold:         c.Hold,
		Override:     c.Override,
		SwitchFactor: c.SwitchFactor,
		Skew:         c.Skew,
	}
	if c.TieFallback != nil {
		fc.TieFallback = *c.TieFallback
	}
	return fc
}

// ReplayConfig configures the file-based capture.
type ReplayConfig struct {
	// Doctor and Patient are paths to WAV or raw PCM16 files.
	Doctor  string `yaml:"doctor"`
	Patient string `yaml:"patient"`

	// SampleRate and Channels describe raw (non-WAV) files. Defaults: 16000, 1.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// Realtime paces frames at wall-clock speed.
	Realtime bool `yaml:"realtime"`
}

// SinkConfig lists the outputs that receive emitted segments. Every output
// receives every segment.
type SinkConfig struct {
	Outputs []SinkEntry `yaml:"outputs"`
}

// SinkEntry configures one output. Name selects the registered sink
// implementation; Path is interpreted by that sink.
type SinkEntry struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`

	// Audio adds base64 PCM16 samples to jsonl records.
	Audio bool `yaml:"audio"`

	// Breaker stops calling an output that keeps failing. Disabled when
	// MaxFailures is 0.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of one sink output.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}
