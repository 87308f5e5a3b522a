package segment

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the segmenter's timing, calibration and quality-gate settings.
type Config struct {
	// CalibrationDuration is how long RMS is sampled to estimate the noise
	// floor before any segment can open. Default: 1200 ms.
	CalibrationDuration time.Duration

	// PreRoll is the amount of audio before speech onset that is prepended
	// to every segment. Default: 150 ms.
	PreRoll time.Duration

	// SilenceTimeout is how long RMS must stay below the off threshold
	// before an open segment closes. Default: 400 ms.
	SilenceTimeout time.Duration

	// MinDuration rejects voiced spans shorter than this. Default: 300 ms.
	MinDuration time.Duration

	// MaxDuration rejects voiced spans longer than this. Default: 12 s.
	MaxDuration time.Duration

	// MinSpeechRatio rejects segments whose fraction of VAD-active windows
	// is lower. Default: 0.35.
	MinSpeechRatio float64

	// NoiseMultiplier scales the calibrated baseline into the on threshold.
	// Default: 2.0.
	NoiseMultiplier float64

	// MinOnThreshold is the lower bound for the on threshold in a silent
	// room. Default: 0.008.
	MinOnThreshold float64

	// OffRatio derives the off threshold from the on threshold. Default: 0.7.
	OffRatio float64
}

// DefaultConfig returns the segmenter defaults for 16 kHz, 20 ms windows.
func DefaultConfig() Config {
	return Config{
		CalibrationDuration: 1200 * time.Millisecond,
		PreRoll:             150 * time.Millisecond,
		SilenceTimeout:      400 * time.Millisecond,
		MinDuration:         300 * time.Millisecond,
		MaxDuration:         12 * time.Second,
		MinSpeechRatio:      0.35,
		NoiseMultiplier:     2.0,
		MinOnThreshold:      0.008,
		OffRatio:            0.7,
	}
}

// Validate reports every inconsistency in c as a joined error.
func (c Config) Validate() error {
	var errs []error
	if c.CalibrationDuration <= 0 {
		errs = append(errs, errors.New("segment: calibration duration must be positive"))
	}
	if c.PreRoll < 0 {
		errs = append(errs, errors.New("segment: pre-roll must not be negative"))
	}
	if c.SilenceTimeout <= 0 {
		errs = append(errs, errors.New("segment: silence timeout must be positive"))
	}
	if c.MinDuration < 0 || c.MaxDuration <= 0 || c.MinDuration > c.MaxDuration {
		errs = append(errs, fmt.Errorf("segment: duration gate [%v, %v] is invalid", c.MinDuration, c.MaxDuration))
	}
	if c.MinSpeechRatio < 0 || c.MinSpeechRatio > 1 {
		errs = append(errs, fmt.Errorf("segment: min speech ratio %g is out of range [0, 1]", c.MinSpeechRatio))
	}
	if c.NoiseMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("segment: noise multiplier %g must be positive", c.NoiseMultiplier))
	}
	if c.MinOnThreshold <= 0 {
		errs = append(errs, fmt.Errorf("segment: min on threshold %g must be positive", c.MinOnThreshold))
	}
	if c.OffRatio <= 0 || c.OffRatio >= 1 {
		errs = append(errs, fmt.Errorf("segment: off ratio %g is out of range (0, 1)", c.OffRatio))
	}
	return errors.Join(errs...)
}
