// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a window-level speech detector and surfaces it as a
// stateful, per-channel session. Each session keeps its own hysteresis
// counters so that the two microphones are classified independently.
//
// VAD is synchronous: ProcessWindow returns immediately with a
// decision, making it suitable for the per-window hot path. It never returns
// an error; malformed input is skipped and reported through the ok result.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the parameters for a VAD session. Thresholds are RMS values on
// normalised [-1, 1] samples.
type Config struct {
	// OnThreshold is the RMS above which a window counts towards activation.
	// Typical: 0.015.
	OnThreshold float64

	// OffThreshold is the RMS below which a window counts towards
	// deactivation. Must be < OnThreshold; the gap is the hysteresis band.
	// Typical: 0.008.
	OffThreshold float64

	// StartWindows is the number of consecutive windows above OnThreshold
	// needed to become active. Typical: 2.
	StartWindows int

	// StopWindows is the number of consecutive windows below OffThreshold
	// needed to become inactive. Typical: 5.
	StopWindows int
}

// DefaultConfig returns the thresholds used for 20 ms windows at 16 kHz.
func DefaultConfig() Config {
	return Config{
		OnThreshold:  0.015,
		OffThreshold: 0.008,
		StartWindows: 2,
		StopWindows:  5,
	}
}

// Validate reports every inconsistency in c as a joined error.
func (c Config) Validate() error {
	var errs []error
	if c.OffThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad: off threshold %g must not be negative", c.OffThreshold))
	}
	if c.OnThreshold <= c.OffThreshold {
		errs = append(errs, fmt.Errorf("vad: on threshold %g must be greater than off threshold %g", c.OnThreshold, c.OffThreshold))
	}
	if c.StartWindows <= 0 {
		errs = append(errs, errors.New("vad: start windows must be positive"))
	}
	if c.StopWindows <= 0 {
		errs = append(errs, errors.New("vad: stop windows must be positive"))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single channel. It is
// an interface so that test code can supply mock implementations without a
// real engine. Reset clears the detection state without closing the session.
type SessionHandle interface {
	// ProcessWindow classifies one analysis window captured at ts and returns
	// the decision. An empty window changes no state and returns ok == false.
	//
	// This method is called synchronously in the per-window loop; it must not
	// block.
	ProcessWindow(window []float32, ts time.Duration) (d Decision, ok bool)

	// Reset clears all accumulated detection state (activity flag and
	// hysteresis counters).
	Reset()
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept windows.
	//
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
