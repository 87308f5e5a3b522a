// Package energy provides an RMS-energy VAD engine with two-threshold
// hysteresis. It needs no model files and runs in constant time per window.
package energy

import (
	"fmt"
	"time"

	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an [Engine].
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return NewSession(cfg)
}

// Session classifies the windows of one channel. Not safe for concurrent use.
type Session struct {
	cfg    vad.Config
	active bool
	above  int
	below  int
}

// NewSession validates cfg and returns a session in the inactive state.
func NewSession(cfg vad.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &Session{cfg: cfg}, nil
}

// ProcessWindow implements [vad.SessionHandle].
//
// RMS values strictly above the on threshold extend the above-run and reset
// the below-run; values strictly below the off threshold do the opposite.
// Values inside the band leave both counters alone.
func (s *Session) ProcessWindow(window []float32, ts time.Duration) (vad.Decision, bool) {
	if len(window) == 0 {
		return vad.Decision{}, false
	}

	rms := audio.RMS(window)
	switch {
	case rms > s.cfg.OnThreshold:
		s.above++
		s.below = 0
	case rms < s.cfg.OffThreshold:
		s.below++
		s.above = 0
	}

	if !s.active && s.above >= s.cfg.StartWindows {
		s.active = true
	} else if s.active && s.below >= s.cfg.StopWindows {
		s.active = false
	}

	return vad.Decision{
		Active:    s.active,
		RMS:       rms,
		Above:     s.above,
		Below:     s.below,
		Timestamp: ts,
	}, true
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.active = false
	s.above = 0
	s.below = 0
}

// Active reports the current activity flag without processing a window.
func (s *Session) Active() bool { return s.active }
