// Package segment turns a single channel's window stream into closed speech
// segments.
//
// A [Segmenter] first calibrates against the room's noise floor, then opens a
// segment whenever window energy rises above the calibrated on threshold and
// closes it once energy has stayed below the off threshold for the silence
// timeout. Every closed segment passes through quality gates (duration and
// speech ratio) before it is emitted.
//
// A Segmenter is not safe for concurrent use. The session pipeline serialises
// Process and Reset per channel.
package segment

import (
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
	"github.com/MrWong99/dualmic/pkg/types"
)

// State is the segmenter's lifecycle phase.
type State int

const (
	// StateCalibrating samples the noise floor. No segment can open.
	StateCalibrating State = iota

	// StateIdle waits for energy above the on threshold.
	StateIdle

	// StateVoiced accumulates an open segment.
	StateVoiced
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCalibrating:
		return "calibrating"
	case StateIdle:
		return "idle"
	case StateVoiced:
		return "voiced"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reject names the quality gate that discarded a closed segment.
type Reject int

const (
	// RejectNone means the segment passed every gate and was emitted.
	RejectNone Reject = iota

	// RejectTooShort means the voiced span was shorter than MinDuration.
	RejectTooShort

	// RejectTooLong means the voiced span exceeded MaxDuration.
	RejectTooLong

	// RejectLowSpeechRatio means too few windows were VAD-active.
	RejectLowSpeechRatio
)

// String returns the reason as used in logs, metrics and debug events.
func (r Reject) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectTooShort:
		return "too_short"
	case RejectTooLong:
		return "too_long"
	case RejectLowSpeechRatio:
		return "low_speech_ratio"
	default:
		return fmt.Sprintf("Reject(%d)", int(r))
	}
}

// Calibration is the noise-floor estimate taken at the start of a session.
// It stays frozen until [Segmenter.Reset].
type Calibration struct {
	// Baseline is the mean window RMS during calibration.
	Baseline float64

	// StdDev is the population standard deviation of window RMS.
	StdDev float64

	// OnThreshold opens a segment: max(NoiseMultiplier*Baseline, MinOnThreshold).
	OnThreshold float64

	// OffThreshold arms the silence timeout: OffRatio*OnThreshold.
	OffThreshold float64

	// Windows is the number of windows sampled.
	Windows int
}

// Closure describes a segment that has just closed. Segment is populated for
// rejected closures too (without samples) so callers can log and count them.
type Closure struct {
	Segment types.SpeechSegment
	Reject  Reject
}

// Emitted reports whether the closure carries an emitted segment.
func (c Closure) Emitted() bool { return c.Reject == RejectNone }

// Segmenter is the per-channel speech segmentation state machine.
type Segmenter struct {
	cfg  Config
	role audio.Role

	state State

	calibRMS     []float64
	calibSamples int
	calib        Calibration

	preRoll *audio.Ring

	// In-flight segment.
	buf         []float32
	onset       time.Duration
	windows     int // windows since onset
	active      int // VAD-active windows since onset
	overflow    bool
	voicedEnd   time.Duration
	voicedLen   int // len(buf) at voicedEnd
	spanWindows int // windows at voicedEnd
	spanActive  int // active at voicedEnd

	pendingClose bool
	closeAt      time.Duration
}

// New creates a Segmenter for role. It starts in [StateCalibrating].
func New(role audio.Role, cfg Config) (*Segmenter, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("segment: invalid role %q", role)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	preRoll := int(cfg.PreRoll * audio.SampleRate / time.Second)
	return &Segmenter{
		cfg:     cfg,
		role:    role,
		preRoll: audio.NewRing(preRoll),
	}, nil
}

// State returns the current lifecycle phase.
func (s *Segmenter) State() State { return s.state }

// Calibration returns the frozen noise-floor estimate. ok is false while the
// segmenter is still calibrating.
func (s *Segmenter) Calibration() (Calibration, bool) {
	return s.calib, s.state != StateCalibrating
}

// Process feeds one analysis window together with its VAD decision. The
// decision supplies the window's RMS and timestamp. When the window closes
// the open segment, the closure is returned with ok == true. An empty window
// changes no state.
func (s *Segmenter) Process(window []float32, d vad.Decision) (c Closure, ok bool) {
	if len(window) == 0 {
		return Closure{}, false
	}
	end := d.Timestamp + time.Duration(len(window))*time.Second/audio.SampleRate

	switch s.state {
	case StateCalibrating:
		s.calibrate(d.RMS, len(window))
	case StateIdle:
		if d.RMS > s.calib.OnThreshold {
			s.open(window, d, end)
		}
	case StateVoiced:
		c, ok = s.extend(window, d, end)
	}

	// The ring always holds the audio leading up to the next window, so it
	// is written after open has copied it.
	if s.preRoll.Cap() > 0 && s.cfg.PreRoll > 0 {
		s.preRoll.Write(window)
	}
	return c, ok
}

// Flush closes an open segment as if its silence timeout had elapsed. It is
// used when the channel's stream ends. The usual quality gates apply.
func (s *Segmenter) Flush() (Closure, bool) {
	if s.state != StateVoiced {
		return Closure{}, false
	}
	return s.close(), true
}

// Reset re-enters calibration, drops any in-flight segment and pending
// close, and clears the pre-roll.
func (s *Segmenter) Reset() {
	s.state = StateCalibrating
	s.calibRMS = s.calibRMS[:0]
	s.calibSamples = 0
	s.calib = Calibration{}
	s.preRoll.Reset()
	s.clearSegment()
}

func (s *Segmenter) calibrate(rms float64, n int) {
	s.calibRMS = append(s.calibRMS, rms)
	s.calibSamples += n
	if time.Duration(s.calibSamples)*time.Second/audio.SampleRate < s.cfg.CalibrationDuration {
		return
	}

	mean, std := meanStdDev(s.calibRMS)
	on := max(s.cfg.NoiseMultiplier*mean, s.cfg.MinOnThreshold)
	s.calib = Calibration{
		Baseline:     mean,
		StdDev:       std,
		OnThreshold:  on,
		OffThreshold: s.cfg.OffRatio * on,
		Windows:      len(s.calibRMS),
	}
	s.calibRMS = s.calibRMS[:0]
	s.state = StateIdle
}

func (s *Segmenter) open(window []float32, d vad.Decision, end time.Duration) {
	s.buf = s.preRoll.Latest(s.preRoll.Len(), s.buf)
	s.buf = append(s.buf, window...)
	s.onset = d.Timestamp
	s.windows = 1
	s.active = 0
	if d.Active {
		s.active = 1
	}
	s.overflow = false
	s.pendingClose = false
	s.markVoiced(end)
	s.state = StateVoiced
}

func (s *Segmenter) extend(window []float32, d vad.Decision, end time.Duration) (Closure, bool) {
	s.windows++
	if d.Active {
		s.active++
	}
	if !s.overflow {
		s.buf = append(s.buf, window...)
	}

	switch {
	case d.RMS > s.calib.OnThreshold:
		// Resumption is checked before the deadline so it wins a tie.
		s.pendingClose = false
		s.markVoiced(end)
	case d.RMS < s.calib.OffThreshold:
		if !s.pendingClose {
			s.pendingClose = true
			s.closeAt = d.Timestamp + s.cfg.SilenceTimeout
		}
	default:
		if !s.pendingClose {
			s.markVoiced(end)
		}
	}

	if s.pendingClose && end >= s.closeAt {
		return s.close(), true
	}
	return Closure{}, false
}

// markVoiced extends the voiced span to end. Once the span exceeds the
// runaway cap the segment can only be rejected, so buffering stops.
func (s *Segmenter) markVoiced(end time.Duration) {
	s.voicedEnd = end
	s.voicedLen = len(s.buf)
	s.spanWindows = s.windows
	s.spanActive = s.active
	if !s.overflow && end-s.onset > s.cfg.MaxDuration {
		s.overflow = true
		s.buf = nil
		s.voicedLen = 0
	}
}

func (s *Segmenter) close() Closure {
	seg := types.SpeechSegment{
		Role:       s.role,
		SampleRate: audio.SampleRate,
		Duration:   s.voicedEnd - s.onset,
		Start:      s.onset,
		End:        s.voicedEnd,
	}
	if s.spanWindows > 0 {
		seg.SpeechRatio = float64(s.spanActive) / float64(s.spanWindows)
	}

	reject := RejectNone
	switch {
	case seg.Duration < s.cfg.MinDuration:
		reject = RejectTooShort
	case seg.Duration > s.cfg.MaxDuration:
		reject = RejectTooLong
	case seg.SpeechRatio < s.cfg.MinSpeechRatio:
		reject = RejectLowSpeechRatio
	default:
		seg.Samples = audio.FloatToPCM16(s.buf[:s.voicedLen])
	}

	s.clearSegment()
	s.state = StateIdle
	return Closure{Segment: seg, Reject: reject}
}

func (s *Segmenter) clearSegment() {
	s.buf = s.buf[:0]
	s.windows, s.active = 0, 0
	s.spanWindows, s.spanActive = 0, 0
	s.voicedEnd, s.voicedLen = 0, 0
	s.onset = 0
	s.overflow = false
	s.pendingClose = false
	s.closeAt = 0
}

func meanStdDev(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
