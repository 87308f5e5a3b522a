// Package echo detects acoustic cross-talk between the two microphones.
//
// When one person speaks, the other microphone picks up an attenuated copy of
// the same signal. The [Detector] keeps a short ring of recent audio per
// channel and computes the Pearson correlation of the newest window on both
// sides. A correlation above the threshold means both channels carry the same
// source; the channel with the higher RMS is taken to be the real speaker.
package echo

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/dualmic/pkg/audio"
)

// Config holds the detector parameters.
type Config struct {
	// Buffer is how much recent audio each channel's ring keeps. Default: 200 ms.
	Buffer time.Duration

	// WindowSamples is the correlation window length. Default: 160.
	WindowSamples int

	// Threshold is the correlation above which the channels are considered
	// echoes of each other. Default: 0.85.
	Threshold float64

	// TieBreak is the role reported as dominant when both channels have the
	// same RMS. Default: patient.
	TieBreak audio.Role
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		Buffer:        200 * time.Millisecond,
		WindowSamples: 160,
		Threshold:     0.85,
		TieBreak:      audio.RolePatient,
	}
}

// Validate reports every inconsistency in c as a joined error.
func (c Config) Validate() error {
	var errs []error
	if c.WindowSamples <= 0 {
		errs = append(errs, errors.New("echo: window samples must be positive"))
	}
	if buf := int(c.Buffer * audio.SampleRate / time.Second); buf < c.WindowSamples {
		errs = append(errs, fmt.Errorf("echo: buffer %v holds %d samples, fewer than the %d-sample window", c.Buffer, buf, c.WindowSamples))
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("echo: threshold %g is out of range (0, 1]", c.Threshold))
	}
	if !c.TieBreak.IsValid() {
		errs = append(errs, fmt.Errorf("echo: invalid tie-break role %q", c.TieBreak))
	}
	return errors.Join(errs...)
}

// Result is the outcome of one evaluation.
type Result struct {
	// Ready is false while either channel holds less than one window.
	Ready bool

	// IsEcho reports Correlation > Threshold.
	IsEcho bool

	// Correlation is the Pearson coefficient in [-1, 1]; 0 for silent input.
	Correlation float64

	// Dominant is the channel with the higher RMS over the window.
	Dominant audio.Role

	DoctorRMS  float64
	PatientRMS float64
}

// Follower returns the channel that is not dominant.
func (r Result) Follower() audio.Role { return r.Dominant.Other() }

// Detector correlates the two channels. It is not safe for concurrent use;
// the session pipeline guards it together with the floor arbiter.
type Detector struct {
	cfg   Config
	rings [2]*audio.Ring
	a, b  []float32 // scratch windows
}

// New creates a Detector.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	size := int(cfg.Buffer * audio.SampleRate / time.Second)
	return &Detector{
		cfg:   cfg,
		rings: [2]*audio.Ring{audio.NewRing(size), audio.NewRing(size)},
		a:     make([]float32, 0, cfg.WindowSamples),
		b:     make([]float32, 0, cfg.WindowSamples),
	}, nil
}

// Config returns the active configuration.
func (d *Detector) Config() Config { return d.cfg }

// Push appends samples to role's ring. Invalid roles are ignored.
func (d *Detector) Push(role audio.Role, samples []float32) {
	if !role.IsValid() {
		return
	}
	d.rings[role.Index()].Write(samples)
}

// Evaluate correlates the newest window of both channels.
func (d *Detector) Evaluate() Result {
	n := d.cfg.WindowSamples
	doc, pat := d.rings[audio.RoleDoctor.Index()], d.rings[audio.RolePatient.Index()]
	if doc.Len() < n || pat.Len() < n {
		return Result{Dominant: d.cfg.TieBreak}
	}
	d.a = doc.Latest(n, d.a)
	d.b = pat.Latest(n, d.b)

	r := Result{
		Ready:       true,
		Correlation: Pearson(d.a, d.b),
		DoctorRMS:   audio.RMS(d.a),
		PatientRMS:  audio.RMS(d.b),
	}
	r.IsEcho = r.Correlation > d.cfg.Threshold
	switch {
	case r.DoctorRMS > r.PatientRMS:
		r.Dominant = audio.RoleDoctor
	case r.PatientRMS > r.DoctorRMS:
		r.Dominant = audio.RolePatient
	default:
		r.Dominant = d.cfg.TieBreak
	}
	return r
}

// Reset empties both rings.
func (d *Detector) Reset() {
	for _, r := range d.rings {
		r.Reset()
	}
}

// Pearson returns the correlation coefficient of the common prefix of a and
// b. Constant or silent input yields 0.
func Pearson(a, b []float32) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	var ma, mb float64
	for i := range n {
		ma += float64(a[i])
		mb += float64(b[i])
	}
	ma /= float64(n)
	mb /= float64(n)

	var sab, saa, sbb float64
	for i := range n {
		x := float64(a[i]) - ma
		y := float64(b[i]) - mb
		sab += x * y
		saa += x * x
		sbb += y * y
	}
	return sab / math.Max(math.Sqrt(saa*sbb), 1e-9)
}
