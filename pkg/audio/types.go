package audio

import (
	"fmt"
	"time"
)

const (
	// SampleRate is the rate in Hz every frame has after entering the core.
	// VAD, segmentation and echo maths all assume it.
	SampleRate = 16000

	// WindowDuration is the length of one analysis window.
	WindowDuration = 20 * time.Millisecond

	// WindowSamples is the number of samples in one analysis window at [SampleRate].
	WindowSamples = SampleRate * int(WindowDuration/time.Millisecond) / 1000
)

// Role identifies which of the two fixed microphones a frame came from.
type Role string

const (
	// RoleDoctor is the clinician's microphone.
	RoleDoctor Role = "doctor"

	// RolePatient is the patient's microphone.
	RolePatient Role = "patient"
)

// Roles lists both roles in index order.
var Roles = [2]Role{RoleDoctor, RolePatient}

// IsValid reports whether r is one of the two known roles.
func (r Role) IsValid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Other returns the opposite role. The result for an invalid role is undefined.
func (r Role) Other() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// Index returns 0 for doctor and 1 for patient, suitable for fixed-size
// per-role arrays.
func (r Role) Index() int {
	if r == RolePatient {
		return 1
	}
	return 0
}

// ParseRole converts s into a [Role], rejecting unknown names.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("audio: unknown role %q; valid values: doctor, patient", s)
	}
	return r, nil
}

// Frame is a block of normalised samples flowing through the core. Samples are
// mono float32 values in [-1, 1].
type Frame struct {
	// Samples holds the normalised mono audio.
	Samples []float32

	// SampleRate in Hz. Frames inside the core are always [SampleRate].
	SampleRate int

	// Role is the microphone this frame was captured from.
	Role Role

	// Timestamp marks when the first sample was captured, relative to session start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// RawFrame is capture-side audio before it enters the core: little-endian
// int16 PCM at an arbitrary rate and channel count.
type RawFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for browser capture).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Role is the microphone this frame was captured from.
	Role Role

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
