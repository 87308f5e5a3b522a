// Package types defines the shared types used across dualmic packages.
//
// These types are the hand-off format between the segmenter, the session
// pipeline and downstream sinks. They are intentionally minimal: each package
// defines its own domain types, but data that crosses package boundaries lives
// here to avoid circular imports.
package types

import (
	"time"

	"github.com/MrWong99/dualmic/pkg/audio"
)

// SpeechSegment is one closed, quality-checked utterance from a single
// microphone. It is the unit handed to the transcription layer. A segment is
// immutable once emitted; the pipeline keeps no reference to it after
// delivery.
type SpeechSegment struct {
	// Role is the microphone the segment was captured from.
	Role audio.Role

	// Samples is mono 16-bit PCM, starting with the pre-roll captured before
	// speech onset.
	Samples []int16

	// SampleRate of Samples in Hz.
	SampleRate int

	// Duration is the voiced span from speech onset to the end of the last
	// voiced window. Pre-roll and trailing silence are not counted.
	Duration time.Duration

	// SpeechRatio is the estimated fraction of the voiced span that is
	// genuine speech (0.0–1.0).
	SpeechRatio float64

	// Start marks speech onset, relative to session start.
	Start time.Duration

	// End marks the end of the last voiced window, relative to session start.
	End time.Duration
}

// DurationMs returns Duration in whole milliseconds.
func (s SpeechSegment) DurationMs() int64 {
	return s.Duration.Milliseconds()
}

// AudioDuration returns the playback length of Samples, including pre-roll.
func (s SpeechSegment) AudioDuration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}
