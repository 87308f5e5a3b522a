// Package audio defines the frame types, PCM helpers and capture abstraction
// shared by the dual-microphone speech pipeline.
//
// Capture hardware, browsers and transport live outside the core. They are
// represented here by a single narrow interface:
//
//   - [Capture]: opens both microphones and returns one [Frame] channel per
//     [Role].
//
// Everything downstream of [Capture] works on 16 kHz mono float32 frames;
// [FormatConverter] and [ConvertStream] bring other capture formats into that
// shape.
//
// This package lives under pkg/ because external code (capture adapters) is
// expected to implement [Capture].
package audio

import "context"

// Streams carries the two per-role frame channels returned by [Capture.Open].
// Both channels are closed by the capture implementation when the stream ends
// or the context passed to Open is cancelled.
type Streams struct {
	Doctor  <-chan Frame
	Patient <-chan Frame
}

// For returns the channel for role r.
func (s Streams) For(r Role) <-chan Frame {
	if r == RolePatient {
		return s.Patient
	}
	return s.Doctor
}

// Capture is the entry point for an upstream audio source.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Open starts capturing both microphones. Frames must be delivered in
	// capture order per channel, with timestamps relative to a shared session
	// clock. Cross-channel ordering is not required.
	//
	// Returns an error if either input cannot be opened.
	Open(ctx context.Context) (Streams, error)

	// Close releases capture resources. Calling Close more than once is safe
	// and returns nil.
	Close() error
}
