package vad

import "time"

// Decision is the VAD result for a single window. It also carries the
// hysteresis counters so callers can publish a debug event without a second
// call into the detector.
type Decision struct {
	// Active reports whether the channel is considered to carry speech after
	// this window.
	Active bool

	// RMS is the window's root-mean-square energy.
	RMS float64

	// Above is the current run of windows above the on threshold.
	Above int

	// Below is the current run of windows below the off threshold.
	Below int

	// Timestamp is the capture time of the window's first sample.
	Timestamp time.Duration
}
