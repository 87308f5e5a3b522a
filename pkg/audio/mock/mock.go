// Package mock provides an in-memory mock implementation of [audio.Capture]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	doctor := make(chan audio.Frame, 16)
//	patient := make(chan audio.Frame, 16)
//	c := &mock.Capture{Streams: audio.Streams{Doctor: doctor, Patient: patient}}
//	streams, err := c.Open(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dualmic/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Capture = (*Capture)(nil)

// Capture is a mock implementation of [audio.Capture].
// Set the exported fields before use; inspect the CallCount* fields after.
type Capture struct {
	mu sync.Mutex

	// Streams is returned by [Capture.Open].
	Streams audio.Streams

	// OpenErr, if non-nil, is returned by Open instead of Streams.
	OpenErr error

	// CloseErr is returned by [Capture.Close].
	CloseErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Open implements [audio.Capture]. Returns Streams, OpenErr.
func (c *Capture) Open(_ context.Context) (audio.Streams, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOpen++
	if c.OpenErr != nil {
		return audio.Streams{}, c.OpenErr
	}
	return c.Streams, nil
}

// Close implements [audio.Capture]. Returns CloseErr.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return c.CloseErr
}

// Opens returns the number of Open calls. Thread-safe.
func (c *Capture) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountOpen
}

// Closes returns the number of Close calls. Thread-safe.
func (c *Capture) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}
