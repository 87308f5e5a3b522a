// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script Decision responses and inspect the windows that were
// submitted for processing.
//
// Example:
//
//	sess := &mock.Session{Script: []bool{false, true, true}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// ProcessWindowCall records a single invocation of Session.ProcessWindow.
type ProcessWindowCall struct {
	// Window is a copy of the samples passed to ProcessWindow.
	Window []float32

	// Timestamp is the ts argument.
	Timestamp time.Duration
}

// Session is a mock implementation of vad.SessionHandle. The RMS of each
// returned Decision is computed from the window; Active comes from Script.
type Session struct {
	mu sync.Mutex

	// Script supplies the Active flag for successive windows. Once exhausted,
	// the last entry repeats; an empty Script always reports inactive.
	Script []bool

	// --- Call records ---

	// ProcessWindowCalls records every non-empty call to ProcessWindow in order.
	ProcessWindowCalls []ProcessWindowCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int
}

// ProcessWindow records the call and returns the next scripted decision.
// Empty windows are not recorded and return ok == false.
func (s *Session) ProcessWindow(window []float32, ts time.Duration) (vad.Decision, bool) {
	if len(window) == 0 {
		return vad.Decision{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(window))
	copy(cp, window)
	s.ProcessWindowCalls = append(s.ProcessWindowCalls, ProcessWindowCall{Window: cp, Timestamp: ts})

	var active bool
	if n := len(s.Script); n > 0 {
		i := len(s.ProcessWindowCalls) - 1
		if i >= n {
			i = n - 1
		}
		active = s.Script[i]
	}
	return vad.Decision{Active: active, RMS: audio.RMS(window), Timestamp: ts}, true
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Calls returns the number of recorded ProcessWindow calls. Thread-safe.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ProcessWindowCalls)
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
