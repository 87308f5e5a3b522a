// Package resilience provides a circuit breaker that keeps a failing segment
// sink from stalling a channel.
//
// A [Breaker] moves through three states: closed (calls pass), open (calls
// are rejected with [ErrOpen] until the cooldown elapses) and half-open (a
// few probe calls decide whether to close again). Safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen

	// StateHalfOpen lets up to Config.Probes calls through. All of them
	// succeeding closes the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the lower-case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker].
type Config struct {
	// Name labels log lines and transition callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	// Default: 1.
	Probes int
}

// Breaker implements the three-state circuit breaker.
type Breaker struct {
	cfg          Config
	now          func() time.Time
	onTransition func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // half-open probes admitted
	passed   int // half-open probes that succeeded
}

// Option configures a [Breaker].
type Option func(*Breaker)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook calls fn after every state change. fn runs with the
// breaker unlocked and must not block.
func WithTransitionHook(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New returns a closed Breaker. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn unless the breaker is open. A rejected call returns [ErrOpen]
// without running fn.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.inFlight, b.passed = 0, 0
	}
	to := b.state
	probe := to == StateHalfOpen
	if probe {
		if b.inFlight >= b.cfg.Probes {
			b.mu.Unlock()
			b.notify(from, to)
			return ErrOpen
		}
		b.inFlight++
	}
	b.mu.Unlock()
	b.notify(from, to)

	err := fn()

	b.mu.Lock()
	before := b.state
	if err != nil {
		b.fail(probe)
	} else {
		b.succeed(probe)
	}
	after := b.state
	b.mu.Unlock()
	b.notify(before, after)
	return err
}

// fail records a failed call. b.mu is held.
func (b *Breaker) fail(probe bool) {
	b.failures++
	if probe || b.failures >= b.cfg.MaxFailures {
		if b.state != StateOpen {
			slog.Warn("circuit breaker opened", "name", b.cfg.Name, "consecutive_failures", b.failures)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// succeed records a successful call. b.mu is held.
func (b *Breaker) succeed(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		// Another probe already failed.
		return
	}
	b.passed++
	if b.passed >= b.cfg.Probes {
		b.state = StateClosed
		b.failures = 0
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onTransition != nil {
		b.onTransition(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.inFlight, b.passed = 0, 0, 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
