// Package floor decides which of the two microphones holds the floor: the
// right to have its speech forwarded downstream.
//
// The [Arbiter] is fed one update per channel per VAD window. It combines
// each channel's activity and RMS with a hold timer and an override delay so
// the floor changes hands only on clear evidence. Once a channel has taken
// the floor, some channel always holds it; the floor never returns to
// unassigned.
//
// An Arbiter is not safe for concurrent use. Both channels' updates must be
// serialised by the caller.
package floor

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/dualmic/pkg/audio"
)

// Config holds the arbitration timings.
type Config struct {
	// Hold is the minimum time a new holder keeps the floor. Default: 900 ms.
	Hold time.Duration

	// Override is how long the holder must have been without activity before
	// a louder challenger may seize the floor. Default: 220 ms.
	Override time.Duration

	// SwitchFactor is the RMS ratio a challenger needs over the other
	// channel. Default: 1.9.
	SwitchFactor float64

	// TieFallback assigns the floor when no one holds it and both channels
	// have been active this long without either reaching SwitchFactor. The
	// channel that became active first wins. Zero disables the fallback.
	// Default: 500 ms.
	TieFallback time.Duration

	// Skew is how long a free-floor decision waits for the other channel to
	// report the same instant. A channel that has not reported for longer
	// counts as inactive. Default: 100 ms.
	Skew time.Duration
}

// DefaultConfig returns the arbitration defaults.
func DefaultConfig() Config {
	return Config{
		Hold:         900 * time.Millisecond,
		Override:     220 * time.Millisecond,
		SwitchFactor: 1.9,
		TieFallback:  500 * time.Millisecond,
		Skew:         100 * time.Millisecond,
	}
}

// Validate reports every inconsistency in c as a joined error.
func (c Config) Validate() error {
	var errs []error
	if c.Hold < 0 {
		errs = append(errs, errors.New("floor: hold must not be negative"))
	}
	if c.Override < 0 {
		errs = append(errs, errors.New("floor: override must not be negative"))
	}
	if c.SwitchFactor < 1 {
		errs = append(errs, fmt.Errorf("floor: switch factor %g must be at least 1", c.SwitchFactor))
	}
	if c.TieFallback < 0 {
		errs = append(errs, errors.New("floor: tie fallback must not be negative"))
	}
	if c.Skew < 0 {
		errs = append(errs, errors.New("floor: skew must not be negative"))
	}
	return errors.Join(errs...)
}

// Reason explains a floor change.
type Reason string

const (
	// ReasonInitial: the only active channel took a free floor.
	ReasonInitial Reason = "initial"

	// ReasonDominant: both channels were active and one was louder by
	// SwitchFactor.
	ReasonDominant Reason = "dominant"

	// ReasonTieFallback: the tie fallback assigned a free floor.
	ReasonTieFallback Reason = "tie_fallback"

	// ReasonCede: the holder went quiet after its hold while the other
	// channel was active.
	ReasonCede Reason = "cede"

	// ReasonOverride: a louder challenger seized the floor.
	ReasonOverride Reason = "override"
)

// Transition records one floor change. From is empty for the first
// assignment.
type Transition struct {
	From   audio.Role
	To     audio.Role
	At     time.Duration
	Reason Reason
}

type channelState struct {
	active       bool
	rms          float64
	lastUpdate   time.Duration
	lastActiveAt time.Duration
	activeSince  time.Duration
	seen         bool
}

// Arbiter is the floor-control state machine.
type Arbiter struct {
	cfg       Config
	ch        [2]channelState
	holder    audio.Role // empty until first assignment
	holdUntil time.Duration
}

// New creates an Arbiter with no holder.
func New(cfg Config) (*Arbiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Arbiter{cfg: cfg}, nil
}

// SetConfig replaces the timings without touching the floor state.
func (a *Arbiter) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// Config returns the active timings.
func (a *Arbiter) Config() Config { return a.cfg }

// Holder returns the channel holding the floor. ok is false until some
// channel has taken it.
func (a *Arbiter) Holder() (audio.Role, bool) {
	return a.holder, a.holder != ""
}

// CanSend reports whether role currently holds the floor.
func (a *Arbiter) CanSend(role audio.Role) bool {
	return a.holder != "" && a.holder == role
}

// HoldUntil returns the time before which the current holder cannot lose
// the floor.
func (a *Arbiter) HoldUntil() time.Duration { return a.holdUntil }

// Update records role's activity and RMS at now and applies the floor rules.
// When the floor changes hands the transition is returned with ok == true.
// Updates for invalid roles are ignored.
//
// Decisions that compare both channels wait for the other channel's report
// for the same instant, so the order in which the two updates of a window
// arrive never decides them. A cede happens on whichever report completes
// the window.
//
// For a free floor this deviates from "the sole active channel takes the
// floor at once": the decision is taken on the later of the two reports for
// the window, or, when the other channel has stopped reporting, on the first
// report more than Skew after its last one. With both channels fed in
// timestamp order the first case costs no time; Transition.At is always the
// window's own timestamp.
func (a *Arbiter) Update(role audio.Role, active bool, rms float64, now time.Duration) (t Transition, ok bool) {
	if !role.IsValid() {
		return Transition{}, false
	}
	me := &a.ch[role.Index()]
	if active && (!me.active || !me.seen) {
		me.activeSince = now
	}
	me.active = active
	me.rms = rms
	me.lastUpdate = now
	me.seen = true
	if active {
		me.lastActiveAt = now
	}
	other := &a.ch[role.Other().Index()]

	switch a.holder {
	case "":
		return a.assign(role, me, other, now)

	case role:
		if !active && now > a.holdUntil && other.reported(now) && other.active {
			return a.change(role.Other(), now, ReasonCede), true
		}

	default:
		if !active || now <= a.holdUntil {
			break
		}
		if other.reported(now) && !other.active {
			return a.change(role, now, ReasonCede), true
		}
		if rms >= other.rms*a.cfg.SwitchFactor && now-other.lastActiveAt >= a.cfg.Override {
			return a.change(role, now, ReasonOverride), true
		}
	}
	return Transition{}, false
}

// reported reports whether c has an update for the instant now.
func (c *channelState) reported(now time.Duration) bool {
	return c.seen && c.lastUpdate >= now
}

// Suppress marks role inactive until its next update. The pipeline calls it
// when a channel's last report turns out to be cross-talk from the other
// microphone.
func (a *Arbiter) Suppress(role audio.Role) {
	if role.IsValid() {
		a.ch[role.Index()].active = false
	}
}

// assign applies the rules for a free floor.
func (a *Arbiter) assign(role audio.Role, me, other *channelState, now time.Duration) (Transition, bool) {
	otherActive := other.active
	if !other.seen || other.lastUpdate < now {
		if now-other.lastUpdate <= a.cfg.Skew {
			// Wait for the other channel's report for this window.
			return Transition{}, false
		}
		otherActive = false
	}

	switch {
	case me.active && !otherActive:
		return a.change(role, now, ReasonInitial), true
	case !me.active && otherActive:
		return a.change(role.Other(), now, ReasonInitial), true
	case !me.active:
		return Transition{}, false
	}

	// Both active.
	if me.rms >= other.rms*a.cfg.SwitchFactor {
		return a.change(role, now, ReasonDominant), true
	}
	if other.rms >= me.rms*a.cfg.SwitchFactor {
		return a.change(role.Other(), now, ReasonDominant), true
	}

	if a.cfg.TieFallback <= 0 {
		return Transition{}, false
	}
	if now-max(me.activeSince, other.activeSince) < a.cfg.TieFallback {
		return Transition{}, false
	}
	winner := role
	switch {
	case me.activeSince < other.activeSince:
	case other.activeSince < me.activeSince:
		winner = role.Other()
	case me.rms > other.rms:
	case other.rms > me.rms:
		winner = role.Other()
	default:
		winner = audio.RoleDoctor
	}
	return a.change(winner, now, ReasonTieFallback), true
}

func (a *Arbiter) change(to audio.Role, now time.Duration, reason Reason) Transition {
	t := Transition{From: a.holder, To: to, At: now, Reason: reason}
	a.holder = to
	a.holdUntil = now + a.cfg.Hold
	return t
}

// Reset forgets the holder and both channels' state, as for a new session.
func (a *Arbiter) Reset() {
	a.ch = [2]channelState{}
	a.holder = ""
	a.holdUntil = 0
}
