// Package pipeline wires the per-channel speech components and the shared
// cross-channel components into one session.
//
// Each channel owns a windower, a VAD session and a segmenter; nothing else
// touches them. The echo detector and the floor arbiter are shared by both
// channels and live behind a single mutex together with what the session
// knows about each channel's latest window. [Session.Run] merges both
// streams into one timestamp-ordered sequence of windows, so the two
// channels' windows for the same instant meet in the shared stage no matter
// how the producers are scheduled. A closed segment leaves the session
// through the [Sink] only if its channel held the floor while the segment
// was open.
//
// A channel found to carry the other microphone's speech is distrusted until
// its own VAD goes inactive. While distrusted it reports inactive to the
// arbiter and cannot be credited with holding the floor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/dualmic/internal/echo"
	"github.com/MrWong99/dualmic/internal/events"
	"github.com/MrWong99/dualmic/internal/floor"
	"github.com/MrWong99/dualmic/internal/observe"
	"github.com/MrWong99/dualmic/internal/segment"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
	"github.com/MrWong99/dualmic/pkg/types"
)

// Sink receives emitted speech segments. Deliver is called synchronously
// from the processing loop; slow sinks delay both channels.
// Errors are logged and counted; delivery is never retried.
type Sink interface {
	Deliver(ctx context.Context, seg types.SpeechSegment) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, seg types.SpeechSegment) error

// Deliver implements [Sink].
func (f SinkFunc) Deliver(ctx context.Context, seg types.SpeechSegment) error { return f(ctx, seg) }

// Namer is implemented by sinks that want a label in logs and metrics.
type Namer interface {
	Name() string
}

// Config bundles the configuration of every component in a session.
type Config struct {
	VAD     vad.Config
	Segment segment.Config
	Echo    echo.Config
	Floor   floor.Config

	// EchoSuppression reports the follower channel of a detected echo as
	// inactive to the arbiter until its VAD goes quiet, so cross-talk cannot
	// win the floor.
	EchoSuppression bool
}

// DefaultConfig returns the defaults of every component with echo
// suppression enabled.
func DefaultConfig() Config {
	return Config{
		VAD:             vad.DefaultConfig(),
		Segment:         segment.DefaultConfig(),
		Echo:            echo.DefaultConfig(),
		Floor:           floor.DefaultConfig(),
		EchoSuppression: true,
	}
}

type outcome string

const (
	outcomeEmitted  outcome = outcome(events.OutcomeEmitted)
	outcomeRejected outcome = outcome(events.OutcomeRejected)
	outcomeWithheld outcome = outcome(events.OutcomeWithheld)
)

// Option is a functional option for [New].
type Option func(*Session)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithBus publishes debug events on b.
func WithBus(b *events.Bus) Option {
	return func(s *Session) { s.bus = b }
}

// WithStats records latency and counters into st.
func WithStats(st *Stats) Option {
	return func(s *Session) { s.stats = st }
}

// channel is the state owned by one microphone's processing path.
type channel struct {
	role audio.Role

	mu  sync.Mutex
	win *audio.Windower
	vad vad.SessionHandle
	seg *segment.Segmenter
}

// view is the shared stage's record of one channel's newest window.
type view struct {
	seen      bool
	at        time.Duration
	vadActive bool
	voiced    bool // an open segment includes the window
	distrust  bool // carrying the other microphone's speech
	held      bool // held the floor while the open segment ran
}

// Session processes both channels of one consultation.
type Session struct {
	sink     Sink
	sinkName string
	metrics  *observe.Metrics
	bus      *events.Bus
	stats    *Stats

	echoSuppression bool

	channels [2]*channel

	// mu guards the cross-channel components.
	mu      sync.Mutex
	echo    *echo.Detector
	arbiter *floor.Arbiter
	views   [2]view
}

// New creates a Session. engine creates one VAD session per channel.
func New(engine vad.Engine, sink Sink, cfg Config, opts ...Option) (*Session, error) {
	if engine == nil {
		return nil, errors.New("pipeline: vad engine is required")
	}
	if sink == nil {
		return nil, errors.New("pipeline: sink is required")
	}
	det, err := echo.New(cfg.Echo)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	arb, err := floor.New(cfg.Floor)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	s := &Session{
		sink:            sink,
		sinkName:        "sink",
		echoSuppression: cfg.EchoSuppression,
		echo:            det,
		arbiter:         arb,
	}
	if n, ok := sink.(Namer); ok {
		s.sinkName = n.Name()
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	for _, role := range audio.Roles {
		vs, err := engine.NewSession(cfg.VAD)
		if err != nil {
			return nil, fmt.Errorf("pipeline: create %s vad session: %w", role, err)
		}
		seg, err := segment.New(role, cfg.Segment)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		s.channels[role.Index()] = &channel{
			role: role,
			win:  audio.NewWindower(audio.WindowSamples),
			vad:  vs,
			seg:  seg,
		}
	}
	return s, nil
}

// Run processes both streams until both are closed or ctx is cancelled.
// Frames are cut into windows and processed in timestamp order across both
// channels; a window is taken only once the other channel has one pending
// or its stream has closed, so a stalled stream stalls the session. When a
// stream closes, its open segment is flushed. On cancellation the remaining
// frames are drained so producers can exit, and ctx's error is returned.
func (s *Session) Run(ctx context.Context, streams audio.Streams) error {
	s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	var (
		ins     [2]<-chan audio.Frame
		pending [2][]audio.Frame
	)
	for _, role := range audio.Roles {
		ins[role.Index()] = streams.For(role)
	}

	for {
		for i, role := range audio.Roles {
			for ins[i] != nil && len(pending[i]) == 0 {
				select {
				case <-ctx.Done():
					for _, in := range ins {
						if in != nil {
							go audio.Drain(in)
						}
					}
					return ctx.Err()
				case f, ok := <-ins[i]:
					if !ok {
						ins[i] = nil
						s.FlushChannel(ctx, role)
						observe.ChannelLogger(ctx, string(role)).Debug("pipeline: stream ended")
						break
					}
					f.Role = role
					pending[i] = audio.Split(f, audio.WindowSamples)
				}
			}
		}

		next := -1
		for i := range pending {
			if len(pending[i]) > 0 && (next < 0 || pending[i][0].Timestamp < pending[next][0].Timestamp) {
				next = i
			}
		}
		if next < 0 {
			return nil
		}
		s.ProcessFrame(ctx, pending[next][0])
		pending[next] = pending[next][1:]
	}
}

// ProcessFrame feeds one frame into its channel. Frames must be 16 kHz mono;
// frames for an unknown role or without samples are ignored. Segments closed
// by the frame are delivered before ProcessFrame returns. Cross-talk is only
// detected between windows of the same instant, so callers feeding both
// channels directly should alternate them window by window, as [Session.Run]
// does.
func (s *Session) ProcessFrame(ctx context.Context, f audio.Frame) {
	if !f.Role.IsValid() || len(f.Samples) == 0 {
		return
	}
	ch := s.channels[f.Role.Index()]

	var ready []types.SpeechSegment
	ch.mu.Lock()
	ch.win.Push(f, func(w []float32, ts time.Duration) {
		if seg, ok := s.processWindow(ctx, ch, w, ts); ok {
			ready = append(ready, seg)
		}
	})
	ch.mu.Unlock()

	for _, seg := range ready {
		s.deliver(ctx, seg)
	}
}

// processWindow runs one window through the channel's components and the
// shared ones. It returns a segment that should be delivered. ch.mu is held.
func (s *Session) processWindow(ctx context.Context, ch *channel, w []float32, ts time.Duration) (types.SpeechSegment, bool) {
	start := time.Now()
	role := ch.role
	log := observe.ChannelLogger(ctx, string(role))

	d, ok := ch.vad.ProcessWindow(w, ts)
	if !ok {
		return types.SpeechSegment{}, false
	}
	s.publish(events.Event{Kind: events.KindVAD, Role: role, At: ts, VAD: d})

	wasCalibrating := ch.seg.State() == segment.StateCalibrating
	closure, closed := ch.seg.Process(w, d)
	if wasCalibrating {
		if cal, ok := ch.seg.Calibration(); ok {
			log.Info("pipeline: calibration complete",
				"baseline", cal.Baseline,
				"stddev", cal.StdDev,
				"on", cal.OnThreshold,
				"off", cal.OffThreshold,
			)
			s.publish(events.Event{Kind: events.KindCalibration, Role: role, At: ts, Calibration: cal})
		}
	}

	s.mu.Lock()
	me, peer := &s.views[role.Index()], &s.views[role.Other().Index()]
	me.seen, me.at, me.vadActive = true, ts, d.Active
	me.voiced = closed || ch.seg.State() == segment.StateVoiced
	s.echo.Push(role, w)

	// The echo rings hold the same instant only when the other channel's
	// newest window is this one's counterpart.
	paired := peer.seen && (ts-peer.at).Abs() < audio.WindowDuration/2
	var er echo.Result
	if paired {
		er = s.echo.Evaluate()
		s.trackEcho(er)
		if s.echoSuppression && peer.distrust {
			s.arbiter.Suppress(role.Other())
		}
	}
	active := d.Active && !(s.echoSuppression && me.distrust)
	tr, changed := s.arbiter.Update(role, active, d.RMS, ts)
	switch {
	case paired:
		s.markHeld(role, role.Other())
	case !peer.seen || ts-peer.at > s.arbiter.Config().Skew:
		s.markHeld(role)
	}
	s.mu.Unlock()

	if er.Ready && er.IsEcho {
		s.metrics.RecordEcho(ctx, string(er.Dominant))
		if s.stats != nil {
			s.stats.incrEcho()
		}
		s.publish(events.Event{Kind: events.KindEcho, Role: er.Dominant, At: ts, Echo: er})
	}
	if changed {
		log.Info("pipeline: floor changed",
			"from", string(tr.From),
			"to", string(tr.To),
			"reason", string(tr.Reason),
			"at", tr.At,
		)
		s.metrics.RecordFloorChange(ctx, string(tr.To), string(tr.Reason))
		if s.stats != nil {
			s.stats.incrFloorChanges()
		}
		s.publish(events.Event{Kind: events.KindFloor, Role: tr.To, At: ts, Floor: tr})
	}

	var (
		seg     types.SpeechSegment
		deliver bool
	)
	if closed {
		seg, deliver = s.settle(ctx, ch, closure)
	}

	elapsed := time.Since(start)
	s.metrics.RecordWindow(ctx, string(role), elapsed.Seconds())
	if s.stats != nil {
		s.stats.recordWindow(role, elapsed)
	}
	return seg, deliver
}

// trackEcho updates which channels are distrusted. The follower of a
// detected echo is distrusted and the dominant channel cleared; without an
// echo a channel is cleared once its VAD is inactive, so the follower's VAD
// hangover stays suppressed. s.mu is held.
func (s *Session) trackEcho(er echo.Result) {
	if !er.Ready {
		return
	}
	if er.IsEcho {
		s.views[er.Dominant.Index()].distrust = false
		s.views[er.Follower().Index()].distrust = true
		return
	}
	for i := range s.views {
		if !s.views[i].vadActive {
			s.views[i].distrust = false
		}
	}
}

// markHeld credits each role's open segment with the floor if the role
// holds it and is not distrusted. s.mu is held.
func (s *Session) markHeld(roles ...audio.Role) {
	for _, r := range roles {
		v := &s.views[r.Index()]
		if v.voiced && s.arbiter.CanSend(r) && !(s.echoSuppression && v.distrust) {
			v.held = true
		}
	}
}

// settle classifies a closure and reports whether the segment should be
// delivered. ch.mu is held.
func (s *Session) settle(ctx context.Context, ch *channel, c segment.Closure) (types.SpeechSegment, bool) {
	s.mu.Lock()
	v := &s.views[ch.role.Index()]
	held := v.held
	v.held, v.voiced = false, false
	s.mu.Unlock()

	o := outcomeEmitted
	switch {
	case !c.Emitted():
		o = outcomeRejected
	case !held:
		o = outcomeWithheld
	}

	seg := c.Segment
	log := observe.ChannelLogger(ctx, string(ch.role))
	switch o {
	case outcomeRejected:
		log.Debug("pipeline: segment rejected",
			"reason", c.Reject.String(),
			"duration", seg.Duration,
			"speech_ratio", seg.SpeechRatio,
		)
	case outcomeWithheld:
		log.Debug("pipeline: segment withheld, channel never held the floor",
			"duration", seg.Duration,
			"start", seg.Start,
		)
	default:
		log.Info("pipeline: segment emitted",
			"duration", seg.Duration,
			"speech_ratio", seg.SpeechRatio,
			"start", seg.Start,
			"samples", len(seg.Samples),
		)
	}

	s.metrics.RecordSegment(ctx, string(ch.role), string(o), c.Reject.String(), seg.Duration.Seconds())
	if s.stats != nil {
		s.stats.recordOutcome(ch.role, o)
	}
	s.publish(events.Event{
		Kind: events.KindSegment,
		Role: ch.role,
		At:   seg.End,
		Segment: events.SegmentInfo{
			Outcome:     events.Outcome(o),
			Reject:      c.Reject,
			Start:       seg.Start,
			End:         seg.End,
			Duration:    seg.Duration,
			SpeechRatio: seg.SpeechRatio,
			Samples:     len(seg.Samples),
		},
	})
	return seg, o == outcomeEmitted
}

func (s *Session) deliver(ctx context.Context, seg types.SpeechSegment) {
	ctx, span := observe.StartDeliverySpan(ctx, string(seg.Role), s.sinkName, seg.Start, seg.Duration)
	err := s.sink.Deliver(ctx, seg)
	observe.EndSpan(span, err)
	if err != nil {
		observe.ChannelLogger(ctx, string(seg.Role)).Warn("pipeline: segment delivery failed",
			"sink", s.sinkName,
			"start", seg.Start,
			"err", err,
		)
		s.metrics.RecordSinkError(ctx, s.sinkName)
		if s.stats != nil {
			s.stats.incrSinkErrors()
		}
	}
}

func (s *Session) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// FlushChannel closes role's open segment, if any, and delivers it when it
// passes the gates and the channel held the floor (now or while it ran). A
// distrusted channel is not credited with the floor it holds now.
func (s *Session) FlushChannel(ctx context.Context, role audio.Role) {
	if !role.IsValid() {
		return
	}
	ch := s.channels[role.Index()]

	ch.mu.Lock()
	c, ok := ch.seg.Flush()
	var (
		seg     types.SpeechSegment
		deliver bool
	)
	if ok {
		s.mu.Lock()
		s.views[role.Index()].voiced = true
		s.markHeld(role)
		s.mu.Unlock()
		seg, deliver = s.settle(ctx, ch, c)
	}
	ch.mu.Unlock()

	if deliver {
		s.deliver(ctx, seg)
	}
}

// Flush flushes both channels.
func (s *Session) Flush(ctx context.Context) {
	for _, role := range audio.Roles {
		s.FlushChannel(ctx, role)
	}
}

// Reset returns every component to its initial state: both channels
// recalibrate, open segments are dropped without delivery, and the floor is
// released. Safe to call concurrently with [Session.Run].
func (s *Session) Reset() {
	for _, ch := range s.channels {
		ch.mu.Lock()
		ch.win.Reset()
		ch.vad.Reset()
		ch.seg.Reset()
		ch.mu.Unlock()
	}
	s.mu.Lock()
	s.echo.Reset()
	s.arbiter.Reset()
	s.views = [2]view{}
	s.mu.Unlock()
}

// CanSend reports whether role currently holds the floor.
func (s *Session) CanSend(role audio.Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arbiter.CanSend(role)
}

// Holder returns the current floor holder.
func (s *Session) Holder() (audio.Role, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arbiter.Holder()
}

// Calibration returns role's calibration. ok is false while calibrating.
func (s *Session) Calibration(role audio.Role) (segment.Calibration, bool) {
	if !role.IsValid() {
		return segment.Calibration{}, false
	}
	ch := s.channels[role.Index()]
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.seg.Calibration()
}

// Calibrated reports whether both channels have finished calibrating.
func (s *Session) Calibrated() bool {
	for _, role := range audio.Roles {
		if _, ok := s.Calibration(role); !ok {
			return false
		}
	}
	return true
}

// Retune swaps the floor and echo tuning without interrupting processing.
// The floor keeps its holder. A changed echo configuration starts a fresh
// detector.
func (s *Session) Retune(ctx context.Context, fc floor.Config, ec echo.Config) error {
	if err := fc.Validate(); err != nil {
		return fmt.Errorf("pipeline: retune: %w", err)
	}
	var det *echo.Detector
	s.mu.Lock()
	defer s.mu.Unlock()
	if ec != s.echo.Config() {
		var err error
		if det, err = echo.New(ec); err != nil {
			return fmt.Errorf("pipeline: retune: %w", err)
		}
	}
	if err := s.arbiter.SetConfig(fc); err != nil {
		return fmt.Errorf("pipeline: retune: %w", err)
	}
	if det != nil {
		s.echo = det
	}
	observe.Logger(ctx).Info("pipeline: retuned", "hold", fc.Hold, "switch_factor", fc.SwitchFactor, "echo_threshold", ec.Threshold)
	return nil
}
