package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/dualmic/internal/events"
	"github.com/MrWong99/dualmic/internal/floor"
	"github.com/MrWong99/dualmic/internal/observe"
	"github.com/MrWong99/dualmic/internal/pipeline"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad/energy"
	"github.com/MrWong99/dualmic/pkg/types"
)

// collector is a Sink that records delivered segments.
type collector struct {
	mu   sync.Mutex
	segs []types.SpeechSegment
	err  error
}

func (c *collector) Deliver(_ context.Context, seg types.SpeechSegment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segs = append(c.segs, seg)
	return c.err
}

func (c *collector) Name() string { return "collector" }

func (c *collector) all() []types.SpeechSegment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.SpeechSegment(nil), c.segs...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// harness feeds both channels window by window on a shared clock.
type harness struct {
	t      *testing.T
	s      *pipeline.Session
	sink   *collector
	stats  *pipeline.Stats
	now    time.Duration
	sample int
}

func newHarness(t *testing.T, opts ...pipeline.Option) *harness {
	t.Helper()
	sink := &collector{}
	stats := pipeline.NewStats(0)
	opts = append([]pipeline.Option{pipeline.WithMetrics(testMetrics(t)), pipeline.WithStats(stats)}, opts...)
	s, err := pipeline.New(energy.New(), sink, pipeline.DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{t: t, s: s, sink: sink, stats: stats}
}

// tone returns one window of a sine at freq Hz continuing from the harness
// sample clock. 250 Hz fits exactly five periods into a window.
func (h *harness) tone(amp, freq float64) []float32 {
	w := make([]float32, audio.WindowSamples)
	for i := range w {
		w[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(h.sample+i)/audio.SampleRate))
	}
	return w
}

// step feeds n windows. doc and pat produce each channel's window.
func (h *harness) step(n int, doc, pat func() []float32) {
	h.t.Helper()
	h.stepPair(n, func() ([]float32, []float32) { return doc(), pat() })
}

// stepPair feeds n windows, doctor first. gen produces both windows of an
// instant.
func (h *harness) stepPair(n int, gen func() (doc, pat []float32)) {
	h.t.Helper()
	ctx := context.Background()
	for range n {
		dw, pw := gen()
		h.s.ProcessFrame(ctx, audio.Frame{Samples: dw, SampleRate: audio.SampleRate, Role: audio.RoleDoctor, Timestamp: h.now})
		h.s.ProcessFrame(ctx, audio.Frame{Samples: pw, SampleRate: audio.SampleRate, Role: audio.RolePatient, Timestamp: h.now})
		h.now += audio.WindowDuration
		h.sample += audio.WindowSamples
	}
}

func silence() []float32 { return make([]float32, audio.WindowSamples) }

// noise returns a source of seeded white noise windows; no two windows
// repeat.
func noise(seed uint64, amp float64) func() []float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func() []float32 {
		w := make([]float32, audio.WindowSamples)
		for i := range w {
			w[i] = float32(amp * (2*rng.Float64() - 1))
		}
		return w
	}
}

// crossTalk yields a talker's window from src together with the copy the
// other microphone picks up at gain.
func crossTalk(src func() []float32, gain float64) func() (talker, leak []float32) {
	return func() ([]float32, []float32) {
		w := src()
		l := make([]float32, len(w))
		for i, v := range w {
			l[i] = float32(gain) * v
		}
		return w, l
	}
}

// patientTalks swaps a crossTalk pair into doctor, patient order for a
// patient talker.
func patientTalks(gen func() ([]float32, []float32)) func() ([]float32, []float32) {
	return func() ([]float32, []float32) {
		talker, leak := gen()
		return leak, talker
	}
}

func quiet() ([]float32, []float32) { return silence(), silence() }

func (h *harness) calibrate() {
	h.t.Helper()
	h.step(60, silence, silence)
	if !h.s.Calibrated() {
		h.t.Fatal("session not calibrated after 1200 ms")
	}
}

func TestSession_SingleSpeakerEmitted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.calibrate()
	speech := func() []float32 { return h.tone(0.1, 250) }
	h.step(50, speech, silence)
	h.step(25, silence, silence)

	got := h.sink.all()
	if len(got) != 1 {
		t.Fatalf("delivered %d segments, want 1", len(got))
	}
	if got[0].Role != audio.RoleDoctor {
		t.Errorf("Role = %q, want doctor", got[0].Role)
	}
	if got[0].Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", got[0].Duration)
	}
	if holder, _ := h.s.Holder(); holder != audio.RoleDoctor {
		t.Errorf("holder = %q, want doctor", holder)
	}
	snap := h.stats.Snapshot()
	if snap.Doctor.Emitted != 1 || snap.Doctor.Windows != 135 {
		t.Errorf("doctor stats = %+v", snap.Doctor)
	}
}

// conversationScript is a calibrated exchange with cross-talk: the doctor
// speaks with a copy on the patient microphone, then the patient answers
// with a copy on the doctor microphone. It returns both channels' windows.
func conversationScript(gain float64) (doc, pat [][]float32) {
	doctorSpeaks := crossTalk(noise(1, 0.15), gain)
	patientSpeaks := patientTalks(crossTalk(noise(2, 0.15), gain))
	parts := []struct {
		n   int
		gen func() ([]float32, []float32)
	}{
		{60, quiet},
		{50, doctorSpeaks},
		{40, quiet},
		{50, patientSpeaks},
		{26, quiet},
	}
	for _, p := range parts {
		for range p.n {
			dw, pw := p.gen()
			doc = append(doc, dw)
			pat = append(pat, pw)
		}
	}
	return doc, pat
}

// frames cuts a channel's windows into frames of per windows each.
func frames(windows [][]float32, per int) []audio.Frame {
	var out []audio.Frame
	for i := 0; i < len(windows); i += per {
		var samples []float32
		for _, w := range windows[i:min(i+per, len(windows))] {
			samples = append(samples, w...)
		}
		out = append(out, audio.Frame{
			Samples:    samples,
			SampleRate: audio.SampleRate,
			Timestamp:  time.Duration(i) * audio.WindowDuration,
		})
	}
	return out
}

// feed returns a closed, pre-filled stream of fs.
func feed(fs []audio.Frame) chan audio.Frame {
	ch := make(chan audio.Frame, len(fs))
	for _, f := range fs {
		ch <- f
	}
	close(ch)
	return ch
}

func TestSession_CrossTalkIsWithheld(t *testing.T) {
	t.Parallel()

	tests := []struct {
		gain float64
		run  bool
	}{
		{gain: 0.3},
		{gain: 0.7},
		{gain: 0.3, run: true},
		{gain: 0.7, run: true},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("gain %.1f lockstep", tt.gain)
		if tt.run {
			name = fmt.Sprintf("gain %.1f run", tt.gain)
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			bus := events.NewBus()
			ch, cancel := bus.Subscribe(8192, events.KindEcho)
			defer cancel()

			h := newHarness(t, pipeline.WithBus(bus))
			doc, pat := conversationScript(tt.gain)
			if tt.run {
				streams := audio.Streams{Doctor: feed(frames(doc, 2)), Patient: feed(frames(pat, 3))}
				if err := h.s.Run(context.Background(), streams); err != nil {
					t.Fatalf("Run: %v", err)
				}
			} else {
				i := 0
				h.stepPair(len(doc), func() ([]float32, []float32) {
					defer func() { i++ }()
					return doc[i], pat[i]
				})
			}

			got := h.sink.all()
			if len(got) != 2 || got[0].Role != audio.RoleDoctor || got[1].Role != audio.RolePatient {
				roles := make([]audio.Role, len(got))
				for i, seg := range got {
					roles[i] = seg.Role
				}
				t.Fatalf("delivered roles %v, want [doctor patient]", roles)
			}
			if got[0].Start > 1220*time.Millisecond || got[1].Start < 3*time.Second {
				t.Errorf("segments start at %v and %v", got[0].Start, got[1].Start)
			}

			snap := h.stats.Snapshot()
			if snap.Doctor.Withheld != 1 || snap.Patient.Withheld != 1 {
				t.Errorf("withheld doctor=%d patient=%d, want 1 each", snap.Doctor.Withheld, snap.Patient.Withheld)
			}
			if snap.EchoWindows == 0 {
				t.Error("no echo windows recorded")
			}
			if holder, _ := h.s.Holder(); holder != audio.RolePatient {
				t.Errorf("holder = %q, want patient", holder)
			}

			cancel()
			dominant := map[audio.Role]bool{}
			for e := range ch {
				dominant[e.Echo.Dominant] = true
			}
			if !dominant[audio.RoleDoctor] || !dominant[audio.RolePatient] {
				t.Errorf("echo events dominant = %v, want both channels", dominant)
			}
		})
	}
}

func TestSession_CrossTalkWhilePatientHoldsFloor(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.calibrate()
	h.step(30, silence, noise(3, 0.15))
	if holder, _ := h.s.Holder(); holder != audio.RolePatient {
		t.Fatalf("holder = %q, want patient", holder)
	}
	h.step(30, silence, silence)
	h.stepPair(50, crossTalk(noise(4, 0.15), 0.7))
	h.step(25, silence, silence)

	got := h.sink.all()
	if len(got) != 2 || got[0].Role != audio.RolePatient || got[1].Role != audio.RoleDoctor {
		t.Fatalf("delivered %d segments %+v, want patient then doctor", len(got), got)
	}
	if holder, _ := h.s.Holder(); holder != audio.RoleDoctor {
		t.Errorf("holder = %q, want doctor", holder)
	}
	if w := h.stats.Snapshot().Patient.Withheld; w != 1 {
		t.Errorf("patient withheld = %d, want 1", w)
	}
}

func TestSession_EchoSuppressionDisabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		suppress   bool
		wantReason floor.Reason
	}{
		{suppress: true, wantReason: floor.ReasonInitial},
		// Both channels look active at levels within the switch factor.
		{suppress: false, wantReason: floor.ReasonTieFallback},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("suppression %v", tt.suppress), func(t *testing.T) {
			t.Parallel()

			bus := events.NewBus()
			ch, cancel := bus.Subscribe(64, events.KindFloor)
			defer cancel()

			sink := &collector{}
			cfg := pipeline.DefaultConfig()
			cfg.EchoSuppression = tt.suppress
			s, err := pipeline.New(energy.New(), sink, cfg, pipeline.WithMetrics(testMetrics(t)), pipeline.WithBus(bus))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			h := &harness{t: t, s: s, sink: sink}
			h.calibrate()
			h.stepPair(50, crossTalk(noise(5, 0.15), 0.7))

			cancel()
			var first *floor.Transition
			for e := range ch {
				if first == nil {
					tr := e.Floor
					first = &tr
				}
			}
			if first == nil {
				t.Fatal("floor never assigned")
			}
			if first.To != audio.RoleDoctor || first.Reason != tt.wantReason {
				t.Errorf("first transition = %+v, want %s to doctor", *first, tt.wantReason)
			}
		})
	}
}

func TestSession_TurnTaking(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.calibrate()
	doc := func() []float32 { return h.tone(0.1, 250) }
	pat := func() []float32 { return h.tone(0.08, 400) }

	h.step(50, doc, silence)
	h.step(40, silence, silence) // 800 ms gap; doctor's hold has long elapsed
	h.step(50, silence, pat)
	h.step(25, silence, silence)

	got := h.sink.all()
	if len(got) != 2 {
		t.Fatalf("delivered %d segments, want 2", len(got))
	}
	if got[0].Role != audio.RoleDoctor || got[1].Role != audio.RolePatient {
		t.Errorf("roles = %q, %q; want doctor then patient", got[0].Role, got[1].Role)
	}
	if holder, _ := h.s.Holder(); holder != audio.RolePatient {
		t.Errorf("holder = %q, want patient", holder)
	}
}

func TestSession_SinkErrorIsCountedNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sink.err = errors.New("downstream unavailable")
	h.calibrate()
	speech := func() []float32 { return h.tone(0.1, 250) }
	h.step(50, speech, silence)
	h.step(25, silence, silence)

	if n := len(h.sink.all()); n != 1 {
		t.Fatalf("Deliver called %d times, want 1", n)
	}
	if e := h.stats.Snapshot().SinkErrors; e != 1 {
		t.Errorf("SinkErrors = %d, want 1", e)
	}
}

func TestSession_ResetDropsOpenSegment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.calibrate()
	speech := func() []float32 { return h.tone(0.1, 250) }
	h.step(30, speech, silence)
	h.s.Reset()

	if h.s.Calibrated() {
		t.Error("Reset should restart calibration")
	}
	if _, ok := h.s.Holder(); ok {
		t.Error("Reset should release the floor")
	}
	h.step(100, silence, silence)
	h.s.Flush(context.Background())
	if n := len(h.sink.all()); n != 0 {
		t.Fatalf("delivered %d segments after Reset, want 0", n)
	}
}

func TestSession_FlushDeliversOpenSegment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.calibrate()
	speech := func() []float32 { return h.tone(0.1, 250) }
	h.step(30, speech, silence)
	h.s.Flush(context.Background())

	got := h.sink.all()
	if len(got) != 1 || got[0].Duration != 600*time.Millisecond {
		t.Fatalf("delivered %+v, want one 600ms segment", got)
	}
}

func TestSession_Run(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	doctor := make(chan audio.Frame, 256)
	patient := make(chan audio.Frame, 256)

	// 1200 ms calibration, then 800 ms of speech, delivered as 40 ms frames.
	// The patient stream ends after calibration; its silence then counts as
	// inactive once it exceeds the arbiter skew.
	for i := range 50 {
		ts := time.Duration(i) * 40 * time.Millisecond
		df := make([]float32, 640)
		if i >= 30 {
			for j := range df {
				df[j] = float32(0.1 * math.Sin(2*math.Pi*250*float64(i*640+j)/audio.SampleRate))
			}
		}
		doctor <- audio.Frame{Samples: df, SampleRate: audio.SampleRate, Timestamp: ts}
		if i < 30 {
			patient <- audio.Frame{Samples: make([]float32, 640), SampleRate: audio.SampleRate, Timestamp: ts}
		}
	}
	close(doctor)
	close(patient)

	if err := h.s.Run(context.Background(), audio.Streams{Doctor: doctor, Patient: patient}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := h.sink.all()
	if len(got) != 1 {
		t.Fatalf("delivered %d segments, want 1 (flushed at stream end)", len(got))
	}
	if got[0].Role != audio.RoleDoctor || got[0].Duration != 800*time.Millisecond {
		t.Errorf("segment = %s %v, want doctor 800ms", got[0].Role, got[0].Duration)
	}
}

func TestSession_RunCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	doctor := make(chan audio.Frame)
	patient := make(chan audio.Frame)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx, audio.Streams{Doctor: doctor, Patient: patient}) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// The producer must not block once Run has returned.
	select {
	case doctor <- audio.Frame{}:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked after cancellation")
	}
	close(doctor)
	close(patient)
}

func TestSession_Retune(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.calibrate()
	speech := func() []float32 { return h.tone(0.1, 250) }
	h.step(10, speech, silence)

	cfg := pipeline.DefaultConfig()
	bad := cfg.Floor
	bad.SwitchFactor = 0
	if err := h.s.Retune(context.Background(), bad, cfg.Echo); err == nil {
		t.Error("expected error for invalid floor config")
	}

	fc := floor.DefaultConfig()
	fc.Hold = 2 * time.Second
	ec := cfg.Echo
	ec.Threshold = 0.9
	if err := h.s.Retune(context.Background(), fc, ec); err != nil {
		t.Fatalf("Retune: %v", err)
	}
	if holder, _ := h.s.Holder(); holder != audio.RoleDoctor {
		t.Errorf("holder after Retune = %q, want doctor", holder)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	sink := pipeline.SinkFunc(func(context.Context, types.SpeechSegment) error { return nil })
	if _, err := pipeline.New(nil, sink, pipeline.DefaultConfig()); err == nil {
		t.Error("expected error for nil engine")
	}
	if _, err := pipeline.New(energy.New(), nil, pipeline.DefaultConfig()); err == nil {
		t.Error("expected error for nil sink")
	}
	cfg := pipeline.DefaultConfig()
	cfg.VAD.OnThreshold = 0
	if _, err := pipeline.New(energy.New(), sink, cfg); err == nil {
		t.Error("expected error for invalid vad config")
	}
}
