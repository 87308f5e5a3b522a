package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/dualmic/pkg/audio"
)

type emitted struct {
	first float32
	n     int
	ts    time.Duration
}

func collectWindows(w *audio.Windower, frames ...audio.Frame) []emitted {
	var out []emitted
	for _, f := range frames {
		w.Push(f, func(win []float32, ts time.Duration) {
			out = append(out, emitted{first: win[0], n: len(win), ts: ts})
		})
	}
	return out
}

func ramp(start, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(start + i)
	}
	return s
}

func TestWindower_SplitsAndCarries(t *testing.T) {
	t.Parallel()

	w := audio.NewWindower(0)
	got := collectWindows(w,
		audio.Frame{Samples: ramp(0, 500), Timestamp: 0},
		audio.Frame{Samples: ramp(500, 500), Timestamp: 500 * time.Second / audio.SampleRate},
	)

	if len(got) != 3 {
		t.Fatalf("windows = %d, want 3", len(got))
	}
	for i, e := range got {
		if e.n != audio.WindowSamples {
			t.Errorf("window %d size = %d", i, e.n)
		}
		if want := float32(i * audio.WindowSamples); e.first != want {
			t.Errorf("window %d first sample = %v, want %v", i, e.first, want)
		}
		if want := time.Duration(i) * audio.WindowDuration; e.ts != want {
			t.Errorf("window %d ts = %v, want %v", i, e.ts, want)
		}
	}
	if w.Pending() != 1000-3*audio.WindowSamples {
		t.Errorf("Pending = %d", w.Pending())
	}
}

func TestWindower_EmptyFrameIgnored(t *testing.T) {
	t.Parallel()

	w := audio.NewWindower(4)
	if got := collectWindows(w, audio.Frame{}, audio.Frame{Samples: nil, Timestamp: time.Second}); len(got) != 0 {
		t.Errorf("expected no windows, got %d", len(got))
	}
	if w.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", w.Pending())
	}
}

func TestWindower_ResetDropsPartial(t *testing.T) {
	t.Parallel()

	w := audio.NewWindower(4)
	collectWindows(w, audio.Frame{Samples: ramp(0, 3)})
	w.Reset()
	got := collectWindows(w, audio.Frame{Samples: ramp(10, 4), Timestamp: time.Second})
	if len(got) != 1 || got[0].first != 10 || got[0].ts != time.Second {
		t.Errorf("after Reset got %+v", got)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	f := audio.Frame{Samples: ramp(0, 700), SampleRate: audio.SampleRate, Role: audio.RolePatient, Timestamp: time.Second}
	parts := audio.Split(f, 0)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	wantLen := []int{320, 320, 60}
	for i, p := range parts {
		if len(p.Samples) != wantLen[i] {
			t.Errorf("part %d len = %d, want %d", i, len(p.Samples), wantLen[i])
		}
		if want := time.Second + time.Duration(i)*audio.WindowDuration; p.Timestamp != want {
			t.Errorf("part %d ts = %v, want %v", i, p.Timestamp, want)
		}
		if p.Samples[0] != float32(i*audio.WindowSamples) || p.Role != audio.RolePatient {
			t.Errorf("part %d = first %v role %q", i, p.Samples[0], p.Role)
		}
	}
	if got := audio.Split(audio.Frame{}, 0); len(got) != 0 {
		t.Errorf("empty frame split into %d parts", len(got))
	}
}
