package sink_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/dualmic/internal/pipeline"
	"github.com/MrWong99/dualmic/internal/resilience"
	"github.com/MrWong99/dualmic/internal/sink"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/types"
)

func TestGuarded_SkipsWhileOpen(t *testing.T) {
	t.Parallel()

	errFull := errors.New("no space left on device")
	calls := 0
	failing := pipeline.SinkFunc(func(context.Context, types.SpeechSegment) error {
		calls++
		return errFull
	})
	g := sink.Guard(failing, resilience.New(resilience.Config{Name: "wavdir", MaxFailures: 2, Cooldown: time.Hour}))
	ctx := context.Background()
	seg := segment(audio.RoleDoctor, 0)

	for range 2 {
		if err := g.Deliver(ctx, seg); !errors.Is(err, errFull) {
			t.Fatalf("Deliver = %v, want %v", err, errFull)
		}
	}
	err := g.Deliver(ctx, seg)
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("Deliver while open = %v, want ErrOpen", err)
	}
	if calls != 2 {
		t.Errorf("wrapped sink called %d times, want 2", calls)
	}
}

func TestGuarded_NameAndClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := sink.NewWAVDir(dir)
	if err != nil {
		t.Fatalf("NewWAVDir: %v", err)
	}
	g := sink.Guard(w, resilience.New(resilience.Config{}))
	if g.Name() != "wavdir" {
		t.Errorf("Name = %q, want wavdir", g.Name())
	}
	if err := g.Deliver(context.Background(), segment(audio.RolePatient, time.Second)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
