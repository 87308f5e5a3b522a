package sink

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/dualmic/internal/pipeline"
	"github.com/MrWong99/dualmic/internal/resilience"
	"github.com/MrWong99/dualmic/pkg/types"
)

var _ pipeline.Sink = (*Guarded)(nil)

// Guarded skips a sink while its circuit breaker is open, so a sink that
// keeps failing (full disk, closed pipe) costs the channel goroutine nothing.
// Skipped segments are reported as errors wrapping [resilience.ErrOpen].
type Guarded struct {
	sink    pipeline.Sink
	breaker *resilience.Breaker
}

// Guard wraps s with b.
func Guard(s pipeline.Sink, b *resilience.Breaker) *Guarded {
	return &Guarded{sink: s, breaker: b}
}

// Name implements [pipeline.Namer] with the wrapped sink's name.
func (g *Guarded) Name() string { return nameOf(g.sink) }

// Deliver implements [pipeline.Sink].
func (g *Guarded) Deliver(ctx context.Context, seg types.SpeechSegment) error {
	err := g.breaker.Do(func() error { return g.sink.Deliver(ctx, seg) })
	if errors.Is(err, resilience.ErrOpen) {
		return fmt.Errorf("sink: %s skipped: %w", g.Name(), err)
	}
	return err
}

// Close closes the wrapped sink if it implements [io.Closer].
func (g *Guarded) Close() error {
	if c, ok := g.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
