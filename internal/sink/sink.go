// Package sink provides local destinations for emitted speech segments.
//
// Every sink is safe for concurrent use: the session delivers from one
// goroutine per microphone. Sinks that own files implement [io.Closer].
package sink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/dualmic/internal/pipeline"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/types"
)

// Compile-time interface assertions.
var (
	_ pipeline.Sink  = (*JSONLines)(nil)
	_ pipeline.Namer = (*JSONLines)(nil)
	_ pipeline.Sink  = (*WAVDir)(nil)
	_ pipeline.Sink  = Multi(nil)
	_ pipeline.Sink  = Discard{}
)

// record is the JSON-lines representation of a segment.
type record struct {
	Role        audio.Role `json:"role"`
	StartMs     int64      `json:"start_ms"`
	EndMs       int64      `json:"end_ms"`
	DurationMs  int64      `json:"duration_ms"`
	SpeechRatio float64    `json:"speech_ratio"`
	SampleRate  int        `json:"sample_rate"`
	Samples     int        `json:"samples"`
	Audio       string     `json:"audio,omitempty"`
	File        string     `json:"file,omitempty"`
}

// JSONLines writes one JSON object per segment to an [io.Writer].
type JSONLines struct {
	mu        sync.Mutex
	enc       *json.Encoder
	closer    io.Closer
	withAudio bool
}

// JSONOption configures a [JSONLines] sink.
type JSONOption func(*JSONLines)

// WithAudio includes the PCM16 little-endian samples, base64-encoded, in
// each record.
func WithAudio() JSONOption {
	return func(j *JSONLines) { j.withAudio = true }
}

// NewJSONLines writes to w. w is not closed by [JSONLines.Close].
func NewJSONLines(w io.Writer, opts ...JSONOption) *JSONLines {
	j := &JSONLines{enc: json.NewEncoder(w)}
	for _, o := range opts {
		o(j)
	}
	return j
}

// OpenJSONLines appends to the file at path, creating it if needed. The path
// "-" writes to standard output.
func OpenJSONLines(path string, opts ...JSONOption) (*JSONLines, error) {
	if path == "" || path == "-" {
		return NewJSONLines(os.Stdout, opts...), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open jsonl %q: %w", path, err)
	}
	j := NewJSONLines(f, opts...)
	j.closer = f
	return j, nil
}

// Name implements [pipeline.Namer].
func (j *JSONLines) Name() string { return "jsonl" }

// Deliver implements [pipeline.Sink].
func (j *JSONLines) Deliver(_ context.Context, seg types.SpeechSegment) error {
	rec := newRecord(seg)
	if j.withAudio {
		rec.Audio = base64.StdEncoding.EncodeToString(audio.EncodePCM16(seg.Samples))
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("sink: jsonl: %w", err)
	}
	return nil
}

// Close closes the file opened by [OpenJSONLines].
func (j *JSONLines) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}

func newRecord(seg types.SpeechSegment) record {
	return record{
		Role:        seg.Role,
		StartMs:     seg.Start.Milliseconds(),
		EndMs:       seg.End.Milliseconds(),
		DurationMs:  seg.DurationMs(),
		SpeechRatio: seg.SpeechRatio,
		SampleRate:  seg.SampleRate,
		Samples:     len(seg.Samples),
	}
}

// WAVDir writes every segment as its own mono WAV file and appends an index
// line (JSON, with the file name) to index.jsonl in the same directory.
// Files are named <seq>_<role>_<start ms>.wav.
type WAVDir struct {
	dir   string
	seq   atomic.Int64
	index *JSONLines
}

// NewWAVDir creates dir if needed.
func NewWAVDir(dir string) (*WAVDir, error) {
	if dir == "" {
		return nil, errors.New("sink: wavdir: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: wavdir: %w", err)
	}
	index, err := OpenJSONLines(filepath.Join(dir, "index.jsonl"))
	if err != nil {
		return nil, err
	}
	return &WAVDir{dir: dir, index: index}, nil
}

// Name implements [pipeline.Namer].
func (w *WAVDir) Name() string { return "wavdir" }

// Deliver implements [pipeline.Sink].
func (w *WAVDir) Deliver(_ context.Context, seg types.SpeechSegment) error {
	name := fmt.Sprintf("%06d_%s_%d.wav", w.seq.Add(1), seg.Role, seg.Start.Milliseconds())
	path := filepath.Join(w.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sink: wavdir: %w", err)
	}
	if err := audio.EncodeWAV(f, seg.Samples, seg.SampleRate); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("sink: wavdir: encode %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sink: wavdir: close %s: %w", name, err)
	}

	rec := newRecord(seg)
	rec.File = name
	w.index.mu.Lock()
	defer w.index.mu.Unlock()
	if err := w.index.enc.Encode(rec); err != nil {
		return fmt.Errorf("sink: wavdir: index: %w", err)
	}
	return nil
}

// Close closes the index file.
func (w *WAVDir) Close() error { return w.index.Close() }

// Multi delivers each segment to every sink in order. All sinks are tried;
// their errors are joined.
type Multi []pipeline.Sink

// Name implements [pipeline.Namer] as the '+'-joined names of the members.
func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, s := range m {
		names[i] = nameOf(s)
	}
	return strings.Join(names, "+")
}

// Deliver implements [pipeline.Sink].
func (m Multi) Deliver(ctx context.Context, seg types.SpeechSegment) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, seg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every member that implements [io.Closer].
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Discard drops every segment.
type Discard struct{}

// Name implements [pipeline.Namer].
func (Discard) Name() string { return "discard" }

// Deliver implements [pipeline.Sink].
func (Discard) Deliver(context.Context, types.SpeechSegment) error { return nil }

func nameOf(s pipeline.Sink) string {
	if n, ok := s.(pipeline.Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
