package audio

import "time"

// Windower re-slices a channel's frames into fixed-size analysis windows.
// Capture layers deliver blocks of arbitrary length; VAD and segmentation need
// exact [WindowSamples] windows with a timestamp for the first sample.
// Not safe for concurrent use; create one per channel.
type Windower struct {
	size    int
	pending []float32
	start   time.Duration // timestamp of pending[0]
}

// NewWindower returns a Windower emitting windows of size samples. A
// non-positive size selects [WindowSamples].
func NewWindower(size int) *Windower {
	if size <= 0 {
		size = WindowSamples
	}
	return &Windower{size: size, pending: make([]float32, 0, size*2)}
}

// Push buffers f and calls emit once per complete window, in order. The
// window slice is reused after emit returns; callers that retain samples must
// copy them. Frames without samples are ignored.
func (w *Windower) Push(f Frame, emit func(window []float32, ts time.Duration)) {
	if len(f.Samples) == 0 {
		return
	}
	if len(w.pending) == 0 {
		w.start = f.Timestamp
	}
	w.pending = append(w.pending, f.Samples...)

	step := time.Duration(w.size) * time.Second / SampleRate
	off := 0
	for len(w.pending)-off >= w.size {
		emit(w.pending[off:off+w.size], w.start)
		off += w.size
		w.start += step
	}
	if off > 0 {
		n := copy(w.pending, w.pending[off:])
		w.pending = w.pending[:n]
	}
}

// Pending returns the number of buffered samples not yet emitted.
func (w *Windower) Pending() int { return len(w.pending) }

// Reset drops any partially filled window.
func (w *Windower) Reset() {
	w.pending = w.pending[:0]
	w.start = 0
}

// Split cuts f into consecutive frames of at most size samples, each stamped
// with the timestamp of its first sample. The frames share f's backing array.
// A non-positive size selects [WindowSamples].
func Split(f Frame, size int) []Frame {
	if size <= 0 {
		size = WindowSamples
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	out := make([]Frame, 0, (len(f.Samples)+size-1)/size)
	for off := 0; off < len(f.Samples); off += size {
		part := f
		part.Samples = f.Samples[off:min(off+size, len(f.Samples))]
		part.Timestamp = f.Timestamp + time.Duration(off)*time.Second/time.Duration(rate)
		out = append(out, part)
	}
	return out
}
