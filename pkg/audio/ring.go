package audio

// Ring is a fixed-capacity circular buffer of samples. Writes overwrite the
// oldest samples once the buffer is full. It is not safe for concurrent use.
type Ring struct {
	buf  []float32
	next int // index the next sample is written to
	full bool
}

// NewRing returns a ring holding at most capacity samples. A non-positive
// capacity is raised to 1.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]float32, capacity)}
}

// Write appends samples, discarding the oldest ones when capacity is exceeded.
func (r *Ring) Write(samples []float32) {
	size := len(r.buf)
	if len(samples) >= size {
		copy(r.buf, samples[len(samples)-size:])
		r.next = 0
		r.full = true
		return
	}

	n := copy(r.buf[r.next:], samples)
	if n < len(samples) {
		r.next = copy(r.buf, samples[n:])
		r.full = true
		return
	}
	r.next += n
	if r.next == size {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Cap returns the ring capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// Latest appends the most recent n samples in chronological order to dst[:0]
// and returns the result. Fewer samples are returned when the ring holds less
// than n.
func (r *Ring) Latest(n int, dst []float32) []float32 {
	dst = dst[:0]
	if l := r.Len(); n > l {
		n = l
	}
	if n <= 0 {
		return dst
	}
	start := r.next - n
	if start >= 0 {
		return append(dst, r.buf[start:r.next]...)
	}
	dst = append(dst, r.buf[len(r.buf)+start:]...)
	return append(dst, r.buf[:r.next]...)
}

// Reset discards all buffered samples without releasing the storage.
func (r *Ring) Reset() {
	r.next = 0
	r.full = false
}
