package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to unblock a producer (e.g. a [Capture] stream) once its frames are
// no longer needed, so the producer goroutine can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
