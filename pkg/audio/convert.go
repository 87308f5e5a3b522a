package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// pcmScale maps a normalised sample onto the int16 range. Decoding divides
// by the same value so a float→PCM16→float round trip stays within one
// quantisation step.
const pcmScale = 32767

// FormatConverter turns capture-side [RawFrame]s into core [Frame]s: 16 kHz
// mono float32. It logs a warning on the first format mismatch and on the
// first corrupt frame.
// Create one per channel; not designed for shared use across goroutines.
type FormatConverter struct {
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert decodes, downmixes and resamples raw. Frames with an odd byte count
// or an unknown layout are returned with no samples so callers can skip them.
// Conversion order: downmix first, then resample.
func (c *FormatConverter) Convert(raw RawFrame) Frame {
	out := Frame{SampleRate: SampleRate, Role: raw.Role, Timestamp: raw.Timestamp}

	if len(raw.Data)%2 != 0 || raw.Channels <= 0 || raw.Channels > 2 || raw.SampleRate <= 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: unusable PCM frame, dropping",
				"bytes", len(raw.Data),
				"sampleRate", raw.SampleRate,
				"channels", raw.Channels,
				"role", raw.Role,
			)
		})
		return out
	}

	pcm := raw.Data
	if raw.SampleRate != SampleRate || raw.Channels != 1 {
		c.warnedMismatch.Do(func() {
			slog.Warn("audio format mismatch: converting",
				"role", raw.Role,
				"from", formatString(raw.SampleRate, raw.Channels),
				"to", formatString(SampleRate, 1),
			)
		})
	}

	// Downmix before resampling so we only interpolate one channel.
	if raw.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if raw.SampleRate != SampleRate {
		pcm = ResampleMono16(pcm, raw.SampleRate, SampleRate)
	}

	out.Samples = PCM16BytesToFloat(pcm)
	return out
}

// ConvertStream wraps an input channel with a conversion goroutine. It closes
// the returned channel when in closes. Uses cap(in) for the output channel
// buffer. Frames that convert to no samples are dropped.
func ConvertStream(in <-chan RawFrame) <-chan Frame {
	out := make(chan Frame, cap(in))
	go func() {
		defer close(out)
		var conv FormatConverter
		for raw := range in {
			f := conv.Convert(raw)
			if len(f.Samples) == 0 {
				continue
			}
			out <- f
		}
	}()
	return out
}

// FloatToPCM16 clamps each sample to [-1, 1], scales it by 32767 and rounds
// to the nearest int16.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		} else if math.IsNaN(v) {
			v = 0
		}
		out[i] = int16(math.Round(v * pcmScale))
	}
	return out
}

// PCM16ToFloat is the inverse of [FloatToPCM16]. -32768 maps slightly below
// -1 and is clamped.
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		v := float32(s) / pcmScale
		if v < -1 {
			v = -1
		}
		out[i] = v
	}
	return out
}

// PCM16BytesToFloat decodes little-endian int16 PCM into normalised samples.
// A trailing odd byte is ignored.
func PCM16BytesToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float32(s) / pcmScale
		if v < -1 {
			v = -1
		}
		out[i] = v
	}
	return out
}

// EncodePCM16 writes samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// RMS returns sqrt(mean(x²)) over samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2

		if avg > math.MaxInt16 {
			avg = math.MaxInt16
		} else if avg < math.MinInt16 {
			avg = math.MinInt16
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
