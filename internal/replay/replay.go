// Package replay implements [audio.Capture] on top of two recorded files, one
// per microphone. Files may be 16-bit PCM WAV (any rate, mono or stereo) or
// headerless little-endian PCM16 whose layout is given in [Config].
//
// Both files share one session clock starting at zero. With Realtime set,
// frames are released at wall-clock pace so downstream timing behaves as with
// live microphones; otherwise they are delivered as fast as the consumer
// reads them.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/dualmic/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Capture = (*Source)(nil)

// Config describes the two recordings.
type Config struct {
	// Doctor and Patient are file paths.
	Doctor  string
	Patient string

	// SampleRate and Channels describe headerless files. WAV files carry
	// their own format. Defaults: 16000, 1.
	SampleRate int
	Channels   int

	// Realtime paces frames at wall-clock speed.
	Realtime bool

	// FrameDuration is the length of each emitted frame. Default: 20 ms.
	FrameDuration time.Duration

	// Buffer is the per-channel frame channel capacity. Default: 50.
	Buffer int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = audio.WindowDuration
	}
	if c.Buffer <= 0 {
		c.Buffer = 50
	}
}

// Source replays two files as an [audio.Capture]. Open may be called once.
type Source struct {
	cfg Config

	mu     sync.Mutex
	opened bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and returns a Source. Files are not opened until
// [Source.Open].
func New(cfg Config) (*Source, error) {
	cfg.applyDefaults()
	var errs []error
	if cfg.Doctor == "" {
		errs = append(errs, errors.New("replay: doctor file is required"))
	}
	if cfg.Patient == "" {
		errs = append(errs, errors.New("replay: patient file is required"))
	}
	if cfg.Channels > 2 {
		errs = append(errs, fmt.Errorf("replay: %d channels not supported", cfg.Channels))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Source{cfg: cfg}, nil
}

// Open opens both files and starts one reader goroutine per channel. Both
// channels are closed at end of file, on read error, when ctx is cancelled or
// on [Source.Close].
func (s *Source) Open(ctx context.Context) (audio.Streams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return audio.Streams{}, errors.New("replay: already opened")
	}

	doctor, err := s.openTrack(audio.RoleDoctor, s.cfg.Doctor)
	if err != nil {
		return audio.Streams{}, err
	}
	patient, err := s.openTrack(audio.RolePatient, s.cfg.Patient)
	if err != nil {
		doctor.close()
		return audio.Streams{}, err
	}
	s.opened = true

	ctx, s.cancel = context.WithCancel(ctx)
	start := time.Now()
	doc := make(chan audio.Frame, s.cfg.Buffer)
	pat := make(chan audio.Frame, s.cfg.Buffer)
	for _, run := range []struct {
		t   *track
		out chan audio.Frame
	}{{doctor, doc}, {patient, pat}} {
		s.wg.Go(func() {
			defer close(run.out)
			defer run.t.close()
			s.stream(ctx, run.t, run.out, start)
		})
	}

	slog.Info("replay: capture opened",
		"doctor", s.cfg.Doctor, "doctor_format", doctor.format,
		"patient", s.cfg.Patient, "patient_format", patient.format,
		"realtime", s.cfg.Realtime,
	)
	return audio.Streams{Doctor: doc, Patient: pat}, nil
}

// Close stops both readers and waits for them to exit. Safe to call more
// than once.
func (s *Source) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// track is one opened recording.
type track struct {
	role   audio.Role
	file   *os.File
	data   io.Reader
	format audio.WAVFormat
}

func (t *track) close() { _ = t.file.Close() }

func (s *Source) openTrack(role audio.Role, path string) (*track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open %s file: %w", role, err)
	}
	t := &track{role: role, file: f}

	format, data, err := audio.DecodeWAV(f)
	switch {
	case err == nil:
		t.format, t.data = format, data
	case errors.Is(err, audio.ErrNotWAV):
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("replay: rewind %s file: %w", role, err)
		}
		t.format = audio.WAVFormat{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}
		t.data = f
	default:
		_ = f.Close()
		return nil, fmt.Errorf("replay: %s file %q: %w", role, path, err)
	}
	return t, nil
}

// stream reads fixed-duration frames from t and sends them converted to out.
func (s *Source) stream(ctx context.Context, t *track, out chan<- audio.Frame, start time.Time) {
	blockAlign := 2 * t.format.Channels
	frameSamples := int(int64(t.format.SampleRate) * int64(s.cfg.FrameDuration) / int64(time.Second))
	buf := make([]byte, max(frameSamples, 1)*blockAlign)

	var (
		conv  audio.FormatConverter
		read  int64 // sample frames consumed so far
		timer *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		n, err := io.ReadFull(t.data, buf)
		n -= n % blockAlign
		if n > 0 {
			ts := time.Duration(read) * time.Second / time.Duration(t.format.SampleRate)
			read += int64(n / blockAlign)

			if s.cfg.Realtime {
				if wait := time.Until(start.Add(ts)); wait > 0 {
					if timer == nil {
						timer = time.NewTimer(wait)
					} else {
						timer.Reset(wait)
					}
					select {
					case <-ctx.Done():
						return
					case <-timer.C:
					}
				}
			}

			f := conv.Convert(audio.RawFrame{
				Data:       append([]byte(nil), buf[:n]...),
				SampleRate: t.format.SampleRate,
				Channels:   t.format.Channels,
				Role:       t.role,
				Timestamp:  ts,
			})
			if len(f.Samples) > 0 {
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			slog.Info("replay: end of file", "role", t.role, "duration", time.Duration(read)*time.Second/time.Duration(t.format.SampleRate))
			return
		default:
			slog.Warn("replay: read failed, ending stream", "role", t.role, "err", err)
			return
		}
	}
}
