// Package events carries per-window debug events out of the session pipeline.
//
// An [Event] is a tagged value: Kind says which payload field is populated.
// Events are published on a [Bus] with non-blocking sends so a slow consumer
// can never stall audio processing; events that do not fit a subscriber's
// buffer are dropped and counted.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/dualmic/internal/echo"
	"github.com/MrWong99/dualmic/internal/floor"
	"github.com/MrWong99/dualmic/internal/segment"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
)

// Kind tags the payload of an [Event].
type Kind string

const (
	// KindVAD is published once per window per channel.
	KindVAD Kind = "vad"

	// KindCalibration is published when a channel finishes calibrating.
	KindCalibration Kind = "calibration"

	// KindSegment is published for every closed segment, emitted or not.
	KindSegment Kind = "segment"

	// KindEcho is published when cross-talk is detected.
	KindEcho Kind = "echo"

	// KindFloor is published on every floor change.
	KindFloor Kind = "floor"
)

// Kinds lists every known kind.
var Kinds = []Kind{KindVAD, KindCalibration, KindSegment, KindEcho, KindFloor}

// ParseKind converts s into a [Kind].
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("events: unknown kind %q", s)
}

// Outcome says what happened to a closed segment.
type Outcome string

const (
	// OutcomeEmitted: delivered to the sink.
	OutcomeEmitted Outcome = "emitted"

	// OutcomeRejected: failed a quality gate.
	OutcomeRejected Outcome = "rejected"

	// OutcomeWithheld: passed the gates but the channel never held the floor.
	OutcomeWithheld Outcome = "withheld"
)

// SegmentInfo summarises a closed segment without its audio.
type SegmentInfo struct {
	Outcome     Outcome
	Reject      segment.Reject
	Start       time.Duration
	End         time.Duration
	Duration    time.Duration
	SpeechRatio float64
	Samples     int
}

// Event is one debug event. Only the payload named by Kind is meaningful.
type Event struct {
	Kind Kind

	// Role is the channel the event belongs to. Echo events carry the
	// dominant channel; floor events the new holder.
	Role audio.Role

	// At is the session-relative time of the window that produced the event.
	At time.Duration

	VAD         vad.Decision
	Calibration segment.Calibration
	Segment     SegmentInfo
	Echo        echo.Result
	Floor       floor.Transition
}

type wireEvent struct {
	Kind Kind    `json:"kind"`
	Role string  `json:"role,omitempty"`
	AtMs float64 `json:"at_ms"`
	Data any     `json:"data"`
}

type wireVAD struct {
	Active bool    `json:"active"`
	RMS    float64 `json:"rms"`
	Above  int     `json:"above"`
	Below  int     `json:"below"`
}

type wireCalibration struct {
	Baseline     float64 `json:"baseline"`
	StdDev       float64 `json:"std_dev"`
	OnThreshold  float64 `json:"on_threshold"`
	OffThreshold float64 `json:"off_threshold"`
	Windows      int     `json:"windows"`
}

type wireSegment struct {
	Outcome     Outcome `json:"outcome"`
	Reject      string  `json:"reject,omitempty"`
	StartMs     int64   `json:"start_ms"`
	EndMs       int64   `json:"end_ms"`
	DurationMs  int64   `json:"duration_ms"`
	SpeechRatio float64 `json:"speech_ratio"`
	Samples     int     `json:"samples"`
}

type wireEcho struct {
	Correlation float64 `json:"correlation"`
	Dominant    string  `json:"dominant"`
	DoctorRMS   float64 `json:"doctor_rms"`
	PatientRMS  float64 `json:"patient_rms"`
}

type wireFloor struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// MarshalJSON encodes the event as {"kind", "role", "at_ms", "data"} with
// only the active payload under data.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Kind: e.Kind,
		Role: string(e.Role),
		AtMs: float64(e.At) / float64(time.Millisecond),
	}
	switch e.Kind {
	case KindVAD:
		w.Data = wireVAD{Active: e.VAD.Active, RMS: e.VAD.RMS, Above: e.VAD.Above, Below: e.VAD.Below}
	case KindCalibration:
		c := e.Calibration
		w.Data = wireCalibration{Baseline: c.Baseline, StdDev: c.StdDev, OnThreshold: c.OnThreshold, OffThreshold: c.OffThreshold, Windows: c.Windows}
	case KindSegment:
		s := e.Segment
		ws := wireSegment{
			Outcome:     s.Outcome,
			StartMs:     s.Start.Milliseconds(),
			EndMs:       s.End.Milliseconds(),
			DurationMs:  s.Duration.Milliseconds(),
			SpeechRatio: s.SpeechRatio,
			Samples:     s.Samples,
		}
		if s.Outcome == OutcomeRejected {
			ws.Reject = s.Reject.String()
		}
		w.Data = ws
	case KindEcho:
		r := e.Echo
		w.Data = wireEcho{Correlation: r.Correlation, Dominant: string(r.Dominant), DoctorRMS: r.DoctorRMS, PatientRMS: r.PatientRMS}
	case KindFloor:
		w.Data = wireFloor{From: string(e.Floor.From), To: string(e.Floor.To), Reason: string(e.Floor.Reason)}
	default:
		return nil, fmt.Errorf("events: cannot encode kind %q", e.Kind)
	}
	return json.Marshal(w)
}
