package pipeline

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/dualmic/pkg/audio"
)

// Stats collects per-channel window latency samples and session counters for
// the debug stats endpoint. It keeps a bounded ring of recent latency
// observations per channel from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	latency [2]latencyBuffer

	windows      [2]int64
	emitted      [2]int64
	rejected     [2]int64
	withheld     [2]int64
	floorChanges int64
	echoWindows  int64
	sinkErrors   int64
}

// NewStats creates a Stats with the given window size (maximum number of
// latency samples retained per channel).
func NewStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 500
	}
	return &Stats{
		latency: [2]latencyBuffer{newLatencyBuffer(windowSize), newLatencyBuffer(windowSize)},
	}
}

func (s *Stats) recordWindow(role audio.Role, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[role.Index()].add(d)
	s.windows[role.Index()]++
}

func (s *Stats) recordOutcome(role audio.Role, o outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o {
	case outcomeEmitted:
		s.emitted[role.Index()]++
	case outcomeRejected:
		s.rejected[role.Index()]++
	case outcomeWithheld:
		s.withheld[role.Index()]++
	}
}

func (s *Stats) incrFloorChanges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floorChanges++
}

func (s *Stats) incrEcho() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoWindows++
}

func (s *Stats) incrSinkErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinkErrors++
}

// LatencyPercentiles holds p50 and p95 values for window processing.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
}

// ChannelSnapshot is the per-channel part of a [Snapshot].
type ChannelSnapshot struct {
	Latency  LatencyPercentiles `json:"latency"`
	Windows  int64              `json:"windows"`
	Emitted  int64              `json:"emitted"`
	Rejected int64              `json:"rejected"`
	Withheld int64              `json:"withheld"`
}

// Snapshot captures a point-in-time view of the session statistics.
type Snapshot struct {
	Doctor       ChannelSnapshot `json:"doctor"`
	Patient      ChannelSnapshot `json:"patient"`
	FloorChanges int64           `json:"floor_changes"`
	EchoWindows  int64           `json:"echo_windows"`
	SinkErrors   int64           `json:"sink_errors"`
}

// Snapshot returns a point-in-time view of all statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := func(r audio.Role) ChannelSnapshot {
		i := r.Index()
		return ChannelSnapshot{
			Latency:  s.latency[i].percentiles(),
			Windows:  s.windows[i],
			Emitted:  s.emitted[i],
			Rejected: s.rejected[i],
			Withheld: s.withheld[i],
		}
	}
	return Snapshot{
		Doctor:       ch(audio.RoleDoctor),
		Patient:      ch(audio.RolePatient),
		FloorChanges: s.floorChanges,
		EchoWindows:  s.echoWindows,
		SinkErrors:   s.sinkErrors,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= lb.size {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = lb.size
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	sorted := make([]time.Duration, n)
	copy(sorted, lb.data[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
