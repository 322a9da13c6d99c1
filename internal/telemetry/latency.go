// Package telemetry records operation latencies and summarizes them as
// percentile snapshots for the health surface.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// windowSize bounds the per-operation sample ring. Old observations fall off
// as new ones arrive, so snapshots reflect recent behavior.
const windowSize = 4096

// Summary is a percentile view over one operation's recent latencies.
type Summary struct {
	Operation string  `json:"operation"`
	Count     uint64  `json:"count"`
	P50Micros float64 `json:"p50_micros"`
	P95Micros float64 `json:"p95_micros"`
	P99Micros float64 `json:"p99_micros"`
	MaxMicros float64 `json:"max_micros"`
}

type ring struct {
	samples []float64 // microseconds
	next    int
	full    bool
	total   uint64
	max     float64
}

func (r *ring) add(micros float64) {
	if len(r.samples) < windowSize {
		r.samples = append(r.samples, micros)
	} else {
		r.samples[r.next] = micros
		r.next = (r.next + 1) % windowSize
		r.full = true
	}
	r.total++
	if micros > r.max {
		r.max = micros
	}
}

// Recorder accumulates latency observations keyed by operation name.
type Recorder struct {
	mu    sync.Mutex
	rings map[string]*ring
}

// NewRecorder creates an empty latency recorder.
func NewRecorder() *Recorder {
	return &Recorder{rings: make(map[string]*ring)}
}

// Observe records one latency sample for an operation.
func (r *Recorder) Observe(operation string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rg, ok := r.rings[operation]
	if !ok {
		rg = &ring{}
		r.rings[operation] = rg
	}
	rg.add(float64(d.Microseconds()))
}

// Track returns a function that records the elapsed time since the call.
// Intended for defer at the top of the measured operation.
func (r *Recorder) Track(operation string) func() {
	start := time.Now()
	return func() { r.Observe(operation, time.Since(start)) }
}

// Snapshot summarizes every tracked operation, sorted by name.
func (r *Recorder) Snapshot() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.rings))
	for name, rg := range r.rings {
		if len(rg.samples) == 0 {
			continue
		}
		sorted := make([]float64, len(rg.samples))
		copy(sorted, rg.samples)
		sort.Float64s(sorted)
		out = append(out, Summary{
			Operation: name,
			Count:     rg.total,
			P50Micros: stat.Quantile(0.50, stat.Empirical, sorted, nil),
			P95Micros: stat.Quantile(0.95, stat.Empirical, sorted, nil),
			P99Micros: stat.Quantile(0.99, stat.Empirical, sorted, nil),
			MaxMicros: rg.max,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Operation returns the summary for one operation, or false when it has no
// samples yet.
func (r *Recorder) Operation(name string) (Summary, bool) {
	for _, s := range r.Snapshot() {
		if s.Operation == name {
			return s, true
		}
	}
	return Summary{}, false
}
