package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Relay stages recorded in the rolling latency window.
const (
	StageConnectToActive      = "connect_to_active"
	StageSeedHistory          = "seed_history"
	StageInputToFirstResponse = "input_to_first_response"
	StageTurnTotal            = "turn_total"
	StagePersist              = "persist_message"
)

var stageTargetsP95MS = map[string]float64{
	StageConnectToActive:      1500,
	StageSeedHistory:          600,
	StageInputToFirstResponse: 1200,
	StageTurnTotal:            8000,
	StagePersist:              250,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the last size samples per stage in a ring.
type stageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

type ring struct {
	samples []float64
	pos     int
	last    float64
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r := w.rings[stage]
	if r == nil {
		r = &ring{samples: make([]float64, 0, w.size)}
		w.rings[stage] = r
	}
	if len(r.samples) < w.size {
		r.samples = append(r.samples, ms)
	} else {
		r.samples[r.pos] = ms
		r.pos = (r.pos + 1) % w.size
	}
	r.last = ms
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		if len(r.samples) == 0 {
			continue
		}
		sorted := append([]float64(nil), r.samples...)
		sort.Float64s(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(sorted),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(sorted))),
			P50MS:       round2(percentile(sorted, 0.50)),
			P95MS:       round2(percentile(sorted, 0.95)),
			P99MS:       round2(percentile(sorted, 0.99)),
			TargetP95MS: stageTargetsP95MS[stage],
		})
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(idx)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
