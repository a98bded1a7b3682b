package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pipeline stages, in the order a conversion passes through them.
const (
	StageChunking         = "chunking"
	StageSynthesisSegment = "synthesis_segment"
	StageSynthesis        = "synthesis"
	StageAssembly         = "assembly"
	StageJobTotal         = "job_total"
)

var stageOrder = []string{StageChunking, StageSynthesisSegment, StageSynthesis, StageAssembly, StageJobTotal}

// stageBudgets are p95 targets in milliseconds. Stages that scale with the
// length of the text have none.
var stageBudgets = map[string]float64{
	StageChunking:         50,
	StageSynthesisSegment: 15000,
	StageAssembly:         1000,
}

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
	// BudgetP95MS is zero for stages without a target.
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	OverBudget  int     `json:"over_budget,omitempty"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	// Outcomes counts finished conversions by terminal status.
	Outcomes map[string]int `json:"outcomes,omitempty"`
}

// latencyRing holds the last len(samples) observations of one stage.
type latencyRing struct {
	samples []float64
	count   int
	pos     int
	last    float64
}

func (r *latencyRing) add(ms float64) {
	r.samples[r.pos] = ms
	r.pos = (r.pos + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
	r.last = ms
}

func (r *latencyRing) sorted() []float64 {
	out := make([]float64, r.count)
	copy(out, r.samples[:r.count])
	sort.Float64s(out)
	return out
}

// stageWindow keeps recent per-stage latencies for /v1/perf/stages.
type stageWindow struct {
	mu       sync.Mutex
	size     int
	rings    map[string]*latencyRing
	outcomes map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:     size,
		rings:    make(map[string]*latencyRing),
		outcomes: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.rings[stage]
	if !ok {
		ring = &latencyRing{samples: make([]float64, w.size)}
		w.rings[stage] = ring
	}
	ring.add(ms)
}

func (w *stageWindow) CountOutcome(status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[status]++
}

// Snapshot lists known stages in pipeline order, then any others by name.
func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(w.rings))
	for _, stage := range stageOrder {
		if _, ok := w.rings[stage]; ok {
			names = append(names, stage)
		}
	}
	var extra []string
	for stage := range w.rings {
		if isOrdered(stage) {
			continue
		}
		extra = append(extra, stage)
	}
	sort.Strings(extra)
	names = append(names, extra...)

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(names)),
	}
	for _, stage := range names {
		snap.Stages = append(snap.Stages, summarize(stage, w.rings[stage]))
	}
	if len(w.outcomes) > 0 {
		snap.Outcomes = make(map[string]int, len(w.outcomes))
		for k, v := range w.outcomes {
			snap.Outcomes[k] = v
		}
	}
	return snap
}

func isOrdered(stage string) bool {
	for _, s := range stageOrder {
		if s == stage {
			return true
		}
	}
	return false
}

func summarize(stage string, ring *latencyRing) StageStats {
	sorted := ring.sorted()
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	st := StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(ring.last),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(percentile(sorted, 50)),
		P95MS:       round2(percentile(sorted, 95)),
		MaxMS:       round2(sorted[len(sorted)-1]),
		BudgetP95MS: stageBudgets[stage],
	}
	if st.BudgetP95MS > 0 {
		// Samples are sorted, so everything from the first over-budget one on counts.
		st.OverBudget = len(sorted) - sort.SearchFloat64s(sorted, math.Nextafter(st.BudgetP95MS, math.Inf(1)))
	}
	return st
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
