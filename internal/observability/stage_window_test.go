package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWindowSnapshotFollowsPipelineOrder(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageJobTotal, 4200)
	w.Observe("custom", 1)
	for _, ms := range []float64{500, 700, 16000} {
		w.Observe(StageSynthesisSegment, ms)
	}
	w.Observe(StageChunking, 3)
	w.CountOutcome("completed")
	w.CountOutcome("completed")
	w.CountOutcome("cancelled")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 4)
	assert.Equal(t, StageChunking, snap.Stages[0].Stage)
	assert.Equal(t, StageSynthesisSegment, snap.Stages[1].Stage)
	assert.Equal(t, StageJobTotal, snap.Stages[2].Stage)
	assert.Equal(t, "custom", snap.Stages[3].Stage)

	seg := snap.Stages[1]
	assert.Equal(t, 3, seg.Samples)
	assert.Equal(t, 16000.0, seg.LastMS)
	assert.Equal(t, 700.0, seg.P50MS)
	assert.Equal(t, 16000.0, seg.P95MS)
	assert.Equal(t, 16000.0, seg.MaxMS)
	assert.Equal(t, 15000.0, seg.BudgetP95MS)
	assert.Equal(t, 1, seg.OverBudget)

	total := snap.Stages[2]
	assert.Zero(t, total.BudgetP95MS)
	assert.Zero(t, total.OverBudget)

	assert.Equal(t, map[string]int{"completed": 2, "cancelled": 1}, snap.Outcomes)
}

func TestStageWindowKeepsMostRecentSamples(t *testing.T) {
	w := newStageWindow(2)
	for _, v := range []float64{1, 2, 3} {
		w.Observe(StageChunking, v)
	}
	w.Observe(StageChunking, -1)

	snap := w.Snapshot()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, 2, snap.Stages[0].Samples)
	assert.Equal(t, 2.5, snap.Stages[0].AvgMS)
	assert.Equal(t, 3.0, snap.Stages[0].LastMS)
	assert.Equal(t, 3.0, snap.Stages[0].MaxMS)
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	assert.Equal(t, 20.0, percentile(sorted, 50))
	assert.Equal(t, 40.0, percentile(sorted, 95))
	assert.Equal(t, 10.0, percentile(sorted, 0))
	assert.Zero(t, percentile(nil, 50))
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a := NewMetrics("narrate_a")
	b := NewMetrics("narrate_a")
	a.ObserveSynthesis("ok", 40*time.Millisecond)
	a.ObserveFinished("completed")

	assert.Len(t, a.SnapshotStages().Stages, 1)
	assert.Equal(t, 1, a.SnapshotStages().Outcomes["completed"])
	assert.Empty(t, b.SnapshotStages().Stages)

	var nilMetrics *Metrics
	nilMetrics.ObserveStage(StageChunking, time.Millisecond)
	assert.Empty(t, nilMetrics.SnapshotStages().Stages)
}
