package conversion

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(segments int) Job {
	segs := make([]Segment, segments)
	for i := range segs {
		segs[i] = Segment{Text: "part"}
	}
	return NewJob("", "some text to read", VoiceNova, segs, time.Unix(1000, 0).UTC())
}

func TestTransitionLifecycle(t *testing.T) {
	job := newTestJob(2)
	require.Equal(t, StatusPending, job.Status)

	start := job.CreatedAt.Add(time.Second)
	require.NoError(t, job.TransitionTo(StatusProcessing, start))
	require.NotNil(t, job.StartedAt)

	end := start.Add(3 * time.Second)
	require.NoError(t, job.TransitionTo(StatusCompleted, end))
	require.NotNil(t, job.EndedAt)
	assert.Equal(t, int64(3000), job.Timings.TotalMS)
}

func TestTerminalStatesAreSticky(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		job := newTestJob(1)
		now := job.CreatedAt
		require.NoError(t, job.TransitionTo(StatusProcessing, now))
		require.NoError(t, job.TransitionTo(terminal, now))

		for _, next := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
			err := job.TransitionTo(next, now)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTerminalState), "%s -> %s", terminal, next)
			assert.Equal(t, terminal, job.Status)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	job := newTestJob(1)
	err := job.TransitionTo(StatusCompleted, job.CreatedAt)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPending, job.Status)

	require.NoError(t, job.TransitionTo(StatusCancelled, job.CreatedAt))
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0.0, ProgressPercent(0, 4))
	assert.Equal(t, 25.0, ProgressPercent(1, 4))
	assert.Equal(t, 100.0, ProgressPercent(3, 3))
	assert.Equal(t, 0.0, ProgressPercent(0, 0))
	assert.Equal(t, 33.33, DisplayProgress(ProgressPercent(1, 3)))

	job := newTestJob(4)
	job.Segments[2].Status = SegmentDone
	job.RecomputeProgress()
	assert.Equal(t, 25.0, job.Progress)
}

func TestCloneIsDeep(t *testing.T) {
	job := newTestJob(2)
	job.Error = &ErrorInfo{SegmentIndex: 1, Code: "x"}
	c := job.Clone()
	c.Segments[0].Status = SegmentDone
	c.Error.Code = "y"
	assert.Equal(t, SegmentQueued, job.Segments[0].Status)
	assert.Equal(t, "x", job.Error.Code)
}

func TestParseVoice(t *testing.T) {
	v, err := ParseVoice(" Shimmer ")
	require.NoError(t, err)
	assert.Equal(t, VoiceShimmer, v)

	_, err = ParseVoice("baritone")
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Len(t, Voices(), 6)
}

func TestTitles(t *testing.T) {
	assert.Equal(t, "one two three", DefaultTitle("  one two\nthree "))
	assert.Equal(t, "Untitled conversion", DefaultTitle("   "))
	require.ErrorIs(t, ValidateTitle(strings.Repeat("a", MaxTitleLength+1)), ErrInvalidInput)
	require.NoError(t, ValidateTitle(strings.Repeat("a", MaxTitleLength)))
}
