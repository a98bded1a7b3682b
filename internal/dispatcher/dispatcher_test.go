package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/narrate/internal/assembler"
	"github.com/antoniostano/narrate/internal/blob"
	"github.com/antoniostano/narrate/internal/chunker"
	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/jobstore"
	"github.com/antoniostano/narrate/internal/observability"
	"github.com/antoniostano/narrate/internal/synthesis"
)

// scriptedClient delegates to fn, falling back to the mock renderer.
type scriptedClient struct {
	mock  *synthesis.MockClient
	calls atomic.Int32
	fn    func(ctx context.Context, text string) error
}

func (c *scriptedClient) Synthesize(ctx context.Context, text string, voice conversion.Voice) ([]byte, error) {
	c.calls.Add(1)
	if c.fn != nil {
		if err := c.fn(ctx, text); err != nil {
			return nil, err
		}
	}
	return c.mock.Synthesize(ctx, text, voice)
}

type harness struct {
	store  *jobstore.MemoryStore
	blobs  *blob.MemoryStore
	client  *scriptedClient
	metrics *observability.Metrics
	d       *Dispatcher

	mu        sync.Mutex
	published []conversion.Job
	onPublish func(conversion.Job)
}

func newHarness(t *testing.T, cfg Config, fn func(ctx context.Context, text string) error) *harness {
	t.Helper()
	h := &harness{
		store:  jobstore.NewMemoryStore(),
		blobs:  blob.NewMemoryStore(),
		client:  &scriptedClient{mock: synthesis.NewMockClient(), fn: fn},
		metrics: observability.NewMetrics("test"),
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryCap == 0 {
		cfg.RetryCap = 5 * time.Millisecond
	}
	h.d = New(cfg, Deps{
		Client:    h.client,
		Store:     h.store,
		Blobs:     h.blobs,
		Assembler: assembler.New(h.blobs),
		Metrics:   h.metrics,
		Publish: func(j conversion.Job) {
			h.mu.Lock()
			h.published = append(h.published, j)
			cb := h.onPublish
			h.mu.Unlock()
			if cb != nil {
				cb(j)
			}
		},
	})
	return h
}

func (h *harness) createJob(t *testing.T, texts ...string) conversion.Job {
	t.Helper()
	segs := make([]conversion.Segment, len(texts))
	for i, text := range texts {
		segs[i] = conversion.Segment{Text: text}
	}
	job := conversion.NewJob("test", strings.Join(texts, " "), conversion.VoiceAlloy, segs, time.Now().UTC())
	require.NoError(t, h.store.Create(context.Background(), job))
	return job
}

func segmentTexts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("segment-%d says something.", i)
	}
	return out
}

func (h *harness) stageSamples(stage string) int {
	for _, st := range h.metrics.SnapshotStages().Stages {
		if st.Stage == stage {
			return st.Samples
		}
	}
	return 0
}

func (h *harness) progressSeen() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]float64, 0, len(h.published))
	for _, j := range h.published {
		out = append(out, j.Progress)
	}
	return out
}

func TestRunCompletesChunkedText(t *testing.T) {
	h := newHarness(t, Config{Workers: 2}, nil)

	text := strings.Repeat(strings.Repeat("a", 98)+". ", 30)
	segs, err := chunker.Chunk(text, chunker.Options{MaxChunkSize: 1000})
	require.NoError(t, err)
	require.Len(t, segs, 3)
	job := conversion.NewJob("", text, conversion.VoiceNova, segs, time.Now().UTC())
	require.NoError(t, h.store.Create(context.Background(), job))

	out, err := h.d.Run(context.Background(), job.ID, make(chan struct{}))
	require.NoError(t, err)
	assert.False(t, out.Interrupted)
	assert.Equal(t, conversion.StatusCompleted, out.Status())
	assert.Equal(t, float64(100), out.Job.Progress)
	require.NotEmpty(t, out.Job.ResultRef)
	assert.Nil(t, out.Job.Error)
	assert.NotNil(t, out.Job.EndedAt)

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusCompleted, stored.Status)
	for _, seg := range stored.Segments {
		assert.Equal(t, conversion.SegmentDone, seg.Status)
		assert.Equal(t, 1, seg.Attempts)
	}

	// Only the artifact survives; segment audio is released.
	assert.Equal(t, 1, h.blobs.Len())
	_, err = h.blobs.Get(context.Background(), stored.ResultRef)
	require.NoError(t, err)
	assert.EqualValues(t, 3, h.client.calls.Load())

	seen := h.progressSeen()
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}

	assert.Equal(t, 1, h.stageSamples(observability.StageJobTotal))
	assert.Equal(t, 1, h.stageSamples(observability.StageAssembly))
	assert.Equal(t, 3, h.stageSamples(observability.StageSynthesisSegment))
}

func TestRunCancelFreezesProgress(t *testing.T) {
	cancel := make(chan struct{})
	var once sync.Once
	h := newHarness(t, Config{Workers: 1}, func(ctx context.Context, text string) error {
		if strings.HasPrefix(text, "segment-1") {
			<-cancel
		}
		return nil
	})
	h.onPublish = func(j conversion.Job) {
		if j.Progress == 25 {
			once.Do(func() { close(cancel) })
		}
	}
	job := h.createJob(t, segmentTexts(4)...)

	out, err := h.d.Run(context.Background(), job.ID, cancel)
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusCancelled, out.Status())
	assert.Equal(t, float64(25), out.Job.Progress)
	assert.Empty(t, out.Job.ResultRef)
	assert.Equal(t, 1, out.Job.DoneCount())
	assert.LessOrEqual(t, h.client.calls.Load(), int32(2))
	assert.Equal(t, 0, h.blobs.Len())
}

func TestRunCancelBeforeStart(t *testing.T) {
	h := newHarness(t, Config{Workers: 2}, nil)
	job := h.createJob(t, segmentTexts(3)...)
	cancel := make(chan struct{})
	close(cancel)

	out, err := h.d.Run(context.Background(), job.ID, cancel)
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusCancelled, out.Status())
	assert.Zero(t, out.Job.Progress)
	assert.Zero(t, h.client.calls.Load())
	assert.Zero(t, h.stageSamples(observability.StageJobTotal))
}

func TestRunPermanentFailureReferencesSegment(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, RetryAttempts: 3}, func(ctx context.Context, text string) error {
		if strings.HasPrefix(text, "segment-3") {
			return synthesis.Permanent("voice rejected the input")
		}
		return nil
	})
	job := h.createJob(t, segmentTexts(5)...)

	out, err := h.d.Run(context.Background(), job.ID, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusFailed, out.Status())
	require.NotNil(t, out.Job.Error)
	assert.Equal(t, 3, out.Job.Error.SegmentIndex)
	assert.Equal(t, "permanent", out.Job.Error.Code)
	assert.Contains(t, out.Job.Error.Detail, "voice rejected")
	assert.Equal(t, conversion.SegmentFailed, out.Job.Segments[3].Status)
	assert.Equal(t, 1, out.Job.Segments[3].Attempts)
	assert.Equal(t, conversion.SegmentQueued, out.Job.Segments[4].Status)
	assert.Equal(t, float64(60), out.Job.Progress)
	assert.Empty(t, out.Job.ResultRef)
	// Segment 4 is never claimed after the failure.
	assert.EqualValues(t, 4, h.client.calls.Load())
	assert.Equal(t, 0, h.blobs.Len())
}

func TestRunRetriesTransientErrors(t *testing.T) {
	var failures atomic.Int32
	h := newHarness(t, Config{Workers: 1, RetryAttempts: 3}, func(ctx context.Context, text string) error {
		if strings.HasPrefix(text, "segment-1") && failures.Add(1) <= 2 {
			if failures.Load() == 1 {
				return synthesis.RateLimited("slow down", time.Millisecond)
			}
			return synthesis.Transient("upstream 503")
		}
		return nil
	})
	job := h.createJob(t, segmentTexts(3)...)

	out, err := h.d.Run(context.Background(), job.ID, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusCompleted, out.Status())
	assert.Equal(t, 3, out.Job.Segments[1].Attempts)
	assert.Equal(t, 1, out.Job.Segments[0].Attempts)
	assert.EqualValues(t, 5, h.client.calls.Load())
}

func TestRunFailsWhenRetriesExhausted(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, RetryAttempts: 2}, func(ctx context.Context, text string) error {
		return synthesis.Transient("upstream 502")
	})
	job := h.createJob(t, segmentTexts(2)...)

	out, err := h.d.Run(context.Background(), job.ID, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusFailed, out.Status())
	require.NotNil(t, out.Job.Error)
	assert.Equal(t, 0, out.Job.Error.SegmentIndex)
	assert.Equal(t, "transient", out.Job.Error.Code)
	assert.Equal(t, 3, out.Job.Segments[0].Attempts)
	assert.EqualValues(t, 3, h.client.calls.Load())
}

func TestRunResumesFromDoneSegments(t *testing.T) {
	h := newHarness(t, Config{Workers: 2}, nil)
	job := h.createJob(t, segmentTexts(4)...)

	wav, err := synthesis.NewMockClient().Synthesize(context.Background(), job.Segments[0].Text, job.Voice)
	require.NoError(t, err)
	ref, err := h.blobs.Put(context.Background(), wav)
	require.NoError(t, err)
	_, err = h.store.Update(context.Background(), job.ID, func(j *conversion.Job) error {
		if err := j.TransitionTo(conversion.StatusProcessing, time.Now().UTC()); err != nil {
			return err
		}
		j.Segments[0].Status = conversion.SegmentDone
		j.Segments[0].AudioRef = ref
		j.Segments[0].Attempts = 1
		j.Segments[1].Status = conversion.SegmentInFlight
		j.RecomputeProgress()
		return nil
	})
	require.NoError(t, err)

	out, err := h.d.Run(context.Background(), job.ID, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusCompleted, out.Status())
	assert.EqualValues(t, 3, h.client.calls.Load())
	assert.Equal(t, 1, out.Job.Segments[0].Attempts)
}

func TestRunTerminalJobIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	job := h.createJob(t, segmentTexts(1)...)
	_, err := h.store.Update(context.Background(), job.ID, func(j *conversion.Job) error {
		return j.TransitionTo(conversion.StatusCancelled, time.Now().UTC())
	})
	require.NoError(t, err)

	out, err := h.d.Run(context.Background(), job.ID, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusCancelled, out.Status())
	assert.Zero(t, h.client.calls.Load())
}

func TestRunUnknownJob(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.d.Run(context.Background(), "missing", make(chan struct{}))
	require.ErrorIs(t, err, conversion.ErrNotFound)
}

func TestRunInterruptedByShutdown(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	h := newHarness(t, Config{Workers: 1}, func(callCtx context.Context, text string) error {
		stop()
		<-callCtx.Done()
		return callCtx.Err()
	})
	job := h.createJob(t, segmentTexts(2)...)

	out, err := h.d.Run(ctx, job.ID, make(chan struct{}))
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, out.Interrupted)
	assert.Equal(t, conversion.StatusProcessing, out.Status())

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, stored.Terminal())
}

func TestGlobalCeilingBoundsConcurrentCalls(t *testing.T) {
	var inflight, peak atomic.Int32
	h := newHarness(t, Config{Workers: 4, MaxInflight: 2}, func(ctx context.Context, text string) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	jobs := []conversion.Job{h.createJob(t, segmentTexts(6)...), h.createJob(t, segmentTexts(6)...)}
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := h.d.Run(context.Background(), id, make(chan struct{}))
			assert.NoError(t, err)
			assert.Equal(t, conversion.StatusCompleted, out.Status())
		}(job.ID)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.EqualValues(t, 12, h.client.calls.Load())
}
