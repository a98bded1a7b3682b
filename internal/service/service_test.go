package service

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/narrate/internal/audio"
	"github.com/antoniostano/narrate/internal/blob"
	"github.com/antoniostano/narrate/internal/chunker"
	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/dispatcher"
	"github.com/antoniostano/narrate/internal/jobstore"
	"github.com/antoniostano/narrate/internal/observability"
	"github.com/antoniostano/narrate/internal/synthesis"
)

type gatedClient struct {
	mock  *synthesis.MockClient
	gate  chan struct{}
	calls atomic.Int32
}

func (g *gatedClient) Synthesize(ctx context.Context, text string, voice conversion.Voice) ([]byte, error) {
	g.calls.Add(1)
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.mock.Synthesize(ctx, text, voice)
}

type fixture struct {
	svc    *Service
	store  *jobstore.MemoryStore
	blobs  *blob.MemoryStore
	client *gatedClient
}

func newFixture(t *testing.T, cfg Config, gate chan struct{}) *fixture {
	t.Helper()
	f := &fixture{
		store:  jobstore.NewMemoryStore(),
		blobs:  blob.NewMemoryStore(),
		client: &gatedClient{mock: synthesis.NewMockClient(), gate: gate},
	}
	if cfg.Chunking.MaxChunkSize == 0 {
		cfg.Chunking = chunker.Options{MaxChunkSize: 1000}
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch = dispatcher.Config{Workers: 2, MaxInflight: 4, RetryBase: time.Millisecond, RetryCap: time.Millisecond}
	}
	f.svc = New(cfg, Deps{
		Store:   f.store,
		Blobs:   f.blobs,
		Client:  f.client,
		Metrics: observability.NewMetrics("svc_test"),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Shutdown(ctx)
	})
	return f
}

func longText(sentences int) string {
	return strings.Repeat(strings.Repeat("w", 98)+". ", sentences)
}

func await(t *testing.T, svc *Service, id string) conversion.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := svc.Await(ctx, id)
	require.NoError(t, err)
	return job
}

func TestSubmitRunsToCompletion(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	job, err := f.svc.Submit(context.Background(), SubmitRequest{Title: "Chapter One", Text: longText(30), Voice: "nova"})
	require.NoError(t, err)
	assert.Len(t, job.Segments, 3)
	assert.Equal(t, "Chapter One", job.Title)

	done := await(t, f.svc, job.ID)
	assert.Equal(t, conversion.StatusCompleted, done.Status)
	assert.Equal(t, float64(100), done.Progress)

	status, pct, err := f.svc.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusCompleted, status)
	assert.Equal(t, float64(100), pct)

	data, format, got, err := f.svc.Download(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, audio.FormatWAV, format)
	assert.NotEmpty(t, data)
	assert.Equal(t, "chapter-one.wav", Filename(got, format))
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	cases := []SubmitRequest{
		{Text: "", Voice: "alloy"},
		{Text: "   \n", Voice: "alloy"},
		{Text: strings.Repeat("a", 250000), Voice: "alloy"},
		{Text: "hello", Voice: "robot"},
		{Text: "hello", Voice: "alloy", Title: strings.Repeat("t", conversion.MaxTitleLength+1)},
	}
	for _, req := range cases {
		_, err := f.svc.Submit(context.Background(), req)
		require.ErrorIs(t, err, conversion.ErrInvalidInput)
	}
	jobs, err := f.svc.List(context.Background(), conversion.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCancelIsIdempotent(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, Config{}, gate)
	job, err := f.svc.Submit(context.Background(), SubmitRequest{Text: longText(40), Voice: "echo"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	close(gate)

	done := await(t, f.svc, job.ID)
	assert.Equal(t, conversion.StatusCancelled, done.Status)
	assert.Empty(t, done.ResultRef)

	again, err := f.svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusCancelled, again.Status)

	_, _, _, err = f.svc.Download(context.Background(), job.ID)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestCancelCompletedJobFails(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	job, err := f.svc.Submit(context.Background(), SubmitRequest{Text: "Short text.", Voice: "fable"})
	require.NoError(t, err)
	await(t, f.svc, job.ID)

	_, err = f.svc.Cancel(context.Background(), job.ID)
	require.ErrorIs(t, err, conversion.ErrTerminalState)

	_, err = f.svc.Cancel(context.Background(), "nope")
	require.ErrorIs(t, err, conversion.ErrNotFound)
}

func TestCancelWithoutActiveRun(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	job := conversion.NewJob("", "orphan text", conversion.VoiceOnyx, []conversion.Segment{{Text: "orphan text"}}, time.Now().UTC())
	require.NoError(t, f.store.Create(context.Background(), job))

	got, err := f.svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, conversion.StatusCancelled, got.Status)
	assert.Zero(t, f.client.calls.Load())
}

func TestRecoverResumesUnfinishedJobs(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	pending := conversion.NewJob("", "one. two.", conversion.VoiceShimmer, []conversion.Segment{{Text: "one."}, {Text: "two."}}, time.Now().UTC())
	require.NoError(t, f.store.Create(context.Background(), pending))
	finished := conversion.NewJob("", "done", conversion.VoiceShimmer, []conversion.Segment{{Text: "done"}}, time.Now().UTC())
	require.NoError(t, f.store.Create(context.Background(), finished))
	_, err := f.store.Update(context.Background(), finished.ID, func(j *conversion.Job) error {
		return j.TransitionTo(conversion.StatusCancelled, time.Now().UTC())
	})
	require.NoError(t, err)

	n, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := await(t, f.svc, pending.ID)
	assert.Equal(t, conversion.StatusCompleted, done.Status)
	assert.EqualValues(t, 2, f.client.calls.Load())
}

func TestCleanupKeepsLatest(t *testing.T) {
	f := newFixture(t, Config{CleanupKeepLatest: 2}, nil)
	var ids []string
	for i := 0; i < 4; i++ {
		job, err := f.svc.Submit(context.Background(), SubmitRequest{Text: "Sentence number one.", Voice: "alloy"})
		require.NoError(t, err)
		await(t, f.svc, job.ID)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 4, f.blobs.Len())

	report, err := f.svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Evicted)
	assert.Equal(t, 2, report.Kept)
	assert.Equal(t, 2, f.blobs.Len())

	for i, id := range ids {
		job, err := f.svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, conversion.StatusCompleted, job.Status)
		if i < 2 {
			assert.Empty(t, job.ResultRef, "oldest artifacts evicted")
			_, _, _, err = f.svc.Download(context.Background(), id)
			require.ErrorIs(t, err, ErrArtifactGone)
		} else {
			assert.NotEmpty(t, job.ResultRef)
		}
	}

	report, err = f.svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Evicted)
}

func TestCleanupMaxAge(t *testing.T) {
	f := newFixture(t, Config{CleanupMaxAge: time.Hour}, nil)
	job, err := f.svc.Submit(context.Background(), SubmitRequest{Text: "Aging text.", Voice: "alloy"})
	require.NoError(t, err)
	await(t, f.svc, job.ID)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	report, err := f.svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, 0, f.blobs.Len())
}

func TestSubscribeStreamsSnapshots(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, Config{}, gate)
	job, err := f.svc.Submit(context.Background(), SubmitRequest{Text: longText(20), Voice: "alloy"})
	require.NoError(t, err)

	ch, unsubscribe := f.svc.Subscribe(job.ID)
	defer unsubscribe()
	close(gate)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.Status == conversion.StatusCompleted {
				assert.Equal(t, float64(100), snap.Progress)
				return
			}
		case <-deadline:
			t.Fatal("no completed snapshot")
		}
	}
}

func TestShutdownInterruptsRuns(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, Config{}, gate)
	job, err := f.svc.Submit(context.Background(), SubmitRequest{Text: longText(20), Voice: "alloy"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))

	stored, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, stored.Terminal())
	assert.Equal(t, 0, f.svc.Active())
}

func TestFilename(t *testing.T) {
	job := conversion.Job{ID: "abc", Title: "  Hello, World! Part 2 "}
	assert.Equal(t, "hello-world-part-2.mp3", Filename(job, audio.FormatMP3))
	assert.Equal(t, "conversion-abc.wav", Filename(conversion.Job{ID: "abc", Title: "¿?"}, audio.FormatWAV))
}
