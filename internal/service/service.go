// Package service is the conversion runtime: it accepts submissions, runs
// jobs through the dispatcher and answers status, cancel, download and
// cleanup requests.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/narrate/internal/assembler"
	"github.com/antoniostano/narrate/internal/audio"
	"github.com/antoniostano/narrate/internal/blob"
	"github.com/antoniostano/narrate/internal/chunker"
	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/dispatcher"
	"github.com/antoniostano/narrate/internal/observability"
	"github.com/antoniostano/narrate/internal/progress"
	"github.com/antoniostano/narrate/internal/synthesis"
)

var (
	// ErrNotReady is returned for downloads of jobs that have not completed.
	ErrNotReady = errors.New("conversion has no result yet")
	// ErrArtifactGone is returned when a completed job's artifact was evicted.
	ErrArtifactGone = errors.New("conversion artifact is no longer available")
)

const DefaultKeepLatest = 50

type Config struct {
	Chunking          chunker.Options
	Dispatch          dispatcher.Config
	CleanupKeepLatest int
	CleanupMaxAge     time.Duration
}

type Deps struct {
	Store     conversion.Store
	StoreMode string
	Blobs     blob.Store
	Client    synthesis.Client
	Broker    *progress.Broker
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type Service struct {
	cfg        Config
	store      conversion.Store
	storeMode  string
	blobs      blob.Store
	broker     *progress.Broker
	dispatcher *dispatcher.Dispatcher
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]*activeRun
}

type activeRun struct {
	cancel chan struct{}
	once   sync.Once
	done   chan struct{}
}

func (r *activeRun) requestCancel() {
	r.once.Do(func() { close(r.cancel) })
}

func New(cfg Config, deps Deps) *Service {
	if cfg.CleanupKeepLatest < 0 {
		cfg.CleanupKeepLatest = 0
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	broker := deps.Broker
	if broker == nil {
		broker = progress.NewBroker(logger)
	}
	storeMode := deps.StoreMode
	if storeMode == "" {
		storeMode = "in-memory"
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		storeMode: storeMode,
		blobs:     deps.Blobs,
		broker:    broker,
		metrics:   deps.Metrics,
		logger:    logger.With(slog.String("component", "service")),
		now:       func() time.Time { return time.Now().UTC() },
		runCtx:    runCtx,
		stopRun:   stopRun,
		running:   make(map[string]*activeRun),
	}
	s.dispatcher = dispatcher.New(cfg.Dispatch, dispatcher.Deps{
		Client:    deps.Client,
		Store:     deps.Store,
		Blobs:     deps.Blobs,
		Assembler: assembler.New(deps.Blobs),
		Metrics:   deps.Metrics,
		Logger:    logger,
		Publish:   broker.Publish,
	})
	return s
}

func (s *Service) StoreMode() string {
	return s.storeMode
}

type SubmitRequest struct {
	Title string
	Text  string
	Voice string
}

// Submit validates and chunks the text, persists a pending job and starts
// dispatching it. Invalid input creates no job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (conversion.Job, error) {
	if err := conversion.ValidateTitle(req.Title); err != nil {
		return conversion.Job{}, err
	}
	voice, err := conversion.ParseVoice(req.Voice)
	if err != nil {
		return conversion.Job{}, err
	}

	start := time.Now()
	segments, err := chunker.Chunk(req.Text, s.cfg.Chunking)
	if err != nil {
		return conversion.Job{}, err
	}
	chunking := time.Since(start)
	s.metrics.ObserveStage(observability.StageChunking, chunking)

	job := conversion.NewJob(req.Title, req.Text, voice, segments, s.now())
	job.Timings.ChunkingMS = chunking.Milliseconds()
	if err := s.store.Create(ctx, job); err != nil {
		return conversion.Job{}, fmt.Errorf("create conversion: %w", err)
	}
	if s.metrics != nil {
		s.metrics.JobsSubmitted.Inc()
	}
	s.logger.Info("conversion submitted",
		slog.String("job_id", job.ID),
		slog.String("voice", string(voice)),
		slog.Int("segments", len(job.Segments)),
		slog.Int("chars", len([]rune(req.Text))))

	s.broker.Publish(job)
	s.start(job.ID)
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (conversion.Job, error) {
	return s.store.Get(ctx, strings.TrimSpace(id))
}

func (s *Service) List(ctx context.Context, opts conversion.ListOptions) ([]conversion.Job, error) {
	return s.store.List(ctx, opts)
}

// Progress returns the job status and its progress rounded for display.
func (s *Service) Progress(ctx context.Context, id string) (conversion.Status, float64, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", 0, err
	}
	return job.Status, conversion.DisplayProgress(job.Progress), nil
}

func (s *Service) Subscribe(id string) (<-chan progress.Snapshot, func()) {
	return s.broker.Subscribe(id)
}

// Cancel requests cancellation. A running job stops claiming segments and
// becomes cancelled once in-flight calls drain; a job with no active run is
// cancelled directly. Cancelling a cancelled job is a no-op; cancelling a
// completed or failed job returns ErrTerminalState.
func (s *Service) Cancel(ctx context.Context, id string) (conversion.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return conversion.Job{}, err
	}
	if job.Terminal() {
		if job.Status == conversion.StatusCancelled {
			return job, nil
		}
		return job, fmt.Errorf("%w: %s is %s", conversion.ErrTerminalState, job.ID, job.Status)
	}

	s.mu.Lock()
	run := s.running[job.ID]
	s.mu.Unlock()
	if run != nil {
		run.requestCancel()
		s.logger.Info("cancellation requested", slog.String("job_id", job.ID))
		return job, nil
	}

	updated, err := s.store.Update(ctx, job.ID, func(j *conversion.Job) error {
		if j.Status == conversion.StatusCancelled {
			return nil
		}
		return j.TransitionTo(conversion.StatusCancelled, s.now())
	})
	if err != nil {
		if updated.Status == conversion.StatusCancelled {
			return updated, nil
		}
		return updated, err
	}
	if s.metrics != nil {
		s.metrics.ObserveFinished(string(conversion.StatusCancelled))
	}
	s.broker.Publish(updated)
	return updated, nil
}

// Await blocks until the job's active run, if any, has returned.
func (s *Service) Await(ctx context.Context, id string) (conversion.Job, error) {
	s.mu.Lock()
	run := s.running[id]
	s.mu.Unlock()
	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return conversion.Job{}, ctx.Err()
		}
	}
	return s.Get(ctx, id)
}

// Active reports how many jobs are currently being dispatched.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Download returns the final artifact of a completed job.
func (s *Service) Download(ctx context.Context, id string) ([]byte, audio.Format, conversion.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, audio.FormatUnknown, conversion.Job{}, err
	}
	if job.Status != conversion.StatusCompleted {
		return nil, audio.FormatUnknown, job, fmt.Errorf("%w: status is %s", ErrNotReady, job.Status)
	}
	if job.ResultRef == "" {
		return nil, audio.FormatUnknown, job, ErrArtifactGone
	}
	data, err := s.blobs.Get(ctx, job.ResultRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, audio.FormatUnknown, job, ErrArtifactGone
		}
		return nil, audio.FormatUnknown, job, err
	}
	return data, audio.Detect(data), job, nil
}

// Recover resumes jobs a previous process left pending or processing.
func (s *Service) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.List(ctx, conversion.ListOptions{
		Statuses: []conversion.Status{conversion.StatusPending, conversion.StatusProcessing},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished conversions: %w", err)
	}
	for _, job := range jobs {
		s.logger.Info("resuming conversion",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.Int("segments_done", job.DoneCount()),
			slog.Int("segments", len(job.Segments)))
		s.start(job.ID)
	}
	return len(jobs), nil
}

func (s *Service) start(id string) {
	run := &activeRun{cancel: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	if _, exists := s.running[id]; exists {
		s.mu.Unlock()
		return
	}
	s.running[id] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(run.done)
		defer s.clearRun(id)

		out, err := s.dispatcher.Run(s.runCtx, id, run.cancel)
		if err == nil {
			return
		}
		if out.Interrupted {
			s.logger.Info("conversion interrupted, will resume on restart", slog.String("job_id", id))
			return
		}
		s.logger.Error("conversion run failed", slog.String("job_id", id), slog.String("error", err.Error()))
		s.failUnfinished(id, err)
	}()
}

func (s *Service) clearRun(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// failUnfinished marks a job failed when its run ended without a terminal
// state for a reason other than shutdown.
func (s *Service) failUnfinished(id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	updated, err := s.store.Update(ctx, id, func(j *conversion.Job) error {
		return j.Fail(conversion.ErrorInfo{SegmentIndex: -1, Code: "internal", Detail: cause.Error()}, s.now())
	})
	if err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveFinished(string(conversion.StatusFailed))
	}
	s.broker.Publish(updated)
}

type CleanupReport struct {
	Evicted int `json:"evicted"`
	Kept    int `json:"kept"`
}

// Cleanup keeps the newest CleanupKeepLatest completed artifacts and evicts
// the rest, plus any older than CleanupMaxAge. Evicted jobs keep their
// record with an empty result reference.
func (s *Service) Cleanup(ctx context.Context) (CleanupReport, error) {
	jobs, err := s.store.List(ctx, conversion.ListOptions{
		Statuses:    []conversion.Status{conversion.StatusCompleted},
		NewestFirst: true,
	})
	if err != nil {
		return CleanupReport{}, fmt.Errorf("list completed conversions: %w", err)
	}

	withArtifact := jobs[:0]
	for _, job := range jobs {
		if job.ResultRef != "" {
			withArtifact = append(withArtifact, job)
		}
	}
	sort.SliceStable(withArtifact, func(i, j int) bool {
		return finishedAt(withArtifact[i]).After(finishedAt(withArtifact[j]))
	})

	var report CleanupReport
	cutoff := time.Time{}
	if s.cfg.CleanupMaxAge > 0 {
		cutoff = s.now().Add(-s.cfg.CleanupMaxAge)
	}
	keep := s.cfg.CleanupKeepLatest
	if keep == 0 {
		keep = DefaultKeepLatest
	}
	for i, job := range withArtifact {
		expired := !cutoff.IsZero() && finishedAt(job).Before(cutoff)
		if i < keep && !expired {
			report.Kept++
			continue
		}
		if err := s.evict(ctx, job); err != nil {
			return report, err
		}
		report.Evicted++
	}
	if s.metrics != nil && report.Evicted > 0 {
		s.metrics.CleanupEvictions.Add(float64(report.Evicted))
	}
	if report.Evicted > 0 {
		s.logger.Info("cleanup evicted artifacts", slog.Int("evicted", report.Evicted), slog.Int("kept", report.Kept))
	}
	return report, nil
}

func (s *Service) evict(ctx context.Context, job conversion.Job) error {
	if err := s.blobs.Delete(ctx, job.ResultRef); err != nil {
		return fmt.Errorf("delete artifact of %s: %w", job.ID, err)
	}
	_, err := s.store.Update(ctx, job.ID, func(j *conversion.Job) error {
		j.ResultRef = ""
		j.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear artifact of %s: %w", job.ID, err)
	}
	return nil
}

func finishedAt(j conversion.Job) time.Time {
	if j.EndedAt != nil {
		return *j.EndedAt
	}
	return j.UpdatedAt
}

// StartJanitor runs Cleanup every interval until ctx ends.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("scheduled cleanup failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Shutdown interrupts active runs and waits for them to return. Interrupted
// jobs stay unfinished in the store and are picked up by Recover.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopRun()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Filename derives a download name from the job title.
func Filename(job conversion.Job, format audio.Format) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(job.Title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	name := strings.TrimSuffix(b.String(), "-")
	if len(name) > 60 {
		name = strings.TrimSuffix(name[:60], "-")
	}
	if name == "" {
		name = "conversion-" + job.ID
	}
	return name + "." + format.Extension()
}
