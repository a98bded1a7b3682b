// Package dispatcher runs the segments of one conversion through the
// synthesis backend with bounded concurrency.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/antoniostano/narrate/internal/audio"
	"github.com/antoniostano/narrate/internal/blob"
	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/observability"
	"github.com/antoniostano/narrate/internal/redact"
	"github.com/antoniostano/narrate/internal/reliability"
	"github.com/antoniostano/narrate/internal/synthesis"
)

type Config struct {
	// Workers is the per-job pool size.
	Workers int
	// MaxInflight bounds synthesis calls across all jobs of this dispatcher.
	MaxInflight int
	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int
	RetryBase     time.Duration
	RetryCap      time.Duration
	// CallTimeout bounds each synthesis call.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 16
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 20 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	return c
}

// Assembler merges finished segments into one stored artifact.
type Assembler interface {
	Assemble(ctx context.Context, segments []conversion.Segment) (string, audio.Format, error)
}

type Deps struct {
	Client    synthesis.Client
	Store     conversion.Store
	Blobs     blob.Store
	Assembler Assembler
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	// Publish is called with every snapshot written to the store.
	Publish func(conversion.Job)
}

type Dispatcher struct {
	cfg       Config
	client    synthesis.Client
	store     conversion.Store
	blobs     blob.Store
	assembler Assembler
	ceiling   *semaphore.Weighted
	metrics   *observability.Metrics
	logger    *slog.Logger
	publish   func(conversion.Job)
	tracer    trace.Tracer
	now       func() time.Time
}

func New(cfg Config, deps Deps) *Dispatcher {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	publish := deps.Publish
	if publish == nil {
		publish = func(conversion.Job) {}
	}
	return &Dispatcher{
		cfg:       cfg,
		client:    deps.Client,
		store:     deps.Store,
		blobs:     deps.Blobs,
		assembler: deps.Assembler,
		ceiling:   semaphore.NewWeighted(int64(cfg.MaxInflight)),
		metrics:   deps.Metrics,
		logger:    logger.With(slog.String("component", "dispatcher")),
		publish:   publish,
		tracer:    otel.Tracer("narrate/dispatcher"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Outcome is the state a Run left the job in. Interrupted means the process
// context ended before the job reached a terminal state.
type Outcome struct {
	Job         conversion.Job
	Interrupted bool
}

func (o Outcome) Status() conversion.Status {
	return o.Job.Status
}

type eventKind int

const (
	evClaimed eventKind = iota
	evDone
	evFailed
	evReleased
)

type event struct {
	kind     eventKind
	index    int
	ref      string
	attempts int
	err      error
}

// Run drives job id until it is completed, failed or cancelled. Closing
// cancelled requests cooperative cancellation: no new segment is claimed,
// in-flight calls finish and their audio is discarded. ctx is the process
// lifetime; when it ends the job is left as is for a later Run to resume.
func (d *Dispatcher) Run(ctx context.Context, id string, cancelled <-chan struct{}) (Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "conversion.run", trace.WithAttributes(attribute.String("conversion.id", id)))
	defer span.End()

	job, err := d.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if job.Terminal() {
		return Outcome{Job: job}, nil
	}
	logger := d.logger.With(slog.String("job_id", id))

	if d.metrics != nil {
		d.metrics.JobsActive.Inc()
		defer d.metrics.JobsActive.Dec()
	}

	r := &run{
		d:         d,
		job:       job,
		logger:    logger,
		cancelled: cancelled,
		events:    make(chan event, d.cfg.Workers),
	}
	r.stopCtx, r.stop = context.WithCancel(ctx)
	defer r.stop()

	r.voice = job.Voice
	r.texts = make([]string, len(job.Segments))
	for _, seg := range job.Segments {
		r.texts[seg.Index] = seg.Text
		if seg.Status != conversion.SegmentDone {
			r.pending = append(r.pending, seg.Index)
		}
	}

	synthStart := d.now()
	if len(r.pending) > 0 {
		r.dispatch(ctx)
	}
	synthElapsed := d.now().Sub(synthStart)

	if ctx.Err() != nil {
		return Outcome{Job: r.job, Interrupted: true}, ctx.Err()
	}
	return r.finish(ctx, synthElapsed, span)
}

// run is the state of one Run call. job is owned by the coordinator.
type run struct {
	d         *Dispatcher
	job       conversion.Job
	logger    *slog.Logger
	cancelled <-chan struct{}
	events    chan event

	stopCtx context.Context
	stop    context.CancelFunc

	// texts and voice are read by workers; job is not.
	texts []string
	voice conversion.Voice

	claimMu sync.Mutex
	pending []int
	next    int

	cancelSeen bool
	failure    *conversion.ErrorInfo
}

func (r *run) dispatch(ctx context.Context) {
	var g errgroup.Group
	workers := r.d.cfg.Workers
	if workers > len(r.pending) {
		workers = len(r.pending)
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			r.work(ctx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(r.events)
	}()

	cancelCh := r.cancelled
	for {
		select {
		case <-cancelCh:
			cancelCh = nil
			if r.failure == nil {
				r.cancelSeen = true
				r.logger.Info("cancellation requested, draining")
			}
			r.stop()
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.apply(ctx, ev)
		}
	}
}

// claim hands out the next segment index, or false once the run stopped.
func (r *run) claim() (int, bool) {
	select {
	case <-r.cancelled:
		return 0, false
	default:
	}
	if r.stopCtx.Err() != nil {
		return 0, false
	}
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	if r.next >= len(r.pending) {
		return 0, false
	}
	idx := r.pending[r.next]
	r.next++
	return idx, true
}

func (r *run) work(ctx context.Context) {
	for {
		idx, ok := r.claim()
		if !ok {
			return
		}
		r.events <- event{kind: evClaimed, index: idx}
		ev := r.synthesizeSegment(ctx, idx)
		if ev.kind == evFailed {
			// Nothing else gets claimed once one segment has failed.
			r.stop()
		}
		r.events <- ev
	}
}

// synthesizeSegment makes up to 1+RetryAttempts calls for one segment.
func (r *run) synthesizeSegment(ctx context.Context, idx int) event {
	cfg := r.d.cfg
	text := r.texts[idx]
	voice := r.voice

	var lastErr error
	for attempt := 1; attempt <= cfg.RetryAttempts+1; attempt++ {
		if err := r.d.ceiling.Acquire(r.stopCtx, 1); err != nil {
			return event{kind: evReleased, index: idx, attempts: attempt - 1, err: lastErr}
		}
		ref, err := r.attempt(ctx, idx, attempt, text, voice)
		r.d.ceiling.Release(1)
		if err == nil {
			return event{kind: evDone, index: idx, ref: ref, attempts: attempt}
		}
		lastErr = err
		if ctx.Err() != nil {
			return event{kind: evReleased, index: idx, attempts: attempt, err: err}
		}

		kind, hint := synthesis.Classify(err)
		if kind == synthesis.KindPermanent || attempt > cfg.RetryAttempts {
			return event{kind: evFailed, index: idx, attempts: attempt, err: err}
		}

		delay := reliability.RetryDelay(attempt-1, hint, cfg.RetryBase, cfg.RetryCap)
		r.logger.Warn("segment synthesis failed, retrying",
			slog.Int("segment", idx),
			slog.Int("attempt", attempt),
			slog.String("kind", kind.String()),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-r.stopCtx.Done():
			t.Stop()
			return event{kind: evReleased, index: idx, attempts: attempt, err: err}
		}
	}
	return event{kind: evFailed, index: idx, attempts: cfg.RetryAttempts + 1, err: lastErr}
}

// attempt performs one call. The call context derives from the process
// context, not the cancellation signal, so a cancelled job's in-flight call
// still completes.
func (r *run) attempt(ctx context.Context, idx, attempt int, text string, voice conversion.Voice) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.d.cfg.CallTimeout)
	defer cancel()
	callCtx, span := r.d.tracer.Start(callCtx, "segment.synthesize", trace.WithAttributes(
		attribute.Int("segment.index", idx),
		attribute.Int("segment.attempt", attempt),
		attribute.Int("segment.chars", len([]rune(text))),
	))
	defer span.End()

	m := r.d.metrics
	if m != nil {
		m.SynthesisInflight.Inc()
	}
	start := time.Now()
	audio, err := r.d.client.Synthesize(callCtx, text, voice)
	if m != nil {
		m.SynthesisInflight.Dec()
		outcome := "ok"
		if err != nil {
			outcome = synthesis.Code(err)
		}
		m.ObserveSynthesis(outcome, time.Since(start))
	}
	if err == nil && len(audio) == 0 {
		err = synthesis.Transient("empty audio")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	ref, err := r.d.blobs.Put(callCtx, audio)
	if err != nil {
		span.RecordError(err)
		return "", &synthesis.Error{Kind: synthesis.KindTransient, Message: "store segment audio", Err: err}
	}
	return ref, nil
}

func (r *run) stopped() bool {
	return r.cancelSeen || r.failure != nil
}

// apply folds one worker event into the job and publishes it. It runs only
// on the coordinator goroutine.
func (r *run) apply(ctx context.Context, ev event) {
	// A cancellation requested before this event was handled wins over it.
	if !r.stopped() {
		select {
		case <-r.cancelled:
			r.cancelSeen = true
			r.stop()
		default:
		}
	}
	if ev.kind == evDone && r.stopped() {
		r.discard(ev.ref)
		ev = event{kind: evReleased, index: ev.index, attempts: ev.attempts}
	}

	var firstFailure bool
	r.update(ctx, func(j *conversion.Job) error {
		seg := &j.Segments[ev.index]
		switch ev.kind {
		case evClaimed:
			seg.Status = conversion.SegmentInFlight
			if j.Status == conversion.StatusPending {
				if err := j.TransitionTo(conversion.StatusProcessing, r.d.now()); err != nil {
					return err
				}
			}
		case evDone:
			seg.Status = conversion.SegmentDone
			seg.AudioRef = ev.ref
			seg.Attempts += ev.attempts
			seg.Error = ""
		case evFailed:
			seg.Status = conversion.SegmentFailed
			seg.Attempts += ev.attempts
			seg.Error = errString(ev.err)
			if r.failure == nil && !r.cancelSeen {
				firstFailure = true
			}
		case evReleased:
			seg.Status = conversion.SegmentQueued
			seg.Attempts += ev.attempts
			if ev.err != nil {
				seg.Error = errString(ev.err)
			}
		}
		j.UpdatedAt = r.d.now()
		j.RecomputeProgress()
		return nil
	})

	if firstFailure {
		r.failure = &conversion.ErrorInfo{
			SegmentIndex: ev.index,
			Code:         synthesis.Code(ev.err),
			Detail:       errString(ev.err),
		}
		r.logger.Error("segment failed, stopping job",
			slog.Int("segment", ev.index),
			slog.String("error", errString(ev.err)))
		r.stop()
	}
}

// update writes through the store and keeps the coordinator's copy in sync.
// Store errors are logged; the in-memory snapshot stays authoritative for
// the rest of the run.
func (r *run) update(ctx context.Context, fn func(*conversion.Job) error) {
	updated, err := r.d.store.Update(ctx, r.job.ID, fn)
	if err != nil {
		if errors.Is(err, conversion.ErrTerminalState) {
			r.logger.Warn("job already terminal, ignoring update")
			return
		}
		r.logger.Error("persist job update failed", slog.String("error", err.Error()))
		local := r.job.Clone()
		if fnErr := fn(&local); fnErr == nil {
			r.job = local
		}
		return
	}
	r.job = updated
	r.d.publish(updated.Clone())
}

func (r *run) discard(ref string) {
	if ref == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.d.blobs.Delete(ctx, ref); err != nil {
		r.logger.Warn("discard segment audio failed", slog.String("ref", ref), slog.String("error", err.Error()))
	}
}

// finish applies the terminal transition once all workers have drained.
func (r *run) finish(ctx context.Context, synthElapsed time.Duration, span trace.Span) (Outcome, error) {
	if !r.cancelSeen && r.failure == nil {
		select {
		case <-r.cancelled:
			r.cancelSeen = true
		default:
		}
	}

	switch {
	case r.failure != nil:
		info := *r.failure
		r.terminate(ctx, func(j *conversion.Job) error {
			j.Timings.SynthesisMS = synthElapsed.Milliseconds()
			return j.Fail(info, r.d.now())
		})
	case r.cancelSeen:
		r.terminate(ctx, func(j *conversion.Job) error {
			j.Timings.SynthesisMS = synthElapsed.Milliseconds()
			return j.TransitionTo(conversion.StatusCancelled, r.d.now())
		})
	default:
		r.complete(ctx, synthElapsed)
	}

	r.releaseSegmentAudio()
	if r.d.metrics != nil && r.job.Terminal() {
		r.d.metrics.ObserveFinished(string(r.job.Status))
		r.d.metrics.ObserveStage(observability.StageSynthesis, synthElapsed)
		// Submit to artifact, including time spent queued before the first claim.
		if r.job.Status == conversion.StatusCompleted && r.job.EndedAt != nil {
			r.d.metrics.ObserveStage(observability.StageJobTotal, r.job.EndedAt.Sub(r.job.CreatedAt))
		}
	}
	span.SetAttributes(attribute.String("conversion.status", string(r.job.Status)))
	if r.job.Status == conversion.StatusFailed {
		span.SetStatus(codes.Error, "conversion failed")
	}
	if !r.job.Terminal() {
		return Outcome{Job: r.job}, fmt.Errorf("job %s left in %s", r.job.ID, r.job.Status)
	}
	return Outcome{Job: r.job}, nil
}

func (r *run) complete(ctx context.Context, synthElapsed time.Duration) {
	if r.job.DoneCount() != len(r.job.Segments) {
		r.terminate(ctx, func(j *conversion.Job) error {
			return j.Fail(conversion.ErrorInfo{SegmentIndex: -1, Code: "incomplete", Detail: "not every segment produced audio"}, r.d.now())
		})
		return
	}

	// A job with nothing left to synthesize (resumed after all segments
	// finished) never saw a claim.
	if r.job.Status == conversion.StatusPending {
		r.update(ctx, func(j *conversion.Job) error {
			return j.TransitionTo(conversion.StatusProcessing, r.d.now())
		})
	}

	start := time.Now()
	ref, format, err := r.d.assembler.Assemble(ctx, r.job.Segments)
	elapsed := time.Since(start)
	if r.d.metrics != nil {
		r.d.metrics.AssemblyLatency.Observe(float64(elapsed.Milliseconds()))
		r.d.metrics.ObserveStage(observability.StageAssembly, elapsed)
	}
	if err != nil {
		r.logger.Error("assembly failed", slog.String("error", err.Error()))
		r.terminate(ctx, func(j *conversion.Job) error {
			j.Timings.SynthesisMS = synthElapsed.Milliseconds()
			j.Timings.AssemblyMS = elapsed.Milliseconds()
			return j.Fail(conversion.ErrorInfo{SegmentIndex: -1, Code: "assembly", Detail: err.Error()}, r.d.now())
		})
		return
	}

	select {
	case <-r.cancelled:
		r.discard(ref)
		r.cancelSeen = true
		r.terminate(ctx, func(j *conversion.Job) error {
			j.Timings.SynthesisMS = synthElapsed.Milliseconds()
			j.Timings.AssemblyMS = elapsed.Milliseconds()
			return j.TransitionTo(conversion.StatusCancelled, r.d.now())
		})
		return
	default:
	}

	r.logger.Info("artifact assembled", slog.String("format", string(format)), slog.Int("segments", len(r.job.Segments)))
	r.terminate(ctx, func(j *conversion.Job) error {
		j.ResultRef = ref
		j.Timings.SynthesisMS = synthElapsed.Milliseconds()
		j.Timings.AssemblyMS = elapsed.Milliseconds()
		return j.TransitionTo(conversion.StatusCompleted, r.d.now())
	})
	if r.job.Status != conversion.StatusCompleted {
		r.discard(ref)
	}
}

// terminate writes a terminal transition. A job that some other path already
// finished keeps that state.
func (r *run) terminate(ctx context.Context, fn func(*conversion.Job) error) {
	updated, err := r.d.store.Update(ctx, r.job.ID, fn)
	if err != nil {
		if errors.Is(err, conversion.ErrTerminalState) {
			r.job = updated
			r.logger.Info("job finished elsewhere", slog.String("status", string(updated.Status)))
			return
		}
		r.logger.Error("persist terminal state failed", slog.String("error", err.Error()))
		return
	}
	r.job = updated
	r.logger.Info("job finished",
		slog.String("status", string(updated.Status)),
		slog.Float64("progress", updated.Progress),
		slog.Int64("total_ms", updated.Timings.TotalMS))
	r.d.publish(updated.Clone())
}

// releaseSegmentAudio deletes per-segment blobs of a finished job.
func (r *run) releaseSegmentAudio() {
	if !r.job.Terminal() {
		return
	}
	for _, seg := range r.job.Segments {
		r.discard(seg.AudioRef)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return redact.String(err.Error())
}
