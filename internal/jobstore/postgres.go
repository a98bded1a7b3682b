package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/narrate/internal/conversion"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initConversionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initConversionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source_text TEXT NOT NULL,
			voice TEXT NOT NULL,
			status TEXT NOT NULL,
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			result_ref TEXT NOT NULL DEFAULT '',
			error_segment INTEGER NULL,
			error_code TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT '',
			chunking_ms BIGINT NOT NULL DEFAULT 0,
			synthesis_ms BIGINT NOT NULL DEFAULT 0,
			assembly_ms BIGINT NOT NULL DEFAULT 0,
			total_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversions_status_created ON conversions (status, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS conversion_segments (
			conversion_id TEXT NOT NULL REFERENCES conversions(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			text TEXT NOT NULL,
			status TEXT NOT NULL,
			audio_ref TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (conversion_id, idx)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init conversion schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const conversionColumns = `id, title, source_text, voice, status, progress, result_ref,
	error_segment, error_code, error_detail, chunking_ms, synthesis_ms, assembly_ms, total_ms,
	created_at, updated_at, started_at, ended_at`

func (s *PostgresStore) Create(ctx context.Context, job conversion.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertConversion(ctx, tx, job); err != nil {
		return err
	}
	if err := upsertSegments(ctx, tx, job); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (conversion.Job, error) {
	return loadConversion(ctx, s.pool, id, false)
}

// Update locks the job row for the duration of fn.
func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*conversion.Job) error) (conversion.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return conversion.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := loadConversion(ctx, tx, id, true)
	if err != nil {
		return conversion.Job{}, err
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return current, err
	}
	if err := upsertConversion(ctx, tx, next); err != nil {
		return conversion.Job{}, err
	}
	if err := upsertSegments(ctx, tx, next); err != nil {
		return conversion.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return conversion.Job{}, fmt.Errorf("commit tx: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) List(ctx context.Context, opts conversion.ListOptions) ([]conversion.Job, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions`
	var args []any
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += ` WHERE status = ANY($1)`
	}
	if opts.NewestFirst {
		query += ` ORDER BY created_at DESC, id ASC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	var jobs []conversion.Job
	for rows.Next() {
		job, err := scanConversionRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversions rows: %w", err)
	}

	for i := range jobs {
		segs, err := loadSegments(ctx, s.pool, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Segments = segs
	}
	return jobs, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type dbtx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadConversion(ctx context.Context, q dbtx, id string, forUpdate bool) (conversion.Job, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	job, err := scanConversionRow(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return conversion.Job{}, notFound(id)
	}
	if err != nil {
		return conversion.Job{}, fmt.Errorf("load conversion %s: %w", id, err)
	}
	job.Segments, err = loadSegments(ctx, q, id)
	if err != nil {
		return conversion.Job{}, err
	}
	return job, nil
}

func loadSegments(ctx context.Context, q dbtx, id string) ([]conversion.Segment, error) {
	rows, err := q.Query(ctx,
		`SELECT idx, text, status, audio_ref, attempts, error
		 FROM conversion_segments WHERE conversion_id=$1 ORDER BY idx ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load segments for %s: %w", id, err)
	}
	defer rows.Close()

	segs := []conversion.Segment{}
	for rows.Next() {
		var (
			seg    conversion.Segment
			status string
		)
		if err := rows.Scan(&seg.Index, &seg.Text, &status, &seg.AudioRef, &seg.Attempts, &seg.Error); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Status = conversion.SegmentStatus(status)
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

func scanConversionRow(row pgx.Row) (conversion.Job, error) {
	var (
		job        conversion.Job
		voice      string
		status     string
		errSegment *int32
		errCode    string
		errDetail  string
		startedAt  *time.Time
		endedAt    *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.Title,
		&job.SourceText,
		&voice,
		&status,
		&job.Progress,
		&job.ResultRef,
		&errSegment,
		&errCode,
		&errDetail,
		&job.Timings.ChunkingMS,
		&job.Timings.SynthesisMS,
		&job.Timings.AssemblyMS,
		&job.Timings.TotalMS,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&endedAt,
	); err != nil {
		return conversion.Job{}, err
	}
	job.Voice = conversion.Voice(voice)
	job.Status = conversion.Status(status)
	if errCode != "" || errSegment != nil {
		info := conversion.ErrorInfo{SegmentIndex: -1, Code: errCode, Detail: errDetail}
		if errSegment != nil {
			info.SegmentIndex = int(*errSegment)
		}
		job.Error = &info
	}
	job.StartedAt = startedAt
	job.EndedAt = endedAt
	return job, nil
}

func upsertConversion(ctx context.Context, tx pgx.Tx, job conversion.Job) error {
	var (
		errSegment *int32
		errCode    string
		errDetail  string
	)
	if job.Error != nil {
		errCode = job.Error.Code
		errDetail = job.Error.Detail
		if job.Error.SegmentIndex >= 0 {
			v := int32(job.Error.SegmentIndex)
			errSegment = &v
		}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO conversions (`+conversionColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
		)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title,
			status=EXCLUDED.status,
			progress=EXCLUDED.progress,
			result_ref=EXCLUDED.result_ref,
			error_segment=EXCLUDED.error_segment,
			error_code=EXCLUDED.error_code,
			error_detail=EXCLUDED.error_detail,
			chunking_ms=EXCLUDED.chunking_ms,
			synthesis_ms=EXCLUDED.synthesis_ms,
			assembly_ms=EXCLUDED.assembly_ms,
			total_ms=EXCLUDED.total_ms,
			updated_at=EXCLUDED.updated_at,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at`,
		job.ID,
		job.Title,
		job.SourceText,
		string(job.Voice),
		string(job.Status),
		job.Progress,
		job.ResultRef,
		errSegment,
		errCode,
		errDetail,
		job.Timings.ChunkingMS,
		job.Timings.SynthesisMS,
		job.Timings.AssemblyMS,
		job.Timings.TotalMS,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert conversion: %w", err)
	}
	return nil
}

// upsertSegments writes every segment in one batch. Segment text never
// changes after creation, so only mutable columns are updated on conflict.
func upsertSegments(ctx context.Context, tx pgx.Tx, job conversion.Job) error {
	batch := &pgx.Batch{}
	for _, seg := range job.Segments {
		batch.Queue(
			`INSERT INTO conversion_segments (conversion_id, idx, text, status, audio_ref, attempts, error)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)
			 ON CONFLICT (conversion_id, idx) DO UPDATE SET
				status=EXCLUDED.status,
				audio_ref=EXCLUDED.audio_ref,
				attempts=EXCLUDED.attempts,
				error=EXCLUDED.error`,
			job.ID, seg.Index, seg.Text, string(seg.Status), seg.AudioRef, seg.Attempts, seg.Error,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert segments: %w", err)
	}
	return nil
}
