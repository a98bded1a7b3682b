package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antoniostano/narrate/internal/conversion"
)

// SQLiteStore keeps one row per job; segments and error info are JSON
// columns. Timestamps are unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serializes read-modify-write cycles within this process.
	writeMu sync.Mutex
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    source_text TEXT NOT NULL,
    voice TEXT NOT NULL,
    status TEXT NOT NULL,
    progress REAL NOT NULL DEFAULT 0,
    result_ref TEXT NOT NULL DEFAULT '',
    error_json TEXT NOT NULL DEFAULT '',
    segments_json TEXT NOT NULL,
    timings_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    started_at INTEGER NULL,
    ended_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_conversions_status_created ON conversions(status, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

const sqliteColumns = `id, title, source_text, voice, status, progress, result_ref, error_json,
	segments_json, timings_json, created_at, updated_at, started_at, ended_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) Create(ctx context.Context, job conversion.Job) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	args, err := sqliteArgs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversions (`+sqliteColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return fmt.Errorf("insert conversion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (conversion.Job, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, id string) (conversion.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM conversions WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conversion.Job{}, notFound(id)
	}
	if err != nil {
		return conversion.Job{}, fmt.Errorf("load conversion %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*conversion.Job) error) (conversion.Job, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conversion.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.get(ctx, tx, id)
	if err != nil {
		return conversion.Job{}, err
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return current, err
	}
	args, err := sqliteArgs(next)
	if err != nil {
		return conversion.Job{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversions SET title=?, source_text=?, voice=?, status=?, progress=?, result_ref=?,
			error_json=?, segments_json=?, timings_json=?, created_at=?, updated_at=?, started_at=?, ended_at=?
		 WHERE id=?`,
		append(args[1:], id)...)
	if err != nil {
		return conversion.Job{}, fmt.Errorf("update conversion %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return conversion.Job{}, fmt.Errorf("commit conversion %s: %w", id, err)
	}
	return next, nil
}

func (s *SQLiteStore) List(ctx context.Context, opts conversion.ListOptions) ([]conversion.Job, error) {
	query := `SELECT ` + sqliteColumns + ` FROM conversions`
	var args []any
	if len(opts.Statuses) > 0 {
		marks := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	if opts.NewestFirst {
		query += ` ORDER BY created_at DESC, id ASC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	defer rows.Close()

	var out []conversion.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteArgs(job conversion.Job) ([]any, error) {
	segments, err := json.Marshal(job.Segments)
	if err != nil {
		return nil, fmt.Errorf("encode segments: %w", err)
	}
	timings, err := json.Marshal(job.Timings)
	if err != nil {
		return nil, fmt.Errorf("encode timings: %w", err)
	}
	errJSON := ""
	if job.Error != nil {
		b, err := json.Marshal(job.Error)
		if err != nil {
			return nil, fmt.Errorf("encode error info: %w", err)
		}
		errJSON = string(b)
	}
	return []any{
		job.ID,
		job.Title,
		job.SourceText,
		string(job.Voice),
		string(job.Status),
		job.Progress,
		job.ResultRef,
		errJSON,
		string(segments),
		string(timings),
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
		nanosOrNil(job.StartedAt),
		nanosOrNil(job.EndedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (conversion.Job, error) {
	var (
		job                       conversion.Job
		voice, status             string
		errJSON, segJSON, timJSON string
		createdAt, updatedAt      int64
		startedAt, endedAt        sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.Title, &job.SourceText, &voice, &status, &job.Progress,
		&job.ResultRef, &errJSON, &segJSON, &timJSON, &createdAt, &updatedAt, &startedAt, &endedAt); err != nil {
		return conversion.Job{}, err
	}
	job.Voice = conversion.Voice(voice)
	job.Status = conversion.Status(status)
	if err := json.Unmarshal([]byte(segJSON), &job.Segments); err != nil {
		return conversion.Job{}, fmt.Errorf("decode segments: %w", err)
	}
	if err := json.Unmarshal([]byte(timJSON), &job.Timings); err != nil {
		return conversion.Job{}, fmt.Errorf("decode timings: %w", err)
	}
	if errJSON != "" {
		var info conversion.ErrorInfo
		if err := json.Unmarshal([]byte(errJSON), &info); err != nil {
			return conversion.Job{}, fmt.Errorf("decode error info: %w", err)
		}
		job.Error = &info
	}
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	job.StartedAt = timeOrNil(startedAt)
	job.EndedAt = timeOrNil(endedAt)
	return job, nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
