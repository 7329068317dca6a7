// Package store persists task records, the dispatcher watermark, and the
// run audit log in SQLite. Timestamps are stored as UTC unix seconds so
// range comparisons are exact across drivers and locales.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskwise/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrWatermarkMoved means another invocation advanced the watermark
	// between this run's read and its write. The losing run must not
	// advance; its window may overlap one already processed.
	ErrWatermarkMoved = errors.New("watermark moved concurrently")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '',
  completed INTEGER NOT NULL DEFAULT 0,
  due_at INTEGER NOT NULL,
  owner_email TEXT NOT NULL DEFAULT '',
  owner_name TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(completed, due_at);
CREATE TABLE IF NOT EXISTS dispatch_watermark (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  scanned_through INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dispatch_runs (
  id TEXT PRIMARY KEY,
  window_start INTEGER NOT NULL,
  window_end INTEGER NOT NULL,
  matched INTEGER NOT NULL DEFAULT 0,
  sent INTEGER NOT NULL DEFAULT 0,
  failed INTEGER NOT NULL DEFAULT 0,
  fatal_error TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_runs_started ON dispatch_runs(started_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Store interface {
	// Task CRUD, used by the HTTP API.
	CreateTask(ctx context.Context, t domain.Task) (string, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, limit int) ([]domain.Task, error)
	CompleteTask(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error

	// FetchDue is the dispatcher's due-item query: every incomplete task
	// whose due instant falls in [w.Start, w.End). A snapshot read; row
	// order is unspecified. Zero matches is a nil error with an empty
	// slice, any query error aborts the caller's run.
	FetchDue(ctx context.Context, w domain.ScanWindow) ([]domain.Task, error)

	// Watermark returns the instant through which due tasks have been
	// fully processed; zero time if no run has completed yet.
	Watermark(ctx context.Context) (time.Time, error)
	// AdvanceWatermark moves the watermark from -> to. The write is a
	// compare-and-swap on the previously read value; ErrWatermarkMoved
	// reports a lost race with a concurrent invocation.
	AdvanceWatermark(ctx context.Context, from, to time.Time) error

	// Run audit log.
	RecordRun(ctx context.Context, s domain.RunSummary) error
	ListRuns(ctx context.Context, limit int) ([]domain.RunSummary, error)
}

type sqliteStore struct{ db *sql.DB }

func New(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) CreateTask(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id,title,details,completed,due_at,owner_email,owner_name,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, id, t.Title, t.Details, boolToInt(t.Completed), t.DueAt.UTC().Unix(), t.OwnerEmail, t.OwnerName, now.Unix(), now.Unix())
	return id, err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,title,details,completed,due_at,owner_email,owner_name,created_at,updated_at
FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,title,details,completed,due_at,owner_email,owner_name,created_at,updated_at
FROM tasks ORDER BY due_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *sqliteStore) CompleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET completed=1, updated_at=? WHERE id=?`, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) FetchDue(ctx context.Context, w domain.ScanWindow) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,title,details,completed,due_at,owner_email,owner_name,created_at,updated_at
FROM tasks
WHERE completed=0 AND due_at >= ? AND due_at < ?`, w.Start.UTC().Unix(), w.End.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *sqliteStore) Watermark(ctx context.Context) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT scanned_through FROM dispatch_watermark WHERE id=1`)
	var unix int64
	err := row.Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (s *sqliteStore) AdvanceWatermark(ctx context.Context, from, to time.Time) error {
	if from.IsZero() {
		// First completed run: insert, but lose gracefully if another
		// invocation got there first.
		res, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_watermark (id, scanned_through) VALUES (1, ?)
ON CONFLICT(id) DO NOTHING`, to.UTC().Unix())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrWatermarkMoved
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE dispatch_watermark SET scanned_through=? WHERE id=1 AND scanned_through=?`,
		to.UTC().Unix(), from.UTC().Unix())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWatermarkMoved
	}
	return nil
}

func (s *sqliteStore) RecordRun(ctx context.Context, r domain.RunSummary) error {
	id := r.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_runs (id,window_start,window_end,matched,sent,failed,fatal_error,started_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, id, r.WindowStart.UTC().Unix(), r.WindowEnd.UTC().Unix(), r.Matched, r.Sent, r.Failed, r.FatalError,
		r.StartedAt.UTC().Unix(), r.FinishedAt.UTC().Unix())
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,window_start,window_end,matched,sent,failed,fatal_error,started_at,finished_at
FROM dispatch_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunSummary
	for rows.Next() {
		var r domain.RunSummary
		var ws, we, sa, fa int64
		if err := rows.Scan(&r.ID, &ws, &we, &r.Matched, &r.Sent, &r.Failed, &r.FatalError, &sa, &fa); err != nil {
			return nil, err
		}
		r.WindowStart = time.Unix(ws, 0).UTC()
		r.WindowEnd = time.Unix(we, 0).UTC()
		r.StartedAt = time.Unix(sa, 0).UTC()
		r.FinishedAt = time.Unix(fa, 0).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var completed int
	var due, created, updated int64
	err := row.Scan(&t.ID, &t.Title, &t.Details, &completed, &due, &t.OwnerEmail, &t.OwnerName, &created, &updated)
	if err != nil {
		return domain.Task{}, err
	}
	t.Completed = completed != 0
	t.DueAt = time.Unix(due, 0).UTC()
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
