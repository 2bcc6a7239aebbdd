package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	maxErrorBytes = 16 * 1024

	// timeLayout is fixed-width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store persists the job log. It is observability only: nothing in the
// processing pipeline reads it back to decide what to do.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Begin inserts a running row for a job.
func (s *Store) Begin(ctx context.Context, req BeginRequest) error {
	if req.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	if req.Course == "" {
		return fmt.Errorf("course is empty")
	}
	if req.Bundle == "" {
		return fmt.Errorf("bundle is empty")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_log(id, course, bundle, fingerprint, workspace, status, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, req.ID, req.Course, req.Bundle, nullString(req.Fingerprint), nullString(req.Workspace),
		StatusRunning, s.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("begin job: %w", err)
	}
	return nil
}

// SetWorkspace records the workspace allocated for a running job.
func (s *Store) SetWorkspace(ctx context.Context, jobID, dir string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job_log SET workspace = ? WHERE id = ?;`, dir, jobID)
	if err != nil {
		return fmt.Errorf("set workspace: %w", err)
	}
	return requireOneRow(res, jobID)
}

// Complete marks a job terminal.
func (s *Store) Complete(ctx context.Context, jobID string, c Completion) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", c.Status)
	}

	var startedAtS string
	if err := s.db.QueryRowContext(ctx, `SELECT started_at FROM job_log WHERE id = ?;`, jobID).Scan(&startedAtS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := s.now().UTC()
	var durationMS any
	if started, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		durationMS = completedAt.Sub(started).Milliseconds()
	}

	var lastErr any
	if c.LastError != "" {
		msg := c.LastError
		if len(msg) > maxErrorBytes {
			msg = msg[:maxErrorBytes]
		}
		lastErr = msg
	}
	var exitCode any
	if c.ExitCode != nil {
		exitCode = *c.ExitCode
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE job_log
SET status = ?, exit_code = ?, completed_at = ?, duration_ms = ?, last_error = ?
WHERE id = ?;
`, c.Status, exitCode, completedAt.Format(timeLayout), durationMS, lastErr, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}
	return requireOneRow(res, jobID)
}

// Get returns a single job record.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, jobID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return r, nil
}

// List returns the most recent jobs, newest first. course may be empty to
// list every course.
func (s *Store) List(ctx context.Context, course string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if course == "" {
		rows, err = s.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectColumns+` WHERE course = ? ORDER BY started_at DESC, rowid DESC LIMIT ?;`, course, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByBundle reports how many times a bundle name has been picked up for a
// course. Reprocessing after a crash shows up here as a count above one.
func (s *Store) CountByBundle(ctx context.Context, course, bundle string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_log WHERE course = ? AND bundle = ?;`, course, bundle).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

const selectColumns = `
SELECT id, course, bundle, fingerprint, workspace, status, exit_code, started_at, completed_at, duration_ms, last_error
FROM job_log`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r            Record
		fingerprint  sql.NullString
		workspace    sql.NullString
		statusS      string
		exitCode     sql.NullInt64
		startedAtS   string
		completedAtS sql.NullString
		durationMS   sql.NullInt64
		lastError    sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Course, &r.Bundle, &fingerprint, &workspace, &statusS, &exitCode,
		&startedAtS, &completedAtS, &durationMS, &lastError); err != nil {
		return nil, err
	}

	r.Status = Status(statusS)
	r.Fingerprint = fingerprint.String
	r.Workspace = workspace.String
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	if durationMS.Valid {
		v := durationMS.Int64
		r.Duration = &v
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}

func requireOneRow(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
