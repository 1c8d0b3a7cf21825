// Package runlog keeps a local SQLite history of job runs so scheduler
// stats survive restarts.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultPath is used when RUNLOG_PATH is unset
const DefaultPath = "data/job_runs.db"

// Run statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Run is one finished job execution
type Run struct {
	ID         string    `json:"id"`
	JobName    string    `json:"job_name"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Totals counts finished runs of a job by status
type Totals struct {
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Store is the run history database
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and creates) the history database at path. ":memory:" keeps
// it in memory.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	// SQLite serialises writers; a single connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping run log: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Run log initialized at %s", path)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS job_runs (
			id VARCHAR PRIMARY KEY,
			job_name VARCHAR NOT NULL,
			trigger_type VARCHAR,
			status VARCHAR NOT NULL,
			attempts INTEGER,
			reason VARCHAR,
			error VARCHAR,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)
	`
	if _, err := s.db.Exec(runsTable); err != nil {
		return fmt.Errorf("failed to create job_runs table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs (job_name, finished_at)`); err != nil {
		return fmt.Errorf("failed to create job_runs index: %w", err)
	}
	return nil
}

// Record appends a finished run
func (s *Store) Record(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_name, trigger_type, status, attempts, reason, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobName, r.Trigger, r.Status, r.Attempts, r.Reason, r.Error,
		r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run of %s: %w", r.JobName, err)
	}
	return nil
}

// Recent returns the newest runs of a job, newest first
func (s *Store) Recent(ctx context.Context, jobName string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_name, trigger_type, status, attempts, reason, error, started_at, finished_at
		FROM job_runs WHERE job_name = ? ORDER BY finished_at DESC LIMIT ?`, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs of %s: %w", jobName, err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var trigger, reason, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.JobName, &trigger, &r.Status, &r.Attempts, &reason, &errText, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Trigger, r.Reason, r.Error = trigger.String, reason.String, errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Summary returns totals per job
func (s *Store) Summary(ctx context.Context) (map[string]Totals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_name, status, COUNT(*), MAX(finished_at)
		FROM job_runs GROUP BY job_name, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise runs: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]Totals)
	for rows.Next() {
		var job, status string
		var count int
		var last sql.NullString
		if err := rows.Scan(&job, &status, &count, &last); err != nil {
			return nil, err
		}
		t := totals[job]
		switch status {
		case StatusCompleted:
			t.Completed = count
		case StatusFailed:
			t.Failed = count
		case StatusSkipped:
			t.Skipped = count
		}
		if at, ok := parseTimestamp(last); ok && (t.LastRunAt == nil || at.After(*t.LastRunAt)) {
			t.LastRunAt = &at
		}
		totals[job] = t
	}
	return totals, rows.Err()
}

// Prune deletes runs finished before cutoff
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune run log: %w", err)
	}
	return res.RowsAffected()
}

// parseTimestamp reads aggregate timestamps, which SQLite returns as text
func parseTimestamp(v sql.NullString) (time.Time, bool) {
	if !v.Valid {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", "2006-01-02T15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999", time.RFC3339Nano} {
		if t, err := time.Parse(layout, v.String); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
