package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// Run is one pipeline execution of one report.
type Run struct {
	ID         string    `json:"run_id"`
	Report     string    `json:"report"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Status     string    `json:"status"`
	Records    int       `json:"records"`
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Rejected   int       `json:"rejected"`
	Skipped    int       `json:"skipped"`
	Gaps       int       `json:"gaps"`
	Error      string    `json:"error,omitempty"`
}

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// BeginRun records a new running run for report and returns it.
func (s *Store) BeginRun(ctx context.Context, report string) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		Report:    report,
		StartedAt: s.opts.Now().UTC(),
		Status:    RunRunning,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO lwr_runs (run_id, report, started_at, status) VALUES (?, ?, ?, ?)",
		run.ID, run.Report, run.StartedAt.Format(TimeLayout), run.Status)
	if err != nil {
		return Run{}, fmt.Errorf("begin run: %w", err)
	}
	return run, nil
}

// FinishRun stores the final counters and status of run.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = s.opts.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE lwr_runs SET
		finished_at = ?, status = ?, records = ?, inserted = ?, updated = ?,
		unchanged = ?, rejected = ?, skipped = ?, gaps = ?, error = ?
		WHERE run_id = ?`,
		run.FinishedAt.UTC().Format(TimeLayout), run.Status, run.Records, run.Inserted, run.Updated,
		run.Unchanged, run.Rejected, run.Skipped, run.Gaps, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `run_id, report, started_at, finished_at, status, records, inserted,
	updated, unchanged, rejected, skipped, gaps, error`

// Runs lists runs newest first. An empty report lists every report.
func (s *Store) Runs(ctx context.Context, report string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := "SELECT " + runColumns + " FROM lwr_runs"
	args := []any{}
	if report != "" {
		q += " WHERE report = ?"
		args = append(args, report)
	}
	q += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM lwr_runs WHERE run_id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run              Run
		started          string
		finished, errMsg sql.NullString
	)
	err := sc.Scan(&run.ID, &run.Report, &started, &finished, &run.Status, &run.Records,
		&run.Inserted, &run.Updated, &run.Unchanged, &run.Rejected, &run.Skipped, &run.Gaps, &errMsg)
	if err != nil {
		return Run{}, err
	}
	run.StartedAt, _ = time.Parse(TimeLayout, started)
	if finished.Valid {
		run.FinishedAt, _ = time.Parse(TimeLayout, finished.String)
	}
	run.Error = errMsg.String
	return run, nil
}
