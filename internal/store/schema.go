package store

import (
	"context"
	"fmt"
)

// runsSQL defines the run log. Report tables are created on demand by
// EnsureTable.
func (d dialect) runsSQL() string {
	id := d.textType(true)
	text := d.textType(false)
	return `
CREATE TABLE IF NOT EXISTS lwr_runs (
    run_id ` + id + ` PRIMARY KEY,
    report ` + id + ` NOT NULL,
    started_at ` + id + ` NOT NULL,
    finished_at ` + id + `,
    status ` + id + ` NOT NULL,           -- running, success, partial, failed
    records INTEGER DEFAULT 0,
    inserted INTEGER DEFAULT 0,
    updated INTEGER DEFAULT 0,
    unchanged INTEGER DEFAULT 0,
    rejected INTEGER DEFAULT 0,
    skipped INTEGER DEFAULT 0,
    gaps INTEGER DEFAULT 0,
    error ` + text + `
)`
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.runsSQL()); err != nil {
		return fmt.Errorf("create lwr_runs: %w", err)
	}
	return nil
}
