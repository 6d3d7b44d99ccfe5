package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/retry"
	"github.com/hargabyte/lwreport/internal/schema"
)

// UpsertStats counts what an Upsert did. Rows whose non-key columns match
// the stored copy are Unchanged and are not written.
type UpsertStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
}

// Add accumulates o into s.
func (s *UpsertStats) Add(o UpsertStats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Rejected += o.Rejected
	s.Failed += o.Failed
}

// Written returns the number of rows inserted or updated.
func (s UpsertStats) Written() int {
	return s.Inserted + s.Updated
}

// EnsureTable creates the table for sc, or adds columns the stored table is
// missing. Columns are never dropped or retyped.
func (s *Store) EnsureTable(ctx context.Context, sc *schema.Schema) error {
	table := TableName(sc)
	existing, err := s.dialect.tableColumns(ctx, s.db, table)
	if err != nil {
		return err
	}
	if existing == nil {
		if _, err := s.db.ExecContext(ctx, s.dialect.createTable(sc)); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		return nil
	}

	for _, c := range sc.Columns {
		if existing[strings.ToLower(c.Name)] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, s.dialect.addColumn(table, c)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
		s.opts.Logger.Info("added column", "table", table, "column", c.Name, "type", c.Type)
	}
	return nil
}

// HasTable reports whether sc's table exists.
func (s *Store) HasTable(ctx context.Context, sc *schema.Schema) (bool, error) {
	existing, err := s.dialect.tableColumns(ctx, s.db, TableName(sc))
	if err != nil {
		return false, err
	}
	return existing != nil, nil
}

// DropTable removes the table for sc if it exists.
func (s *Store) DropTable(ctx context.Context, sc *schema.Schema) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(TableName(sc))); err != nil {
		return fmt.Errorf("drop table %s: %w", TableName(sc), err)
	}
	return nil
}

// Upsert writes rows in batches, one transaction per batch. A batch that
// fails is retried once; if it fails again its rows are counted as Failed and
// Upsert moves on to the next batch. The returned error joins one
// PersistenceError per abandoned batch, naming its row offsets; every other
// batch is committed and counted in the returned stats.
func (s *Store) Upsert(ctx context.Context, sc *schema.Schema, rows []schema.Row, runID string) (UpsertStats, error) {
	var total UpsertStats
	if len(rows) == 0 {
		return total, nil
	}
	if err := ctx.Err(); err != nil {
		return total, err
	}
	if err := s.EnsureTable(ctx, sc); err != nil {
		return total, &lwerr.PersistenceError{Table: TableName(sc), From: 0, To: len(rows), Err: err}
	}

	table := TableName(sc)
	var errs []error
	for from := 0; from < len(rows); from += s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		to := min(from+s.opts.BatchSize, len(rows))
		batch := rows[from:to]

		var stats UpsertStats
		err := retry.Do(ctx, s.opts.Retry, s.opts.Sleep, func(attempt int) error {
			if attempt > 0 {
				s.opts.Logger.Warn("retrying batch", "table", table, "from", from, "to", to)
			}
			var err error
			stats, err = s.upsertBatch(ctx, sc, batch, runID)
			if err != nil && ctx.Err() != nil {
				return retry.Stop(err)
			}
			return err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return total, ctxErr
			}
			s.opts.Logger.Error("abandoned batch", "table", table, "from", from, "to", to, "err", err)
			errs = append(errs, &lwerr.PersistenceError{Table: table, From: from, To: to, Err: err})
			total.Failed += len(batch)
			s.opts.Observer.RowsUpserted(table, "failed", len(batch))
			continue
		}

		total.Add(stats)
		s.opts.Observer.RowsUpserted(table, "inserted", stats.Inserted)
		s.opts.Observer.RowsUpserted(table, "updated", stats.Updated)
		s.opts.Observer.RowsUpserted(table, "unchanged", stats.Unchanged)
		s.opts.Observer.RowsUpserted(table, "rejected", stats.Rejected)
	}

	s.opts.Logger.Debug("upserted rows", "table", table, "inserted", total.Inserted,
		"updated", total.Updated, "unchanged", total.Unchanged, "rejected", total.Rejected, "failed", total.Failed)
	return total, errors.Join(errs...)
}

func (s *Store) upsertBatch(ctx context.Context, sc *schema.Schema, batch []schema.Row, runID string) (UpsertStats, error) {
	var stats UpsertStats
	table := quote(TableName(sc))

	cols := make([]string, 0, len(sc.Columns)+5)
	cols = append(cols, quote(colVersion))
	var sets []string
	for _, c := range sc.Columns {
		cols = append(cols, quote(c.Name))
		if !sc.IsKey(c.Name) {
			sets = append(sets, quote(c.Name)+" = ?")
		}
	}
	cols = append(cols, quote(colDigest), quote(colRunID), quote(colFirstSeen), quote(colUpdatedAt))
	sets = append(sets, quote(colDigest)+" = ?", quote(colRunID)+" = ?", quote(colUpdatedAt)+" = ?")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	selStmt, err := tx.PrepareContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s", quote(colDigest), table, keyWhere(sc)))
	if err != nil {
		return stats, fmt.Errorf("prepare select: %w", err)
	}
	defer selStmt.Close()

	insStmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols))))
	if err != nil {
		return stats, fmt.Errorf("prepare insert: %w", err)
	}
	defer insStmt.Close()

	updStmt, err := tx.PrepareContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		table, strings.Join(sets, ", "), keyWhere(sc)))
	if err != nil {
		return stats, fmt.Errorf("prepare update: %w", err)
	}
	defer updStmt.Close()

	now := s.opts.Now().UTC().Format(TimeLayout)
	for _, r := range batch {
		if r.HasNullKey() {
			stats.Rejected++
			continue
		}

		sum, err := digest(r)
		if err != nil {
			return stats, err
		}
		key := keyArgs(r)

		var stored string
		err = selStmt.QueryRowContext(ctx, key...).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			args := make([]any, 0, len(cols))
			args = append(args, sc.Version)
			for _, v := range r.Values() {
				args = append(args, encode(v))
			}
			args = append(args, sum, runID, now, now)
			if _, err := insStmt.ExecContext(ctx, args...); err != nil {
				return stats, fmt.Errorf("insert row: %w", err)
			}
			stats.Inserted++
		case err != nil:
			return stats, fmt.Errorf("read stored row: %w", err)
		case stored == sum:
			stats.Unchanged++
		default:
			args := make([]any, 0, len(sets)+len(key))
			for i, c := range sc.Columns {
				if !sc.IsKey(c.Name) {
					args = append(args, encode(r.Values()[i]))
				}
			}
			args = append(args, sum, runID, now)
			args = append(args, key...)
			if _, err := updStmt.ExecContext(ctx, args...); err != nil {
				return stats, fmt.Errorf("update row: %w", err)
			}
			stats.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit transaction: %w", err)
	}
	return stats, nil
}

// Rows reads up to limit stored rows of sc's current version, ordered by key.
// A limit of zero or less reads every row.
func (s *Store) Rows(ctx context.Context, sc *schema.Schema, limit int) ([]schema.Row, error) {
	cols := make([]string, len(sc.Columns))
	for i, c := range sc.Columns {
		cols[i] = quote(c.Name)
	}
	order := make([]string, len(sc.Key))
	for i, k := range sc.Key {
		order[i] = quote(k)
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
		strings.Join(cols, ", "), quote(TableName(sc)), quote(colVersion), strings.Join(order, ", "))
	args := []any{sc.Version}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", TableName(sc), err)
	}
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		r, err := scanRow(rows, sc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of stored rows of sc's current version.
func (s *Store) Count(ctx context.Context, sc *schema.Schema) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", quote(TableName(sc)), quote(colVersion)),
		sc.Version).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", TableName(sc), err)
	}
	return n, nil
}

func scanRow(sc scanner, s *schema.Schema) (schema.Row, error) {
	raw := make([]any, len(s.Columns))
	dest := make([]any, len(s.Columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := sc.Scan(dest...); err != nil {
		return schema.Row{}, err
	}
	for i, c := range s.Columns {
		v, err := decode(c.Type, raw[i])
		if err != nil {
			return schema.Row{}, fmt.Errorf("decode %s: %w", c.Name, err)
		}
		raw[i] = v
	}
	return schema.NewRow(s, raw), nil
}
