package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hargabyte/lwreport/internal/schema"
)

// Change kinds reported by Delta.
const (
	ChangeAdded    = "added"
	ChangeModified = "modified"
)

// Change is one row that differs from the stored copy.
type Change struct {
	Kind     string         `json:"kind"`
	Key      []any          `json:"key"`
	Row      schema.Row     `json:"-"`
	Columns  []string       `json:"columns,omitempty"`  // modified columns
	Previous map[string]any `json:"previous,omitempty"` // stored values of Columns
}

// Delta compares rows with the stored table without writing anything.
// Unchanged rows and rows with a null key are omitted; the rest are
// returned in input order. A missing table makes every row added.
func (s *Store) Delta(ctx context.Context, sc *schema.Schema, rows []schema.Row) ([]Change, error) {
	existing, err := s.dialect.tableColumns(ctx, s.db, TableName(sc))
	if err != nil {
		return nil, err
	}

	// Columns added since the table was created read back as nil.
	cols := make([]string, 0, len(sc.Columns))
	for _, c := range sc.Columns {
		if existing[strings.ToLower(c.Name)] {
			cols = append(cols, quote(c.Name))
		} else {
			cols = append(cols, "NULL")
		}
	}

	var stmt *sql.Stmt
	if existing != nil {
		stmt, err = s.db.PrepareContext(ctx, fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s",
			quote(colDigest), strings.Join(cols, ", "), quote(TableName(sc)), keyWhere(sc)))
		if err != nil {
			return nil, fmt.Errorf("prepare delta: %w", err)
		}
		defer stmt.Close()
	}

	var changes []Change
	for _, r := range rows {
		if r.HasNullKey() {
			continue
		}
		if stmt == nil {
			changes = append(changes, Change{Kind: ChangeAdded, Key: r.Key(), Row: r})
			continue
		}

		sum, err := digest(r)
		if err != nil {
			return nil, err
		}

		raw := make([]any, len(sc.Columns)+1)
		dest := make([]any, len(raw))
		for i := range raw {
			dest[i] = &raw[i]
		}
		err = stmt.QueryRowContext(ctx, keyArgs(r)...).Scan(dest...)
		if errors.Is(err, sql.ErrNoRows) {
			changes = append(changes, Change{Kind: ChangeAdded, Key: r.Key(), Row: r})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read stored row: %w", err)
		}
		if stored, _ := schema.Coerce(schema.TypeString, raw[0]); stored == sum {
			continue
		}

		ch := Change{Kind: ChangeModified, Key: r.Key(), Row: r, Previous: map[string]any{}}
		for i, c := range sc.Columns {
			old, err := decode(c.Type, raw[i+1])
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", c.Name, err)
			}
			if encode(old) != encode(r.Values()[i]) {
				ch.Columns = append(ch.Columns, c.Name)
				ch.Previous[c.Name] = old
			}
		}
		if len(ch.Columns) > 0 {
			changes = append(changes, ch)
		}
	}
	return changes, nil
}
