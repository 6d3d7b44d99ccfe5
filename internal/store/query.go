package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hargabyte/lwreport/internal/schema"
)

// ErrNotReadOnly rejects statements other than a single SELECT or WITH.
var ErrNotReadOnly = errors.New("only a single SELECT or WITH statement is allowed")

// TablePlaceholder in a summary query is replaced by the report's table.
const TablePlaceholder = ":db_table"

// Result is a tabular query result. Byte values are returned as strings.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Query runs a read-only statement and collects every row.
func (s *Store) Query(ctx context.Context, stmt string, args ...any) (Result, error) {
	stmt = strings.TrimSpace(stmt)
	stmt = strings.TrimSuffix(stmt, ";")
	if !isReadOnly(stmt) {
		return Result{}, ErrNotReadOnly
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return Result{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}
	res := Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return Result{}, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}

// Summary runs a summary query against sc's table.
func (s *Store) Summary(ctx context.Context, sc *schema.Schema, stmt string) (Result, error) {
	return s.Query(ctx, strings.ReplaceAll(stmt, TablePlaceholder, quote(TableName(sc))))
}

func isReadOnly(stmt string) bool {
	if strings.Contains(stmt, ";") {
		return false
	}
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH":
		return true
	}
	return false
}
