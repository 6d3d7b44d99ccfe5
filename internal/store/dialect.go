package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hargabyte/lwreport/internal/schema"
)

// Bookkeeping columns added to every report table.
const (
	colVersion   = "_schema_version"
	colDigest    = "_digest"
	colRunID     = "_run_id"
	colFirstSeen = "_first_seen"
	colUpdatedAt = "_updated_at"
)

// TablePrefix is prepended to the schema name to form the table name.
const TablePrefix = "r_"

// TableName returns the table a schema's rows live in.
func TableName(s *schema.Schema) string {
	return TablePrefix + s.Name
}

type dialect struct {
	backend string
}

func quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (d dialect) columnType(t schema.Type, key bool) string {
	if d.backend == BackendDolt {
		switch t {
		case schema.TypeInt:
			return "BIGINT"
		case schema.TypeFloat:
			return "DOUBLE"
		case schema.TypeBool:
			return "BOOLEAN"
		case schema.TypeTimestamp:
			return "VARCHAR(40)"
		}
		if key {
			return "VARCHAR(512)"
		}
		return "LONGTEXT"
	}

	switch t {
	case schema.TypeInt, schema.TypeBool:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	}
	return "TEXT"
}

func (d dialect) textType(key bool) string {
	if d.backend == BackendDolt {
		if key {
			return "VARCHAR(64)"
		}
		return "LONGTEXT"
	}
	return "TEXT"
}

func (d dialect) createTable(s *schema.Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quote(TableName(s)))
	fmt.Fprintf(&b, "    %s INTEGER NOT NULL,\n", quote(colVersion))
	for _, c := range s.Columns {
		key := s.IsKey(c.Name)
		fmt.Fprintf(&b, "    %s %s", quote(c.Name), d.columnType(c.Type, key))
		if key {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "    %s %s NOT NULL,\n", quote(colDigest), d.textType(true))
	fmt.Fprintf(&b, "    %s %s,\n", quote(colRunID), d.textType(true))
	fmt.Fprintf(&b, "    %s %s NOT NULL,\n", quote(colFirstSeen), d.textType(true))
	fmt.Fprintf(&b, "    %s %s NOT NULL,\n", quote(colUpdatedAt), d.textType(true))

	pk := make([]string, 0, len(s.Key)+1)
	pk = append(pk, quote(colVersion))
	for _, k := range s.Key {
		pk = append(pk, quote(k))
	}
	fmt.Fprintf(&b, "    PRIMARY KEY (%s)\n)", strings.Join(pk, ", "))
	return b.String()
}

func (d dialect) addColumn(table string, c schema.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(table), quote(c.Name), d.columnType(c.Type, false))
}

// tableColumns returns the lower-cased column names of table, or nil when
// the table does not exist.
func (d dialect) tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if d.backend == BackendDolt {
		rows, err = db.QueryContext(ctx,
			"SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?", table)
	} else {
		rows, err = db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	}
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}
	return cols, nil
}

// keyWhere renders "_schema_version = ? AND k1 = ? ..." for s.
func keyWhere(s *schema.Schema) string {
	parts := make([]string, 0, len(s.Key)+1)
	parts = append(parts, quote(colVersion)+" = ?")
	for _, k := range s.Key {
		parts = append(parts, quote(k)+" = ?")
	}
	return strings.Join(parts, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
