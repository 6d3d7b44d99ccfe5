package output

import (
	"strconv"
	"time"

	"github.com/hargabyte/lwreport/internal/schema"
)

// Table is a rectangular result: a header plus rows of values aligned with
// it. Values are string, int64, float64, bool, time.Time or nil. Types is
// optional; a "json" type marks cells holding JSON text.
type Table struct {
	Title   string
	Columns []string
	Types   []schema.Type
	Rows    [][]any
}

// FromRows builds a table in schema column order and input row order.
func FromRows(title string, s *schema.Schema, rows []schema.Row) Table {
	t := Table{
		Title:   title,
		Columns: s.ColumnNames(),
		Types:   make([]schema.Type, len(s.Columns)),
		Rows:    make([][]any, len(rows)),
	}
	for i, c := range s.Columns {
		t.Types[i] = c.Type
	}
	for i, r := range rows {
		t.Rows[i] = r.Values()
	}
	return t
}

func (t Table) isJSON(col int) bool {
	return col < len(t.Types) && t.Types[col] == schema.TypeJSON
}

// Cell renders one value as text. Nil is empty; times are RFC 3339 UTC.
func Cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	b, err := marshalJSON(v)
	if err != nil {
		return ""
	}
	return string(b)
}
