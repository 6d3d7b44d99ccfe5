package schema

import (
	"fmt"

	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/query"
)

type compiledColumn struct {
	Column
	path     path
	expand   bool
	fallback any // coerced default
}

// Normalizer applies one schema. It is immutable and safe for concurrent use.
type Normalizer struct {
	schema  *Schema
	columns []compiledColumn
	expand  path // shared list path for expand columns, nil when none
}

// NewNormalizer validates s and precompiles its paths.
func NewNormalizer(s *Schema) (*Normalizer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	n := &Normalizer{schema: s, columns: make([]compiledColumn, len(s.Columns))}
	for i, c := range s.Columns {
		p, _ := parsePath(c.SourcePath())
		def, _ := coerce(c.Type, c.Default)
		cc := compiledColumn{Column: c, path: p, fallback: def, expand: c.List == ListExpand}
		if cc.expand && n.expand == nil {
			n.expand = p
		}
		n.columns[i] = cc
	}
	return n, nil
}

// Schema returns the schema being applied.
func (n *Normalizer) Schema() *Schema { return n.schema }

// Normalize converts one record. It returns one row, or one row per element
// of the expand list (possibly none), or a *lwerr.SchemaMismatch.
func (n *Normalizer) Normalize(rec query.RawRecord) ([]Row, error) {
	shared := make([]any, len(n.columns))
	for i, c := range n.columns {
		if c.expand {
			continue
		}
		v, err := c.value(c.path.resolve(rec))
		if err != nil {
			return nil, err
		}
		shared[i] = v
	}

	if n.expand == nil {
		return []Row{{schema: n.schema, values: shared}}, nil
	}

	list, _ := n.expand.list(rec)
	rows := make([]Row, 0, len(list))
	for _, el := range list {
		values := make([]any, len(shared))
		copy(values, shared)
		for i, c := range n.columns {
			if !c.expand {
				continue
			}
			raw, ok := resolveTail(c.path.tail(), el)
			v, err := c.value(raw, ok)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		rows = append(rows, Row{schema: n.schema, values: values})
	}
	return rows, nil
}

func resolveTail(p path, el any) (any, bool) {
	if len(p) == 0 {
		return el, el != nil
	}
	return p.resolve(el)
}

// value applies presence, coercion and default rules to one extracted value.
func (c compiledColumn) value(raw any, present bool) (any, error) {
	if !present {
		if c.Required {
			return nil, &lwerr.SchemaMismatch{Column: c.Name, Reason: fmt.Sprintf("required field %s is missing", c.path)}
		}
		return c.fallback, nil
	}
	v, err := coerce(c.Type, raw)
	if err != nil {
		if c.Default != nil {
			return c.fallback, nil
		}
		return nil, &lwerr.SchemaMismatch{Column: c.Name, Reason: err.Error(), Value: raw}
	}
	return v, nil
}

// Mismatch records a skipped record.
type Mismatch struct {
	Index int // position in the input batch
	Err   *lwerr.SchemaMismatch
}

// BatchResult is the outcome of normalizing a batch. Empty counts records
// that normalized cleanly but produced no rows because their expand list was
// missing or empty.
type BatchResult struct {
	Rows       []Row
	Skipped    int
	Empty      int
	Mismatches []Mismatch
}

// maxKeptMismatches bounds the detail kept per batch; Skipped still counts all.
const maxKeptMismatches = 20

// NormalizeBatch normalizes records in order. Records that fail are skipped
// and counted; the rest of the batch continues.
func (n *Normalizer) NormalizeBatch(records []query.RawRecord) BatchResult {
	res := BatchResult{Rows: make([]Row, 0, len(records))}
	for i, rec := range records {
		rows, err := n.Normalize(rec)
		if err != nil {
			res.Skipped++
			if sm, ok := err.(*lwerr.SchemaMismatch); ok && len(res.Mismatches) < maxKeptMismatches {
				res.Mismatches = append(res.Mismatches, Mismatch{Index: i, Err: sm})
			}
			continue
		}
		if len(rows) == 0 {
			res.Empty++
			continue
		}
		res.Rows = append(res.Rows, rows...)
	}
	return res
}
