// Package query holds the request-side data model shared by the API client,
// the orchestrator and report definitions.
package query

import (
	"fmt"
	"time"
)

// RawRecord is one entity as returned by the platform API, before normalization.
type RawRecord = map[string]any

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Last returns the range ending at now and spanning d.
func Last(d time.Duration, now time.Time) TimeRange {
	now = now.UTC()
	return TimeRange{Start: now.Add(-d), End: now}
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// IsZero reports whether neither bound is set.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Validate checks that the range is non-empty and ordered.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("time range needs both start and end")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("time range end %s is not after start %s",
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

func (r TimeRange) String() string {
	return r.Start.UTC().Format(time.RFC3339) + ".." + r.End.UTC().Format(time.RFC3339)
}

// Split cuts r into contiguous sub-ranges no longer than window, in time order.
// A non-positive window or a range that already fits returns r unchanged.
func (r TimeRange) Split(window time.Duration) []TimeRange {
	if window <= 0 || r.Duration() <= window {
		return []TimeRange{r}
	}
	n := int(r.Duration() / window)
	if r.Duration()%window != 0 {
		n++
	}
	parts := make([]TimeRange, 0, n)
	for start := r.Start; start.Before(r.End); start = start.Add(window) {
		end := start.Add(window)
		if end.After(r.End) {
			end = r.End
		}
		parts = append(parts, TimeRange{Start: start, End: end})
	}
	return parts
}

// Expression is a filter comparison operator understood by the API.
type Expression string

const (
	ExprEq    Expression = "eq"
	ExprNe    Expression = "ne"
	ExprIn    Expression = "in"
	ExprNotIn Expression = "not_in"
	ExprRlike Expression = "rlike"
	ExprGt    Expression = "gt"
	ExprGe    Expression = "ge"
	ExprLt    Expression = "lt"
	ExprLe    Expression = "le"
)

// ValidExpressions lists every supported Expression.
var ValidExpressions = []Expression{ExprEq, ExprNe, ExprIn, ExprNotIn, ExprRlike, ExprGt, ExprGe, ExprLt, ExprLe}

// Filter is one field predicate. In and NotIn use Values, the rest use Value.
type Filter struct {
	Field      string     `json:"field" yaml:"field"`
	Expression Expression `json:"expression" yaml:"expression"`
	Value      any        `json:"value,omitempty" yaml:"value,omitempty"`
	Values     []any      `json:"values,omitempty" yaml:"values,omitempty"`
}

// Validate checks the operator and that the right operand slot is filled.
func (f Filter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("filter has no field")
	}
	known := false
	for _, e := range ValidExpressions {
		if f.Expression == e {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("filter %s: unknown expression %q", f.Field, f.Expression)
	}
	multi := f.Expression == ExprIn || f.Expression == ExprNotIn
	if multi && len(f.Values) == 0 {
		return fmt.Errorf("filter %s: %s needs values", f.Field, f.Expression)
	}
	if !multi && f.Value == nil {
		return fmt.Errorf("filter %s: %s needs a value", f.Field, f.Expression)
	}
	return nil
}

// DatasetQuery identifies one logical pull. Methods return modified copies.
type DatasetQuery struct {
	ObjectType string    `json:"objectType" yaml:"object_type"`
	TimeRange  TimeRange `json:"timeRange" yaml:"time_range"`
	Filters    []Filter  `json:"filters,omitempty" yaml:"filters,omitempty"`
	Returns    []string  `json:"returns,omitempty" yaml:"returns,omitempty"`
	Cursor     string    `json:"cursor,omitempty" yaml:"cursor,omitempty"`

	// LQL, when set, is executed through the query endpoint instead of
	// searching ObjectType; TimeRange becomes its StartTimeRange and
	// EndTimeRange arguments.
	LQL string `json:"lql,omitempty" yaml:"lql,omitempty"`

	// Account targets one organization sub-account. Empty uses the
	// configured one.
	Account string `json:"account,omitempty" yaml:"account,omitempty"`
}

// WithRange returns a copy scoped to r with the cursor cleared.
func (q DatasetQuery) WithRange(r TimeRange) DatasetQuery {
	q.TimeRange = r
	q.Cursor = ""
	q.Filters = append([]Filter(nil), q.Filters...)
	return q
}

// WithCursor returns a copy positioned at cursor.
func (q DatasetQuery) WithCursor(cursor string) DatasetQuery {
	q.Cursor = cursor
	return q
}

// WithFilters returns a copy with extra filters appended.
func (q DatasetQuery) WithFilters(fs ...Filter) DatasetQuery {
	q.Filters = append(append([]Filter(nil), q.Filters...), fs...)
	return q
}

// Validate checks the query is issuable.
func (q DatasetQuery) Validate() error {
	if q.ObjectType == "" {
		return fmt.Errorf("query has no object type")
	}
	if err := q.TimeRange.Validate(); err != nil {
		return fmt.Errorf("%s: %w", q.ObjectType, err)
	}
	for _, f := range q.Filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%s: %w", q.ObjectType, err)
		}
	}
	return nil
}

// Page is one API response.
type Page struct {
	Records    []RawRecord
	NextCursor string
}

// Batch is one page of records tagged with where it came from.
type Batch struct {
	Range   TimeRange
	Index   int // sub-range position within the parent query
	Page    int // page number within the sub-range, from 0
	Records []RawRecord
}
