// Package report holds report definitions: what to query, how to shape the
// records, and which tables, charts and graphs to render from them.
//
// Built-in definitions are embedded YAML files. Users can add or override
// definitions by dropping YAML files in .lwreport/reports.
package report

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/hargabyte/lwreport/internal/config"
	"github.com/hargabyte/lwreport/internal/graph"
	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/query"
	"github.com/hargabyte/lwreport/internal/schema"
)

// OutputKind is one family of rendered artifacts.
type OutputKind string

const (
	// OutputTable writes the rows in every configured table format
	OutputTable OutputKind = "table"

	// OutputChart writes one aggregated chart per ChartSpec
	OutputChart OutputKind = "chart"

	// OutputGraph writes the relationship graph as D2 and Mermaid
	OutputGraph OutputKind = "graph"
)

// ValidOutputs lists every OutputKind.
var ValidOutputs = []OutputKind{OutputTable, OutputChart, OutputGraph}

// ChartKind selects the chart shape.
type ChartKind string

const (
	ChartPie ChartKind = "pie"
	ChartBar ChartKind = "bar"
)

// Aggregate is how a chart reduces the rows of one group.
type Aggregate string

const (
	AggCount         Aggregate = "count"
	AggSum           Aggregate = "sum"
	AggDistinctCount Aggregate = "distinct_count"
)

// ChartSpec declares one chart. Rows are grouped by GroupBy and each group
// reduced with Aggregate over Field. Top keeps the largest groups, 0 keeps all.
type ChartSpec struct {
	Name      string    `yaml:"name" json:"name"`
	Title     string    `yaml:"title,omitempty" json:"title,omitempty"`
	Kind      ChartKind `yaml:"kind" json:"kind"`
	GroupBy   string    `yaml:"group_by" json:"group_by"`
	Aggregate Aggregate `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
	Field     string    `yaml:"field,omitempty" json:"field,omitempty"`
	Top       int       `yaml:"top,omitempty" json:"top,omitempty"`
}

// SummaryQuery is a read-only SQL statement run against the report's table
// after it is persisted. The :db_table placeholder names that table.
type SummaryQuery struct {
	Name string `yaml:"name" json:"name"`
	SQL  string `yaml:"sql" json:"sql"`
}

// QuerySpec is the request template. Resolve fills in the time range and
// the parameter-driven filters.
type QuerySpec struct {
	ObjectType string          `yaml:"object_type" json:"object_type"`
	Filters    []query.Filter  `yaml:"filters,omitempty" json:"filters,omitempty"`
	Returns    []string        `yaml:"returns,omitempty" json:"returns,omitempty"`
	LQL        string          `yaml:"lql,omitempty" json:"lql,omitempty"`
	Range      query.TimeRange `yaml:"-" json:"range"`
}

// Dataset returns the query to hand to the orchestrator.
func (q QuerySpec) Dataset() query.DatasetQuery {
	return query.DatasetQuery{
		ObjectType: q.ObjectType,
		TimeRange:  q.Range,
		Filters:    slices.Clone(q.Filters),
		Returns:    slices.Clone(q.Returns),
		LQL:        q.LQL,
	}
}

// Definition is one report type.
type Definition struct {
	Name        string        `yaml:"name" json:"name"`
	Title       string        `yaml:"title" json:"title"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Query       QuerySpec     `yaml:"query" json:"query"`
	Schema      schema.Schema `yaml:"schema" json:"schema"`
	Outputs     []OutputKind  `yaml:"outputs" json:"outputs"`

	// Formats overrides output.formats for the table output.
	Formats []string `yaml:"formats,omitempty" json:"formats,omitempty"`

	// Template is a text/template body rendered with the report data.
	// TemplateOutput names the artifact it is written to.
	Template       string `yaml:"template,omitempty" json:"template,omitempty"`
	TemplateOutput string `yaml:"template_output,omitempty" json:"template_output,omitempty"`

	Charts    []ChartSpec    `yaml:"charts,omitempty" json:"charts,omitempty"`
	Graph     *graph.Spec    `yaml:"graph,omitempty" json:"graph,omitempty"`
	Summaries []SummaryQuery `yaml:"summaries,omitempty" json:"summaries,omitempty"`

	// Lookback is the default range when the caller gives none.
	Lookback config.Duration `yaml:"lookback,omitempty" json:"lookback,omitempty"`

	// MaxWindow narrows the configured per-object-type window.
	MaxWindow config.Duration `yaml:"max_window,omitempty" json:"max_window,omitempty"`

	// SeverityField and CloudAccountField name the API fields that the
	// severity threshold and cloud account parameters filter on. Empty
	// means the parameter is not supported.
	SeverityField     string `yaml:"severity_field,omitempty" json:"severity_field,omitempty"`
	CloudAccountField string `yaml:"cloud_account_field,omitempty" json:"cloud_account_field,omitempty"`

	// Source is "builtin" or the file the definition was read from.
	Source string `yaml:"-" json:"source"`
}

// DefaultLookback applies when neither the caller nor the definition sets a range.
const DefaultLookback = 24 * time.Hour

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Has reports whether the definition renders kind.
func (d *Definition) Has(kind OutputKind) bool {
	return slices.Contains(d.Outputs, kind)
}

// Validate checks the definition against its own schema. It runs after the
// JSON Schema check, so it only covers cross-field rules.
func (d *Definition) Validate() error {
	if !nameRe.MatchString(d.Name) {
		return fmt.Errorf("report name %q must be lower-case letters, digits and dashes", d.Name)
	}
	if d.Query.ObjectType == "" {
		return fmt.Errorf("report %s: query.object_type is required", d.Name)
	}
	if d.Query.LQL != "" {
		// LQL carries its own filter and return clauses.
		if len(d.Query.Filters) > 0 || len(d.Query.Returns) > 0 {
			return fmt.Errorf("report %s: query.lql cannot be combined with filters or returns", d.Name)
		}
		if d.SeverityField != "" || d.CloudAccountField != "" {
			return fmt.Errorf("report %s: query.lql does not support severity_field or cloud_account_field", d.Name)
		}
	}
	for _, f := range d.Query.Filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("report %s: %w", d.Name, err)
		}
	}
	if err := d.Schema.Validate(); err != nil {
		return fmt.Errorf("report %s: %w", d.Name, err)
	}

	if len(d.Outputs) == 0 {
		return fmt.Errorf("report %s: no outputs", d.Name)
	}
	for _, o := range d.Outputs {
		if !slices.Contains(ValidOutputs, o) {
			return fmt.Errorf("report %s: unknown output %q", d.Name, o)
		}
	}
	for _, f := range d.Formats {
		if _, err := output.ParseFormat(f); err != nil {
			return fmt.Errorf("report %s: %w", d.Name, err)
		}
	}

	if d.Has(OutputChart) && len(d.Charts) == 0 {
		return fmt.Errorf("report %s: chart output without charts", d.Name)
	}
	seen := make(map[string]bool)
	for _, c := range d.Charts {
		if err := d.validateChart(c); err != nil {
			return fmt.Errorf("report %s: chart %s: %w", d.Name, c.Name, err)
		}
		if seen[c.Name] {
			return fmt.Errorf("report %s: duplicate chart %s", d.Name, c.Name)
		}
		seen[c.Name] = true
	}

	if d.Has(OutputGraph) {
		if d.Graph == nil {
			return fmt.Errorf("report %s: graph output without a graph section", d.Name)
		}
		if err := d.Graph.Validate(&d.Schema); err != nil {
			return fmt.Errorf("report %s: %w", d.Name, err)
		}
	}

	if d.Template != "" && d.TemplateOutput == "" {
		return fmt.Errorf("report %s: template needs template_output", d.Name)
	}

	for _, s := range d.Summaries {
		if !schema.IsIdentifier(s.Name) {
			return fmt.Errorf("report %s: invalid summary name %q", d.Name, s.Name)
		}
		if s.SQL == "" {
			return fmt.Errorf("report %s: summary %s has no sql", d.Name, s.Name)
		}
	}
	return nil
}

func (d *Definition) validateChart(c ChartSpec) error {
	if !schema.IsIdentifier(c.Name) {
		return fmt.Errorf("invalid name")
	}
	if c.Kind != ChartPie && c.Kind != ChartBar {
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	if _, ok := d.Schema.Column(c.GroupBy); !ok {
		return fmt.Errorf("group_by column %q is not declared", c.GroupBy)
	}
	switch c.Aggregate {
	case "", AggCount:
	case AggSum:
		col, ok := d.Schema.Column(c.Field)
		if !ok {
			return fmt.Errorf("field %q is not declared", c.Field)
		}
		if col.Type != schema.TypeInt && col.Type != schema.TypeFloat {
			return fmt.Errorf("sum needs a numeric field, %s is %s", c.Field, col.Type)
		}
	case AggDistinctCount:
		if _, ok := d.Schema.Column(c.Field); !ok {
			return fmt.Errorf("field %q is not declared", c.Field)
		}
	default:
		return fmt.Errorf("unknown aggregate %q", c.Aggregate)
	}
	if c.Top < 0 {
		return fmt.Errorf("top must be non-negative")
	}
	return nil
}

// Clone returns a copy that shares no slices with d.
func (d Definition) Clone() Definition {
	d.Query.Filters = slices.Clone(d.Query.Filters)
	d.Query.Returns = slices.Clone(d.Query.Returns)
	d.Outputs = slices.Clone(d.Outputs)
	d.Formats = slices.Clone(d.Formats)
	d.Charts = slices.Clone(d.Charts)
	d.Summaries = slices.Clone(d.Summaries)
	d.Schema.Columns = slices.Clone(d.Schema.Columns)
	d.Schema.Key = slices.Clone(d.Schema.Key)
	if d.Graph != nil {
		g := *d.Graph
		g.Edges = slices.Clone(g.Edges)
		d.Graph = &g
	}
	return d
}
