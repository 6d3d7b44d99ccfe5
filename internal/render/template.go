package render

import (
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/schema"
	"github.com/hargabyte/lwreport/internal/store"
)

// TemplateData is what a definition's template sees.
type TemplateData struct {
	Report      report.Definition
	Columns     []string
	Rows        []map[string]any
	Changes     []store.Change
	Summaries   map[string]store.Result
	GeneratedAt time.Time
}

func newTemplateData(def report.Definition, in Input, now time.Time) TemplateData {
	rows := make([]map[string]any, len(in.Rows))
	for i, r := range in.Rows {
		rows[i] = r.Map()
	}
	return TemplateData{
		Report:      def,
		Columns:     in.Schema.ColumnNames(),
		Rows:        rows,
		Changes:     in.Changes,
		Summaries:   in.Summaries,
		GeneratedAt: now.UTC(),
	}
}

// ParseTemplate compiles a definition template with the sprig functions.
func ParseTemplate(name, body string) (*template.Template, error) {
	t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	return t, nil
}

func (r *Renderer) templateComponent(def report.Definition, in Input) component {
	return component{
		name: "template",
		file: def.TemplateOutput,
		write: func(w io.Writer) error {
			t, err := ParseTemplate(def.Name, def.Template)
			if err != nil {
				return err
			}
			return t.Execute(w, newTemplateData(def, in, r.opts.Now()))
		},
	}
}

func summaryComponent(summaries map[string]store.Result) component {
	return component{
		name: "summary",
		file: "summary.json",
		write: func(w io.Writer) error {
			return writeJSON(w, summaries)
		},
	}
}

type changeView struct {
	Kind     string         `json:"kind"`
	Key      []any          `json:"key"`
	Columns  []string       `json:"columns,omitempty"`
	Previous map[string]any `json:"previous,omitempty"`
	Row      map[string]any `json:"row"`
}

func changesComponent(changes []store.Change) component {
	return component{
		name: "changes",
		file: "changes.json",
		write: func(w io.Writer) error {
			views := make([]changeView, len(changes))
			for i, c := range changes {
				views[i] = changeView{Kind: c.Kind, Key: c.Key, Columns: c.Columns, Previous: c.Previous, Row: rowMap(c.Row)}
			}
			return writeJSON(w, views)
		},
	}
}

func rowMap(r schema.Row) map[string]any {
	if r.Schema() == nil {
		return nil
	}
	return r.Map()
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.Marshal(v, json.Deterministic(true), jsontext.WithIndent("  "))
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
