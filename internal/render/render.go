// Package render turns normalized rows into report artifacts: tables in the
// configured formats, user templates, aggregated charts and relationship
// graphs. Each artifact is an independent component; one failing does not
// stop the others.
package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hargabyte/lwreport/internal/logging"
	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/metrics"
	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/schema"
	"github.com/hargabyte/lwreport/internal/store"
)

// Graph diagram formats.
const (
	DiagramD2      = "d2"
	DiagramMermaid = "mermaid"
)

// Options configures a Renderer.
type Options struct {
	// Formats are the table formats written when a definition does not
	// list its own. Defaults to csv and json.
	Formats []output.Format

	// Diagrams are the graph formats, d2 and/or mermaid. Defaults to both.
	Diagrams []string

	// MaxNodes collapses larger graphs into groups; 0 uses the diagram default.
	MaxNodes   int
	Thresholds metrics.ImportanceThresholds

	Now    func() time.Time
	Logger *slog.Logger
}

// Input is the data of one report run.
type Input struct {
	Rows []schema.Row

	// Schema defaults to the definition's schema.
	Schema *schema.Schema

	// Changes, when non-nil, are written to changes.json and passed to templates.
	Changes []store.Change

	// Summaries are the results of the definition's summary queries.
	Summaries map[string]store.Result
}

// Artifact is one written file.
type Artifact struct {
	Component string `json:"component"`
	Path      string `json:"path"`
	Bytes     int    `json:"bytes"`
}

// Result lists what was written and what failed.
type Result struct {
	Report    string               `json:"report"`
	Dir       string               `json:"dir"`
	Artifacts []Artifact           `json:"artifacts"`
	Errors    []*lwerr.RenderError `json:"-"`
}

// OK reports whether every component rendered.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// Renderer writes artifacts under dir/<report>/.
type Renderer struct {
	dir    string
	opts   Options
	logger *slog.Logger
}

// New returns a Renderer rooted at dir, usually <output dir>/<run id>.
func New(dir string, opts Options) *Renderer {
	if len(opts.Formats) == 0 {
		opts.Formats = []output.Format{output.FormatCSV, output.FormatJSON}
	}
	if len(opts.Diagrams) == 0 {
		opts.Diagrams = []string{DiagramD2, DiagramMermaid}
	}
	if opts.Thresholds == (metrics.ImportanceThresholds{}) {
		opts.Thresholds = metrics.DefaultThresholds()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Renderer{dir: dir, opts: opts, logger: logger}
}

// Dir returns the renderer's root directory.
func (r *Renderer) Dir() string { return r.dir }

// component is one independently failing unit of work.
type component struct {
	name  string
	file  string
	write func(w io.Writer) error
}

// Render writes every artifact def asks for. It never returns early on a
// component failure; failures are collected in Result.Errors.
func (r *Renderer) Render(ctx context.Context, def report.Definition, in Input) Result {
	if in.Schema == nil {
		in.Schema = &def.Schema
	}
	dir := filepath.Join(r.dir, def.Name)
	res := Result{Report: def.Name, Dir: dir}

	var comps []component
	fail := func(name string, err error) {
		res.Errors = append(res.Errors, &lwerr.RenderError{Report: def.Name, Component: name, Err: err})
	}

	if def.Has(report.OutputTable) {
		tc, err := r.tableComponents(def, in)
		if err != nil {
			fail("table", err)
		}
		comps = append(comps, tc...)
	}
	if def.Template != "" {
		comps = append(comps, r.templateComponent(def, in))
	}
	if def.Has(report.OutputChart) {
		for _, c := range def.Charts {
			comps = append(comps, r.chartComponents(def, c, in.Rows)...)
		}
	}
	if def.Has(report.OutputGraph) && def.Graph != nil {
		comps = append(comps, r.graphComponents(def, in.Rows)...)
	}
	if len(in.Summaries) > 0 {
		comps = append(comps, summaryComponent(in.Summaries))
	}
	if in.Changes != nil {
		comps = append(comps, changesComponent(in.Changes))
	}

	if len(comps) > 0 {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fail("output_dir", err)
			return res
		}
	}

	for _, c := range comps {
		if err := ctx.Err(); err != nil {
			fail(c.name, err)
			continue
		}
		path := filepath.Join(dir, c.file)
		n, err := writeFile(path, c.write)
		if err != nil {
			r.logger.Warn("render component failed", "report", def.Name, "component", c.name, "err", err)
			fail(c.name, err)
			continue
		}
		res.Artifacts = append(res.Artifacts, Artifact{Component: c.name, Path: path, Bytes: n})
	}

	r.logger.Debug("rendered report", "report", def.Name, "artifacts", len(res.Artifacts), "errors", len(res.Errors))
	return res
}

func (r *Renderer) tableComponents(def report.Definition, in Input) ([]component, error) {
	formats := r.opts.Formats
	if len(def.Formats) > 0 {
		formats = formats[:0:0]
		for _, f := range def.Formats {
			parsed, err := output.ParseFormat(f)
			if err != nil {
				return nil, err
			}
			formats = append(formats, parsed)
		}
	}

	tbl := output.FromRows(def.Title, in.Schema, in.Rows)
	comps := make([]component, 0, len(formats))
	for _, f := range formats {
		fm, err := output.GetFormatter(f)
		if err != nil {
			return nil, err
		}
		if h, ok := fm.(*output.HTMLFormatter); ok {
			h.Now = r.opts.Now
		}
		comps = append(comps, component{
			name:  "table:" + f.String(),
			file:  "rows" + f.Extension(),
			write: func(w io.Writer) error { return fm.Write(w, tbl) },
		})
	}
	return comps, nil
}

// writeFile renders into memory first so a failing component leaves no
// partial file behind.
func writeFile(path string, write func(io.Writer) error) (int, error) {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("placing %s: %w", filepath.Base(path), err)
	}
	return buf.Len(), nil
}
