package render

import (
	"fmt"
	"io"

	"github.com/hargabyte/lwreport/internal/graph"
	"github.com/hargabyte/lwreport/internal/metrics"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/schema"
)

// GraphSummary is the machine-readable companion of a rendered graph.
type GraphSummary struct {
	Nodes    []*graph.Node     `json:"nodes"`
	Edges    []graph.Edge      `json:"edges"`
	External int               `json:"external"`
	Skipped  int               `json:"skipped_rows"`
	Metrics  []metrics.Metrics `json:"metrics"`
}

// BuildGraph builds and scores the definition's relationship graph.
func BuildGraph(def report.Definition, rows []schema.Row, t metrics.ImportanceThresholds) (*graph.Graph, GraphSummary, error) {
	if def.Graph == nil {
		return nil, GraphSummary{}, fmt.Errorf("report %s has no graph section", def.Name)
	}
	g, skipped := graph.Build(rows, *def.Graph)
	scores := g.Score(t)
	return g, GraphSummary{
		Nodes:    g.Nodes(),
		Edges:    g.EdgeList(),
		External: g.ExternalCount(),
		Skipped:  skipped,
		Metrics:  scores,
	}, nil
}

// Diagram renders g in one of the diagram formats.
func Diagram(g *graph.Graph, format string, opts *graph.DiagramOptions) (string, error) {
	switch format {
	case DiagramD2:
		return graph.GenerateD2(g, opts), nil
	case DiagramMermaid:
		return graph.GenerateMermaid(g, opts), nil
	}
	return "", fmt.Errorf("unknown diagram format %q (expected d2 or mermaid)", format)
}

func diagramExt(format string) string {
	if format == DiagramMermaid {
		return ".mmd"
	}
	return "." + format
}

func (r *Renderer) graphComponents(def report.Definition, rows []schema.Row) []component {
	g, summary, err := BuildGraph(def, rows, r.opts.Thresholds)
	if err != nil {
		return []component{{name: "graph", file: "graph.json", write: func(io.Writer) error { return err }}}
	}
	if summary.Skipped > 0 {
		r.logger.Info("graph rows without a node key", "report", def.Name, "skipped", summary.Skipped)
	}

	opts := graph.DefaultDiagramOptions()
	opts.Title = def.Title
	if r.opts.MaxNodes > 0 {
		opts.MaxNodes = r.opts.MaxNodes
	}

	comps := []component{{
		name:  "graph:json",
		file:  "graph.json",
		write: func(w io.Writer) error { return writeJSON(w, summary) },
	}}
	for _, format := range r.opts.Diagrams {
		comps = append(comps, component{
			name: "graph:" + format,
			file: "graph" + diagramExt(format),
			write: func(w io.Writer) error {
				out, err := Diagram(g, format, opts)
				if err != nil {
					return err
				}
				_, err = io.WriteString(w, out)
				return err
			},
		})
	}
	return comps
}
