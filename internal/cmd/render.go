package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/graph"
	"github.com/hargabyte/lwreport/internal/metrics"
	"github.com/hargabyte/lwreport/internal/render"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/schema"
	"github.com/hargabyte/lwreport/internal/store"
)

// renderCmd represents the render command
var renderCmd = &cobra.Command{
	Use:   "render <report>",
	Short: "Render artifacts from stored rows",
	Long: `Render a report from the rows already in the store, without calling the API.

By default every configured output (tables, charts, graph, template) is
written to <output.dir>/render-<timestamp>/. With --graph, only the
relationship graph is drawn, in D2 or Mermaid syntax, to stdout or --out.

Graph options:
  --graph      d2 | mermaid
  --max-nodes  Collapse larger graphs into groups (default 60)
  --direction  Layout direction: right/LR or down/TD`,
	Example: `  lwreport render alerts
  lwreport render resource-exposure --graph mermaid
  lwreport render resource-exposure --graph d2 --out graph.d2 --direction down`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

var (
	renderGraph     string
	renderOut       string
	renderMaxNodes  int
	renderDirection string
	renderFormats   []string
)

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringVar(&renderGraph, "graph", "", "Draw only the graph: d2|mermaid")
	renderCmd.Flags().StringVar(&renderOut, "out", "", "Write the graph to this file instead of stdout")
	renderCmd.Flags().IntVar(&renderMaxNodes, "max-nodes", 0, "Collapse graphs larger than this (default 60)")
	renderCmd.Flags().StringVar(&renderDirection, "direction", "", "Graph layout direction: right|down")
	renderCmd.Flags().StringSliceVar(&renderFormats, "format", nil, "Table artifact formats (default: output.formats)")
}

func runRender(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	def, err := a.registry.Get(args[0])
	if err != nil {
		return err
	}
	rows, err := storedRows(cmd, a, def)
	if err != nil {
		return err
	}

	if renderGraph != "" {
		return renderGraphOnly(cmd, a, def, rows)
	}

	formats := renderFormats
	if len(formats) == 0 {
		formats = a.cfg.Output.Formats
	}
	tableFormats, err := parseFormats(formats)
	if err != nil {
		return err
	}

	dir := filepath.Join(a.cfg.OutputDir(a.projectDir), "render-"+time.Now().UTC().Format("20060102T150405Z"))
	r := render.New(dir, render.Options{
		Formats:  tableFormats,
		MaxNodes: renderMaxNodes,
		Logger:   a.logger,
	})

	in := render.Input{Rows: rows, Schema: &def.Schema}
	if len(def.Summaries) > 0 {
		st, err := a.openStore()
		if err != nil {
			return err
		}
		in.Summaries = make(map[string]store.Result, len(def.Summaries))
		for _, q := range def.Summaries {
			res, err := st.Summary(cmd.Context(), &def.Schema, q.SQL)
			if err != nil {
				a.logger.Warn("summary query failed", "summary", q.Name, "err", err)
				continue
			}
			in.Summaries[q.Name] = res
		}
	}

	res := r.Render(cmd.Context(), def, in)
	out := cmd.OutOrStdout()
	for _, art := range res.Artifacts {
		fmt.Fprintf(out, "%-12s %s (%d bytes)\n", art.Component, art.Path, art.Bytes)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "render error: %v\n", e)
	}
	if !res.OK() {
		return fmt.Errorf("%d components failed to render", len(res.Errors))
	}
	return nil
}

// storedRows reads every stored row of def. A report that never ran has none.
func storedRows(cmd *cobra.Command, a *app, def report.Definition) ([]schema.Row, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	exists, err := st.HasTable(cmd.Context(), &def.Schema)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("report %s has no stored rows (run 'lwreport run %s' first)", def.Name, def.Name)
	}
	return st.Rows(cmd.Context(), &def.Schema, 0)
}

func renderGraphOnly(cmd *cobra.Command, a *app, def report.Definition, rows []schema.Row) error {
	g, summary, err := render.BuildGraph(def, rows, metrics.DefaultThresholds())
	if err != nil {
		return err
	}

	opts := graph.DefaultDiagramOptions()
	opts.Title = def.Title
	if renderMaxNodes > 0 {
		opts.MaxNodes = renderMaxNodes
	}
	if renderDirection != "" {
		opts.Direction = renderDirection
	}
	diagram, err := render.Diagram(g, renderGraph, opts)
	if err != nil {
		return err
	}

	a.logger.Debug("graph built", "nodes", len(summary.Nodes), "edges", len(summary.Edges), "skipped_rows", summary.Skipped)
	if renderOut == "" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), diagram)
		return err
	}
	if err := os.WriteFile(renderOut, []byte(diagram+"\n"), 0644); err != nil {
		return fmt.Errorf("writing graph: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d nodes, %d edges to %s\n", len(summary.Nodes), len(summary.Edges), renderOut)
	return nil
}
