package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/pipeline"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/store"
)

// deltaCmd represents the delta command
var deltaCmd = &cobra.Command{
	Use:   "delta <report>",
	Short: "Show what a run would add or modify",
	Long: `Fetch a report and compare it with the stored table without writing.

Rows whose key is not stored are "added"; rows whose stored values differ
are "modified" and list the changed columns. Nothing is persisted, no run
is recorded and no artifacts are written.`,
	Example: `  lwreport delta alerts --last 6h
  lwreport delta host-vulnerabilities --severity critical -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runDelta,
}

var (
	deltaArgs  report.Args
	deltaLimit int
)

func init() {
	rootCmd.AddCommand(deltaCmd)
	addRangeFlags(deltaCmd, &deltaArgs)
	deltaCmd.Flags().IntVar(&deltaLimit, "limit", 50, "Maximum changes to list (0 for all)")
}

// DeltaOutput is the result of the delta command.
type DeltaOutput struct {
	Report   string        `yaml:"report" json:"report"`
	Status   string        `yaml:"status" json:"status"`
	Records  int           `yaml:"records" json:"records"`
	Added    int           `yaml:"added" json:"added"`
	Modified int           `yaml:"modified" json:"modified"`
	Changes  []DeltaChange `yaml:"changes" json:"changes"`
	Problems []string      `yaml:"problems,omitempty" json:"problems,omitempty"`
	Error    string        `yaml:"error,omitempty" json:"error,omitempty"`
}

// DeltaChange is one added or modified row.
type DeltaChange struct {
	Kind     string         `yaml:"kind" json:"kind"`
	Key      []any          `yaml:"key" json:"key"`
	Columns  []string       `yaml:"columns,omitempty" json:"columns,omitempty"`
	Previous map[string]any `yaml:"previous,omitempty" json:"previous,omitempty"`
}

func runDelta(cmd *cobra.Command, args []string) error {
	format, err := resultFormat()
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	reqs, err := resolveRequests(a.registry, args, deltaArgs, false, pipeline.Request{DryRun: true})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	p, err := a.newPipeline(ctx, nil)
	if err != nil {
		return err
	}
	rep := p.Run(ctx, reqs[0])

	if err := writeDelta(cmd.OutOrStdout(), format, buildDelta(rep, deltaLimit)); err != nil {
		return err
	}
	return pipeline.Err([]pipeline.Report{rep})
}

func buildDelta(rep pipeline.Report, limit int) DeltaOutput {
	out := DeltaOutput{
		Report:   rep.Name,
		Status:   string(rep.Status),
		Records:  rep.Run.Records,
		Problems: rep.Problems,
		Changes:  []DeltaChange{},
	}
	for _, c := range rep.Delta {
		switch c.Kind {
		case store.ChangeAdded:
			out.Added++
		case store.ChangeModified:
			out.Modified++
		}
		if limit <= 0 || len(out.Changes) < limit {
			out.Changes = append(out.Changes, DeltaChange{Kind: c.Kind, Key: c.Key, Columns: c.Columns, Previous: c.Previous})
		}
	}
	if rep.Err != nil {
		out.Error = rep.Err.Error()
	}
	return out
}

func writeDelta(w io.Writer, format output.Format, d DeltaOutput) error {
	if format != output.FormatTable {
		return output.WriteValue(w, format, d)
	}

	fmt.Fprintf(w, "%s: %d records, %d added, %d modified\n", d.Report, d.Records, d.Added, d.Modified)
	for _, p := range d.Problems {
		fmt.Fprintf(w, "  ! %s\n", p)
	}
	if d.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", d.Error)
	}
	if len(d.Changes) == 0 {
		return nil
	}

	t := output.Table{Columns: []string{"kind", "key", "columns"}}
	for _, c := range d.Changes {
		key := make([]string, len(c.Key))
		for i, k := range c.Key {
			key[i] = output.Cell(k)
		}
		t.Rows = append(t.Rows, []any{c.Kind, strings.Join(key, "/"), strings.Join(c.Columns, ",")})
	}
	f, err := output.GetFormatter(output.FormatTable)
	if err != nil {
		return err
	}
	return f.Write(w, t)
}
