package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/store"
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "Show the run log",
	Long: `List recorded pipeline runs, newest first, or show one run by id.

Every non-dry run records its report, start and finish time, final status
and row counts, including runs that failed.`,
	Example: `  lwreport runs
  lwreport runs --report alerts --limit 5
  lwreport runs 0b7f3c1e-7f5a-4d07-9a53-cf1b1c3f2a10 -o yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

var (
	runsReport string
	runsLimit  int
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().StringVar(&runsReport, "report", "", "Only runs of this report")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to show")
}

func runRuns(cmd *cobra.Command, args []string) error {
	format, err := resultFormat()
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.openStore()
	if err != nil {
		return err
	}

	var runs []store.Run
	if len(args) == 1 {
		run, err := st.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		runs = []store.Run{run}
	} else {
		runs, err = st.Runs(cmd.Context(), runsReport, runsLimit)
		if err != nil {
			return fmt.Errorf("reading run log: %w", err)
		}
	}
	return writeRuns(cmd.OutOrStdout(), format, runs)
}

func writeRuns(w io.Writer, format output.Format, runs []store.Run) error {
	if runs == nil {
		runs = []store.Run{}
	}
	if format != output.FormatTable {
		return output.WriteValue(w, format, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded. Run 'lwreport run <report>' first.")
		return nil
	}

	t := output.Table{Columns: []string{"run_id", "report", "status", "started", "duration", "records", "inserted", "updated", "gaps", "error"}}
	for _, r := range runs {
		duration := ""
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		t.Rows = append(t.Rows, []any{
			r.ID, r.Report, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration,
			r.Records, r.Inserted, r.Updated, r.Gaps, r.Error,
		})
	}
	f, err := output.GetFormatter(output.FormatTable)
	if err != nil {
		return err
	}
	return f.Write(w, t)
}
