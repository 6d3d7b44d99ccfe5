package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/store"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show Dolt commit history of the store",
	Long: `Display the commit history of a dolt-backed store.

With storage.commit enabled, every run that writes rows ends with a commit
named after the report and run id. This command lists those commits and,
with --report, summarizes how that report's table changed between two refs.

Flags:
  --limit N        Number of commits to show (default: 10)
  --report NAME    Also summarize changes to this report's table
  --from/--to REF  Refs for the summary (default: HEAD~1..HEAD)

Requires storage.backend: dolt.`,
	Example: `  lwreport history
  lwreport history --limit 20 -o json
  lwreport history --report alerts --from HEAD~5`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyLimit  int
	historyReport string
	historyFrom   string
	historyTo     string
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "Number of commits to show")
	historyCmd.Flags().StringVar(&historyReport, "report", "", "Summarize changes to this report's table")
	historyCmd.Flags().StringVar(&historyFrom, "from", "HEAD~1", "Base ref for --report")
	historyCmd.Flags().StringVar(&historyTo, "to", "HEAD", "Target ref for --report")
}

// HistoryEntry represents a single commit in the history output
type HistoryEntry struct {
	Commit    string `yaml:"commit" json:"commit"`
	Date      string `yaml:"date" json:"date"`
	Message   string `yaml:"message" json:"message"`
	Committer string `yaml:"committer,omitempty" json:"committer,omitempty"`
}

// HistoryOutput is the full output structure
type HistoryOutput struct {
	Commits []HistoryEntry     `yaml:"commits" json:"commits"`
	Total   int                `yaml:"total" json:"total"`
	Diff    *store.DiffSummary `yaml:"diff,omitempty" json:"diff,omitempty"`
}

func runHistory(cmd *cobra.Command, args []string) error {
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
	if st.Backend() != store.BackendDolt {
		return fmt.Errorf("history needs storage.backend: dolt (current backend is %s)", st.Backend())
	}

	entries, err := st.DoltLog(cmd.Context(), historyLimit)
	if err != nil {
		return fmt.Errorf("get history: %w", err)
	}

	historyOut := HistoryOutput{
		Commits: make([]HistoryEntry, 0, len(entries)),
		Total:   len(entries),
	}
	for _, entry := range entries {
		historyOut.Commits = append(historyOut.Commits, HistoryEntry{
			Commit:    shortenHash(entry.CommitHash),
			Date:      entry.Date,
			Message:   strings.TrimSpace(entry.Message),
			Committer: entry.Committer,
		})
	}

	if historyReport != "" {
		def, err := a.registry.Get(historyReport)
		if err != nil {
			return err
		}
		diff, err := st.DoltDiffSummary(cmd.Context(), store.TableName(&def.Schema), historyFrom, historyTo)
		if err != nil {
			return fmt.Errorf("diff summary: %w", err)
		}
		historyOut.Diff = &diff
	}

	w := cmd.OutOrStdout()
	if format != output.FormatTable {
		return output.WriteValue(w, format, historyOut)
	}

	if len(historyOut.Commits) == 0 {
		fmt.Fprintln(w, "No commits found. Enable storage.commit and run a report.")
	} else {
		t := output.Table{Columns: []string{"commit", "date", "committer", "message"}}
		for _, c := range historyOut.Commits {
			t.Rows = append(t.Rows, []any{c.Commit, c.Date, c.Committer, c.Message})
		}
		f, err := output.GetFormatter(output.FormatTable)
		if err != nil {
			return err
		}
		if err := f.Write(w, t); err != nil {
			return err
		}
	}
	if d := historyOut.Diff; d != nil {
		fmt.Fprintf(w, "%s %s..%s: %d added, %d modified, %d removed\n", d.Table, d.FromRef, d.ToRef, d.Added, d.Modified, d.Removed)
	}
	return nil
}
