package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/pipeline"
)

var (
	statusStyles = map[pipeline.Status]lipgloss.Style{
		pipeline.StatusSuccess: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981")),
		pipeline.StatusPartial: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B")),
		pipeline.StatusFailed:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444")),
	}
	nameStyle = lipgloss.NewStyle().Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printReports writes run outcomes as a summary, or as YAML/JSON.
func printReports(w io.Writer, format output.Format, reports []pipeline.Report) error {
	outcomes := make([]pipeline.Outcome, len(reports))
	for i, r := range reports {
		outcomes[i] = r.Outcome()
	}
	if format != output.FormatTable {
		return output.WriteValue(w, format, outcomes)
	}
	writeSummary(w, outcomes, isTerminal(w))
	return nil
}

func writeSummary(w io.Writer, outcomes []pipeline.Outcome, styled bool) {
	paint := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	width := 0
	for _, o := range outcomes {
		width = max(width, len(o.Report))
	}

	counts := make(map[pipeline.Status]int)
	for _, o := range outcomes {
		counts[o.Status]++
		fmt.Fprintf(w, "%s  %s  %d records, %d inserted, %d updated, %d unchanged, %d changes (%.1fs)\n",
			paint(nameStyle, fmt.Sprintf("%-*s", width, o.Report)),
			paint(statusStyles[o.Status], fmt.Sprintf("%-7s", o.Status)),
			o.Records, o.Inserted, o.Updated, o.Unchanged, o.Changes, o.Seconds)

		if o.Account != "" {
			fmt.Fprintf(w, "    account   %s\n", o.Account)
		}
		if o.RunID != "" {
			fmt.Fprintf(w, "    run       %s\n", paint(dimStyle, o.RunID))
		}
		if len(o.Artifacts) > 0 {
			fmt.Fprintf(w, "    artifacts %d in %s\n", len(o.Artifacts), filepath.Dir(o.Artifacts[0].Path))
		}
		if o.Commit != "" {
			fmt.Fprintf(w, "    commit    %s\n", shortenHash(o.Commit))
		}
		for _, p := range o.Problems {
			fmt.Fprintf(w, "    %s %s\n", paint(statusStyles[pipeline.StatusPartial], "!"), p)
		}
		if o.Error != "" && o.Status == pipeline.StatusFailed {
			fmt.Fprintf(w, "    %s %s\n", paint(statusStyles[pipeline.StatusFailed], "error"), o.Error)
		}
	}

	if len(outcomes) > 1 {
		fmt.Fprintf(w, "\n%d reports: %d success, %d partial, %d failed\n", len(outcomes),
			counts[pipeline.StatusSuccess], counts[pipeline.StatusPartial], counts[pipeline.StatusFailed])
	}
}

// shortenHash returns first 7 characters of a commit hash
func shortenHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
