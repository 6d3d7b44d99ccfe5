package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/store"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and report status",
	Long: `Show where lwreport keeps its data and the state of each report.

Displays:
- Project directory, store backend, path and size
- Whether API credentials are configured
- Per report: stored row count and the last run's status and time`,
	Example: `  lwreport status
  lwreport status -o json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// StatusOutput represents the status output structure
type StatusOutput struct {
	ProjectDir  string         `json:"project_dir" yaml:"project_dir"`
	Backend     string         `json:"backend" yaml:"backend"`
	StorePath   string         `json:"store_path" yaml:"store_path"`
	StoreBytes  int64          `json:"store_bytes" yaml:"store_bytes"`
	Credentials bool           `json:"credentials" yaml:"credentials"`
	Reports     []ReportStatus `json:"reports" yaml:"reports"`
}

// ReportStatus is the stored state of one report.
type ReportStatus struct {
	Name       string `json:"name" yaml:"name"`
	Table      string `json:"table" yaml:"table"`
	Rows       int    `json:"rows" yaml:"rows"`
	LastStatus string `json:"last_status,omitempty" yaml:"last_status,omitempty"`
	LastRun    string `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	out, err := collectStatus(cmd.Context(), a, st)
	if err != nil {
		return err
	}
	return writeStatus(cmd.OutOrStdout(), format, out)
}

func collectStatus(ctx context.Context, a *app, st *store.Store) (StatusOutput, error) {
	out := StatusOutput{
		ProjectDir:  a.projectDir,
		Backend:     st.Backend(),
		StorePath:   st.Path(),
		Credentials: a.cfg.RequireCredentials() == nil,
		StoreBytes:  pathSize(st.Path()),
	}
	for _, def := range a.registry.List() {
		rs, err := reportStatus(ctx, st, def)
		if err != nil {
			return StatusOutput{}, err
		}
		out.Reports = append(out.Reports, rs)
	}
	return out, nil
}

func reportStatus(ctx context.Context, st *store.Store, def report.Definition) (ReportStatus, error) {
	rs := ReportStatus{Name: def.Name, Table: store.TableName(&def.Schema)}
	exists, err := st.HasTable(ctx, &def.Schema)
	if err != nil {
		return rs, err
	}
	if exists {
		if rs.Rows, err = st.Count(ctx, &def.Schema); err != nil {
			return rs, err
		}
	}
	runs, err := st.Runs(ctx, def.Name, 1)
	if err != nil {
		return rs, err
	}
	if len(runs) > 0 {
		rs.LastStatus = runs[0].Status
		rs.LastRun = runs[0].StartedAt.Local().Format("2006-01-02 15:04:05")
	}
	return rs, nil
}

// pathSize is the size of a file, or the total of a directory tree.
func pathSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		total += pathSize(filepath.Join(path, e.Name()))
	}
	return total
}

func writeStatus(w io.Writer, format output.Format, s StatusOutput) error {
	if format != output.FormatTable {
		return output.WriteValue(w, format, s)
	}

	creds := "missing (set LW_ACCOUNT, LW_API_KEY, LW_API_SECRET)"
	if s.Credentials {
		creds = "configured"
	}
	fmt.Fprintf(w, "Project:     %s\n", s.ProjectDir)
	fmt.Fprintf(w, "Store:       %s (%s, %s)\n", s.StorePath, s.Backend, humanBytes(s.StoreBytes))
	fmt.Fprintf(w, "Credentials: %s\n\n", creds)

	t := output.Table{Columns: []string{"report", "table", "rows", "last_status", "last_run"}}
	for _, r := range s.Reports {
		t.Rows = append(t.Rows, []any{r.Name, r.Table, r.Rows, r.LastStatus, r.LastRun})
	}
	f, err := output.GetFormatter(output.FormatTable)
	if err != nil {
		return err
	}
	return f.Write(w, t)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
