package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/store"
)

// sqlCmd represents the sql command
var sqlCmd = &cobra.Command{
	Use:   "sql <query>",
	Short: "Run a read-only SQL query against the store",
	Long: `Run a read-only query (SELECT or WITH) against the report store. Write
statements are refused.

Each report persists to a table named r_<schema name> with the report's
columns plus _schema_version, _digest, _first_seen, _updated_at and _run_id.
Runs are logged in lwr_runs.

With --report, the placeholder :db_table expands to that report's table.

On the dolt backend the system tables are available too:
  dolt_log          Commit history
  dolt_status       Working set status
  dolt_diff()       Compare changes between refs

Output formats (--output):
  table (default), yaml, json, csv, markdown, html`,
	Example: `  lwreport sql "SELECT severity, COUNT(*) FROM r_Alert GROUP BY severity"
  lwreport sql --report alerts "SELECT * FROM :db_table LIMIT 5" -o csv
  lwreport sql "SELECT * FROM dolt_log LIMIT 10"`,
	Args: cobra.ExactArgs(1),
	RunE: runSQL,
}

var sqlReport string

func init() {
	rootCmd.AddCommand(sqlCmd)
	sqlCmd.Flags().StringVar(&sqlReport, "report", "", "Expand :db_table to this report's table")
}

func runSQL(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(outputFormat)
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

	var res store.Result
	if sqlReport != "" {
		def, err := a.registry.Get(sqlReport)
		if err != nil {
			return err
		}
		res, err = st.Summary(cmd.Context(), &def.Schema, args[0])
		if err != nil {
			return err
		}
	} else {
		res, err = st.Query(cmd.Context(), args[0])
		if err != nil {
			return err
		}
	}
	return writeResult(cmd.OutOrStdout(), format, res)
}

func writeResult(w io.Writer, format output.Format, res store.Result) error {
	if format == output.FormatTable && len(res.Rows) == 0 {
		fmt.Fprintln(w, "Empty set")
		return nil
	}
	f, err := output.GetFormatter(format)
	if err != nil {
		return err
	}
	if err := f.Write(w, output.Table{Columns: res.Columns, Rows: res.Rows}); err != nil {
		return err
	}
	if format == output.FormatTable {
		fmt.Fprintf(w, "%d rows in set\n", len(res.Rows))
	}
	return nil
}
