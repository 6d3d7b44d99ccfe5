package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/server"
)

// reportsCmd represents the reports command
var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List and inspect report definitions",
	Long: `List the registered report definitions or show one in full.

Built-in definitions are embedded in the binary. Files in .lwreport/reports
(*.yaml, *.yml) are validated against the definition schema at load time
and replace built-ins of the same name.`,
	Example: `  lwreport reports
  lwreport reports show alerts
  lwreport reports list -o json`,
	Args: cobra.NoArgs,
	RunE: runReportsList,
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List report definitions",
	Args:  cobra.NoArgs,
	RunE:  runReportsList,
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one report definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportsShow,
}

func init() {
	rootCmd.AddCommand(reportsCmd)
	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsShowCmd)
}

func runReportsList(cmd *cobra.Command, args []string) error {
	format, err := resultFormat()
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	return writeReportList(cmd.OutOrStdout(), format, a.registry)
}

func writeReportList(w io.Writer, format output.Format, reg *report.Registry) error {
	defs := reg.List()
	infos := make([]server.ReportInfo, len(defs))
	for i, d := range defs {
		infos[i] = server.Info(d)
	}
	if format != output.FormatTable {
		return output.WriteValue(w, format, infos)
	}

	t := output.Table{Columns: []string{"name", "object_type", "outputs", "title", "source"}}
	for _, info := range infos {
		outputs := make([]string, len(info.Outputs))
		for i, o := range info.Outputs {
			outputs[i] = string(o)
		}
		t.Rows = append(t.Rows, []any{info.Name, info.ObjectType, strings.Join(outputs, ","), info.Title, info.Source})
	}
	f, err := output.GetFormatter(output.FormatTable)
	if err != nil {
		return err
	}
	return f.Write(w, t)
}

func runReportsShow(cmd *cobra.Command, args []string) error {
	format, err := resultFormat()
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	def, err := a.registry.Get(args[0])
	if err != nil {
		return fmt.Errorf("%w (run 'lwreport reports' to list them)", err)
	}
	if format == output.FormatTable {
		format = output.FormatYAML
	}
	return output.WriteValue(cmd.OutOrStdout(), format, def)
}
