package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/pipeline"
	"github.com/hargabyte/lwreport/internal/report"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [report...]",
	Short: "Fetch, store and render reports",
	Long: `Run one or more reports end to end.

Each report is fetched from the Lacework API, normalized to its column
schema, compared with the stored table, upserted and rendered into
<output.dir>/<run id>/. Reports run concurrently up to
pipeline.parallel_reports.

Time range:
  --from/--to   Absolute range (RFC 3339 or YYYY-MM-DD). --to defaults to now.
  --last        Relative range ending now, e.g. 6h, 7d.
  (neither)     The definition's lookback, 24h unless it sets one.

Filters:
  --severity       Threshold: critical, high, medium, low or info.
                   high selects Critical and High.
  --cloud-account  aws:<account>, gcp:<org>:<project> or az:<tenant>:<subscription>
With --all, filters apply only to the reports that support them.

Sub-accounts:
  --all-subaccounts  Enumerate the organization's sub-accounts and run every
                     report once per sub-account (also api.all_subaccounts).
                     Needs an org admin API key; records carry lwAccount.

Exit status is 1 if any report failed and 2 if any finished partial.`,
	Example: `  lwreport run alerts
  lwreport run alerts host-vulnerabilities --last 7d --severity high
  lwreport run --all --severity high --format csv,markdown
  lwreport run compliance-aws --cloud-account aws:123456789012 --reset
  lwreport run alerts --dry-run
  lwreport run machine-accounts compliance-gcp --all-subaccounts`,
	RunE: runRun,
}

var (
	runArgs    report.Args
	runFormats []string
	runReset   bool
	runDryRun  bool
	runAll     bool
	runAllSubs bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	addRangeFlags(runCmd, &runArgs)
	runCmd.Flags().StringSliceVar(&runFormats, "format", nil, "Table artifact formats: csv,json,yaml,markdown,html (default: output.formats)")
	runCmd.Flags().BoolVar(&runReset, "reset", false, "Drop and recreate each report's table before writing")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Fetch and diff without writing or rendering")
	runCmd.Flags().BoolVar(&runAll, "all", false, "Run every registered report")
	runCmd.Flags().BoolVar(&runAllSubs, "all-subaccounts", false, "Run each report once per organization sub-account")
}

// addRangeFlags binds the time range and filter flags shared by run and delta.
func addRangeFlags(cmd *cobra.Command, a *report.Args) {
	cmd.Flags().StringVar(&a.From, "from", "", "Range start (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&a.To, "to", "", "Range end (default: now)")
	cmd.Flags().StringVar(&a.Last, "last", "", "Relative range ending now, e.g. 24h or 7d")
	cmd.Flags().StringVar(&a.Severity, "severity", "", "Severity threshold: critical|high|medium|low|info")
	cmd.Flags().StringVar(&a.CloudAccount, "cloud-account", "", "Cloud account selector, e.g. aws:123456789012")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runAll && len(args) > 0 {
		return fmt.Errorf("--all cannot be combined with report names")
	}
	if !runAll && len(args) == 0 {
		return fmt.Errorf("report name required (run 'lwreport reports' to list them, or use --all)")
	}
	format, err := resultFormat()
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	names := args
	if runAll {
		names = a.registry.Names()
	}
	reqs, err := resolveRequests(a.registry, names, runArgs, runAll, pipeline.Request{Reset: runReset, DryRun: runDryRun})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	p, err := a.newPipeline(ctx, runFormats)
	if err != nil {
		return err
	}

	if runAllSubs || a.cfg.API.AllSubAccounts {
		accounts, err := a.subAccounts(ctx)
		if err != nil {
			return err
		}
		reqs = pipeline.FanOut(reqs, accounts)
	}

	if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
		mctx, mcancel := context.WithCancel(ctx)
		defer mcancel()
		go func() {
			if err := a.metrics.Serve(mctx, addr, a.logger); err != nil {
				a.logger.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	reports, err := p.RunAll(ctx, reqs)
	if perr := printReports(cmd.OutOrStdout(), format, reports); perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}
	return pipeline.Err(reports)
}

// resolveRequests fixes the range and filters of each named report. Every
// name is checked before anything runs. With lenient set, a filter is
// dropped for reports that do not support it instead of failing.
func resolveRequests(reg *report.Registry, names []string, ra report.Args, lenient bool, base pipeline.Request) ([]pipeline.Request, error) {
	params, err := ra.Params(nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(names))
	reqs := make([]pipeline.Request, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		p := params
		if lenient {
			d, err := reg.Get(name)
			if err != nil {
				return nil, err
			}
			if d.SeverityField == "" {
				p.Severity = ""
			}
			if d.CloudAccountField == "" {
				p.CloudAccount = ""
			}
		}
		def, err := reg.Resolve(name, p)
		if err != nil {
			return nil, err
		}
		req := base
		req.Def = def
		reqs = append(reqs, req)
	}
	return reqs, nil
}
