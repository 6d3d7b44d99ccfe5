// Package cmd contains all CLI commands for lwreport.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hargabyte/lwreport/internal/pipeline"
)

var (
	// Version is the current version of lwreport
	Version = "0.1.0"

	// Global flags
	verbose      bool
	configPath   string
	logLevel     string
	forAgents    bool
	outputFormat string
)

// Exit codes returned by Execute.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitPartial = 2
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lwreport",
	Short: "Pull, store and render Lacework reports",
	Long: `lwreport pulls security data from the Lacework API v2, normalizes it against
declarative report definitions, keeps it in an embedded SQL store and renders
tables, charts and relationship graphs from it.

Each report definition names an object type, a time range, the columns to
extract and the artifacts to produce. Built-in definitions ship with the
binary; YAML files in .lwreport/reports add to or replace them.

Output Format:
  Command results print as a terminal table by default.
  Use --output to switch to yaml or json.

Exit Codes:
  0  every report succeeded
  1  a report failed, or the command could not run
  2  a report finished with gaps, skipped records or render errors

Examples:
  lwreport init                              # Create .lwreport/config.yaml
  lwreport reports                           # List report definitions
  lwreport run alerts --last 7d              # Pull and render the alerts report
  lwreport run --all --severity high         # Run every report
  lwreport delta host-vulnerabilities        # Show what a run would change
  lwreport sql "SELECT COUNT(*) FROM r_Alert"

See 'lwreport <command> --help' for command-specific options.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, pipeline.ErrPartial):
		return ExitPartial
	}
	return ExitFailed
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: .lwreport/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Result format (table|yaml|json)")
	rootCmd.Flags().BoolVar(&forAgents, "for-agents", false, "Output machine-readable capability discovery JSON")

	// Set custom help function to intercept --for-agents flag
	originalHelp := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if forAgents {
			outputAgentHelp(cmd.OutOrStdout(), cmd)
			return
		}
		originalHelp(cmd, args)
	})
}

// CommandInfo represents a command for agent discovery
type CommandInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Usage       string        `json:"usage"`
	Flags       []FlagInfo    `json:"flags,omitempty"`
	Subcommands []CommandInfo `json:"subcommands,omitempty"`
	Examples    []string      `json:"examples,omitempty"`
}

// FlagInfo represents a command flag for agent discovery
type FlagInfo struct {
	Name        string `json:"name"`
	Shorthand   string `json:"shorthand,omitempty"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Default     string `json:"default,omitempty"`
}

// outputAgentHelp writes machine-readable JSON describing all commands
func outputAgentHelp(w io.Writer, cmd *cobra.Command) {
	root := buildCommandInfo(cmd.Root())

	out := map[string]any{
		"version":      Version,
		"commands":     root.Subcommands,
		"global_flags": root.Flags,
		"exit_codes": map[string]string{
			"0": "success",
			"1": "failed",
			"2": "partial",
		},
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}

// buildCommandInfo recursively builds command information for agent discovery
func buildCommandInfo(cmd *cobra.Command) CommandInfo {
	info := CommandInfo{
		Name:        cmd.Name(),
		Description: cmd.Short,
		Usage:       cmd.UseLine(),
	}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		info.Flags = append(info.Flags, FlagInfo{
			Name:        f.Name,
			Shorthand:   f.Shorthand,
			Description: f.Usage,
			Type:        f.Value.Type(),
			Default:     f.DefValue,
		})
	})

	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			info.Subcommands = append(info.Subcommands, buildCommandInfo(sub))
		}
	}

	if cmd.Example != "" {
		for line := range strings.SplitSeq(cmd.Example, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				info.Examples = append(info.Examples, trimmed)
			}
		}
	}

	return info
}
