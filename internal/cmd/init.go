package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/config"
	"github.com/hargabyte/lwreport/internal/report"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize .lwreport directory and configuration",
	Long: `Initialize the .lwreport directory in the current directory.

This writes .lwreport/config.yaml with default settings and creates
.lwreport/reports for custom report definitions. Credentials are better
kept in LW_ACCOUNT, LW_API_KEY and LW_API_SECRET than in the file.

Examples:
  lwreport init          # Initialize in current directory
  lwreport init --force  # Rewrite config.yaml with defaults`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	return initProject(cmd, cwd)
}

func initProject(cmd *cobra.Command, dir string) error {
	configDir := filepath.Join(dir, config.ConfigDirName)
	cfgFile := filepath.Join(configDir, config.ConfigFileName)
	out := cmd.OutOrStdout()

	_, err := os.Stat(cfgFile)
	if err == nil {
		if !initForce {
			fmt.Fprintf(out, "Already initialized at %s\n", config.ConfigDirName)
			return nil
		}
		if err := os.Remove(cfgFile); err != nil {
			return fmt.Errorf("removing existing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking config path: %w", err)
	}

	path, err := config.SaveDefault(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(configDir, report.DirName), 0755); err != nil {
		return fmt.Errorf("creating reports directory: %w", err)
	}

	rel, _ := filepath.Rel(dir, path)
	fmt.Fprintf(out, "Initialized lwreport at %s\n", rel)
	return nil
}
