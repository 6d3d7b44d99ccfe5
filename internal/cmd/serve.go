package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/mcp"
	"github.com/hargabyte/lwreport/internal/server"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API or the MCP tools",
	Long: `Serve report listings, stored rows and on-demand runs.

Without --mcp, an HTTP API listens on --http (default server.addr):
  GET  /healthz                     Store health
  GET  /api/reports                 Report definitions
  GET  /api/reports/:name           One definition
  POST /api/reports/:name/run       Run a report (JSON body: last, from, to,
                                    severity, cloud_account, reset, dry_run)
  GET  /api/reports/:name/rows      Stored rows (?limit=)
  GET  /api/runs                    Run log (?report=&limit=)
  GET  /api/runs/:id                One run
  GET  /metrics                     Prometheus metrics

With --mcp, an MCP server speaks JSON-RPC on stdin/stdout for AI agents.

Available Tools:
  lwr_reports  List report definitions or show one
  lwr_run      Run a report
  lwr_rows     Read stored rows of a report
  lwr_runs     Read the run log
  lwr_sql      Read-only SQL against the store

Runs need API credentials; without them the listing and query surfaces
still work and runs fail with the reason.`,
	Example: `  lwreport serve                          # HTTP API on server.addr
  lwreport serve --http :9000
  lwreport serve --mcp                    # MCP over stdio with every tool
  lwreport serve --mcp --tools reports,rows,sql --timeout 30m
  lwreport serve --status
  lwreport serve --stop`,
	RunE: runServe,
}

var (
	serveHTTP      string
	serveMCP       bool
	serveTools     string
	serveTimeout   string
	serveStatus    bool
	serveStop      bool
	serveListTools bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHTTP, "http", "", "HTTP listen address (default: server.addr)")
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "Start MCP server (stdio transport)")
	serveCmd.Flags().StringVar(&serveTools, "tools", "", "Comma-separated MCP tools to expose (default: all)")
	serveCmd.Flags().StringVar(&serveTimeout, "timeout", "0", "MCP inactivity timeout (0 for no timeout)")
	serveCmd.Flags().BoolVar(&serveStatus, "status", false, "Check if a server is running")
	serveCmd.Flags().BoolVar(&serveStop, "stop", false, "Stop the running server")
	serveCmd.Flags().BoolVar(&serveListTools, "list-tools", false, "List available MCP tools")
}

func runServe(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch {
	case serveListTools:
		fmt.Fprintln(out, "Available MCP tools:")
		fmt.Fprintln(out)
		for _, s := range mcp.Schemas(mcp.AllTools) {
			fmt.Fprintf(out, "  %-12s %s\n", s.Name, s.Description)
		}
		return nil
	case serveStatus:
		return checkServerStatus(cmd)
	case serveStop:
		return stopServer(cmd)
	}

	timeout, err := parseDuration(serveTimeout)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
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

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := writePIDFile(a.projectDir); err != nil {
		a.logger.Warn("could not write PID file", "err", err)
	}
	defer removePIDFile(a.projectDir)

	if serveMCP {
		srv, err := mcp.New(mcp.Config{
			Tools:   parseToolList(serveTools),
			Timeout: timeout,
			Version: Version,
		}, mcp.Deps{
			Registry: a.registry,
			Store:    st,
			Runner:   a.runner(ctx),
			Logger:   a.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		// stdout carries the protocol; status goes to the log.
		a.logger.Info("mcp server starting", "tools", srv.ListTools(), "timeout", timeout)
		return srv.ServeStdio(ctx)
	}

	addr := serveHTTP
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	h := &server.Handler{
		Registry: a.registry,
		Store:    st,
		Runner:   a.runner(ctx),
		Metrics:  a.metrics.Handler(),
		Logger:   a.logger,
	}
	return server.Serve(ctx, addr, h)
}

// parseToolList expands a comma separated tool list, accepting shorthand
// names ("rows" for "lwr_rows"). Empty means every tool.
func parseToolList(s string) []string {
	var tools []string
	for t := range strings.SplitSeq(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tools = append(tools, normalizeToolName(t))
		}
	}
	return tools
}

func parseDuration(s string) (time.Duration, error) {
	if s == "0" || s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func pidFilePath(projectDir string) string {
	return filepath.Join(projectDir, "serve.pid")
}

func writePIDFile(projectDir string) error {
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(projectDir), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func removePIDFile(projectDir string) {
	os.Remove(pidFilePath(projectDir))
}

// readPID returns the PID recorded by a running serve, or 0.
func readPID(projectDir string) int {
	data, err := os.ReadFile(pidFilePath(projectDir))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		removePIDFile(projectDir)
		return 0
	}
	return pid
}

func checkServerStatus(cmd *cobra.Command) error {
	_, projectDir, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid := readPID(projectDir)
	if pid == 0 {
		fmt.Fprintln(out, "Status: not running")
		return nil
	}

	// On Unix, FindProcess always succeeds, so signal 0 checks liveness.
	process, err := os.FindProcess(pid)
	if err == nil {
		err = process.Signal(syscall.Signal(0))
	}
	if err != nil {
		fmt.Fprintln(out, "Status: not running (stale PID file)")
		removePIDFile(projectDir)
		return nil
	}

	fmt.Fprintf(out, "Status: running (PID %d)\n", pid)
	return nil
}

func stopServer(cmd *cobra.Command) error {
	_, projectDir, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid := readPID(projectDir)
	if pid == 0 {
		fmt.Fprintln(out, "No server running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err == nil {
		err = process.Signal(syscall.SIGTERM)
	}
	if err != nil {
		removePIDFile(projectDir)
		fmt.Fprintln(out, "Server already stopped")
		return nil
	}

	fmt.Fprintf(out, "Stopped server (PID %d)\n", pid)
	return nil
}
