package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hargabyte/lwreport/internal/mcp"
	"github.com/hargabyte/lwreport/internal/output"
)

var (
	callList bool
	callPipe bool
)

var callCmd = &cobra.Command{
	Use:   "call [tool] [json-args]",
	Short: "Call an MCP tool from the command line",
	Long: `Call any lwreport MCP tool with structured JSON input/output.

This runs the same tools that 'lwreport serve --mcp' exposes, once, without
an MCP client. Tools accept JSON arguments and return JSON results.

Modes:
  lwreport call --list                        List all tools and parameters
  lwreport call <tool> '{"key":"value"}'      Call a tool with JSON args
  lwreport call --pipe                        Read JSON lines from stdin

Tool names accept shorthand: "rows" is equivalent to "lwr_rows".`,
	Example: `  lwreport call --list
  lwreport call reports
  lwreport call reports '{"name":"alerts"}'
  lwreport call rows '{"report":"alerts","limit":5}'
  lwreport call sql '{"query":"SELECT COUNT(*) FROM r_Alert"}'
  echo '{"tool":"lwr_runs","args":{"limit":3}}' | lwreport call --pipe`,
	Args: cobra.MaximumNArgs(2),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().BoolVar(&callList, "list", false, "List all available tools and their parameters")
	callCmd.Flags().BoolVar(&callPipe, "pipe", false, "Read JSON lines from stdin (pipe mode)")
}

func runCall(cmd *cobra.Command, args []string) error {
	if callList {
		return runCallList(cmd.OutOrStdout())
	}
	if !callPipe && len(args) == 0 {
		return fmt.Errorf("tool name required (run 'lwreport call --list' to see available tools)")
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
	srv, err := mcp.New(mcp.Config{Version: Version}, mcp.Deps{
		Registry: a.registry,
		Store:    st,
		Runner:   a.runner(cmd.Context()),
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if callPipe {
		return runCallPipe(cmd.Context(), srv, cmd.InOrStdin(), cmd.OutOrStdout())
	}
	return runCallSingle(cmd.Context(), srv, cmd.OutOrStdout(), args)
}

func runCallList(w io.Writer) error {
	schemas := mcp.Schemas(mcp.AllTools)

	switch outputFormat {
	case "json":
		return output.WriteValue(w, output.FormatJSON, schemas)
	case "jsonl":
		enc := json.NewEncoder(w)
		for _, s := range schemas {
			if err := enc.Encode(s); err != nil {
				return err
			}
		}
		return nil
	default:
		return output.WriteValue(w, output.FormatYAML, schemas)
	}
}

func runCallSingle(ctx context.Context, srv *mcp.Server, w io.Writer, args []string) error {
	toolName := normalizeToolName(args[0])

	toolArgs := make(map[string]any)
	if len(args) >= 2 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("invalid JSON args: %w", err)
		}
	}

	result, err := srv.CallTool(ctx, toolName, toolArgs)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, result)
	return nil
}

// pipeRequest is the JSON format for pipe mode input.
type pipeRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// pipeResponse is the JSON format for pipe mode output.
type pipeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func runCallPipe(ctx context.Context, srv *mcp.Server, r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	scanner := bufio.NewScanner(r)
	// Allow larger lines (1MB)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req pipeRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			enc.Encode(pipeResponse{Error: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		if req.Args == nil {
			req.Args = make(map[string]any)
		}

		result, err := srv.CallTool(ctx, normalizeToolName(req.Tool), req.Args)
		if err != nil {
			enc.Encode(pipeResponse{Error: err.Error()})
			continue
		}

		raw := json.RawMessage(result)
		if !json.Valid(raw) {
			raw, _ = json.Marshal(result)
		}
		enc.Encode(pipeResponse{Result: raw})
	}

	return scanner.Err()
}

// normalizeToolName converts shorthand names to full tool names.
// "rows" -> "lwr_rows", "lwr_rows" -> "lwr_rows"
func normalizeToolName(name string) string {
	if !strings.HasPrefix(name, "lwr_") {
		return "lwr_" + name
	}
	return name
}
