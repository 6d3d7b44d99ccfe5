// Package mcp provides an MCP (Model Context Protocol) server for lwreport.
// This lets AI agents list report definitions, run them and read stored rows
// through MCP tools instead of CLI commands.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hargabyte/lwreport/internal/logging"
	"github.com/hargabyte/lwreport/internal/pipeline"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/schema"
	"github.com/hargabyte/lwreport/internal/store"
)

// Runner runs one resolved definition. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Report
}

// Server wraps the MCP server with lwreport tools
type Server struct {
	mcpServer    *server.MCPServer
	deps         Deps
	tools        map[string]bool
	lastActivity time.Time
	timeout      time.Duration
	mu           sync.RWMutex
}

// Config holds server configuration
type Config struct {
	Tools   []string      // Which tools to expose (empty = all)
	Timeout time.Duration // Inactivity timeout (0 = no timeout)
	Version string
}

// Deps are the components the tools read from and run.
type Deps struct {
	Registry *report.Registry
	Store    *store.Store
	Runner   Runner
	Logger   *slog.Logger
	Now      func() time.Time
}

// AllTools lists all available tools
var AllTools = []string{"lwr_reports", "lwr_run", "lwr_rows", "lwr_runs", "lwr_sql"}

// Row limits for lwr_rows and lwr_sql.
const (
	defaultRowLimit = 50
	maxRowLimit     = 1000
)

// New creates a new MCP server. The caller owns the store.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Store == nil {
		return nil, fmt.Errorf("mcp server needs a registry and a store")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcpServer:    server.NewMCPServer("lwreport", version, server.WithToolCapabilities(false)),
		deps:         deps,
		tools:        make(map[string]bool),
		lastActivity: time.Now(),
		timeout:      cfg.Timeout,
	}

	toolsToRegister := cfg.Tools
	if len(toolsToRegister) == 0 {
		toolsToRegister = AllTools
	}
	for _, toolName := range toolsToRegister {
		if err := s.registerTool(toolName); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", toolName, err)
		}
		s.tools[toolName] = true
	}
	return s, nil
}

// registerTool registers a single tool with the MCP server
func (s *Server) registerTool(name string) error {
	ts, ok := toolSchemaRegistry[name]
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	if name == "lwr_run" && s.deps.Runner == nil {
		return fmt.Errorf("lwr_run needs a pipeline")
	}

	opts := []mcp.ToolOption{mcp.WithDescription(ts.Description)}
	for _, p := range ts.Parameters {
		popts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		switch p.Type {
		case "number":
			opts = append(opts, mcp.WithNumber(p.Name, popts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(p.Name, popts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}
	s.mcpServer.AddTool(mcp.NewTool(name, opts...), s.handler(name))
	return nil
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.updateActivity()
		result, err := s.call(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(result), nil
	}
}

// ServeStdio serves over stdin/stdout until ctx ends or the inactivity
// timeout passes.
func (s *Server) ServeStdio(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go s.timeoutChecker(ctx, cancel)
	}
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// timeoutChecker cancels the server after the inactivity timeout
func (s *Server) timeoutChecker(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.RLock()
		elapsed := time.Since(s.lastActivity)
		s.mu.RUnlock()

		if elapsed > s.timeout {
			s.deps.Logger.Info("mcp server idle, stopping", "timeout", s.timeout)
			cancel()
			return
		}
	}
}

// updateActivity updates the last activity timestamp
func (s *Server) updateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ListTools returns the registered tools, sorted
func (s *Server) ListTools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]string, 0, len(s.tools))
	for t := range s.tools {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	return tools
}

// ToolSchema describes a tool's name, description, and parameters.
type ToolSchema struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Parameters  []ParameterSchema `json:"parameters" yaml:"parameters"`
}

// ParameterSchema describes a single tool parameter.
type ParameterSchema struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
	Required    bool   `json:"required" yaml:"required"`
}

// toolSchemaRegistry holds the schema definitions for all tools.
// registerTool builds the mcp.Tool from these.
var toolSchemaRegistry = map[string]ToolSchema{
	"lwr_reports": {
		Name:        "lwr_reports",
		Description: "List report definitions, or show one definition in full.",
		Parameters: []ParameterSchema{
			{Name: "name", Type: "string", Description: "Report name to show (default: list all)"},
		},
	},
	"lwr_run": {
		Name:        "lwr_run",
		Description: "Run a report: fetch from the API, persist rows and render artifacts. Returns the run status and counters.",
		Parameters: []ParameterSchema{
			{Name: "report", Type: "string", Description: "Report name", Required: true},
			{Name: "last", Type: "string", Description: "Look back this far, e.g. 24h or 7d (default: the report's lookback)"},
			{Name: "from", Type: "string", Description: "Range start, RFC 3339 or YYYY-MM-DD"},
			{Name: "to", Type: "string", Description: "Range end (default: now)"},
			{Name: "severity", Type: "string", Description: "Minimum severity: critical, high, medium, low, info"},
			{Name: "cloud_account", Type: "string", Description: "aws:<account>, gcp:<org>:<project> or az:<tenant>:<subscription>"},
			{Name: "dry_run", Type: "boolean", Description: "Fetch and diff without writing"},
		},
	},
	"lwr_rows": {
		Name:        "lwr_rows",
		Description: "Read stored rows of a report, ordered by key.",
		Parameters: []ParameterSchema{
			{Name: "report", Type: "string", Description: "Report name", Required: true},
			{Name: "limit", Type: "number", Description: "Maximum rows (default: 50)"},
		},
	},
	"lwr_runs": {
		Name:        "lwr_runs",
		Description: "List recent pipeline runs with their status and counters.",
		Parameters: []ParameterSchema{
			{Name: "report", Type: "string", Description: "Filter to one report"},
			{Name: "limit", Type: "number", Description: "Maximum runs (default: 20)"},
		},
	},
	"lwr_sql": {
		Name:        "lwr_sql",
		Description: "Run a read-only SELECT against the report store. Report tables are named r_<schema name>.",
		Parameters: []ParameterSchema{
			{Name: "query", Type: "string", Description: "SELECT or WITH statement", Required: true},
			{Name: "limit", Type: "number", Description: "Maximum rows returned (default: 50)"},
		},
	},
}

// GetToolSchemas returns schemas for all registered tools.
func (s *Server) GetToolSchemas() []ToolSchema {
	return Schemas(s.ListTools())
}

// Schemas returns the schemas of the named tools in order, skipping unknown names.
func Schemas(names []string) []ToolSchema {
	schemas := make([]ToolSchema, 0, len(names))
	for _, name := range names {
		if ts, ok := toolSchemaRegistry[name]; ok {
			schemas = append(schemas, ts)
		}
	}
	return schemas
}

// CallTool dispatches a tool call by name with the given arguments.
// Returns the JSON result string or an error.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.RLock()
	registered := s.tools[name]
	s.mu.RUnlock()

	if !registered {
		return "", fmt.Errorf("unknown tool: %s (run 'lwreport call --list' to see available tools)", name)
	}
	return s.call(ctx, name, args)
}

func (s *Server) call(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "lwr_reports":
		name, _ := args["name"].(string)
		return s.executeReports(name)

	case "lwr_run":
		reportName, _ := args["report"].(string)
		if reportName == "" {
			return "", fmt.Errorf("report parameter is required")
		}
		var ra report.Args
		ra.Last, _ = args["last"].(string)
		ra.From, _ = args["from"].(string)
		ra.To, _ = args["to"].(string)
		ra.Severity, _ = args["severity"].(string)
		ra.CloudAccount, _ = args["cloud_account"].(string)
		dryRun, _ := args["dry_run"].(bool)
		return s.executeRun(ctx, reportName, ra, dryRun)

	case "lwr_rows":
		reportName, _ := args["report"].(string)
		if reportName == "" {
			return "", fmt.Errorf("report parameter is required")
		}
		return s.executeRows(ctx, reportName, limitArg(args, defaultRowLimit))

	case "lwr_runs":
		reportName, _ := args["report"].(string)
		return s.executeRuns(ctx, reportName, limitArg(args, 20))

	case "lwr_sql":
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("query parameter is required")
		}
		return s.executeSQL(ctx, query, limitArg(args, defaultRowLimit))

	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func limitArg(args map[string]any, def int) int {
	limit := def
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	return min(limit, maxRowLimit)
}

type reportSummary struct {
	Name        string              `json:"name"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	ObjectType  string              `json:"object_type"`
	Outputs     []report.OutputKind `json:"outputs"`
	Columns     []string            `json:"columns"`
	Source      string              `json:"source"`
}

func (s *Server) executeReports(name string) (string, error) {
	if name != "" {
		d, err := s.deps.Registry.Get(name)
		if err != nil {
			return "", err
		}
		return toJSON(d)
	}
	defs := s.deps.Registry.List()
	out := make([]reportSummary, len(defs))
	for i, d := range defs {
		out[i] = reportSummary{
			Name:        d.Name,
			Title:       d.Title,
			Description: d.Description,
			ObjectType:  d.Query.ObjectType,
			Outputs:     d.Outputs,
			Columns:     d.Schema.ColumnNames(),
			Source:      d.Source,
		}
	}
	return toJSON(out)
}

func (s *Server) executeRun(ctx context.Context, name string, ra report.Args, dryRun bool) (string, error) {
	params, err := ra.Params(s.deps.Now)
	if err != nil {
		return "", err
	}
	def, err := s.deps.Registry.Resolve(name, params)
	if err != nil {
		return "", err
	}
	rep := s.deps.Runner.Run(ctx, pipeline.Request{Def: def, DryRun: dryRun})
	return toJSON(rep.Outcome())
}

func (s *Server) executeRows(ctx context.Context, name string, limit int) (string, error) {
	d, err := s.deps.Registry.Get(name)
	if err != nil {
		return "", err
	}
	exists, err := s.deps.Store.HasTable(ctx, &d.Schema)
	if err != nil {
		return "", err
	}
	var rows []schema.Row
	if exists {
		if rows, err = s.deps.Store.Rows(ctx, &d.Schema, limit); err != nil {
			return "", err
		}
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r.Map()
	}
	return toJSON(map[string]any{
		"report":  d.Name,
		"columns": d.Schema.ColumnNames(),
		"count":   len(out),
		"rows":    out,
	})
}

func (s *Server) executeRuns(ctx context.Context, name string, limit int) (string, error) {
	runs, err := s.deps.Store.Runs(ctx, name, limit)
	if err != nil {
		return "", err
	}
	if runs == nil {
		runs = []store.Run{}
	}
	return toJSON(runs)
}

func (s *Server) executeSQL(ctx context.Context, query string, limit int) (string, error) {
	res, err := s.deps.Store.Query(ctx, query)
	if err != nil {
		return "", err
	}
	truncated := false
	if len(res.Rows) > limit {
		res.Rows = res.Rows[:limit]
		truncated = true
	}
	return toJSON(map[string]any{
		"columns":   res.Columns,
		"rows":      res.Rows,
		"truncated": truncated,
	})
}

// Helper functions

func toJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
