package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/hargabyte/lwreport/internal/pipeline"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/schema"
	"github.com/hargabyte/lwreport/internal/store"
)

type fakeRunner struct {
	reqs []pipeline.Request
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.Request) pipeline.Report {
	f.reqs = append(f.reqs, req)
	return pipeline.Report{Name: req.Def.Name, Status: pipeline.StatusSuccess}
}

func newTestServer(t *testing.T, tools ...string) (*Server, *fakeRunner) {
	t.Helper()
	reg, err := report.Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "lwreport.db"), store.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	runner := &fakeRunner{}
	s, err := New(Config{Tools: tools}, Deps{
		Registry: reg,
		Store:    st,
		Runner:   runner,
		Now:      func() time.Time { return time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, runner
}

func TestGetToolSchemas(t *testing.T) {
	expectedTools := []string{"lwr_reports", "lwr_run", "lwr_rows", "lwr_runs", "lwr_sql"}

	for _, name := range expectedTools {
		schema, ok := toolSchemaRegistry[name]
		if !ok {
			t.Errorf("toolSchemaRegistry missing tool: %s", name)
			continue
		}
		if schema.Name != name {
			t.Errorf("schema name mismatch: got %q, want %q", schema.Name, name)
		}
		if schema.Description == "" {
			t.Errorf("tool %s has empty description", name)
		}
	}

	if len(toolSchemaRegistry) != len(expectedTools) {
		t.Errorf("toolSchemaRegistry has %d tools, want %d", len(toolSchemaRegistry), len(expectedTools))
	}
}

func TestToolSchemaParameters(t *testing.T) {
	tests := []struct {
		tool          string
		requiredParam string
	}{
		{"lwr_run", "report"},
		{"lwr_rows", "report"},
		{"lwr_sql", "query"},
	}

	for _, tt := range tests {
		schema, ok := toolSchemaRegistry[tt.tool]
		if !ok {
			t.Fatalf("missing tool: %s", tt.tool)
		}

		found := false
		for _, p := range schema.Parameters {
			if p.Name == tt.requiredParam {
				found = true
				if !p.Required {
					t.Errorf("tool %s param %s should be required", tt.tool, tt.requiredParam)
				}
			}
		}
		if !found {
			t.Errorf("tool %s missing parameter %s", tt.tool, tt.requiredParam)
		}
	}
}

func TestToolSchemaNoRequiredParams(t *testing.T) {
	for _, name := range []string{"lwr_reports", "lwr_runs"} {
		for _, p := range toolSchemaRegistry[name].Parameters {
			if p.Required {
				t.Errorf("tool %s param %s is marked required but should not be", name, p.Name)
			}
		}
	}
}

func TestAllToolsMatchesRegistry(t *testing.T) {
	registryNames := make([]string, 0, len(toolSchemaRegistry))
	for name := range toolSchemaRegistry {
		registryNames = append(registryNames, name)
	}
	sort.Strings(registryNames)

	allToolsCopy := append([]string(nil), AllTools...)
	sort.Strings(allToolsCopy)

	if strings.Join(registryNames, ",") != strings.Join(allToolsCopy, ",") {
		t.Errorf("registry %v != AllTools %v", registryNames, allToolsCopy)
	}
}

func TestNewRejectsUnknownTool(t *testing.T) {
	reg, _ := report.Builtin()
	st, err := store.Open(filepath.Join(t.TempDir(), "lwreport.db"), store.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if _, err := New(Config{Tools: []string{"cx_map"}}, Deps{Registry: reg, Store: st}); err == nil {
		t.Error("expected error for unknown tool")
	}
	if _, err := New(Config{Tools: []string{"lwr_run"}}, Deps{Registry: reg, Store: st}); err == nil {
		t.Error("expected error for lwr_run without a pipeline")
	}
}

func TestCallToolReports(t *testing.T) {
	s, _ := newTestServer(t)

	out, err := s.CallTool(context.Background(), "lwr_reports", nil)
	if err != nil {
		t.Fatalf("lwr_reports: %v", err)
	}
	var list []reportSummary
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 11 || list[0].Name != "alert-rules" {
		t.Errorf("unexpected listing: %+v", list)
	}

	out, err = s.CallTool(context.Background(), "lwr_reports", map[string]any{"name": "alerts"})
	if err != nil {
		t.Fatalf("lwr_reports name: %v", err)
	}
	if !strings.Contains(out, `"severity_field": "severity"`) {
		t.Errorf("expected full definition, got %s", out)
	}

	if _, err := s.CallTool(context.Background(), "lwr_reports", map[string]any{"name": "nope"}); err == nil {
		t.Error("expected error for unknown report")
	}
}

func TestCallToolRun(t *testing.T) {
	s, runner := newTestServer(t)

	out, err := s.CallTool(context.Background(), "lwr_run", map[string]any{
		"report":   "alerts",
		"last":     "2d",
		"severity": "critical",
		"dry_run":  true,
	})
	if err != nil {
		t.Fatalf("lwr_run: %v", err)
	}
	if !strings.Contains(out, `"status": "success"`) {
		t.Errorf("unexpected output: %s", out)
	}
	if len(runner.reqs) != 1 {
		t.Fatalf("runner called %d times", len(runner.reqs))
	}
	req := runner.reqs[0]
	if !req.DryRun {
		t.Error("expected dry run")
	}
	if got := req.Def.Query.Range.Duration(); got != 48*time.Hour {
		t.Errorf("range = %v, want 48h", got)
	}

	if _, err := s.CallTool(context.Background(), "lwr_run", map[string]any{}); err == nil {
		t.Error("expected error without report")
	}
	if _, err := s.CallTool(context.Background(), "lwr_run", map[string]any{"report": "alerts", "severity": "severe"}); err == nil {
		t.Error("expected error for bad severity")
	}
}

func TestCallToolRowsAndSQL(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	out, err := s.CallTool(ctx, "lwr_rows", map[string]any{"report": "alerts"})
	if err != nil {
		t.Fatalf("lwr_rows on empty store: %v", err)
	}
	if !strings.Contains(out, `"count": 0`) {
		t.Errorf("expected no rows, got %s", out)
	}

	def, _ := s.deps.Registry.Get("alerts")
	var rows []schema.Row
	for i := range 3 {
		rows = append(rows, schema.RowFromMap(&def.Schema, map[string]any{"alert_id": int64(i + 1), "severity": "High"}))
	}
	if _, err := s.deps.Store.Upsert(ctx, &def.Schema, rows, "run-1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	out, err = s.CallTool(ctx, "lwr_rows", map[string]any{"report": "alerts", "limit": float64(2)})
	if err != nil {
		t.Fatalf("lwr_rows: %v", err)
	}
	if !strings.Contains(out, `"count": 2`) {
		t.Errorf("expected 2 rows, got %s", out)
	}

	out, err = s.CallTool(ctx, "lwr_sql", map[string]any{
		"query": `SELECT severity, COUNT(*) AS n FROM "r_Alert" GROUP BY severity`,
	})
	if err != nil {
		t.Fatalf("lwr_sql: %v", err)
	}
	var res struct {
		Columns   []string `json:"columns"`
		Rows      [][]any  `json:"rows"`
		Truncated bool     `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0][1] != float64(3) || res.Truncated {
		t.Errorf("unexpected sql result: %+v", res)
	}

	if _, err := s.CallTool(ctx, "lwr_sql", map[string]any{"query": "DELETE FROM r_Alert"}); err == nil {
		t.Error("expected write statement to be rejected")
	}
}

func TestCallToolUnregistered(t *testing.T) {
	s, _ := newTestServer(t, "lwr_reports")
	if _, err := s.CallTool(context.Background(), "lwr_sql", map[string]any{"query": "SELECT 1"}); err == nil {
		t.Error("expected error for unregistered tool")
	}
	if got := s.ListTools(); len(got) != 1 || got[0] != "lwr_reports" {
		t.Errorf("ListTools = %v", got)
	}
	if got := s.GetToolSchemas(); len(got) != 1 {
		t.Errorf("GetToolSchemas = %v", got)
	}
}
