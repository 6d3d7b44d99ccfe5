package graph

import (
	"reflect"
	"strings"
	"testing"

	"github.com/hargabyte/lwreport/internal/metrics"
	"github.com/hargabyte/lwreport/internal/schema"
)

func exposureSchema() *schema.Schema {
	return &schema.Schema{
		Name:    "ResourceExposure",
		Version: 1,
		Columns: []schema.Column{
			{Name: "resource_id", Type: schema.TypeString},
			{Name: "resource_name", Type: schema.TypeString},
			{Name: "resource_type", Type: schema.TypeString},
			{Name: "account_id", Type: schema.TypeString},
			{Name: "exposed_via", Type: schema.TypeJSON},
		},
		Key: []string{"resource_id"},
	}
}

func exposureSpec() Spec {
	return Spec{
		Node:  "resource_id",
		Label: "resource_name",
		Type:  "resource_type",
		Group: "account_id",
		Edges: []EdgeSpec{
			{Column: "exposed_via", Label: "exposes", Reverse: true},
			{Column: "account_id", Label: "owns", Reverse: true, TargetType: "account"},
		},
	}
}

func row(s *schema.Schema, vals ...any) schema.Row {
	return schema.NewRow(s, vals)
}

func TestBuild(t *testing.T) {
	s := exposureSchema()
	rows := []schema.Row{
		row(s, "i-1", "web", "host", "111", `["internet","sg-1"]`),
		row(s, "sg-1", "web-sg", "security_group", "111", `["internet"]`),
		row(s, "i-2", "db", "host", "111", `["sg-1"]`),
		row(s, "", "nameless", "host", "111", nil),
	}

	g, skipped := Build(rows, exposureSpec())
	if skipped != 1 {
		t.Errorf("expected 1 skipped row, got %d", skipped)
	}

	// i-1, internet, sg-1, 111, i-2
	if g.NodeCount() != 5 {
		t.Fatalf("expected 5 nodes, got %d: %v", g.NodeCount(), ids(g))
	}
	wantOrder := []string{"i-1", "internet", "sg-1", "111", "i-2"}
	if got := ids(g); !reflect.DeepEqual(got, wantOrder) {
		t.Errorf("node order = %v, want %v", got, wantOrder)
	}

	sg, _ := g.Node("sg-1")
	if sg.External || sg.Type != "security_group" || sg.Label != "web-sg" {
		t.Errorf("sg-1 should be upgraded from external by its own row, got %+v", sg)
	}
	inet, _ := g.Node("internet")
	if !inet.External || inet.Type != ExternalType {
		t.Errorf("internet should stay external, got %+v", inet)
	}
	acct, _ := g.Node("111")
	if acct.Type != "account" {
		t.Errorf("account target should take target_type, got %s", acct.Type)
	}
	if g.ExternalCount() != 2 {
		t.Errorf("expected 2 external nodes, got %d", g.ExternalCount())
	}

	// exposes: internet->i-1, sg-1->i-1, internet->sg-1, sg-1->i-2; owns: 111->each of 3
	if g.EdgeCount() != 7 {
		t.Errorf("expected 7 edges, got %d: %v", g.EdgeCount(), g.EdgeList())
	}
	if g.InDegree("i-1") != 3 {
		t.Errorf("expected i-1 in-degree 3, got %d", g.InDegree("i-1"))
	}
}

func TestBuildDeduplicatesEdges(t *testing.T) {
	s := exposureSchema()
	rows := []schema.Row{
		row(s, "i-1", "web", "host", "111", `["internet","internet"]`),
		row(s, "i-1", "web", "host", "111", `["internet"]`),
	}

	g, _ := Build(rows, exposureSpec())
	if g.NodeCount() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.NodeCount())
	}
	if g.EdgeCount() != 2 {
		t.Errorf("expected 2 edges, got %d", g.EdgeCount())
	}
}

func TestBuildObjectArrayField(t *testing.T) {
	s := exposureSchema()
	rows := []schema.Row{
		row(s, "i-1", "web", "host", "111", `[{"GroupId":"sg-1","GroupName":"web"},{"GroupId":"sg-2"},{"GroupName":"no id"}]`),
	}
	sp := exposureSpec()
	sp.Edges = []EdgeSpec{{Column: "exposed_via", Label: "exposes", Reverse: true, Field: "GroupId", TargetType: "security_group"}}

	g, _ := Build(rows, sp)
	if got := g.Predecessors("i-1"); !reflect.DeepEqual(got, []string{"sg-1", "sg-2"}) {
		t.Errorf("predecessors = %v, want [sg-1 sg-2]", got)
	}
	sg, _ := g.Node("sg-2")
	if sg.Type != "security_group" {
		t.Errorf("expected target type security_group, got %s", sg.Type)
	}
}

func TestBuildSelfLoopAndCycle(t *testing.T) {
	s := exposureSchema()
	rows := []schema.Row{
		row(s, "a", "a", "host", nil, "a"),
		row(s, "b", "b", "host", nil, "c"),
		row(s, "c", "c", "host", nil, "b"),
	}
	sp := exposureSpec()
	sp.Edges = sp.Edges[:1]

	g, _ := Build(rows, sp)
	if g.EdgeCount() != 3 {
		t.Fatalf("expected 3 edges, got %d", g.EdgeCount())
	}
	if len(g.Successors("a")) != 1 || g.Successors("a")[0] != "a" {
		t.Errorf("expected self loop on a, got %v", g.Successors("a"))
	}
	if g.ExternalCount() != 0 {
		t.Errorf("expected no external nodes, got %d", g.ExternalCount())
	}
}

func TestSpecValidate(t *testing.T) {
	s := exposureSchema()
	if err := exposureSpec().Validate(s); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}

	bad := exposureSpec()
	bad.Edges = append(bad.Edges, EdgeSpec{Column: "missing"})
	if err := bad.Validate(s); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected unknown column error, got %v", err)
	}

	if err := (Spec{}).Validate(s); err == nil {
		t.Error("expected error for empty node column")
	}
}

func TestScore(t *testing.T) {
	g := New()
	g.AddEdge("internet", "web1", "exposes")
	g.AddEdge("internet", "web2", "exposes")
	g.AddEdge("web1", "db", "routes")
	g.AddEdge("web2", "db", "routes")

	g.Score(metrics.DefaultThresholds())
	db, _ := g.Node("db")
	if db.Importance != string(metrics.Critical) {
		t.Errorf("expected db critical, got %s", db.Importance)
	}
}

func TestGenerateMermaid(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "i-1", Label: "web \"frontend\"", Type: "host", Importance: "critical"})
	g.AddEdge("internet", "i-1", "exposes")

	out := GenerateMermaid(g, &DiagramOptions{Title: "Exposure"})

	for _, want := range []string{
		"title: Exposure",
		"flowchart LR",
		`i_1["web #quot;frontend#quot;"]:::critical`,
		`internet(("internet"))`,
		"internet ==>|exposes| i_1",
		"classDef critical",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("mermaid output missing %q:\n%s", want, out)
		}
	}
}

func TestGenerateD2(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "arn:aws:s3:::logs", Label: "logs", Type: "bucket"})
	g.AddEdge("111", "arn:aws:s3:::logs", "owns")

	out := GenerateD2(g, &DiagramOptions{Direction: "down"})

	for _, want := range []string{
		"direction: down",
		`"arn:aws:s3:::logs": {`,
		"shape: cylinder",
		"shape: cloud",
		`111 -> "arn:aws:s3:::logs": "owns" {style.stroke-dash: 3}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("d2 output missing %q:\n%s", want, out)
		}
	}
}

func TestCollapse(t *testing.T) {
	g := New()
	for _, id := range []string{"a1", "a2", "a3"} {
		g.AddNode(Node{ID: id, Label: id, Type: "host", Group: "acct-a"})
	}
	g.AddNode(Node{ID: "b1", Label: "b1", Type: "host", Group: "acct-b"})
	g.AddEdge("a1", "a2", "routes")
	g.AddEdge("a1", "b1", "routes")
	g.AddEdge("a2", "b1", "routes")

	out := GenerateMermaid(g, &DiagramOptions{MaxNodes: 2, Collapse: true})
	if !strings.Contains(out, "acct-a (3)") || !strings.Contains(out, "acct-b (1)") {
		t.Errorf("expected group nodes with counts:\n%s", out)
	}
	if strings.Count(out, "-->") != 1 {
		t.Errorf("expected one deduplicated group edge:\n%s", out)
	}
}

func TestCharts(t *testing.T) {
	slices := []Slice{{Label: "Critical", Value: 3}, {Label: "High", Value: 10}}

	pie := GeneratePieChart(slices, "By severity")
	if !strings.HasPrefix(pie, "pie title By severity\n") || !strings.Contains(pie, `"High" : 10`) {
		t.Errorf("unexpected pie chart:\n%s", pie)
	}

	bar := GenerateBarChart(slices, "By severity", "")
	for _, want := range []string{"xychart-beta", `x-axis ["Critical", "High"]`, "y-axis \"count\" 0 --> 10", "bar [3, 10]"} {
		if !strings.Contains(bar, want) {
			t.Errorf("bar chart missing %q:\n%s", want, bar)
		}
	}
}

func TestSanitizeMermaidID(t *testing.T) {
	tests := map[string]string{
		"i-0abc":  "i_0abc",
		"1host":   "_1host",
		"":        "_empty",
		"end":     "_end",
		"a.b/c:d": "a_b_c_d",
	}
	for in, want := range tests {
		if got := sanitizeMermaidID(in); got != want {
			t.Errorf("sanitizeMermaidID(%q) = %q, want %q", in, got, want)
		}
	}
}

func ids(g *Graph) []string {
	var out []string
	for _, n := range g.Nodes() {
		out = append(out, n.ID)
	}
	return out
}
