// Package graph builds relationship graphs from report rows and renders them
// as D2 or Mermaid diagrams.
package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"

	"github.com/hargabyte/lwreport/internal/metrics"
	"github.com/hargabyte/lwreport/internal/schema"
)

// Spec declares how rows map to nodes and edges.
type Spec struct {
	Node  string     `yaml:"node" json:"node"`                       // column holding the node key
	Label string     `yaml:"label,omitempty" json:"label,omitempty"` // display label column
	Type  string     `yaml:"type,omitempty" json:"type,omitempty"`   // node type column
	Group string     `yaml:"group,omitempty" json:"group,omitempty"` // clustering column
	Edges []EdgeSpec `yaml:"edges" json:"edges"`
}

// EdgeSpec turns the values of one column into edges. A column holding a
// JSON array yields one edge per element.
type EdgeSpec struct {
	Column  string `yaml:"column" json:"column"`
	Label   string `yaml:"label,omitempty" json:"label,omitempty"`
	Reverse bool   `yaml:"reverse,omitempty" json:"reverse,omitempty"` // target -> node
	// Field picks the target id out of each element when the column holds
	// an array of objects.
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	// TargetType is the node type given to targets that have no row.
	TargetType string `yaml:"target_type,omitempty" json:"target_type,omitempty"`
}

// Validate checks that every referenced column exists in s.
func (sp Spec) Validate(s *schema.Schema) error {
	if sp.Node == "" {
		return fmt.Errorf("graph: node column is required")
	}
	cols := []string{sp.Node, sp.Label, sp.Type, sp.Group}
	for _, e := range sp.Edges {
		if e.Column == "" {
			return fmt.Errorf("graph: edge column is required")
		}
		cols = append(cols, e.Column)
	}
	for _, c := range cols {
		if c == "" {
			continue
		}
		if _, ok := s.Column(c); !ok {
			return fmt.Errorf("graph: unknown column %q", c)
		}
	}
	return nil
}

// ExternalType marks nodes referenced by an edge but never keyed by a row.
const ExternalType = "external"

// Node is one graph vertex.
type Node struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	Group      string `json:"group,omitempty"`
	External   bool   `json:"external,omitempty"`
	Importance string `json:"importance,omitempty"`
}

// Edge is one directed, labelled relation.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Graph is an in-memory relationship graph. Nodes and edges keep the order
// in which they were first seen.
type Graph struct {
	// Adjacency list: node -> targets
	Edges map[string][]string
	// Reverse adjacency: node -> sources
	ReverseEdges map[string][]string

	nodes   map[string]*Node
	order   []string
	edges   []Edge
	edgeSet map[Edge]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		Edges:        make(map[string][]string),
		ReverseEdges: make(map[string][]string),
		nodes:        make(map[string]*Node),
		edgeSet:      make(map[Edge]struct{}),
	}
}

// Build makes one pass over rows. Each distinct node key becomes a node;
// each edge column value becomes an edge, creating an external node when the
// target has no row (yet). Rows with an empty node key are skipped and counted.
// Self-loops and cycles are kept.
func Build(rows []schema.Row, sp Spec) (*Graph, int) {
	g := New()
	skipped := 0
	for _, r := range rows {
		id := text(r.Get(sp.Node))
		if id == "" {
			skipped++
			continue
		}

		n := g.ensure(id, ExternalType)
		n.External = false
		n.Type = "default"
		if sp.Type != "" {
			if t := text(r.Get(sp.Type)); t != "" {
				n.Type = t
			}
		}
		if sp.Label != "" {
			if l := text(r.Get(sp.Label)); l != "" {
				n.Label = l
			}
		}
		if sp.Group != "" {
			n.Group = text(r.Get(sp.Group))
		}

		for _, e := range sp.Edges {
			for _, target := range targets(r.Get(e.Column), e.Field) {
				typ := e.TargetType
				if typ == "" {
					typ = ExternalType
				}
				g.ensure(target, typ)
				if e.Reverse {
					g.AddEdge(target, id, e.Label)
				} else {
					g.AddEdge(id, target, e.Label)
				}
			}
		}
	}
	return g, skipped
}

// ensure returns the node for id, creating an external node of type typ.
func (g *Graph) ensure(id, typ string) *Node {
	if n, ok := g.nodes[id]; ok {
		return n
	}
	n := &Node{ID: id, Label: id, Type: typ, External: true}
	g.nodes[id] = n
	g.order = append(g.order, id)
	if _, ok := g.Edges[id]; !ok {
		g.Edges[id] = []string{}
	}
	if _, ok := g.ReverseEdges[id]; !ok {
		g.ReverseEdges[id] = []string{}
	}
	return n
}

// AddNode adds n, replacing any node with the same ID.
func (g *Graph) AddNode(n Node) {
	existing := g.ensure(n.ID, n.Type)
	*existing = n
}

// AddEdge adds a directed edge, creating missing endpoints as external
// nodes. Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to, label string) {
	e := Edge{From: from, To: to, Label: label}
	if _, dup := g.edgeSet[e]; dup {
		return
	}
	g.ensure(from, ExternalType)
	g.ensure(to, ExternalType)
	g.edgeSet[e] = struct{}{}
	g.edges = append(g.edges, e)

	// Parallel edges with different labels share one adjacency entry
	for _, t := range g.Edges[from] {
		if t == to {
			return
		}
	}
	g.Edges[from] = append(g.Edges[from], to)
	g.ReverseEdges[to] = append(g.ReverseEdges[to], from)
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in first-seen order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// EdgeList returns all edges in first-seen order.
func (g *Graph) EdgeList() []Edge {
	return g.edges
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int {
	return len(g.order)
}

// EdgeCount returns the number of distinct labelled edges.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// OutDegree returns the number of distinct targets of a node.
func (g *Graph) OutDegree(node string) int {
	return len(g.Edges[node])
}

// InDegree returns the number of distinct sources of a node.
func (g *Graph) InDegree(node string) int {
	return len(g.ReverseEdges[node])
}

// Successors returns the targets of node.
func (g *Graph) Successors(node string) []string {
	return g.Edges[node]
}

// Predecessors returns the sources of node.
func (g *Graph) Predecessors(node string) []string {
	return g.ReverseEdges[node]
}

// ExternalCount returns how many nodes have no row of their own.
func (g *Graph) ExternalCount() int {
	n := 0
	for _, node := range g.nodes {
		if node.External {
			n++
		}
	}
	return n
}

// Score sets each node's Importance from PageRank and betweenness.
// Bottlenecks that are not already critical are marked "bottleneck".
func (g *Graph) Score(t metrics.ImportanceThresholds) []metrics.Metrics {
	scores := metrics.Analyze(g.Edges, t)
	for _, m := range scores {
		n, ok := g.nodes[m.Node]
		if !ok {
			continue
		}
		n.Importance = string(m.Importance)
		if m.Bottleneck && m.Importance != metrics.Critical {
			n.Importance = "bottleneck"
		}
	}
	return scores
}

// targets splits a column value into node keys.
func targets(v any, field string) []string {
	s := text(v)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var list []any
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			out := make([]string, 0, len(list))
			for _, el := range list {
				if m, ok := el.(map[string]any); ok {
					el = m[field]
				}
				if t := text(el); t != "" {
					out = append(out, t)
				}
			}
			return out
		}
	}
	return []string{s}
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
