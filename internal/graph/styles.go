package graph

import "strconv"

// NodeShape defines diagram shapes for a node type.
type NodeShape struct {
	D2Shape      string // D2 shape name (rectangle, hexagon, cloud, etc.)
	MermaidShape string // Mermaid shape syntax ([], {{}}, (()), etc.)
}

// NodeShapes maps node types to their diagram shapes.
var NodeShapes = map[string]NodeShape{
	// Compute
	"host":      {D2Shape: "rectangle", MermaidShape: "[]"},
	"machine":   {D2Shape: "rectangle", MermaidShape: "[]"},
	"instance":  {D2Shape: "rectangle", MermaidShape: "[]"},
	"container": {D2Shape: "hexagon", MermaidShape: "{{}}"},
	"function":  {D2Shape: "oval", MermaidShape: "([])"},

	// Storage
	"bucket":   {D2Shape: "cylinder", MermaidShape: "[()]"},
	"database": {D2Shape: "cylinder", MermaidShape: "[()]"},

	// Network and access control
	"security_group": {D2Shape: "diamond", MermaidShape: "{}"},
	"load_balancer":  {D2Shape: "parallelogram", MermaidShape: "[/\\]"},
	"role":           {D2Shape: "person", MermaidShape: "([])"},

	// Containers of resources
	"account": {D2Shape: "package", MermaidShape: "[()]"},
	"project": {D2Shape: "package", MermaidShape: "[()]"},
	"group":   {D2Shape: "package", MermaidShape: "[()]"},

	// Outside the row set
	"internet":   {D2Shape: "cloud", MermaidShape: "(())"},
	ExternalType: {D2Shape: "cloud", MermaidShape: "(())"},

	"default": {D2Shape: "rectangle", MermaidShape: "[]"},
}

// EdgeStyle defines diagram edge styles for a relation label.
type EdgeStyle struct {
	D2Style      string // D2 edge syntax (->, --, etc.)
	MermaidStyle string // Mermaid edge syntax (-->, -.->, etc.)
	D2Dashed     bool
}

// EdgeStyles maps relation labels to their diagram edge styles.
var EdgeStyles = map[string]EdgeStyle{
	// Reachability - solid arrow
	"exposes": {D2Style: "->", MermaidStyle: "==>"},
	"routes":  {D2Style: "->", MermaidStyle: "-->"},

	// Ownership - dashed
	"owns":     {D2Style: "->", MermaidStyle: "-.->", D2Dashed: true},
	"contains": {D2Style: "->", MermaidStyle: "-.->", D2Dashed: true},

	// Trust and access
	"trusts":   {D2Style: "->", MermaidStyle: "-.->", D2Dashed: true},
	"accesses": {D2Style: "->", MermaidStyle: "-->"},

	"default": {D2Style: "->", MermaidStyle: "-->"},
}

// ImportanceStyle defines visual emphasis for an importance level.
type ImportanceStyle struct {
	D2Style      string // D2 style block body
	MermaidClass string // Mermaid classDef body
}

// ImportanceStyles maps importance levels to visual styles.
var ImportanceStyles = map[string]ImportanceStyle{
	"critical": {
		D2Style:      "stroke-width: 3; stroke: \"#d32f2f\"",
		MermaidClass: "stroke-width:3px,stroke:#d32f2f",
	},
	"bottleneck": {
		D2Style:      "stroke-width: 2; stroke: orange",
		MermaidClass: "stroke-width:2px,stroke:orange",
	},
	"high": {
		D2Style:      "stroke-width: 2",
		MermaidClass: "stroke-width:2px",
	},
	"normal": {},
}

// GetNodeShape returns the shape for a node type, with fallback to default.
func GetNodeShape(nodeType string) NodeShape {
	if shape, ok := NodeShapes[nodeType]; ok {
		return shape
	}
	return NodeShapes["default"]
}

// GetEdgeStyle returns the style for an edge label, with fallback to default.
func GetEdgeStyle(label string) EdgeStyle {
	if style, ok := EdgeStyles[label]; ok {
		return style
	}
	return EdgeStyles["default"]
}

// GetImportanceStyle returns the style for an importance level, with fallback to normal.
func GetImportanceStyle(importance string) ImportanceStyle {
	if style, ok := ImportanceStyles[importance]; ok {
		return style
	}
	return ImportanceStyles["normal"]
}

// DiagramOptions contains common options for diagram generation.
type DiagramOptions struct {
	MaxNodes  int    // Maximum nodes before collapsing to groups (default: 60)
	Direction string // Layout direction: "right"/"LR" or "down"/"TD"
	Collapse  bool   // Collapse to groups when > MaxNodes
	Title     string // Optional diagram title
}

// DefaultDiagramOptions returns sensible defaults for diagram generation.
func DefaultDiagramOptions() *DiagramOptions {
	return &DiagramOptions{
		MaxNodes:  60,
		Direction: "right",
		Collapse:  true,
	}
}

func (o *DiagramOptions) withDefaults() *DiagramOptions {
	if o == nil {
		return DefaultDiagramOptions()
	}
	c := *o
	if c.MaxNodes <= 0 {
		c.MaxNodes = 60
	}
	if c.Direction == "" {
		c.Direction = "right"
	}
	return &c
}

// collapse groups nodes by Group (external nodes by type) and returns the
// group nodes with deduplicated group-level edges. Edges within a group are dropped.
func (g *Graph) collapse() *Graph {
	groupOf := make(map[string]string, len(g.order))
	out := New()
	counts := map[string]int{}
	for _, n := range g.Nodes() {
		grp := n.Group
		if grp == "" {
			if n.External {
				grp = n.Type
			} else {
				grp = "ungrouped"
			}
		}
		groupOf[n.ID] = grp
		counts[grp]++
		if _, ok := out.nodes[grp]; !ok {
			typ := "group"
			if n.External {
				typ = n.Type
			}
			out.AddNode(Node{ID: grp, Type: typ})
		}
	}
	for id, c := range counts {
		out.nodes[id].Label = id + " (" + strconv.Itoa(c) + ")"
	}
	for _, e := range g.edges {
		from, to := groupOf[e.From], groupOf[e.To]
		if from == to {
			continue
		}
		out.AddEdge(from, to, e.Label)
	}
	return out
}
