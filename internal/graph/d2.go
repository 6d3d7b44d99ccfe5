package graph

import (
	"fmt"
	"strings"
)

// GenerateD2 renders g as a D2 diagram. Graphs larger than MaxNodes are
// collapsed to one node per group when Collapse is set.
func GenerateD2(g *Graph, opts *DiagramOptions) string {
	opts = opts.withDefaults()

	var sb strings.Builder

	fmt.Fprintf(&sb, "direction: %s\n", d2Direction(opts.Direction))
	if opts.Title != "" {
		fmt.Fprintf(&sb, "title: {\n  label: %s\n  near: top-center\n  shape: text\n}\n", quoteD2(opts.Title))
	}
	sb.WriteString("\n")

	if opts.Collapse && g.NodeCount() > opts.MaxNodes {
		g = g.collapse()
	}

	sb.WriteString("# Nodes\n")
	for _, n := range g.Nodes() {
		sb.WriteString(generateD2Node(n))
		sb.WriteString("\n")
	}

	sb.WriteString("\n# Edges\n")
	for _, e := range g.EdgeList() {
		sb.WriteString(generateD2Edge(e))
		sb.WriteString("\n")
	}

	return sb.String()
}

func d2Direction(d string) string {
	switch d {
	case "down", "TD", "TB":
		return "down"
	}
	return "right"
}

// generateD2Node generates a D2 node definition.
func generateD2Node(n *Node) string {
	shape := GetNodeShape(n.Type)
	imp := GetImportanceStyle(n.Importance)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: {\n", sanitizeD2ID(n.ID))
	fmt.Fprintf(&sb, "  label: %s\n", quoteD2(n.Label))
	fmt.Fprintf(&sb, "  shape: %s\n", shape.D2Shape)

	if imp.D2Style != "" {
		sb.WriteString("  style: {\n")
		for _, part := range strings.Split(imp.D2Style, ";") {
			fmt.Fprintf(&sb, "    %s\n", strings.TrimSpace(part))
		}
		sb.WriteString("  }\n")
	}
	sb.WriteString("}")

	return sb.String()
}

// generateD2Edge generates a D2 edge definition.
func generateD2Edge(e Edge) string {
	style := GetEdgeStyle(e.Label)
	line := fmt.Sprintf("%s %s %s", sanitizeD2ID(e.From), style.D2Style, sanitizeD2ID(e.To))
	if e.Label != "" {
		line += ": " + quoteD2(e.Label)
	}
	if style.D2Dashed {
		line += " {style.stroke-dash: 3}"
	}
	return line
}

// sanitizeD2ID makes an ID safe for D2 by quoting if necessary.
func sanitizeD2ID(id string) string {
	for _, c := range id {
		if !isAlphanumeric(c) && c != '_' && c != '-' {
			return quoteD2(id)
		}
	}
	if id == "" {
		return `""`
	}
	return id
}

func quoteD2(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", " ")
	return "\"" + s + "\""
}

// isAlphanumeric returns true if the rune is a letter or digit.
func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
