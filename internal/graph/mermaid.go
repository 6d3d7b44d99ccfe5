package graph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// GenerateMermaid renders g as a Mermaid flowchart. Graphs larger than
// MaxNodes are collapsed to one node per group when Collapse is set.
func GenerateMermaid(g *Graph, opts *DiagramOptions) string {
	opts = opts.withDefaults()

	var sb strings.Builder
	if opts.Title != "" {
		fmt.Fprintf(&sb, "---\ntitle: %s\n---\n", escapeMermaidString(opts.Title))
	}
	fmt.Fprintf(&sb, "flowchart %s\n", mermaidDirection(opts.Direction))

	if opts.Collapse && g.NodeCount() > opts.MaxNodes {
		g = g.collapse()
	}

	// Node declarations
	used := map[string]bool{}
	for _, n := range g.Nodes() {
		sb.WriteString("    ")
		sb.WriteString(generateMermaidNode(sanitizeMermaidID(n.ID), n.Label, n.Type))
		if style := GetImportanceStyle(n.Importance); style.MermaidClass != "" {
			sb.WriteString(":::" + n.Importance)
			used[n.Importance] = true
		}
		sb.WriteString("\n")
	}

	// Edge declarations
	for _, e := range g.EdgeList() {
		fmt.Fprintf(&sb, "    %s\n", generateMermaidEdge(sanitizeMermaidID(e.From), sanitizeMermaidID(e.To), e.Label))
	}

	for _, level := range []string{"critical", "bottleneck", "high"} {
		if used[level] {
			fmt.Fprintf(&sb, "    classDef %s %s\n", level, ImportanceStyles[level].MermaidClass)
		}
	}

	return sb.String()
}

func mermaidDirection(d string) string {
	switch d {
	case "down", "TD", "TB":
		return "TD"
	}
	return "LR"
}

// generateMermaidNode creates a Mermaid node declaration with the type's shape.
func generateMermaidNode(id, name, nodeType string) string {
	escapedName := escapeMermaidString(name)

	switch GetNodeShape(nodeType).MermaidShape {
	case "{{}}":
		return fmt.Sprintf("%s{{\"%s\"}}", id, escapedName)
	case "{}":
		return fmt.Sprintf("%s{\"%s\"}", id, escapedName)
	case "([])":
		return fmt.Sprintf("%s([\"%s\"])", id, escapedName)
	case "[/\\]":
		return fmt.Sprintf("%s[/\"%s\"\\]", id, escapedName)
	case "[()]":
		return fmt.Sprintf("%s[(\"%s\")]", id, escapedName)
	case "(())":
		return fmt.Sprintf("%s((\"%s\"))", id, escapedName)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, escapedName)
	}
}

// generateMermaidEdge creates a Mermaid edge declaration with the label's style.
func generateMermaidEdge(from, to, label string) string {
	style := GetEdgeStyle(label)
	if label == "" {
		return fmt.Sprintf("%s %s %s", from, style.MermaidStyle, to)
	}
	return fmt.Sprintf("%s %s|%s| %s", from, style.MermaidStyle, escapeMermaidString(label), to)
}

// Mermaid IDs can contain alphanumeric chars and underscores.
var mermaidIDRegex = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeMermaidID converts an ID to be valid in Mermaid.
func sanitizeMermaidID(id string) string {
	sanitized := mermaidIDRegex.ReplaceAllString(id, "_")

	// Ensure it starts with a letter or underscore (not a digit)
	if len(sanitized) > 0 && sanitized[0] >= '0' && sanitized[0] <= '9' {
		sanitized = "_" + sanitized
	}
	if sanitized == "" {
		sanitized = "_empty"
	}
	// Keywords break the parser
	if sanitized == "end" || sanitized == "graph" || sanitized == "subgraph" {
		sanitized = "_" + sanitized
	}
	return sanitized
}

// escapeMermaidString escapes special characters in Mermaid string content.
func escapeMermaidString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "#quot;")
	s = strings.ReplaceAll(s, "<", "#lt;")
	s = strings.ReplaceAll(s, ">", "#gt;")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// Slice is one labelled value of a chart.
type Slice struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// GeneratePieChart renders slices as a Mermaid pie chart in the given order.
func GeneratePieChart(slices []Slice, title string) string {
	var sb strings.Builder

	if title != "" {
		fmt.Fprintf(&sb, "pie title %s\n", escapeMermaidString(title))
	} else {
		sb.WriteString("pie\n")
	}
	for _, s := range slices {
		fmt.Fprintf(&sb, "    \"%s\" : %s\n", escapeMermaidString(s.Label), formatNumber(s.Value))
	}

	return sb.String()
}

// GenerateBarChart renders slices as a Mermaid xychart-beta bar chart.
func GenerateBarChart(slices []Slice, title, yLabel string) string {
	var sb strings.Builder

	sb.WriteString("xychart-beta\n")
	if title != "" {
		fmt.Fprintf(&sb, "    title \"%s\"\n", escapeMermaidString(title))
	}

	labels := make([]string, len(slices))
	values := make([]string, len(slices))
	top := 0.0
	for i, s := range slices {
		labels[i] = "\"" + escapeMermaidString(s.Label) + "\""
		values[i] = formatNumber(s.Value)
		top = max(top, s.Value)
	}
	fmt.Fprintf(&sb, "    x-axis [%s]\n", strings.Join(labels, ", "))
	if yLabel == "" {
		yLabel = "count"
	}
	fmt.Fprintf(&sb, "    y-axis \"%s\" 0 --> %s\n", escapeMermaidString(yLabel), formatNumber(max(top, 1)))
	fmt.Fprintf(&sb, "    bar [%s]\n", strings.Join(values, ", "))

	return sb.String()
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
