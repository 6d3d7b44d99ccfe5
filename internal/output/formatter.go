package output

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"gopkg.in/yaml.v3"
)

// Formatter writes a table in one format.
type Formatter interface {
	Write(w io.Writer, t Table) error
}

// GetFormatter returns a formatter for the specified format.
func GetFormatter(format Format) (Formatter, error) {
	switch format {
	case FormatCSV:
		return &CSVFormatter{SanitizeFormulas: true}, nil
	case FormatJSON:
		return &JSONFormatter{Indent: "  "}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatMarkdown:
		return &MarkdownFormatter{}, nil
	case FormatHTML:
		return &HTMLFormatter{}, nil
	case FormatTable:
		return &TerminalFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// CSVFormatter writes a header row followed by one record per row.
type CSVFormatter struct {
	// SanitizeFormulas prefixes text cells starting with = + - @ TAB CR
	// with a quote so spreadsheets do not evaluate them.
	SanitizeFormulas bool
}

func (f *CSVFormatter) Write(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i := range record {
			var v any
			if i < len(row) {
				v = row[i]
			}
			record[i] = Cell(v)
			if s, ok := v.(string); ok && f.SanitizeFormulas && !t.isJSON(i) {
				record[i] = sanitizeFormula(s)
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func sanitizeFormula(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}

// JSONFormatter writes an array of objects whose keys follow column order.
// JSON-typed cells are embedded as JSON, not as strings.
type JSONFormatter struct {
	Indent string
}

func (f *JSONFormatter) Write(w io.Writer, t Table) error {
	var opts []jsontext.Options
	if f.Indent != "" {
		opts = append(opts, jsontext.WithIndent(f.Indent))
	}
	enc := jsontext.NewEncoder(w, opts...)

	if err := enc.WriteToken(jsontext.BeginArray); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := enc.WriteToken(jsontext.BeginObject); err != nil {
			return err
		}
		for i, col := range t.Columns {
			if err := enc.WriteToken(jsontext.String(col)); err != nil {
				return err
			}
			var v any
			if i < len(row) {
				v = row[i]
			}
			if err := writeJSONValue(enc, v, t.isJSON(i)); err != nil {
				return fmt.Errorf("column %s: %w", col, err)
			}
		}
		if err := enc.WriteToken(jsontext.EndObject); err != nil {
			return err
		}
	}
	return enc.WriteToken(jsontext.EndArray)
}

func writeJSONValue(enc *jsontext.Encoder, v any, raw bool) error {
	switch x := v.(type) {
	case nil:
		return enc.WriteToken(jsontext.Null)
	case string:
		if raw && jsontext.Value(x).IsValid() {
			return enc.WriteValue(jsontext.Value(x))
		}
		return enc.WriteToken(jsontext.String(x))
	case int64:
		return enc.WriteToken(jsontext.Int(x))
	case float64:
		return enc.WriteToken(jsontext.Float(x))
	case bool:
		return enc.WriteToken(jsontext.Bool(x))
	case time.Time:
		return enc.WriteToken(jsontext.String(x.UTC().Format(time.RFC3339)))
	}
	b, err := marshalJSON(v)
	if err != nil {
		return err
	}
	return enc.WriteValue(jsontext.Value(b))
}

// YAMLFormatter writes a sequence of mappings whose keys follow column order.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Write(w io.Writer, t Table) error {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, row := range t.Rows {
		m := &yaml.Node{Kind: yaml.MappingNode}
		for i, col := range t.Columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			m.Content = append(m.Content, scalar("!!str", col), yamlValue(v, t.isJSON(i)))
		}
		seq.Content = append(seq.Content, m)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()

	return encoder.Encode(seq)
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}

func yamlValue(v any, raw bool) *yaml.Node {
	switch x := v.(type) {
	case nil:
		return scalar("!!null", "null")
	case string:
		if raw {
			var doc yaml.Node
			if err := yaml.Unmarshal([]byte(x), &doc); err == nil && len(doc.Content) == 1 {
				return doc.Content[0]
			}
		}
		return scalar("!!str", x)
	case int64, int:
		return scalar("!!int", Cell(x))
	case float64:
		return scalar("!!float", Cell(x))
	case bool:
		return scalar("!!bool", Cell(x))
	}
	return scalar("!!str", Cell(v))
}

// MarkdownFormatter writes a pipe table.
type MarkdownFormatter struct{}

func (f *MarkdownFormatter) Write(w io.Writer, t Table) error {
	var sb strings.Builder
	if t.Title != "" {
		fmt.Fprintf(&sb, "## %s\n\n", t.Title)
	}

	sb.WriteString("|")
	for _, c := range t.Columns {
		sb.WriteString(" " + escapeMarkdown(c) + " |")
	}
	sb.WriteString("\n|")
	for range t.Columns {
		sb.WriteString(" --- |")
	}
	sb.WriteString("\n")

	for _, row := range t.Rows {
		sb.WriteString("|")
		for i := range t.Columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			sb.WriteString(" " + escapeMarkdown(Cell(v)) + " |")
		}
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\r\n", "<br>")
	return strings.ReplaceAll(s, "\n", "<br>")
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{ .Title | default "Report" }}</title>
<style>
body { font-family: -apple-system, "Segoe UI", Helvetica, Arial, sans-serif; margin: 2rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #d0d7de; padding: 4px 8px; text-align: left; vertical-align: top; }
th { background: #f6f8fa; }
</style>
</head>
<body>
<h1>{{ .Title | default "Report" }}</h1>
<p>{{ len .Rows }} {{ if eq (len .Rows) 1 }}row{{ else }}rows{{ end }}, generated {{ .GeneratedAt }}</p>
<table>
<thead><tr>{{ range .Columns }}<th>{{ . }}</th>{{ end }}</tr></thead>
<tbody>
{{- range .Rows }}
<tr>{{ range . }}<td>{{ . | trunc 500 }}</td>{{ end }}</tr>
{{- end }}
</tbody>
</table>
</body>
</html>
`

var htmlPage = template.Must(template.New("table").Funcs(sprig.HtmlFuncMap()).Parse(htmlTemplate))

// HTMLFormatter writes a standalone HTML page.
type HTMLFormatter struct {
	// Now stamps the page; defaults to time.Now.
	Now func() time.Time
}

func (f *HTMLFormatter) Write(w io.Writer, t Table) error {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	rows := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		rows[i] = make([]string, len(t.Columns))
		for j := range t.Columns {
			if j < len(row) {
				rows[i][j] = Cell(row[j])
			}
		}
	}

	return htmlPage.Execute(w, map[string]any{
		"Title":       t.Title,
		"Columns":     t.Columns,
		"Rows":        rows,
		"GeneratedAt": now().UTC().Format(time.RFC3339),
	})
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// TerminalFormatter draws a bordered table for interactive use. Cells are
// cut to MaxWidth runes.
type TerminalFormatter struct {
	MaxWidth int
}

func (f *TerminalFormatter) Write(w io.Writer, t Table) error {
	maxWidth := f.MaxWidth
	if maxWidth <= 0 {
		maxWidth = 48
	}

	rows := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		rows[i] = make([]string, len(t.Columns))
		for j := range t.Columns {
			if j < len(row) {
				rows[i][j] = truncate(Cell(row[j]), maxWidth)
			}
		}
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(t.Columns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	var buf bytes.Buffer
	if t.Title != "" {
		buf.WriteString(lipgloss.NewStyle().Bold(true).Render(t.Title))
		buf.WriteString("\n")
	}
	buf.WriteString(tbl.Render())
	buf.WriteString("\n")
	_, err := w.Write(buf.Bytes())
	return err
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// WriteValue writes an arbitrary value as YAML or JSON.
func WriteValue(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		b, err := json.Marshal(v, jsontext.WithIndent("  "))
		if err != nil {
			return err
		}
		b = append(b, '\n')
		_, err = w.Write(b)
		return err
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(v)
	}
	return fmt.Errorf("unsupported value format: %s", format)
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v, json.Deterministic(true))
}
