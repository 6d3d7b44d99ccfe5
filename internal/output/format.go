// Package output serializes tabular report data and command results.
package output

import (
	"fmt"
	"strings"
)

// Format represents the output format type.
type Format string

const (
	// FormatTable is the styled terminal table used by the CLI
	FormatTable Format = "table"

	// FormatYAML is self-documenting YAML output
	FormatYAML Format = "yaml"

	// FormatJSON is the JSON output format
	FormatJSON Format = "json"

	// FormatCSV is comma separated values with a header row
	FormatCSV Format = "csv"

	// FormatMarkdown is a GitHub flavoured markdown table
	FormatMarkdown Format = "markdown"

	// FormatHTML is a standalone HTML page
	FormatHTML Format = "html"
)

// ParseFormat parses a format string into a Format value (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatYAML, FormatJSON, FormatCSV, FormatMarkdown, FormatHTML:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("invalid format: %q (expected table, yaml, json, csv, markdown or html)", s)
}

// String returns the string representation of the format.
func (f Format) String() string {
	return string(f)
}

// Extension returns the file extension for artifacts of this format.
func (f Format) Extension() string {
	switch f {
	case FormatMarkdown:
		return ".md"
	case FormatTable:
		return ".txt"
	}
	return "." + string(f)
}

// DefaultFormat is the default CLI output format when none is specified.
const DefaultFormat = FormatTable
