// Package schema turns heterogeneous API records into typed rows. A Schema is
// an ordered list of columns, each naming a dotted extraction path, a type, a
// default and a list policy.
package schema

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Type is a column's declared type.
type Type string

const (
	TypeString    Type = "string"
	TypeInt       Type = "int"
	TypeFloat     Type = "float"
	TypeBool      Type = "bool"
	TypeTimestamp Type = "timestamp"
	TypeJSON      Type = "json" // nested value kept as canonical JSON text
)

// ValidTypes lists every column Type.
var ValidTypes = []Type{TypeString, TypeInt, TypeFloat, TypeBool, TypeTimestamp, TypeJSON}

// ListPolicy says what a "[]" selector in a path does.
type ListPolicy string

const (
	ListFirst  ListPolicy = "first"  // take element 0
	ListExpand ListPolicy = "expand" // one output row per element
)

// Column declares one output column.
type Column struct {
	Name     string     `yaml:"name" json:"name"`
	Type     Type       `yaml:"type" json:"type"`
	Path     string     `yaml:"path,omitempty" json:"path,omitempty"` // defaults to Name
	Default  any        `yaml:"default,omitempty" json:"default,omitempty"`
	Required bool       `yaml:"required,omitempty" json:"required,omitempty"`
	List     ListPolicy `yaml:"list,omitempty" json:"list,omitempty"`
}

// SourcePath returns Path, or Name when Path is empty.
func (c Column) SourcePath() string {
	if c.Path == "" {
		return c.Name
	}
	return c.Path
}

// Schema is the target shape of one report type.
type Schema struct {
	Name    string   `yaml:"name" json:"name"`
	Version int      `yaml:"version" json:"version"`
	Columns []Column `yaml:"columns" json:"columns"`
	Key     []string `yaml:"key" json:"key"`
}

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// IsIdentifier reports whether s is usable as a table or column name.
func IsIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// Validate checks names, types, key columns, paths and list policies.
func (s *Schema) Validate() error {
	if !IsIdentifier(s.Name) {
		return fmt.Errorf("schema name %q must start with a letter and contain only letters, digits and underscores", s.Name)
	}
	if s.Version < 1 {
		return fmt.Errorf("schema %s: version must be >= 1, got %d", s.Name, s.Version)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema %s: no columns", s.Name)
	}

	seen := make(map[string]bool, len(s.Columns))
	var expandPrefix string
	for _, c := range s.Columns {
		if !IsIdentifier(c.Name) {
			return fmt.Errorf("schema %s: invalid column name %q", s.Name, c.Name)
		}
		lower := strings.ToLower(c.Name)
		if seen[lower] {
			return fmt.Errorf("schema %s: duplicate column %s", s.Name, c.Name)
		}
		seen[lower] = true

		if !slices.Contains(ValidTypes, c.Type) {
			return fmt.Errorf("schema %s: column %s has unknown type %q", s.Name, c.Name, c.Type)
		}
		if c.Required && c.Default != nil {
			return fmt.Errorf("schema %s: required column %s cannot declare a default", s.Name, c.Name)
		}
		if c.Default != nil {
			if _, err := coerce(c.Type, c.Default); err != nil {
				return fmt.Errorf("schema %s: default for %s: %w", s.Name, c.Name, err)
			}
		}

		p, err := parsePath(c.SourcePath())
		if err != nil {
			return fmt.Errorf("schema %s: column %s: %w", s.Name, c.Name, err)
		}

		switch c.List {
		case "", ListFirst:
		case ListExpand:
			prefix, ok := p.expandPrefix()
			if !ok {
				return fmt.Errorf("schema %s: column %s uses list: expand but its path has no [] selector", s.Name, c.Name)
			}
			if expandPrefix != "" && prefix != expandPrefix {
				return fmt.Errorf("schema %s: expand columns must share one list, got %s and %s", s.Name, expandPrefix, prefix)
			}
			expandPrefix = prefix
		default:
			return fmt.Errorf("schema %s: column %s has unknown list policy %q", s.Name, c.Name, c.List)
		}
	}

	if len(s.Key) == 0 {
		return fmt.Errorf("schema %s: natural key is empty", s.Name)
	}
	for _, k := range s.Key {
		if s.Index(k) < 0 {
			return fmt.Errorf("schema %s: key column %s is not declared", s.Name, k)
		}
	}
	return nil
}

// Index returns the position of the named column, or -1.
func (s *Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column returns the named column.
func (s *Schema) Column(name string) (Column, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Columns[i], true
	}
	return Column{}, false
}

// ColumnNames returns column names in declared order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IsKey reports whether name is part of the natural key.
func (s *Schema) IsKey(name string) bool {
	return slices.Contains(s.Key, name)
}

// Row is one normalized row. Values are aligned with the schema's columns and
// hold string, int64, float64, bool, time.Time or nil.
type Row struct {
	schema *Schema
	values []any
}

// NewRow builds a row for s. Missing trailing values are nil; extras are dropped.
func NewRow(s *Schema, values []any) Row {
	v := make([]any, len(s.Columns))
	copy(v, values)
	return Row{schema: s, values: v}
}

// RowFromMap builds a row for s from named values. Undeclared names are ignored.
func RowFromMap(s *Schema, m map[string]any) Row {
	v := make([]any, len(s.Columns))
	for i, c := range s.Columns {
		v[i] = m[c.Name]
	}
	return Row{schema: s, values: v}
}

// Schema returns the schema the row conforms to.
func (r Row) Schema() *Schema { return r.schema }

// Values returns the row values in column order. The slice must not be modified.
func (r Row) Values() []any { return r.values }

// Get returns the named column's value, nil when absent or undeclared.
func (r Row) Get(name string) any {
	if r.schema == nil {
		return nil
	}
	if i := r.schema.Index(name); i >= 0 {
		return r.values[i]
	}
	return nil
}

// Map returns the row as column name -> value.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for i, c := range r.schema.Columns {
		m[c.Name] = r.values[i]
	}
	return m
}

// Key returns the natural key values in key order.
func (r Row) Key() []any {
	key := make([]any, len(r.schema.Key))
	for i, k := range r.schema.Key {
		key[i] = r.Get(k)
	}
	return key
}

// HasNullKey reports whether any key column is nil.
func (r Row) HasNullKey() bool {
	for _, v := range r.Key() {
		if v == nil {
			return true
		}
	}
	return false
}
