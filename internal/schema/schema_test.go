package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/query"
)

func alertRuleSchema() *Schema {
	return &Schema{
		Name:    "alert_rules",
		Version: 1,
		Key:     []string{"guid"},
		Columns: []Column{
			{Name: "guid", Type: TypeString, Path: "mcGuid", Required: true},
			{Name: "name", Type: TypeString, Path: "filters.name"},
			{Name: "enabled", Type: TypeBool, Path: "filters.enabled", Default: false},
			{Name: "severity", Type: TypeInt, Path: "filters.severity[]"},
			{Name: "updated", Type: TypeTimestamp, Path: "filters.lastUpdatedTime"},
			{Name: "channels", Type: TypeJSON, Path: "intgGuidList"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Schema)
		wantErr string
	}{
		{"ok", func(s *Schema) {}, ""},
		{"bad name", func(s *Schema) { s.Name = "alert-rules" }, "schema name"},
		{"version", func(s *Schema) { s.Version = 0 }, "version"},
		{"dup column", func(s *Schema) { s.Columns = append(s.Columns, Column{Name: "GUID", Type: TypeString}) }, "duplicate"},
		{"reserved prefix", func(s *Schema) { s.Columns[1].Name = "_name" }, "invalid column name"},
		{"bad type", func(s *Schema) { s.Columns[1].Type = "decimal" }, "unknown type"},
		{"missing key", func(s *Schema) { s.Key = []string{"nope"} }, "key column"},
		{"empty key", func(s *Schema) { s.Key = nil }, "natural key"},
		{"required with default", func(s *Schema) { s.Columns[0].Default = "x" }, "cannot declare a default"},
		{"bad default", func(s *Schema) { s.Columns[3].Default = "high" }, "default for severity"},
		{"bad path", func(s *Schema) { s.Columns[1].Path = "filters[.name" }, "unbalanced"},
		{"expand without list", func(s *Schema) { s.Columns[1].List = ListExpand }, "no [] selector"},
		{"unknown policy", func(s *Schema) { s.Columns[3].List = "all" }, "unknown list policy"},
		{"two expand lists", func(s *Schema) {
			s.Columns[3].List = ListExpand
			s.Columns = append(s.Columns, Column{Name: "tag", Type: TypeString, Path: "tags[]", List: ListExpand})
		}, "share one list"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := alertRuleSchema()
			tt.modify(s)
			err := s.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalizeFullRecord(t *testing.T) {
	n, err := NewNormalizer(alertRuleSchema())
	require.NoError(t, err)

	rec := query.RawRecord{
		"mcGuid": "RULE_1",
		"filters": map[string]any{
			"name":            "Critical alerts",
			"enabled":         1.0,
			"severity":        []any{1.0, 2.0},
			"lastUpdatedTime": "2024-03-01T10:00:00.123Z",
			"unknownField":    "ignored",
		},
		"intgGuidList": []any{"B", "A"},
		"extra":        map[string]any{"x": 1.0},
	}

	rows, err := n.Normalize(rec)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	r := rows[0]

	assert.Equal(t, "RULE_1", r.Get("guid"))
	assert.Equal(t, "Critical alerts", r.Get("name"))
	assert.Equal(t, true, r.Get("enabled"))
	assert.Equal(t, int64(1), r.Get("severity"), "[] with first policy takes element 0")
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.UTC), r.Get("updated"))
	assert.Equal(t, `["B","A"]`, r.Get("channels"))
	assert.Len(t, r.Values(), 6, "no undeclared columns")
	assert.Equal(t, []any{"RULE_1"}, r.Key())
}

func TestNormalizeMissingOptionalUsesDefault(t *testing.T) {
	n, err := NewNormalizer(alertRuleSchema())
	require.NoError(t, err)

	rows, err := n.Normalize(query.RawRecord{"mcGuid": "RULE_2"})
	require.NoError(t, err)
	r := rows[0]

	assert.Equal(t, false, r.Get("enabled"))
	assert.Nil(t, r.Get("name"))
	assert.Nil(t, r.Get("severity"))
	assert.Contains(t, r.Map(), "name", "every declared column is present")
}

func TestNormalizeMissingRequired(t *testing.T) {
	n, err := NewNormalizer(alertRuleSchema())
	require.NoError(t, err)

	_, err = n.Normalize(query.RawRecord{"filters": map[string]any{"name": "x"}})
	var sm *lwerr.SchemaMismatch
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, "guid", sm.Column)
}

func TestNormalizeNullIsMissing(t *testing.T) {
	n, err := NewNormalizer(alertRuleSchema())
	require.NoError(t, err)

	_, err = n.Normalize(query.RawRecord{"mcGuid": nil})
	assert.Equal(t, lwerr.CategorySchema, lwerr.CategoryOf(err))
}

func TestCoercionFailure(t *testing.T) {
	n, err := NewNormalizer(alertRuleSchema())
	require.NoError(t, err)

	// no default on severity: the row fails
	_, err = n.Normalize(query.RawRecord{"mcGuid": "R", "filters": map[string]any{"severity": []any{"High"}}})
	var sm *lwerr.SchemaMismatch
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, "severity", sm.Column)
	assert.Equal(t, "High", sm.Value)

	// default on enabled: the default is used
	rows, err := n.Normalize(query.RawRecord{"mcGuid": "R", "filters": map[string]any{"enabled": "maybe"}})
	require.NoError(t, err)
	assert.Equal(t, false, rows[0].Get("enabled"))
}

func TestNormalizeBatchSkipsAndPreservesOrder(t *testing.T) {
	n, err := NewNormalizer(alertRuleSchema())
	require.NoError(t, err)

	batch := []query.RawRecord{
		{"mcGuid": "A"},
		{"name": "no guid"},
		{"mcGuid": "B"},
		{"mcGuid": "C", "filters": map[string]any{"severity": []any{"x"}}},
		{"mcGuid": "D"},
	}
	res := n.NormalizeBatch(batch)

	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "A", res.Rows[0].Get("guid"))
	assert.Equal(t, "B", res.Rows[1].Get("guid"))
	assert.Equal(t, "D", res.Rows[2].Get("guid"))
	require.Len(t, res.Mismatches, 2)
	assert.Equal(t, 1, res.Mismatches[0].Index)
	assert.Equal(t, 3, res.Mismatches[1].Index)
}

func vulnSchema() *Schema {
	return &Schema{
		Name:    "host_vulns",
		Version: 1,
		Key:     []string{"mid", "cve"},
		Columns: []Column{
			{Name: "mid", Type: TypeInt, Path: "mid", Required: true},
			{Name: "hostname", Type: TypeString, Path: "machineTags.Hostname"},
			{Name: "owner", Type: TypeString, Path: "machineTags.list[?key=app.io/owner].value"},
			{Name: "cve", Type: TypeString, Path: "cves[].id", List: ListExpand, Required: true},
			{Name: "score", Type: TypeFloat, Path: "cves[].cvss.score", List: ListExpand},
			{Name: "raw_cve", Type: TypeJSON, Path: "cves[]", List: ListExpand},
		},
	}
}

func TestListExpansion(t *testing.T) {
	n, err := NewNormalizer(vulnSchema())
	require.NoError(t, err)

	rec := query.RawRecord{
		"mid": 42.0,
		"machineTags": map[string]any{
			"Hostname": "web-1",
			"list": []any{
				map[string]any{"key": "env", "value": "prod"},
				map[string]any{"key": "app.io/owner", "value": "team-a"},
			},
		},
		"cves": []any{
			map[string]any{"id": "CVE-1", "cvss": map[string]any{"score": 9.8}},
			map[string]any{"id": "CVE-2"},
			map[string]any{"id": "CVE-3", "cvss": map[string]any{"score": "5.0"}},
		},
	}

	rows, err := n.Normalize(rec)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	for i, want := range []string{"CVE-1", "CVE-2", "CVE-3"} {
		assert.Equal(t, want, rows[i].Get("cve"), "list index order")
		assert.Equal(t, int64(42), rows[i].Get("mid"))
		assert.Equal(t, "web-1", rows[i].Get("hostname"))
		assert.Equal(t, "team-a", rows[i].Get("owner"))
	}
	assert.Equal(t, 9.8, rows[0].Get("score"))
	assert.Nil(t, rows[1].Get("score"))
	assert.Equal(t, 5.0, rows[2].Get("score"))
	assert.Equal(t, `{"id":"CVE-2"}`, rows[1].Get("raw_cve"))
}

func TestListExpansionEmptyAndMissing(t *testing.T) {
	n, err := NewNormalizer(vulnSchema())
	require.NoError(t, err)

	rows, err := n.Normalize(query.RawRecord{"mid": 1.0, "cves": []any{}})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = n.Normalize(query.RawRecord{"mid": 1.0})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestNormalizeBatchCountsEmptyExpansions(t *testing.T) {
	n, err := NewNormalizer(vulnSchema())
	require.NoError(t, err)

	res := n.NormalizeBatch([]query.RawRecord{
		{"mid": 1.0, "cves": []any{map[string]any{"id": "CVE-1"}}},
		{"mid": 2.0, "cves": []any{}},
		{"mid": 3.0},
		{"cves": []any{map[string]any{"id": "CVE-2"}}},
	})
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, 2, res.Empty, "empty and missing lists are counted")
	assert.Equal(t, 1, res.Skipped, "a missing required mid is a mismatch, not an empty expansion")
}

func TestListExpansionRequiredElementField(t *testing.T) {
	n, err := NewNormalizer(vulnSchema())
	require.NoError(t, err)

	_, err = n.Normalize(query.RawRecord{"mid": 1.0, "cves": []any{map[string]any{"id": "CVE-1"}, map[string]any{"severity": "High"}}})
	var sm *lwerr.SchemaMismatch
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, "cve", sm.Column)
}

func TestRowHelpers(t *testing.T) {
	s := vulnSchema()
	r := RowFromMap(s, map[string]any{"mid": int64(1), "cve": nil, "bogus": 1})
	assert.True(t, r.HasNullKey())
	assert.Nil(t, r.Get("bogus"))
	assert.NotContains(t, r.Map(), "bogus")

	r = NewRow(s, []any{int64(1), "h", nil, "CVE-9"})
	assert.False(t, r.HasNullKey())
	assert.Len(t, r.Values(), len(s.Columns))
	assert.Equal(t, []string{"mid", "hostname", "owner", "cve", "score", "raw_cve"}, s.ColumnNames())
	assert.True(t, s.IsKey("cve"))
	assert.False(t, s.IsKey("hostname"))
}
