package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hargabyte/lwreport/internal/query"
)

func TestBuiltinDefinitionsLoad(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"alert-rules",
		"alerts",
		"cloud-accounts",
		"compliance-aws",
		"compliance-azure",
		"compliance-gcp",
		"container-vulnerabilities",
		"host-vulnerabilities",
		"machine-accounts",
		"machines",
		"resource-exposure",
	}, r.Names())

	for _, d := range r.List() {
		assert.Equal(t, SourceBuiltin, d.Source, d.Name)
		assert.NoError(t, d.Validate(), d.Name)
	}

	exposure, err := r.Get("resource-exposure")
	require.NoError(t, err)
	assert.True(t, exposure.Has(OutputGraph))
	require.NotNil(t, exposure.Graph)
	assert.Equal(t, "resource_id", exposure.Graph.Node)

	rules, err := r.Get("alert-rules")
	require.NoError(t, err)
	assert.Equal(t, "AlertRule", rules.Schema.Name)
	assert.Equal(t, []string{"guid"}, rules.Schema.Key)
	assert.Equal(t, "rules.md", rules.TemplateOutput)

	lql, err := r.Get("machine-accounts")
	require.NoError(t, err)
	assert.Contains(t, lql.Query.LQL, "LW_HE_MACHINES")
	assert.Empty(t, lql.Query.Filters)

	for _, name := range []string{"compliance-gcp", "compliance-azure"} {
		d, err := r.Get(name)
		require.NoError(t, err)
		require.Len(t, d.Query.Filters, 1, name)
		assert.Equal(t, "Configs/ComplianceEvaluations", d.Query.ObjectType, name)
	}
}

func TestLQLDefinitionRejectsFilters(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)
	d, err := r.Get("machine-accounts")
	require.NoError(t, err)

	d.Query.Filters = []query.Filter{{Field: "mid", Expression: query.ExprEq, Value: 1}}
	assert.ErrorContains(t, d.Validate(), "query.lql")

	d.Query.Filters = nil
	d.SeverityField = "severity"
	assert.ErrorContains(t, d.Validate(), "query.lql")
}

func TestLQLCarriesIntoDataset(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d, err := r.Resolve("machine-accounts", Params{Last: 6 * time.Hour, Now: clock})
	require.NoError(t, err)

	dq := d.Query.Dataset()
	assert.Equal(t, d.Query.LQL, dq.LQL)
	assert.Equal(t, "Queries", dq.ObjectType)
	assert.Equal(t, 6*time.Hour, dq.TimeRange.Duration())
}

func TestGetUnknown(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)

	d, err := r.Get("alerts")
	require.NoError(t, err)
	d.Schema.Columns[0].Name = "mutated"
	d.Outputs[0] = "mutated"

	again, err := r.Get("alerts")
	require.NoError(t, err)
	assert.Equal(t, "alert_id", again.Schema.Columns[0].Name)
	assert.Equal(t, OutputTable, again.Outputs[0])
}

const userAlerts = `
name: alerts
title: Critical alerts only
query:
  object_type: Alerts
  filters:
    - field: severity
      expression: eq
      value: Critical
schema:
  name: Alert
  version: 2
  columns:
    - name: alert_id
      type: int
      path: alertId
    - name: severity
      type: string
  key: [alert_id]
outputs: [table]
formats: [csv]
`

const userExtra = `
name: my-report
title: Mine
query:
  object_type: AuditLogs
schema:
  name: Audit
  version: 1
  columns:
    - name: user
      type: string
      path: userName
  key: [user]
outputs: [table]
`

func TestLoadUserOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alerts.yaml"), []byte(userAlerts), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mine.yml"), []byte(userExtra), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	r, err := Load(dir)
	require.NoError(t, err)

	d, err := r.Get("alerts")
	require.NoError(t, err)
	assert.Equal(t, "Critical alerts only", d.Title)
	assert.Equal(t, 2, d.Schema.Version)
	assert.Equal(t, filepath.Join(dir, "alerts.yaml"), d.Source)

	_, err = r.Get("my-report")
	assert.NoError(t, err)
	assert.Len(t, r.Names(), 12)
}

func TestLoadMissingDir(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Len(t, r.Names(), 11)
}

func TestLoadDuplicateUserNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(userExtra), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(userExtra), 0o644))

	_, err := Load(dir)
	assert.ErrorContains(t, err, "already defined")
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	tests := map[string]string{
		"unknown top-level key": userExtra + "colour: blue\n",
		"bad output":            "name: x\ntitle: X\nquery: {object_type: A}\nschema: {name: A, version: 1, columns: [{name: a, type: string}], key: [a]}\noutputs: [pdf]\n",
		"bad column type":       "name: x\ntitle: X\nquery: {object_type: A}\nschema: {name: A, version: 1, columns: [{name: a, type: decimal}], key: [a]}\noutputs: [table]\n",
		"missing query":         "name: x\ntitle: X\nschema: {name: A, version: 1, columns: [{name: a, type: string}], key: [a]}\noutputs: [table]\n",
		"bad duration":          userExtra + "lookback: tomorrow\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorContains(t, err, "does not match schema")
		})
	}
}

func TestParseRejectsCrossFieldErrors(t *testing.T) {
	tests := map[string]string{
		"key not declared": "name: x\ntitle: X\nquery: {object_type: A}\nschema: {name: A, version: 1, columns: [{name: a, type: string}], key: [b]}\noutputs: [table]\n",
		"graph without spec": "name: x\ntitle: X\nquery: {object_type: A}\nschema: {name: A, version: 1, columns: [{name: a, type: string}], key: [a]}\noutputs: [graph]\n",
		"sum over text": "name: x\ntitle: X\nquery: {object_type: A}\nschema: {name: A, version: 1, columns: [{name: a, type: string}], key: [a]}\noutputs: [chart]\n" +
			"charts: [{name: c, kind: bar, group_by: a, aggregate: sum, field: a}]\n",
		"template without output": userExtra + "template: hello\n",
		"required with default": "name: x\ntitle: X\nquery: {object_type: A}\nschema: {name: A, version: 1, columns: [{name: a, type: string, required: true, default: z}], key: [a]}\noutputs: [table]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.NotContains(t, err.Error(), "does not match schema")
		})
	}
}

func TestExpandSeverity(t *testing.T) {
	got, err := ExpandSeverity("critical")
	require.NoError(t, err)
	assert.Equal(t, []string{"Critical"}, got)

	got, err = ExpandSeverity("High")
	require.NoError(t, err)
	assert.Equal(t, []string{"Critical", "High"}, got)

	got, err = ExpandSeverity("info")
	require.NoError(t, err)
	assert.Equal(t, Severities, got)

	_, err = ExpandSeverity("urgent")
	assert.Error(t, err)
}

func TestParseCloudAccount(t *testing.T) {
	aws, err := ParseCloudAccount("aws:123456789012")
	require.NoError(t, err)
	assert.Equal(t, CloudAccount{Provider: ProviderAWS, Account: "123456789012"}, aws)
	assert.Equal(t, "aws:123456789012", aws.String())

	gcp, err := ParseCloudAccount("gcp::my-project")
	require.NoError(t, err)
	assert.Equal(t, "my-project", gcp.Project)

	az, err := ParseCloudAccount("az:tenant:abc-def")
	require.NoError(t, err)
	assert.Equal(t, "ABC-DEF", az.Project)

	for _, bad := range []string{"", "aws", "aws:", "gcp:org", "az::sub", "oci:1"} {
		_, err := ParseCloudAccount(bad)
		assert.Error(t, err, bad)
	}
}

func TestCloudAccountFilters(t *testing.T) {
	aws, _ := ParseCloudAccount("aws:111")
	assert.Equal(t, []query.Filter{
		{Field: "machineTags.VmProvider", Expression: query.ExprIn, Values: []any{"AWS"}},
		{Field: "machineTags.Account", Expression: query.ExprEq, Value: "111"},
	}, aws.Filters("machineTags"))

	gcp, _ := ParseCloudAccount("gcp:org:proj")
	assert.Equal(t, "ProjectId", gcp.Filters("")[1].Field)
}

func TestResolve(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	d, err := r.Resolve("host-vulnerabilities", Params{
		Last:         6 * time.Hour,
		Severity:     "critical",
		CloudAccount: "aws:111",
		Now:          func() time.Time { return now },
	})
	require.NoError(t, err)
	assert.Equal(t, query.TimeRange{Start: now.Add(-6 * time.Hour), End: now}, d.Query.Range)

	var severity []query.Filter
	fields := map[string]bool{}
	for _, f := range d.Query.Filters {
		fields[f.Field] = true
		if f.Field == "severity" {
			severity = append(severity, f)
		}
	}
	require.Len(t, severity, 1, "threshold replaces the built-in severity filter")
	assert.Equal(t, []any{"Critical"}, severity[0].Values)
	assert.True(t, fields["status"])
	assert.True(t, fields["machineTags.Account"])

	ds := d.Query.Dataset()
	assert.Equal(t, "Vulnerabilities/Hosts", ds.ObjectType)
	assert.NoError(t, ds.Validate())

	// the registry copy is untouched
	orig, _ := r.Get("host-vulnerabilities")
	for _, f := range orig.Query.Filters {
		if f.Field == "severity" {
			assert.Equal(t, []any{"Critical", "High"}, f.Values)
		}
	}
}

func TestResolveDefaultsAndErrors(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	d, err := r.Resolve("alerts", Params{Now: clock})
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d.Query.Range.Duration())

	explicit := query.TimeRange{Start: now.Add(-time.Hour), End: now}
	d, err = r.Resolve("alerts", Params{Range: explicit, Last: 48 * time.Hour, Now: clock})
	require.NoError(t, err)
	assert.Equal(t, explicit, d.Query.Range)

	_, err = r.Resolve("cloud-accounts", Params{Severity: "high", Now: clock})
	assert.ErrorContains(t, err, "does not support a severity filter")

	_, err = r.Resolve("alerts", Params{CloudAccount: "aws:1", Now: clock})
	assert.ErrorContains(t, err, "does not support a cloud account filter")

	_, err = r.Resolve("alerts", Params{Range: query.TimeRange{Start: now, End: now.Add(-time.Hour)}})
	assert.Error(t, err)
}
