package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/retry"
	"github.com/hargabyte/lwreport/internal/schema"
)

func ruleSchema() *schema.Schema {
	return &schema.Schema{
		Name:    "AlertRule",
		Version: 1,
		Columns: []schema.Column{
			{Name: "guid", Type: schema.TypeString, Required: true},
			{Name: "name", Type: schema.TypeString},
			{Name: "severity", Type: schema.TypeInt},
			{Name: "enabled", Type: schema.TypeBool},
			{Name: "updated", Type: schema.TypeTimestamp},
			{Name: "filters", Type: schema.TypeJSON},
		},
		Key: []string{"guid"},
	}
}

func ruleRows(sc *schema.Schema, n int) []schema.Row {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := make([]schema.Row, n)
	for i := range rows {
		rows[i] = schema.NewRow(sc, []any{
			fmt.Sprintf("RULE_%03d", i),
			fmt.Sprintf("rule %d", i),
			int64(i%5 + 1),
			i%2 == 0,
			base.Add(time.Duration(i) * time.Minute),
			`{"eventCategory":["Compliance"]}`,
		})
	}
	return rows
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Sleep == nil {
		opts.Sleep = retry.NoSleep
	}
	s, err := Open(filepath.Join(t.TempDir(), "lwreport.db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{BatchSize: 100})
	sc := ruleSchema()
	rows := ruleRows(sc, 237)

	stats, err := s.Upsert(ctx, sc, rows, "run-1")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if stats.Inserted != 237 || stats.Updated != 0 {
		t.Errorf("first upsert: got %+v, want 237 inserts", stats)
	}

	stats, err = s.Upsert(ctx, sc, rows, "run-2")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if stats.Inserted != 0 || stats.Updated != 0 || stats.Unchanged != 237 {
		t.Errorf("second upsert: got %+v, want 237 unchanged", stats)
	}

	n, err := s.Count(ctx, sc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 237 {
		t.Errorf("expected 237 stored rows, got %d", n)
	}
}

func TestUpsertUpdatesChangedRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	sc := ruleSchema()
	rows := ruleRows(sc, 10)

	if _, err := s.Upsert(ctx, sc, rows, "run-1"); err != nil {
		t.Fatal(err)
	}

	m := rows[3].Map()
	m["severity"] = int64(1)
	m["name"] = "renamed"
	rows[3] = schema.RowFromMap(sc, m)

	changes, err := s.Delta(ctx, sc, rows)
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Kind != ChangeModified {
		t.Errorf("expected modified, got %s", changes[0].Kind)
	}
	if len(changes[0].Columns) != 2 {
		t.Errorf("expected name and severity changed, got %v", changes[0].Columns)
	}
	if changes[0].Previous["name"] != "rule 3" {
		t.Errorf("unexpected previous name %v", changes[0].Previous["name"])
	}

	stats, err := s.Upsert(ctx, sc, rows, "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Updated != 1 || stats.Unchanged != 9 {
		t.Errorf("got %+v, want 1 updated 9 unchanged", stats)
	}
}

func TestDeltaWithoutTable(t *testing.T) {
	s := openTestStore(t, Options{})
	sc := ruleSchema()

	changes, err := s.Delta(context.Background(), sc, ruleRows(sc, 3))
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	for _, c := range changes {
		if c.Kind != ChangeAdded {
			t.Errorf("expected added, got %s", c.Kind)
		}
	}
}

func TestUpsertRejectsNullKey(t *testing.T) {
	s := openTestStore(t, Options{})
	sc := ruleSchema()
	rows := ruleRows(sc, 3)
	rows = append(rows, schema.NewRow(sc, []any{nil, "orphan"}))

	stats, err := s.Upsert(context.Background(), sc, rows, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Inserted != 3 || stats.Rejected != 1 {
		t.Errorf("got %+v, want 3 inserted 1 rejected", stats)
	}
}

func TestRowsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	sc := ruleSchema()
	rows := ruleRows(sc, 2)

	if _, err := s.Upsert(ctx, sc, rows, "run-1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Rows(ctx, sc, 0)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	for i, r := range got {
		want := rows[i]
		for _, c := range sc.Columns {
			w, g := want.Get(c.Name), r.Get(c.Name)
			if wt, ok := w.(time.Time); ok {
				if !wt.Equal(g.(time.Time)) {
					t.Errorf("row %d %s: got %v want %v", i, c.Name, g, w)
				}
				continue
			}
			if g != w {
				t.Errorf("row %d %s: got %v (%T) want %v (%T)", i, c.Name, g, g, w, w)
			}
		}
	}
}

func TestSchemaVersionIsPartOfKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	v1 := ruleSchema()
	v2 := ruleSchema()
	v2.Version = 2

	if _, err := s.Upsert(ctx, v1, ruleRows(v1, 5), "run-1"); err != nil {
		t.Fatal(err)
	}
	stats, err := s.Upsert(ctx, v2, ruleRows(v2, 5), "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Inserted != 5 {
		t.Errorf("new version should insert fresh rows, got %+v", stats)
	}
}

func TestEnsureTableAddsColumns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	sc := ruleSchema()
	if _, err := s.Upsert(ctx, sc, ruleRows(sc, 2), "run-1"); err != nil {
		t.Fatal(err)
	}

	wider := ruleSchema()
	wider.Columns = append(wider.Columns, schema.Column{Name: "owner", Type: schema.TypeString})
	if err := s.EnsureTable(ctx, wider); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	got, err := s.Rows(ctx, wider, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Get("owner") != nil {
		t.Errorf("added column should read back nil, got %v", got[0].Get("owner"))
	}
}

func TestUpsertBatchFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{BatchSize: 2})
	sc := ruleSchema()

	// A CHECK constraint makes one row fail on every attempt.
	_, err := s.DB().Exec("CREATE TABLE `r_AlertRule` (" +
		"`_schema_version` INTEGER NOT NULL, `guid` TEXT NOT NULL, `name` TEXT CHECK (`name` <> 'rule 2'), " +
		"`severity` INTEGER, `enabled` INTEGER, `updated` TEXT, `filters` TEXT, " +
		"`_digest` TEXT NOT NULL, `_run_id` TEXT, `_first_seen` TEXT NOT NULL, `_updated_at` TEXT NOT NULL, " +
		"PRIMARY KEY (`_schema_version`, `guid`))")
	if err != nil {
		t.Fatal(err)
	}

	stats, err := s.Upsert(ctx, sc, ruleRows(sc, 6), "run-1")
	perrs := lwerr.PersistenceErrors(err)
	if len(perrs) != 1 {
		t.Fatalf("expected one PersistenceError, got %v", err)
	}
	if perrs[0].From != 2 || perrs[0].To != 4 {
		t.Errorf("expected failed range [2,4), got [%d,%d)", perrs[0].From, perrs[0].To)
	}
	if lwerr.CategoryOf(err) != lwerr.CategoryPersistence {
		t.Errorf("category = %q", lwerr.CategoryOf(err))
	}
	// Batches after the failing one still run.
	if stats.Inserted != 4 || stats.Failed != 2 {
		t.Errorf("expected 4 inserted and 2 failed, got %+v", stats)
	}

	n, err := s.Count(ctx, sc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("expected 4 stored rows, got %d", n)
	}
	for _, guid := range []string{"RULE_000", "RULE_001", "RULE_004", "RULE_005"} {
		var found int
		if err := s.DB().QueryRow("SELECT COUNT(*) FROM r_AlertRule WHERE guid = ?", guid).Scan(&found); err != nil {
			t.Fatal(err)
		}
		if found != 1 {
			t.Errorf("row %s not stored", guid)
		}
	}
}

func TestUpsertBatchRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	sc := ruleSchema()

	var s *Store
	var sleeps int
	s = openTestStore(t, Options{
		BatchSize: 2,
		// The failure is lifted between the first and second attempt.
		Sleep: func(ctx context.Context, _ time.Duration) error {
			sleeps++
			_, err := s.DB().ExecContext(ctx, "DROP TRIGGER fail_rule_2")
			return err
		},
	})

	if err := s.EnsureTable(ctx, sc); err != nil {
		t.Fatal(err)
	}
	_, err := s.DB().Exec("CREATE TRIGGER fail_rule_2 BEFORE INSERT ON r_AlertRule " +
		"WHEN NEW.`name` = 'rule 2' BEGIN SELECT RAISE(ABORT, 'transient failure'); END")
	if err != nil {
		t.Fatal(err)
	}

	stats, err := s.Upsert(ctx, sc, ruleRows(sc, 6), "run-1")
	if err != nil {
		t.Fatalf("expected the retry to recover, got %v", err)
	}
	if len(lwerr.PersistenceErrors(err)) != 0 {
		t.Error("no PersistenceError expected")
	}
	// One sleep means the failing batch ran exactly twice and no other batch retried.
	if sleeps != 1 {
		t.Errorf("expected exactly one retry, got %d", sleeps)
	}
	if stats.Inserted != 6 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	n, err := s.Count(ctx, sc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("expected 6 stored rows, got %d", n)
	}
}

func TestUpsertCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := openTestStore(t, Options{})
	sc := ruleSchema()

	if err := s.EnsureTable(context.Background(), sc); err != nil {
		t.Fatal(err)
	}
	_, err := s.Upsert(ctx, sc, ruleRows(sc, 3), "run-1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestQueryReadOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	sc := ruleSchema()
	if _, err := s.Upsert(ctx, sc, ruleRows(sc, 10), "run-1"); err != nil {
		t.Fatal(err)
	}

	for _, stmt := range []string{"DELETE FROM r_AlertRule", "SELECT 1; DROP TABLE r_AlertRule", ""} {
		if _, err := s.Query(ctx, stmt); !errors.Is(err, ErrNotReadOnly) {
			t.Errorf("Query(%q): expected ErrNotReadOnly, got %v", stmt, err)
		}
	}

	res, err := s.Summary(ctx, sc, "SELECT severity, COUNT(*) AS n FROM :db_table GROUP BY severity ORDER BY severity;")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(res.Columns) != 2 || res.Columns[1] != "n" {
		t.Errorf("unexpected columns %v", res.Columns)
	}
	if len(res.Rows) != 5 {
		t.Errorf("expected 5 severity groups, got %d", len(res.Rows))
	}
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s := openTestStore(t, Options{Now: func() time.Time {
		now = now.Add(time.Second)
		return now
	}})

	first, err := s.BeginRun(ctx, "alert-rules")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	second, err := s.BeginRun(ctx, "alerts")
	if err != nil {
		t.Fatal(err)
	}

	first.Status = RunPartial
	first.Inserted = 237
	first.Gaps = 1
	first.Error = "1 sub-range failed"
	if err := s.FinishRun(ctx, first); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	all, err := s.Runs(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != second.ID {
		t.Fatalf("expected newest run first, got %+v", all)
	}

	got, err := s.GetRun(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunPartial || got.Inserted != 237 || got.Gaps != 1 || got.FinishedAt.IsZero() {
		t.Errorf("unexpected run %+v", got)
	}

	if _, err := s.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSQLiteIsNotVersioned(t *testing.T) {
	s := openTestStore(t, Options{})
	if _, err := s.Commit(context.Background(), "msg"); !errors.Is(err, ErrNotVersioned) {
		t.Errorf("expected ErrNotVersioned, got %v", err)
	}
	if _, err := s.DoltLog(context.Background(), 5); !errors.Is(err, ErrNotVersioned) {
		t.Errorf("expected ErrNotVersioned, got %v", err)
	}
}

func TestIsValidRef(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"HEAD~1", true},
		{"main", true},
		{"r_AlertRule", true},
		{"x'; DROP", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isValidRef(tt.ref); got != tt.want {
			t.Errorf("isValidRef(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestDigestIgnoresKey(t *testing.T) {
	sc := ruleSchema()
	rows := ruleRows(sc, 1)
	m := rows[0].Map()
	m["guid"] = "OTHER"
	other := schema.RowFromMap(sc, m)

	a, err := digest(rows[0])
	if err != nil {
		t.Fatal(err)
	}
	b, err := digest(other)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("digest should only cover non-key columns")
	}
}

func TestDigestDistinguishesLargeInts(t *testing.T) {
	sc := ruleSchema()
	base := ruleRows(sc, 1)[0].Map()

	sum := func(severity int64) string {
		t.Helper()
		m := maps.Clone(base)
		m["severity"] = severity
		d, err := digest(schema.RowFromMap(sc, m))
		if err != nil {
			t.Fatal(err)
		}
		return d
	}

	tests := []struct{ a, b int64 }{
		{1 << 60, 1<<60 + 1},
		{-(1 << 60), -(1 << 60) - 1},
		{math.MaxInt64, math.MaxInt64 - 1},
		{1 << 53, 1<<53 + 1},
	}
	for _, tt := range tests {
		if sum(tt.a) == sum(tt.b) {
			t.Errorf("digest(%d) == digest(%d)", tt.a, tt.b)
		}
	}
	if sum(42) != sum(42) {
		t.Error("digest is not deterministic")
	}
}
