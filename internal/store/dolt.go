package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Commit records the working set as a Dolt commit. A clean working set is
// not an error. Non-Dolt stores return ErrNotVersioned.
func (s *Store) Commit(ctx context.Context, message string) (string, error) {
	if s.opts.Backend != BackendDolt {
		return "", ErrNotVersioned
	}

	var hash string
	err := s.db.QueryRowContext(ctx, "CALL DOLT_COMMIT('-Am', ?)", message).Scan(&hash)
	if err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return "", nil
		}
		return "", fmt.Errorf("dolt commit: %w", err)
	}
	return hash, nil
}

// DoltLogEntry is one Dolt commit.
type DoltLogEntry struct {
	CommitHash string `json:"commit_hash"`
	Committer  string `json:"committer"`
	Email      string `json:"email"`
	Date       string `json:"date"`
	Message    string `json:"message"`
}

// DoltLog returns recent Dolt commits.
func (s *Store) DoltLog(ctx context.Context, limit int) ([]DoltLogEntry, error) {
	if s.opts.Backend != BackendDolt {
		return nil, ErrNotVersioned
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT commit_hash, committer, email, date, message
		FROM dolt_log
		ORDER BY date DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dolt log query: %w", err)
	}
	defer rows.Close()

	var entries []DoltLogEntry
	for rows.Next() {
		var entry DoltLogEntry
		var date any
		if err := rows.Scan(&entry.CommitHash, &entry.Committer, &entry.Email, &date, &entry.Message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entry.Date = fmt.Sprint(date)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// DiffSummary counts rows added, modified and removed in table between two
// refs. Missing history yields zeros.
type DiffSummary struct {
	FromRef  string `json:"from"`
	ToRef    string `json:"to"`
	Table    string `json:"table"`
	Added    int    `json:"added"`
	Modified int    `json:"modified"`
	Removed  int    `json:"removed"`
}

// DoltDiffSummary returns a quick summary of changes to table between two refs.
func (s *Store) DoltDiffSummary(ctx context.Context, table, fromRef, toRef string) (DiffSummary, error) {
	if s.opts.Backend != BackendDolt {
		return DiffSummary{}, ErrNotVersioned
	}
	if fromRef == "" {
		fromRef = "HEAD~1"
	}
	if toRef == "" {
		toRef = "WORKING"
	}
	sum := DiffSummary{FromRef: fromRef, ToRef: toRef, Table: table}

	// Validate refs to prevent SQL injection
	if !isValidRef(fromRef) || !isValidRef(toRef) || !isValidRef(table) {
		return sum, fmt.Errorf("invalid ref format")
	}

	if strings.HasPrefix(fromRef, "HEAD~") {
		count, err := s.commitCount(ctx)
		if err != nil {
			return sum, nil
		}
		var n int
		if _, err := fmt.Sscanf(fromRef, "HEAD~%d", &n); err == nil && count <= n {
			return sum, nil
		}
	}

	// DOLT_DIFF doesn't support bind variables
	query := fmt.Sprintf(`
		SELECT
			SUM(CASE WHEN diff_type = 'added' THEN 1 ELSE 0 END),
			SUM(CASE WHEN diff_type = 'modified' THEN 1 ELSE 0 END),
			SUM(CASE WHEN diff_type = 'removed' THEN 1 ELSE 0 END)
		FROM DOLT_DIFF('%s', '%s', '%s')
	`, fromRef, toRef, table)

	var added, modified, removed sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query).Scan(&added, &modified, &removed); err != nil {
		if strings.Contains(err.Error(), "cannot resolve") ||
			strings.Contains(err.Error(), "no such commit") ||
			strings.Contains(err.Error(), "invalid ancestor spec") {
			return sum, nil
		}
		return sum, fmt.Errorf("diff summary: %w", err)
	}
	sum.Added = int(added.Int64)
	sum.Modified = int(modified.Int64)
	sum.Removed = int(removed.Int64)
	return sum, nil
}

func (s *Store) commitCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dolt_log").Scan(&count)
	return count, err
}

// isValidRef allows the characters found in refs, hashes and table names.
func isValidRef(ref string) bool {
	if ref == "" {
		return false
	}
	for _, c := range ref {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '_' || c == '-' ||
			c == '.' || c == '/' || c == '~' || c == '^') {
			return false
		}
	}
	return true
}
