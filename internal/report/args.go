package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hargabyte/lwreport/internal/query"
)

// Args are run parameters as text, the way the CLI, the HTTP API and the
// MCP tools receive them.
type Args struct {
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	Last         string `json:"last,omitempty"`
	Severity     string `json:"severity,omitempty"`
	CloudAccount string `json:"cloud_account,omitempty"`
}

// Params parses a. From without To runs until now; To without From is an error.
func (a Args) Params(now func() time.Time) (Params, error) {
	if now == nil {
		now = time.Now
	}
	p := Params{Severity: a.Severity, CloudAccount: a.CloudAccount, Now: now}

	if a.Last != "" {
		d, err := ParseLast(a.Last)
		if err != nil {
			return Params{}, err
		}
		p.Last = d
	}

	switch {
	case a.From == "" && a.To == "":
	case a.From == "":
		return Params{}, fmt.Errorf("--to needs --from")
	default:
		start, err := ParseTime(a.From)
		if err != nil {
			return Params{}, fmt.Errorf("from: %w", err)
		}
		end := now().UTC()
		if a.To != "" {
			if end, err = ParseTime(a.To); err != nil {
				return Params{}, fmt.Errorf("to: %w", err)
			}
		}
		p.Range = query.TimeRange{Start: start, End: end}
		if err := p.Range.Validate(); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}

// ParseLast parses a Go duration, also accepting whole days ("7d").
func ParseLast(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

// ParseTime accepts RFC 3339 or a UTC date, with or without a time of day.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339 or YYYY-MM-DD)", s)
}
