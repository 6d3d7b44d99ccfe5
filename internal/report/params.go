package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/hargabyte/lwreport/internal/query"
)

// Severities in descending order, as the API spells them.
var Severities = []string{"Critical", "High", "Medium", "Low", "Info"}

// ExpandSeverity turns a threshold into the severities at or above it:
// "high" yields [Critical High].
func ExpandSeverity(threshold string) ([]string, error) {
	t := strings.ToLower(strings.TrimSpace(threshold))
	for i, s := range Severities {
		if strings.ToLower(s) == t {
			out := make([]string, i+1)
			copy(out, Severities[:i+1])
			return out, nil
		}
	}
	return nil, fmt.Errorf("invalid severity %q (expected critical, high, medium, low or info)", threshold)
}

// Cloud providers accepted in a cloud account selector.
const (
	ProviderAWS   = "aws"
	ProviderGCP   = "gcp"
	ProviderAzure = "az"
)

// CloudAccount is a parsed selector: aws:<account>, gcp:<org>:<project> or
// az:<tenant>:<subscription>. For GCP the organization may be empty.
type CloudAccount struct {
	Provider string
	Account  string // aws account id
	Org      string // gcp organization or azure tenant
	Project  string // gcp project or azure subscription
}

// ParseCloudAccount parses a cloud account selector.
func ParseCloudAccount(s string) (CloudAccount, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	switch strings.ToLower(parts[0]) {
	case ProviderAWS:
		if len(parts) != 2 || parts[1] == "" {
			return CloudAccount{}, fmt.Errorf("invalid aws account %q (expected aws:<account>)", s)
		}
		return CloudAccount{Provider: ProviderAWS, Account: parts[1]}, nil
	case ProviderGCP:
		if len(parts) != 3 || parts[2] == "" {
			return CloudAccount{}, fmt.Errorf("invalid gcp account %q (expected gcp:<org>:<project>)", s)
		}
		return CloudAccount{Provider: ProviderGCP, Org: parts[1], Project: parts[2]}, nil
	case ProviderAzure:
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return CloudAccount{}, fmt.Errorf("invalid azure account %q (expected az:<tenant>:<subscription>)", s)
		}
		return CloudAccount{Provider: ProviderAzure, Org: parts[1], Project: strings.ToUpper(parts[2])}, nil
	}
	return CloudAccount{}, fmt.Errorf("invalid cloud account %q (expected aws:, gcp: or az: prefix)", s)
}

func (a CloudAccount) String() string {
	if a.Provider == ProviderAWS {
		return a.Provider + ":" + a.Account
	}
	return a.Provider + ":" + a.Org + ":" + a.Project
}

// Filters returns the API filters selecting the account's resources under
// the tag object prefix, e.g. "machineTags".
func (a CloudAccount) Filters(prefix string) []query.Filter {
	field := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
	switch a.Provider {
	case ProviderAWS:
		return []query.Filter{
			{Field: field("VmProvider"), Expression: query.ExprIn, Values: []any{"AWS"}},
			{Field: field("Account"), Expression: query.ExprEq, Value: a.Account},
		}
	case ProviderGCP:
		return []query.Filter{
			{Field: field("VmProvider"), Expression: query.ExprEq, Value: "GCE"},
			{Field: field("ProjectId"), Expression: query.ExprEq, Value: a.Project},
		}
	case ProviderAzure:
		return []query.Filter{
			{Field: field("VmProvider"), Expression: query.ExprIn, Values: []any{"Azure"}},
			{Field: field("ProjectId"), Expression: query.ExprIn, Values: []any{a.Project}},
		}
	}
	return nil
}

// Params are the caller's choices for one run of a definition.
type Params struct {
	// Range wins over Last; with neither, the definition's lookback applies.
	Range        query.TimeRange
	Last         time.Duration
	Severity     string
	CloudAccount string
	Now          func() time.Time
}

// Resolve applies p to a copy of d: the time range is fixed and the severity
// and cloud account filters replace any filter on the same fields.
func Resolve(d Definition, p Params) (Definition, error) {
	out := d.Clone()

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	switch {
	case !p.Range.IsZero():
		out.Query.Range = query.TimeRange{Start: p.Range.Start.UTC(), End: p.Range.End.UTC()}
	case p.Last > 0:
		out.Query.Range = query.Last(p.Last, now())
	default:
		lookback := d.Lookback.Std()
		if lookback <= 0 {
			lookback = DefaultLookback
		}
		out.Query.Range = query.Last(lookback, now())
	}
	if err := out.Query.Range.Validate(); err != nil {
		return Definition{}, fmt.Errorf("report %s: %w", d.Name, err)
	}

	if p.Severity != "" {
		if d.SeverityField == "" {
			return Definition{}, fmt.Errorf("report %s does not support a severity filter", d.Name)
		}
		levels, err := ExpandSeverity(p.Severity)
		if err != nil {
			return Definition{}, err
		}
		values := make([]any, len(levels))
		for i, l := range levels {
			values[i] = l
		}
		out.Query.Filters = replaceFilters(out.Query.Filters,
			query.Filter{Field: d.SeverityField, Expression: query.ExprIn, Values: values})
	}

	if p.CloudAccount != "" {
		if d.CloudAccountField == "" {
			return Definition{}, fmt.Errorf("report %s does not support a cloud account filter", d.Name)
		}
		acct, err := ParseCloudAccount(p.CloudAccount)
		if err != nil {
			return Definition{}, err
		}
		out.Query.Filters = replaceFilters(out.Query.Filters, acct.Filters(d.CloudAccountField)...)
	}

	return out, nil
}

func replaceFilters(existing []query.Filter, add ...query.Filter) []query.Filter {
	replaced := make(map[string]bool, len(add))
	for _, f := range add {
		replaced[f.Field] = true
	}
	out := existing[:0]
	for _, f := range existing {
		if !replaced[f.Field] {
			out = append(out, f)
		}
	}
	return append(out, add...)
}
