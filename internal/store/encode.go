package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/gowebpki/jcs"

	"github.com/hargabyte/lwreport/internal/schema"
)

// TimeLayout is how timestamp columns are stored. Fixed width keeps
// lexical and chronological order the same.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// encode converts a normalized value to its column representation.
func encode(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(TimeLayout)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

// decode converts a scanned column value back to the schema type.
func decode(t schema.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return schema.Coerce(t, v)
}

// maxExactInt is the largest magnitude float64 holds exactly. Canonical JSON
// numbers are float64, so larger int64 values enter the digest as strings.
const maxExactInt = 1 << 53

// digest fingerprints the non-key columns of r: the RFC 8785 canonical form
// of a JSON object of their encoded values, hashed with sha256.
func digest(r schema.Row) (string, error) {
	s := r.Schema()
	fields := make(map[string]any, len(s.Columns))
	for i, c := range s.Columns {
		if s.IsKey(c.Name) {
			continue
		}
		v := encode(r.Values()[i])
		if n, ok := v.(int64); ok && (n > maxExactInt || n < -maxExactInt) {
			v = strconv.FormatInt(n, 10)
		}
		fields[c.Name] = v
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal row: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize row: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// keyArgs returns the query arguments matching keyWhere.
func keyArgs(r schema.Row) []any {
	key := r.Key()
	args := make([]any, 0, len(key)+1)
	args = append(args, r.Schema().Version)
	for _, v := range key {
		args = append(args, encode(v))
	}
	return args
}
