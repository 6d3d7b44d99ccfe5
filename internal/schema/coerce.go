package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Coerce converts a value read back from storage or JSON to the Go
// representation of t. Byte slices are treated as text and narrow numeric
// driver types are widened.
func Coerce(t Type, v any) (any, error) {
	switch x := v.(type) {
	case []byte:
		v = string(x)
	case int8:
		v = int64(x)
	case int16:
		v = int64(x)
	case int32:
		v = int64(x)
	case uint8:
		v = int64(x)
	case uint16:
		v = int64(x)
	case uint32:
		v = int64(x)
	case float32:
		v = float64(x)
	}
	return coerce(t, v)
}

// coerce converts a decoded JSON value to the Go representation of t.
func coerce(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		return toString(v)
	case TypeInt:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeBool:
		return toBool(v)
	case TypeTimestamp:
		return toTimestamp(v)
	case TypeJSON:
		return toJSON(v)
	}
	return nil, fmt.Errorf("unknown type %q", t)
}

func toString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case map[string]any, []any:
		return toJSON(x)
	}
	return nil, fmt.Errorf("cannot convert %T to string", v)
}

func toInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("%v is not an integer", x)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if x >= math.MaxInt64 || x < math.MinInt64 {
			return nil, fmt.Errorf("%v overflows int64", x)
		}
		return int64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return toInt(f)
		}
		return nil, fmt.Errorf("%q is not an integer", x)
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("cannot convert %T to int", v)
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	case bool:
		if x {
			return 1.0, nil
		}
		return 0.0, nil
	}
	return nil, fmt.Errorf("cannot convert %T to float", v)
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		switch x {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("%v is not a boolean", x)
	case int64:
		return toBool(float64(x))
	case int:
		return toBool(float64(x))
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "1", "enabled":
			return true, nil
		case "false", "f", "no", "n", "0", "disabled", "":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", x)
	}
	return nil, fmt.Errorf("cannot convert %T to bool", v)
}

func toTimestamp(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case float64:
		return epoch(x), nil
	case int64:
		return epoch(float64(x)), nil
	case int:
		return epoch(float64(x)), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f), nil
		}
		return nil, fmt.Errorf("%q is not a timestamp", x)
	}
	return nil, fmt.Errorf("cannot convert %T to timestamp", v)
}

// epoch treats values past 1e12 as milliseconds, smaller ones as seconds.
func epoch(f float64) time.Time {
	if math.Abs(f) >= 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// toJSON renders any value as JSON text with sorted object keys.
func toJSON(v any) (any, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v, json.Deterministic(true))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
