package profile

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ToFloat converts a database value to float64. It accepts the numeric Go
// types SQL and document drivers hand back, plus numeric strings: lib/pq
// returns NUMERIC and DECIMAL columns as strings, and skipping those would
// silently exclude them from detection.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		return parseFloatString(n)
	case []byte:
		return parseFloatString(string(n))
	default:
		return 0, false
	}
}

func parseFloatString(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}

	return f, true
}

// ToTime converts a database value to time.Time.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}

		return *t, true
	default:
		return time.Time{}, false
	}
}

// asNumbers converts the column to float64s; it fails if any non-null
// value is not numeric.
func asNumbers(values []any) ([]float64, bool) {
	numbers := make([]float64, 0, len(values))

	for _, v := range values {
		n, ok := ToFloat(v)
		if !ok {
			return nil, false
		}

		numbers = append(numbers, n)
	}

	return numbers, true
}

// asTimes converts the column to time.Time values; it fails if any
// non-null value is not temporal.
func asTimes(values []any) ([]time.Time, bool) {
	times := make([]time.Time, 0, len(values))

	for _, v := range values {
		t, ok := ToTime(v)
		if !ok {
			return nil, false
		}

		times = append(times, t)
	}

	return times, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprintf("%v", v)
}
