package table

import (
	"strconv"
	"time"
)

// Value is a single cell. Valid dynamic types are nil, string, int64,
// float64 and time.Time (a calendar date at midnight UTC).
type Value = any

// DateLayout is the canonical rendering for date values.
const DateLayout = "2006-01-02"

// IsNull reports whether v carries no value.
func IsNull(v Value) bool {
	return v == nil
}

// AsFloat converts numeric values to float64.
func AsFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// AsInt returns the value as int64 if it is one.
func AsInt(v Value) (int64, bool) {
	n, ok := v.(int64)
	return n, ok
}

// AsString returns the value as a string if it is one.
func AsString(v Value) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsDate returns the value as a date if it is one.
func AsDate(v Value) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

// IsNumeric reports whether v is an int64 or float64.
func IsNumeric(v Value) bool {
	_, ok := AsFloat(v)
	return ok
}

// Date truncates t to midnight UTC, the canonical form for date cells.
func Date(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Format renders a value for flat-file output and log lines. Nil renders
// as the empty string, dates as 2006-01-02, floats without trailing zeros.
func Format(v Value) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case time.Time:
		return n.Format(DateLayout)
	default:
		return ""
	}
}

// Equal compares two cells. Dates compare by instant, numbers by dynamic
// type and value.
func Equal(a, b Value) bool {
	at, aok := AsDate(a)
	bt, bok := AsDate(b)
	if aok || bok {
		return aok && bok && at.Equal(bt)
	}
	return a == b
}
