// Package timestamp coerces the many shapes a stored timestamp can arrive in
// (driver types, provider-native second/nanosecond objects, ISO strings,
// epoch milliseconds) into a time.Time.
package timestamp

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

var ErrMissing = errors.New("timestamp: missing value")

// layouts tried in order for string input without an explicit offset.
var layouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize converts v to a time.Time, interpreting zone-less values as UTC.
func Normalize(v interface{}) (time.Time, error) {
	return NormalizeIn(v, time.UTC)
}

// NormalizeIn converts v to a time.Time. Strings without a zone offset are
// read in loc.
func NormalizeIn(v interface{}, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch t := v.(type) {
	case nil:
		return time.Time{}, ErrMissing
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, ErrMissing
		}
		return *t, nil
	case pgtype.Timestamptz:
		if !t.Valid {
			return time.Time{}, ErrMissing
		}
		return t.Time, nil
	case pgtype.Timestamp:
		if !t.Valid {
			return time.Time{}, ErrMissing
		}
		return t.Time, nil
	case pgtype.Date:
		if !t.Valid {
			return time.Time{}, ErrMissing
		}
		return t.Time, nil
	case string:
		return parseString(t, loc)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return fromMillis(f), nil
	case float64:
		return fromMillis(t), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case int:
		return time.UnixMilli(int64(t)).UTC(), nil
	case map[string]interface{}:
		return fromObject(t)
	default:
		return time.Time{}, fmt.Errorf("timestamp: unsupported type %T", v)
	}
}

func parseString(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMissing
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: unrecognized format %q", s)
}

func fromMillis(ms float64) time.Time {
	sec, frac := math.Modf(ms / 1000)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// fromObject reads {"_seconds","_nanoseconds"} or {"seconds","nanos"}.
func fromObject(m map[string]interface{}) (time.Time, error) {
	secs, ok := number(m["_seconds"])
	if !ok {
		secs, ok = number(m["seconds"])
	}
	if !ok {
		return time.Time{}, errors.New("timestamp: object has no seconds field")
	}
	nanos, ok := number(m["_nanoseconds"])
	if !ok {
		nanos, _ = number(m["nanos"])
	}
	return time.Unix(int64(secs), int64(nanos)).UTC(), nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
