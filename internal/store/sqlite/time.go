package sqlite

import (
	"database/sql"
	"time"
)

// timeLayout is a fixed-width RFC3339 variant, always written in UTC.
// sqlite has no native timestamp type and compares TEXT columns
// lexicographically, so the nanosecond fraction is zero-padded to a
// constant width: unlike time.RFC3339Nano (which trims trailing zeros),
// lexicographic order on this layout always matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
