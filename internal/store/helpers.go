package store

import (
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNoTime returns nil for a missing timestamp, otherwise its UTC value.
func nilIfNoTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// timePtr converts a nullable column into an optional timestamp.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// rebindDollar rewrites '?' placeholders into PostgreSQL's $1, $2, ... form.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rebindNone leaves '?' placeholders untouched (SQLite).
func rebindNone(query string) string {
	return query
}
