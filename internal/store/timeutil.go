package store

import (
	"database/sql"
	"time"
)

// sqlite's strftime('%Y-%m-%dT%H:%M:%fZ','now') and our own RFC3339Nano
// writes both parse under either layout; try both before giving up.
var timeLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	time.RFC3339Nano,
	time.RFC3339,
}

func parseTime(raw string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseTimePtr(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := parseTime(raw.String)
	return &t
}
