// SPDX-License-Identifier: MIT

package sqlite

import "time"

// Timestamp layouts the store writes: RFC3339 for deadlines set from
// Go, datetime('now') for column defaults.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a stored timestamp. Both layouts are UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
