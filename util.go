package taxietl

import (
	"fmt"
	"time"

	"crawshaw.io/sqlite"
)

func sqlitexNoop(stmt *sqlite.Stmt) error { return nil }

// canonicalTimeLayout is how timestamps are stored. Its lexicographic order
// matches chronological order, so substr(ts, 1, 10) is the calendar date.
const canonicalTimeLayout = "2006-01-02 15:04:05"

const dateLayout = "2006-01-02"

// Raw exports disagree on timestamp formatting, so accept the common ones.
var acceptedTimeLayouts = []string{
	canonicalTimeLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range acceptedTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
