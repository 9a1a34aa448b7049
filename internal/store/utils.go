package store

import "time"

// timestampLayout is what timestamps are stored as: TEXT, not a
// dialect-specific timezone-aware column type, so the schema stays
// portable between the embedded and server engines.
const timestampLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}
