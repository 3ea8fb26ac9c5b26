package store

import "time"

// timeFmt is the on-disk text format for all stored timestamps.
const timeFmt = time.RFC3339Nano

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFmt, s)
}

func formatTime(t time.Time) string {
	return t.Format(timeFmt)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
