package domain

import "time"

// NoExpiry marks lots received without expiry metadata. FEFO consumes them last.
var NoExpiry = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// DateOf truncates t to its calendar day in t's own location and returns
// that day at midnight UTC, the representation used for all stored dates.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysUntil counts whole days from asOf's calendar day to date.
// Negative when date already passed.
func DaysUntil(date, asOf time.Time) int {
	return int(DateOf(date).Sub(DateOf(asOf)).Hours() / 24)
}
