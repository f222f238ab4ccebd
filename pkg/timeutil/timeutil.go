// Package timeutil holds the calendar arithmetic used by the engine.
// All day boundaries are UTC so that streaks do not depend on server locale.
package timeutil

import (
	"time"
)

// Clock returns the current time. Components take a Clock so tests can pin "now".
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// FixedClock returns a Clock that always reports t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// FormatDate is the layout of day keys.
const FormatDate = "2006-01-02"

// StartOfDay returns 00:00:00 UTC of t's calendar day.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// IsSameDay checks if two times fall on the same UTC day.
func IsSameDay(t1, t2 time.Time) bool {
	return StartOfDay(t1).Equal(StartOfDay(t2))
}

// IsConsecutiveDay checks if t2 is the UTC day right after t1.
func IsConsecutiveDay(t1, t2 time.Time) bool {
	return StartOfDay(t1).AddDate(0, 0, 1).Equal(StartOfDay(t2))
}

// WithinSkew reports whether t lies within [now-skew, now+skew].
func WithinSkew(t, now time.Time, skew time.Duration) bool {
	d := t.Sub(now)
	if d < 0 {
		d = -d
	}
	return d <= skew
}

// Earliest returns the earlier non-zero time.
func Earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

// Latest returns the later of two times.
func Latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// FormatDateStr formats t as YYYY-MM-DD in UTC.
func FormatDateStr(t time.Time) string {
	return t.UTC().Format(FormatDate)
}
