package engine

import "time"

// =============================================================================
// DUE-DATE CADENCE
// =============================================================================

// CadenceDays is the fixed distance between installments. Due dates follow
// a 30-day cadence, not calendar months, so they drift against month ends.
const CadenceDays = 30

const day = 24 * time.Hour

// DueDate returns the due date of installment seq for a loan starting at start.
// Days are fixed 24h steps in UTC.
func DueDate(start time.Time, seq int) time.Time {
	return start.UTC().Add(time.Duration(CadenceDays*seq) * day)
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay is the last instant of t's UTC day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).Add(day - time.Nanosecond)
}

// DaysBetween counts whole UTC days from a to b (negative if b is earlier).
func DaysBetween(a, b time.Time) int {
	return int(StartOfDay(b).Sub(StartOfDay(a)) / day)
}

// Clock supplies the current time. Tests pin it; production uses SystemClock.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }
