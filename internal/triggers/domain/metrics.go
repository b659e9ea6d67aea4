package domain

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// DaysSince returns the number of whole days between then and now.
// A future timestamp yields zero.
func DaysSince(then, now time.Time) int {
	if then.IsZero() || !now.After(then) {
		return 0
	}
	return int(now.Sub(then) / day)
}

// DaysUntil returns the number of calendar days from now until date, using
// UTC day boundaries. Past dates yield a negative number.
func DaysUntil(date, now time.Time) int {
	return int(math.Round(truncateDay(date).Sub(truncateDay(now)).Hours() / 24))
}

// DaysOverdue returns how many calendar days past due is, or zero when the
// due date is today or later.
func DaysOverdue(due, now time.Time) int {
	d := -DaysUntil(due, now)
	if d < 0 {
		return 0
	}
	return d
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	return truncateDay(t)
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
