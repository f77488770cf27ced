package entitle

import "time"

// MonthKey returns the calendar month of t in loc as a stable string
// key ("2006-01"). The engine compares month keys instead of doing
// timezone arithmetic in storage adapters, so the reference timezone
// lives in exactly one place.
func MonthKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01")
}

// StartOfMonth returns the first instant of t's calendar month in loc.
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	tt := t.In(loc)
	return time.Date(tt.Year(), tt.Month(), 1, 0, 0, 0, 0, loc)
}

// NextReset returns the first instant of the calendar month after t in
// loc, i.e. when the next monthly allowance refill happens.
func NextReset(t time.Time, loc *time.Location) time.Time {
	tt := t.In(loc)
	// day 1 of month+1; time.Date normalizes month overflow.
	return time.Date(tt.Year(), tt.Month()+1, 1, 0, 0, 0, 0, loc)
}

// ResetDue reports whether a monthly reset is due at now for an
// account last reset at lastReset.
func ResetDue(lastReset, now time.Time, loc *time.Location) bool {
	return MonthKey(lastReset, loc) != MonthKey(now, loc)
}
