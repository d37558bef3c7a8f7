// Package calendar formats the period identifiers used throughout usage
// accounting and quota windows. Every function is a pure string
// transformation of a time.Time in a configured zone offset — there is no
// I/O here, so it is exercised directly by unit tests rather than against a
// store double.
package calendar

import (
	"fmt"
	"time"
)

// Clock produces period identifiers relative to a fixed UTC offset rather
// than the process's local zone, so usage windows roll over consistently
// regardless of where the relay is deployed.
type Clock struct {
	loc *time.Location
}

// New builds a Clock for a fixed offset in minutes east of UTC (e.g. 480 for
// UTC+8). A zero offset behaves like UTC.
func New(offsetMinutes int) *Clock {
	return &Clock{loc: time.FixedZone("relay", offsetMinutes*60)}
}

// Now returns the current time converted into the clock's zone.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// In converts t into the clock's zone without altering the instant it names.
func (c *Clock) In(t time.Time) time.Time {
	return t.In(c.loc)
}

// DateString formats t as YYYY-MM-DD, the key suffix for daily counters.
func (c *Clock) DateString(t time.Time) string {
	t = c.In(t)
	return t.Format("2006-01-02")
}

// HourString formats t as YYYY-MM-DD-HH, the key suffix for hourly counters.
func (c *Clock) HourString(t time.Time) string {
	t = c.In(t)
	return t.Format("2006-01-02-15")
}

// MonthString formats t as YYYY-MM, the key suffix for monthly counters.
func (c *Clock) MonthString(t time.Time) string {
	t = c.In(t)
	return t.Format("2006-01")
}

// ISOWeekString formats t as YYYY-Www using the ISO-8601 week definition
// (weeks start on Monday; week 1 is the week containing the year's first
// Thursday), the key suffix for weekly caps such as the Opus budget.
func (c *Clock) ISOWeekString(t time.Time) string {
	t = c.In(t)
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// PeriodStartDate returns the first instant of the period (day, week, or
// month) containing t, in the clock's zone. week periods start on Monday.
func (c *Clock) PeriodStartDate(t time.Time, period string) (time.Time, error) {
	t = c.In(t)
	y, m, d := t.Date()

	switch period {
	case "daily":
		return time.Date(y, m, d, 0, 0, 0, 0, c.loc), nil
	case "weekly":
		offset := int(t.Weekday()) - int(time.Monday)
		if offset < 0 {
			offset += 7
		}
		start := time.Date(y, m, d, 0, 0, 0, 0, c.loc)
		return start.AddDate(0, 0, -offset), nil
	case "monthly":
		return time.Date(y, m, 1, 0, 0, 0, 0, c.loc), nil
	default:
		return time.Time{}, fmt.Errorf("calendar: unknown period %q", period)
	}
}

// PeriodString returns the key suffix identifying the period containing t.
func (c *Clock) PeriodString(t time.Time, period string) (string, error) {
	switch period {
	case "daily":
		return c.DateString(t), nil
	case "weekly":
		return c.ISOWeekString(t), nil
	case "monthly":
		return c.MonthString(t), nil
	default:
		return "", fmt.Errorf("calendar: unknown period %q", period)
	}
}

// isoWeekday maps time.Weekday onto the 1 (Monday) .. 7 (Sunday) ISO scale.
func isoWeekday(t time.Time) int {
	d := int(t.Weekday())
	if d == 0 {
		return 7
	}
	return d
}

// WeeklyResetPeriodStartDate returns the start instant of the rolling 7-day
// window containing t for a key configured with resetDay (1-7, ISO,
// Monday=1) and resetHour (0-23). Unlike ISOWeekString this does not reset
// on a fixed Monday boundary — it rolls every 7 days from whichever weekday
// and hour the key is configured to reset on.
func (c *Clock) WeeklyResetPeriodStartDate(t time.Time, resetDay, resetHour int) time.Time {
	t = c.In(t)
	y, m, d := t.Date()
	daysSince := (isoWeekday(t) - resetDay + 7) % 7
	start := time.Date(y, m, d, resetHour, 0, 0, 0, c.loc).AddDate(0, 0, -daysSince)
	if start.After(t) {
		start = start.AddDate(0, 0, -7)
	}
	return start
}

// WeeklyResetPeriodString formats the start date of the rolling 7-day window
// containing t, the key suffix for weekly-Opus-style caps that reset on a
// per-key configured day/hour rather than the calendar week.
func (c *Clock) WeeklyResetPeriodString(t time.Time, resetDay, resetHour int) string {
	return c.WeeklyResetPeriodStartDate(t, resetDay, resetHour).Format("2006-01-02")
}
