package calendar

import (
	"testing"
	"time"
)

func TestDateStringUsesOffset(t *testing.T) {
	c := New(0)
	// 2026-01-15 23:30 UTC.
	ts := time.Date(2026, 1, 15, 23, 30, 0, 0, time.UTC)
	if got := c.DateString(ts); got != "2026-01-15" {
		t.Fatalf("DateString = %q, want 2026-01-15", got)
	}

	// UTC+8 pushes the same instant into the next calendar day.
	c8 := New(8 * 60)
	if got := c8.DateString(ts); got != "2026-01-16" {
		t.Fatalf("DateString(+8) = %q, want 2026-01-16", got)
	}
}

func TestISOWeekString(t *testing.T) {
	c := New(0)
	// 2026-01-01 is a Thursday, ISO week 1 of 2026.
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := c.ISOWeekString(ts); got != "2026-W01" {
		t.Fatalf("ISOWeekString = %q, want 2026-W01", got)
	}
}

func TestPeriodStartDateWeekly(t *testing.T) {
	c := New(0)
	// 2026-01-07 is a Wednesday; the ISO week starts Monday 2026-01-05.
	ts := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)
	start, err := c.PeriodStartDate(ts, "weekly")
	if err != nil {
		t.Fatalf("PeriodStartDate: %v", err)
	}
	if got := start.Format("2006-01-02"); got != "2026-01-05" {
		t.Fatalf("weekly start = %q, want 2026-01-05", got)
	}
}

func TestPeriodStringUnknown(t *testing.T) {
	c := New(0)
	if _, err := c.PeriodString(time.Now(), "yearly"); err == nil {
		t.Fatal("expected error for unknown period")
	}
}
