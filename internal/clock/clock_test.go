package clock

import (
	"testing"
	"time"
)

func mustClock(t *testing.T) *MarketClock {
	t.Helper()
	c, err := New("America/New_York")
	if err != nil {
		t.Fatalf("load clock: %v", err)
	}
	return c
}

func et(t *testing.T, value string) time.Time {
	t.Helper()
	loc, _ := time.LoadLocation("America/New_York")
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestIsOpen(t *testing.T) {
	c := mustClock(t)

	cases := []struct {
		name string
		now  string
		open bool
	}{
		{"mid_session", "2025-06-02 10:45", true},
		{"at_open", "2025-06-02 09:30", true},
		{"before_open", "2025-06-02 09:15", false},
		{"at_close", "2025-06-02 16:00", false},
		{"after_close", "2025-06-02 17:30", false},
		{"saturday", "2025-06-07 11:00", false},
		{"sunday", "2025-06-08 11:00", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			open, reason := c.IsOpen(et(t, tc.now))
			if open != tc.open {
				t.Errorf("IsOpen(%s) = %v (%s), want %v", tc.now, open, reason, tc.open)
			}
			if !open && reason == "" {
				t.Error("closed verdict must carry a reason")
			}
		})
	}
}

func TestIsOpenRespectsExchangeZone(t *testing.T) {
	c := mustClock(t)

	// 14:00 UTC on a Monday is 10:00 ET: open regardless of host zone.
	utc := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	if open, reason := c.IsOpen(utc); !open {
		t.Fatalf("expected open at 10:00 ET, got closed (%s)", reason)
	}
}

func TestNextEvaluationSlot(t *testing.T) {
	c := mustClock(t)

	cases := []struct {
		name string
		now  string
		want string
	}{
		{"mid_slot", "2025-06-02 10:45", "2025-06-02 10:50"},
		{"on_slot_boundary", "2025-06-02 10:50", "2025-06-02 11:00"},
		{"before_open", "2025-06-02 07:00", "2025-06-02 09:30"},
		{"last_slot_rolls_to_next_day", "2025-06-02 15:55", "2025-06-03 09:30"},
		{"friday_close_rolls_to_monday", "2025-06-06 15:58", "2025-06-09 09:30"},
		{"saturday_rolls_to_monday", "2025-06-07 12:00", "2025-06-09 09:30"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.NextEvaluationSlot(et(t, tc.now))
			want := et(t, tc.want)
			if !got.Equal(want) {
				t.Errorf("NextEvaluationSlot(%s) = %s, want %s", tc.now, got, want)
			}
		})
	}
}

func TestMinutesSinceOpen(t *testing.T) {
	c := mustClock(t)
	if got := c.MinutesSinceOpen(et(t, "2025-06-02 09:47")); got != 17 {
		t.Errorf("MinutesSinceOpen = %v, want 17", got)
	}
	if got := c.MinutesSinceOpen(et(t, "2025-06-02 09:00")); got != -30 {
		t.Errorf("MinutesSinceOpen before open = %v, want -30", got)
	}
}
