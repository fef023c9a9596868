package clock

import (
	"fmt"
	"time"
)

const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
	slotMinutes = 10
)

// MarketClock resolves exchange-local market hours and the 10-minute
// evaluation schedule. All math happens in the exchange timezone so the
// host's local zone never leaks into trading decisions.
type MarketClock struct {
	loc *time.Location
}

func New(timezone string) (*MarketClock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone %q: %w", timezone, err)
	}
	return &MarketClock{loc: loc}, nil
}

// Location returns the exchange timezone.
func (c *MarketClock) Location() *time.Location {
	return c.loc
}

// IsOpen reports whether the market is open at now, with a reason when closed.
func (c *MarketClock) IsOpen(now time.Time) (bool, string) {
	local := now.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false, "weekend"
	}
	open := c.SessionOpen(local)
	close := c.sessionClose(local)
	if local.Before(open) {
		return false, fmt.Sprintf("before open (opens %s)", open.Format("15:04"))
	}
	if !local.Before(close) {
		return false, fmt.Sprintf("after close (closed %s)", close.Format("15:04"))
	}
	return true, ""
}

// SessionOpen returns 09:30 exchange-local on now's calendar day.
func (c *MarketClock) SessionOpen(now time.Time) time.Time {
	local := now.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), openHour, openMinute, 0, 0, c.loc)
}

func (c *MarketClock) sessionClose(now time.Time) time.Time {
	local := now.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), closeHour, closeMinute, 0, 0, c.loc)
}

// MinutesSinceOpen returns elapsed session minutes at now. Negative before open.
func (c *MarketClock) MinutesSinceOpen(now time.Time) float64 {
	return now.In(c.loc).Sub(c.SessionOpen(now)).Minutes()
}

// NextEvaluationSlot returns the next scheduled evaluation time strictly
// after now. Slots run every 10 minutes from the open; a slot landing at or
// after the close rolls to the next trading day's open.
func (c *MarketClock) NextEvaluationSlot(now time.Time) time.Time {
	local := now.In(c.loc)

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return c.nextTradingDayOpen(local)
	}

	open := c.SessionOpen(local)
	if local.Before(open) {
		return open
	}

	elapsed := local.Sub(open)
	slots := int(elapsed/(slotMinutes*time.Minute)) + 1
	next := open.Add(time.Duration(slots) * slotMinutes * time.Minute)
	if !next.Before(c.sessionClose(local)) {
		return c.nextTradingDayOpen(local)
	}
	return next
}

func (c *MarketClock) nextTradingDayOpen(local time.Time) time.Time {
	day := local.AddDate(0, 0, 1)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), openHour, openMinute, 0, 0, c.loc)
}
