package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmallard/swingbot/internal/tradelog"
)

func TestBreakerTripsAtThreePercentDrop(t *testing.T) {
	e := newTestEngine(tradelog.NewMemoryStore(), nil)
	day := time.Date(2025, 6, 2, 9, 40, 0, 0, time.UTC)

	st := e.UpdateBreaker(day, 100000)
	assert.False(t, st.Tripped)
	assert.Equal(t, 100000.0, st.StartingEquity)

	st = e.UpdateBreaker(day.Add(time.Hour), 98000) // -2%
	assert.False(t, st.Tripped)

	st = e.UpdateBreaker(day.Add(2*time.Hour), 96900) // -3.1%
	assert.True(t, st.Tripped)

	// Recovery within the day does not untrip.
	st = e.UpdateBreaker(day.Add(3*time.Hour), 99500)
	assert.True(t, st.Tripped)

	assert.False(t, e.CheckBreaker(false).Allowed)
	assert.True(t, e.CheckBreaker(true).Allowed, "defensive symbols are exempt")
}

func TestBreakerResetsOnNewDay(t *testing.T) {
	e := newTestEngine(tradelog.NewMemoryStore(), nil)
	day1 := time.Date(2025, 6, 2, 9, 40, 0, 0, time.UTC)

	e.UpdateBreaker(day1, 100000)
	st := e.UpdateBreaker(day1.Add(time.Hour), 95000)
	assert.True(t, st.Tripped)

	st = e.UpdateBreaker(day1.AddDate(0, 0, 1), 95000)
	assert.False(t, st.Tripped, "first evaluation of a new day resets the breaker")
	assert.Equal(t, 95000.0, st.StartingEquity)
	assert.True(t, e.CheckBreaker(false).Allowed)
}
