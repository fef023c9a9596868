package market

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmallard/swingbot/internal/config"
	"github.com/jmallard/swingbot/internal/quotes"
)

func testAnalyzer() *Analyzer {
	cfg := config.Root{}
	cfg.ApplyDefaults()
	return NewAnalyzer(cfg.Direction)
}

// flatThenSlope builds 1-minute bars: flat bars at base, then slope per
// minute for the remaining bars. High/Low track the close.
func flatThenSlope(flat int, base float64, rising int, slope float64) []quotes.Bar {
	bars := make([]quotes.Bar, 0, flat+rising)
	price := base
	for i := 0; i < flat; i++ {
		bars = append(bars, quotes.Bar{Close: price, High: price, Low: price})
	}
	for i := 0; i < rising; i++ {
		price += slope
		bars = append(bars, quotes.Bar{Close: price, High: price, Low: price})
	}
	return bars
}

func TestHardBlockBelowThreshold(t *testing.T) {
	a := testAnalyzer()

	// Strong intraday recovery must not matter once the daily change is
	// below the hard cutoff.
	bars := flatThenSlope(41, 99.5, 20, 0.05)
	v := a.Evaluate(-0.5, bars, 60)
	assert.False(t, v.Allow)
	assert.Contains(t, v.Reason, "hard block")
}

func TestRecoveryBandAllows(t *testing.T) {
	a := testAnalyzer()

	bars := flatThenSlope(41, 99.5, 20, 0.05)
	v := a.Evaluate(-0.1, bars, 60)
	assert.True(t, v.Allow, "reason: %s", v.Reason)
	assert.Greater(t, v.WeightedAvg, 0.15)
	assert.Greater(t, v.RangePosition, 0.6)
}

func TestRecoveryBandBlocksWeakRecovery(t *testing.T) {
	a := testAnalyzer()

	// Mildly negative day drifting sideways: no positive short momentum.
	bars := flatThenSlope(61, 100.0, 0, 0)
	v := a.Evaluate(-0.2, bars, 60)
	assert.False(t, v.Allow)
}

func TestGreenDayAllows(t *testing.T) {
	a := testAnalyzer()

	bars := flatThenSlope(30, 100.0, 0, 0)
	v := a.Evaluate(0.4, bars, 30)
	assert.True(t, v.Allow)
}

func TestGreenButRollingOverBlocks(t *testing.T) {
	a := testAnalyzer()

	bars := flatThenSlope(30, 100.0, 15, -0.05)
	v := a.Evaluate(0.4, bars, 45)
	assert.False(t, v.Allow)
	assert.Contains(t, v.Reason, "rolling over")
}

func TestFailSafeDefaults(t *testing.T) {
	a := testAnalyzer()

	cases := []struct {
		name    string
		daily   float64
		bars    []quotes.Bar
		elapsed float64
	}{
		{"no_bars", 0.5, nil, 30},
		{"under_five_minutes", 0.5, flatThenSlope(3, 100, 0, 0), 3},
		{"negative_daily_early_session", -0.1, flatThenSlope(10, 100, 0, 0), 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := a.Evaluate(tc.daily, tc.bars, tc.elapsed)
			assert.False(t, v.Allow)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestExactlyAtCutoffUsesRecoveryBand(t *testing.T) {
	a := testAnalyzer()

	// -0.30% exactly is the edge of the recovery band, not the hard block.
	bars := flatThenSlope(41, 99.5, 20, 0.05)
	v := a.Evaluate(-0.3, bars, 60)
	assert.True(t, v.Allow, "reason: %s", v.Reason)
}
