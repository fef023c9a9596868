package market

import (
	"fmt"
	"math"

	"github.com/jmallard/swingbot/internal/config"
	"github.com/jmallard/swingbot/internal/observ"
	"github.com/jmallard/swingbot/internal/quotes"
)

// Verdict is the benchmark direction read that gates all buys in a cycle.
type Verdict struct {
	Allow         bool    `json:"allow"`
	Reason        string  `json:"reason"`
	WeightedAvg   float64 `json:"weighted_avg"`   // percent
	RangePosition float64 `json:"range_position"` // 0..1 within session range
}

// timeframes checked in the recovery band, shortest weighted heaviest.
var timeframes = []struct {
	label   string
	minutes int
	weight  float64
}{
	{"5m", 5, 6},
	{"10m", 10, 5},
	{"15m", 15, 4},
	{"30m", 30, 3},
	{"1h", 60, 2},
	{"4h", 240, 1},
}

// Analyzer turns the benchmark's daily change and intraday bar series into
// an allow/block verdict for opening new non-defensive positions.
type Analyzer struct {
	cfg config.Direction
}

func NewAnalyzer(cfg config.Direction) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Evaluate applies the direction policy. dailyChangePct is the benchmark's
// percent change on the day; bars are 1-minute session bars; elapsedMinutes
// is time since the open. Missing data always blocks.
func (a *Analyzer) Evaluate(dailyChangePct float64, bars []quotes.Bar, elapsedMinutes float64) Verdict {
	v := a.evaluate(dailyChangePct, bars, elapsedMinutes)
	observ.IncCounter("direction_verdicts_total", map[string]string{"allow": fmt.Sprintf("%t", v.Allow)})
	return v
}

func (a *Analyzer) evaluate(dailyChangePct float64, bars []quotes.Bar, elapsedMinutes float64) Verdict {
	if len(bars) == 0 {
		return Verdict{Allow: false, Reason: "no intraday data"}
	}
	if elapsedMinutes < 5 {
		return Verdict{Allow: false, Reason: "under 5 minutes of session data"}
	}

	current := bars[len(bars)-1].Close
	chg5, ok5 := barChange(bars, 5)
	chg10, ok10 := barChange(bars, 10)

	if dailyChangePct >= 0 {
		// Green day, but block if the last 5 and 10 minutes are both rolling over.
		if ok5 && ok10 && chg5 < a.cfg.RolloverPct && chg10 < a.cfg.RolloverPct {
			return Verdict{
				Allow:  false,
				Reason: fmt.Sprintf("benchmark green but rolling over (5m %.2f%%, 10m %.2f%%)", chg5, chg10),
			}
		}
		return Verdict{Allow: true, Reason: fmt.Sprintf("benchmark up %.2f%%", dailyChangePct)}
	}

	if dailyChangePct < a.cfg.HardBlockPct {
		return Verdict{
			Allow:  false,
			Reason: fmt.Sprintf("benchmark down %.2f%%, below %.2f%% hard block", dailyChangePct, a.cfg.HardBlockPct),
		}
	}

	// Recovery band: mildly negative day, require broad short-term strength.
	if elapsedMinutes < 15 {
		return Verdict{Allow: false, Reason: "benchmark negative with under 15 minutes of session data"}
	}

	var weightedSum, weightTotal float64
	available, positive := 0, 0
	for _, tf := range timeframes {
		if float64(tf.minutes) > elapsedMinutes {
			continue
		}
		chg, ok := barChange(bars, tf.minutes)
		if !ok {
			continue
		}
		available++
		if chg > 0 {
			positive++
		}
		weightedSum += chg * tf.weight
		weightTotal += tf.weight
	}
	if weightTotal == 0 {
		return Verdict{Allow: false, Reason: "insufficient bar history for timeframe analysis"}
	}
	weightedAvg := weightedSum / weightTotal

	low, high := sessionRange(bars)
	rangePos := 0.0
	if high > low {
		rangePos = (current - low) / (high - low)
	}

	v := Verdict{WeightedAvg: weightedAvg, RangePosition: rangePos}
	posFrac := float64(positive) / float64(available)

	switch {
	case weightedAvg <= a.cfg.WeightedAvgMinPct:
		v.Reason = fmt.Sprintf("weighted recovery %.2f%% below %.2f%% floor", weightedAvg, a.cfg.WeightedAvgMinPct)
	case !ok5 || chg5 <= 0:
		v.Reason = "5m momentum not positive"
	case !ok10 || chg10 <= 0:
		v.Reason = "10m momentum not positive"
	case posFrac < 0.7:
		v.Reason = fmt.Sprintf("only %d/%d timeframes positive", positive, available)
	case rangePos <= a.cfg.RangePositionMin:
		v.Reason = fmt.Sprintf("range position %.2f below %.2f", rangePos, a.cfg.RangePositionMin)
	default:
		v.Allow = true
		v.Reason = fmt.Sprintf("recovering: weighted %.2f%%, range position %.2f", weightedAvg, rangePos)
	}
	return v
}

// barChange returns the percent change from the close minutesBack bars ago
// to the latest close. ok is false when the series is too short.
func barChange(bars []quotes.Bar, minutesBack int) (float64, bool) {
	idx := len(bars) - 1 - minutesBack
	if idx < 0 {
		return 0, false
	}
	prev := bars[idx].Close
	if prev == 0 {
		return 0, false
	}
	return (bars[len(bars)-1].Close - prev) / prev * 100, true
}

func sessionRange(bars []quotes.Bar) (low, high float64) {
	low = math.Inf(1)
	high = math.Inf(-1)
	for _, b := range bars {
		low = math.Min(low, b.Low)
		high = math.Max(high, b.High)
	}
	return low, high
}
