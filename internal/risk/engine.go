package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmallard/swingbot/internal/config"
	"github.com/jmallard/swingbot/internal/observ"
	"github.com/jmallard/swingbot/internal/tradelog"
)

// Result is a single guard verdict. Reason is human readable and lands in
// the cycle's reasoning log.
type Result struct {
	Allowed bool
	Reason  string
}

func allow(format string, args ...any) Result {
	return Result{Allowed: true, Reason: fmt.Sprintf(format, args...)}
}

func block(format string, args ...any) Result {
	return Result{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Engine evaluates every risk guard against the trade log plus the daily
// drawdown circuit breaker. Guard checks are pure reads; the only mutable
// state is the breaker, which resets at the first evaluation of each
// calendar day.
type Engine struct {
	store   tradelog.Store
	limits  config.Limits
	sectors map[string]string

	mu      sync.Mutex
	breaker BreakerState
}

// BreakerState is the daily drawdown circuit breaker.
type BreakerState struct {
	Day            string  `json:"day"` // exchange-local calendar day
	StartingEquity float64 `json:"starting_equity"`
	Tripped        bool    `json:"tripped"`
}

func NewEngine(store tradelog.Store, limits config.Limits, sectors map[string]string) *Engine {
	return &Engine{store: store, limits: limits, sectors: sectors}
}

// Reconfigure swaps in fresh limits and sector mappings. Called at the top
// of every cycle so config edits apply without a restart; breaker state
// survives a reconfigure.
func (e *Engine) Reconfigure(limits config.Limits, sectors map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = limits
	e.sectors = sectors
}

// UpdateBreaker rolls the breaker to a new day when needed, then trips it if
// intraday equity has fallen past the daily drawdown limit. Once tripped it
// stays tripped for the rest of the day, even if equity recovers.
func (e *Engine) UpdateBreaker(now time.Time, equity float64) BreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()

	day := now.Format("2006-01-02")
	if e.breaker.Day != day {
		e.breaker = BreakerState{Day: day, StartingEquity: equity}
	}
	if !e.breaker.Tripped && e.breaker.StartingEquity > 0 {
		drop := (e.breaker.StartingEquity - equity) / e.breaker.StartingEquity * 100
		observ.SetGauge("daily_drawdown_pct", drop, nil)
		if drop >= e.limits.DailyDrawdownPct {
			e.breaker.Tripped = true
			observ.IncCounter("drawdown_breaker_trips_total", nil)
		}
	}
	return e.breaker
}

// Breaker returns the current breaker state without updating it.
func (e *Engine) Breaker() BreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker
}

// CheckBreaker gates a non-defensive buy on the breaker. Defensive symbols
// are exempt: they are the instruments bought into a falling market.
func (e *Engine) CheckBreaker(defensive bool) Result {
	e.mu.Lock()
	tripped := e.breaker.Tripped
	e.mu.Unlock()

	if !tripped {
		return allow("drawdown breaker clear")
	}
	if defensive {
		return allow("drawdown breaker tripped but symbol is defensive")
	}
	return block("daily drawdown breaker tripped: no new buys today")
}
