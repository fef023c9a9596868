package risk

import (
	"time"

	"github.com/jmallard/swingbot/internal/broker"
	"github.com/jmallard/swingbot/internal/observ"
	"github.com/jmallard/swingbot/internal/tradelog"
)

// The five guards plus the per-symbol trade cooldown. Each is a pure
// function over the trade log returning an allow/block verdict. Financial
// guards fail closed on any trade-log error; sector correlation is the one
// non-critical guard and fails open with a reason.

// HoldPeriod blocks sells before the minimum hold has elapsed. entry is the
// position's known entry time; when zero the most recent buy record is used
// instead. Extreme sells and trailing-stop exits bypass the guard.
func (e *Engine) HoldPeriod(symbol string, entry, now time.Time, isExtreme, isTrailingStop bool) Result {
	if isExtreme {
		return allow("hold period bypassed: extreme signal")
	}
	if isTrailingStop {
		return allow("hold period bypassed: trailing stop")
	}

	if entry.IsZero() {
		recs, err := e.store.BySymbol(symbol)
		if err != nil {
			return e.failClosed("hold_period", err)
		}
		buy := tradelog.LastBuy(recs)
		if buy == nil {
			// Position predates the trade log; nothing to measure against.
			return allow("no buy record for %s", symbol)
		}
		entry = buy.Timestamp
	}

	minHold := time.Duration(e.limits.MinHoldPeriodDays) * 24 * time.Hour
	held := now.Sub(entry)
	if held < minHold {
		observ.IncCounter("guard_blocks_total", map[string]string{"guard": "hold_period"})
		return block("%s held %.0fh of %.0fh minimum", symbol, held.Hours(), minHold.Hours())
	}
	return allow("%s held %.0fh, past minimum", symbol, held.Hours())
}

// WashSale blocks repurchase of a symbol sold at a loss within the window.
func (e *Engine) WashSale(symbol string, now time.Time) Result {
	recs, err := e.store.BySymbol(symbol)
	if err != nil {
		return e.failClosed("wash_sale", err)
	}

	window := time.Duration(e.limits.WashSaleWindowDays) * 24 * time.Hour
	cutoff := now.Add(-window)
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.Side != tradelog.Sell || rec.Timestamp.Before(cutoff) {
			continue
		}
		if sellWasLoss(recs, rec) {
			until := rec.Timestamp.Add(window)
			observ.IncCounter("guard_blocks_total", map[string]string{"guard": "wash_sale"})
			return block("%s sold at a loss on %s, blocked until %s",
				symbol, rec.Timestamp.Format("2006-01-02"), until.Format("2006-01-02"))
		}
	}
	return allow("no recent loss sales for %s", symbol)
}

// RepeatLoser blocks a symbol with two or more consecutive losing
// round-trips in the trailing window.
func (e *Engine) RepeatLoser(symbol string, now time.Time) Result {
	recs, err := e.store.BySymbol(symbol)
	if err != nil {
		return e.failClosed("repeat_loser", err)
	}

	lookback := now.Add(-60 * 24 * time.Hour)
	streak := 0
	var lastLoss time.Time
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.Side != tradelog.Sell || rec.Timestamp.Before(lookback) {
			continue
		}
		if !sellWasLoss(recs, rec) {
			break // streak counting stops at the first win
		}
		streak++
		if lastLoss.IsZero() {
			lastLoss = rec.Timestamp
		}
	}

	if streak >= 2 {
		until := lastLoss.Add(time.Duration(e.limits.RepeatLoserCooldownDays) * 24 * time.Hour)
		if now.Before(until) {
			observ.IncCounter("guard_blocks_total", map[string]string{"guard": "repeat_loser"})
			return block("%s has %d consecutive losses, blocked until %s",
				symbol, streak, until.Format("2006-01-02"))
		}
	}
	return allow("no repeat-loser streak for %s", symbol)
}

// RotationFrequency blocks all new buys once the trailing week has seen too
// many sells. Sells themselves are never blocked by this guard.
func (e *Engine) RotationFrequency(now time.Time) Result {
	sells, err := e.store.SellsSince(now.Add(-7 * 24 * time.Hour))
	if err != nil {
		return e.failClosed("rotation_frequency", err)
	}
	if len(sells) >= e.limits.MaxRotationsPerWeek {
		observ.IncCounter("guard_blocks_total", map[string]string{"guard": "rotation_frequency"})
		return block("%d sells in trailing 7 days (max %d): rotation paused",
			len(sells), e.limits.MaxRotationsPerWeek)
	}
	return allow("%d sells in trailing 7 days", len(sells))
}

// SectorCorrelation enforces at most one open position per sector tag.
// Non-critical: an unmapped symbol is inconclusive and does not block.
func (e *Engine) SectorCorrelation(symbol string, held []broker.Position) Result {
	sector, ok := e.sectors[symbol]
	if !ok || sector == "" {
		return allow("no sector mapping for %s, check inconclusive", symbol)
	}
	for _, p := range held {
		if p.Symbol == symbol {
			continue
		}
		if e.sectors[p.Symbol] == sector {
			observ.IncCounter("guard_blocks_total", map[string]string{"guard": "sector_correlation"})
			return block("already holding %s in sector %q", p.Symbol, sector)
		}
	}
	return allow("no open position in sector %q", sector)
}

// TradeCooldown enforces the minimum gap between trades on one symbol.
func (e *Engine) TradeCooldown(symbol string, now time.Time) Result {
	recs, err := e.store.BySymbol(symbol)
	if err != nil {
		return e.failClosed("trade_cooldown", err)
	}
	if len(recs) == 0 {
		return allow("no prior trades for %s", symbol)
	}
	last := recs[len(recs)-1]
	gap := time.Duration(e.limits.CooldownMinutes) * time.Minute
	since := now.Sub(last.Timestamp)
	if since < gap {
		observ.IncCounter("guard_blocks_total", map[string]string{"guard": "trade_cooldown"})
		return block("%s traded %.0fm ago, cooldown is %dm", symbol, since.Minutes(), e.limits.CooldownMinutes)
	}
	return allow("%s last traded %.0fm ago", symbol, since.Minutes())
}

func (e *Engine) failClosed(guard string, err error) Result {
	observ.IncCounter("guard_errors_total", map[string]string{"guard": guard})
	return block("%s guard failed (%v): blocking", guard, err)
}

// sellWasLoss determines whether a sell record closed at a loss. Prefers the
// recorded realized P/L, then the paired buy price on the record, then the
// closest preceding buy. An unpairable sell is treated as a loss so the
// financial guards fail closed on malformed history.
func sellWasLoss(recs []tradelog.Record, sell tradelog.Record) bool {
	if sell.RealizedPL != nil {
		return *sell.RealizedPL < 0
	}
	if sell.BuyPrice > 0 {
		return sell.Price < sell.BuyPrice
	}
	if buy := tradelog.BuyBefore(recs, sell.Timestamp); buy != nil {
		return sell.Price < buy.Price
	}
	return true
}
