package signal

import (
	"fmt"

	"github.com/jmallard/swingbot/internal/broker"
	"github.com/jmallard/swingbot/internal/config"
)

type MACDTrend string

const (
	MACDBullish MACDTrend = "bullish"
	MACDBearish MACDTrend = "bearish"
	MACDNeutral MACDTrend = "neutral"
)

// Ticker is the per-symbol input produced by the scoring engine each cycle.
// Immutable within a cycle.
type Ticker struct {
	Symbol       string
	Score        float64 // 0..10
	Price        float64
	ChangePct    float64
	MACD         MACDTrend
	VolumeStatus string
}

type Action string

const (
	ActionBuy         Action = "BUY"
	ActionExtremeBuy  Action = "EXTREME_BUY"
	ActionSell        Action = "SELL"
	ActionExtremeSell Action = "EXTREME_SELL"
	ActionHold        Action = "HOLD"
)

type BuyDecision struct {
	Action  Action
	Signals []string
}

type SellDecision struct {
	Action            Action
	TechnicalOverride bool
	PLPercent         float64
	Reason            string
}

// Evaluator maps scores plus position P/L into trade actions.
type Evaluator struct {
	cfg config.Thresholds
}

func NewEvaluator(cfg config.Thresholds) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// EvaluateBuy decides whether ticker warrants a new position. spyPositive
// selects the lower threshold; positions feed momentum protection: no new
// risk while an existing winner is being defended.
func (e *Evaluator) EvaluateBuy(t Ticker, spyPositive bool, positions []broker.Position) BuyDecision {
	threshold := e.cfg.Buy
	if spyPositive {
		threshold = e.cfg.BuySpyPositive
	}

	if t.Score >= e.cfg.ExtremeBuy {
		return BuyDecision{
			Action:  ActionExtremeBuy,
			Signals: []string{fmt.Sprintf("score %.1f at or above extreme threshold %.1f", t.Score, e.cfg.ExtremeBuy)},
		}
	}

	if t.Score < threshold {
		return BuyDecision{
			Action:  ActionHold,
			Signals: []string{fmt.Sprintf("score %.1f below threshold %.1f", t.Score, threshold)},
		}
	}

	for _, p := range positions {
		if p.UnrealizedPLPct >= e.cfg.ProtectedPositionPct {
			return BuyDecision{
				Action: ActionHold,
				Signals: []string{fmt.Sprintf("momentum protection: %s up %.1f%%, not opening new risk",
					p.Symbol, p.UnrealizedPLPct)},
			}
		}
	}

	if t.MACD == MACDBearish {
		return BuyDecision{
			Action:  ActionHold,
			Signals: []string{"bearish MACD at entry"},
		}
	}

	return BuyDecision{
		Action:  ActionBuy,
		Signals: []string{fmt.Sprintf("score %.1f at or above threshold %.1f", t.Score, threshold)},
	}
}

// EvaluateSell decides whether to exit position. Deteriorating technicals
// outrank profit protection; plain sell signals do not.
func (e *Evaluator) EvaluateSell(t Ticker, pos broker.Position) SellDecision {
	pl := pos.UnrealizedPLPct
	protected := pl >= e.cfg.ProtectedPositionPct

	if t.Score <= e.cfg.ExtremeSell {
		return SellDecision{
			Action:    ActionExtremeSell,
			PLPercent: pl,
			Reason:    fmt.Sprintf("score %.1f at or below extreme sell %.1f", t.Score, e.cfg.ExtremeSell),
		}
	}

	if t.Score <= e.cfg.TechnicalOverride && protected {
		return SellDecision{
			Action:            ActionSell,
			TechnicalOverride: true,
			PLPercent:         pl,
			Reason:            fmt.Sprintf("technical override: score %.1f with position up %.1f%%", t.Score, pl),
		}
	}

	if t.Score <= e.cfg.Sell {
		if protected {
			return SellDecision{
				Action:    ActionHold,
				PLPercent: pl,
				Reason:    fmt.Sprintf("momentum protection: holding %.1f%% winner despite score %.1f", pl, t.Score),
			}
		}
		return SellDecision{
			Action:    ActionSell,
			PLPercent: pl,
			Reason:    fmt.Sprintf("score %.1f at or below sell threshold %.1f", t.Score, e.cfg.Sell),
		}
	}

	return SellDecision{Action: ActionHold, PLPercent: pl, Reason: "no sell signal"}
}
