package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jmallard/swingbot/internal/broker"
	"github.com/jmallard/swingbot/internal/clock"
	"github.com/jmallard/swingbot/internal/config"
	"github.com/jmallard/swingbot/internal/market"
	"github.com/jmallard/swingbot/internal/observ"
	"github.com/jmallard/swingbot/internal/orderqueue"
	"github.com/jmallard/swingbot/internal/quotes"
	"github.com/jmallard/swingbot/internal/risk"
	"github.com/jmallard/swingbot/internal/signal"
	"github.com/jmallard/swingbot/internal/tradelog"
	"github.com/jmallard/swingbot/internal/window"
)

const maxBuyCandidates = 3

// ScoreSource supplies the per-ticker scores for a cycle. Produced by the
// external scoring engine.
type ScoreSource interface {
	Tickers(ctx context.Context) ([]signal.Ticker, error)
}

// TrailingStopChecker is the injected trailing-stop collaborator. A positive
// verdict sells immediately and bypasses the minimum hold period.
type TrailingStopChecker interface {
	ShouldExit(ctx context.Context, pos broker.Position) (bool, string)
}

type Phase string

const (
	PhaseClosed      Phase = "CLOSED"
	PhaseSell        Phase = "SELL_PHASE"
	PhaseObservation Phase = "OBSERVATION_PHASE"
	PhaseBuy         Phase = "BUY_PHASE"
	PhaseDone        Phase = "DONE"
)

// CycleOptions tweak a single cycle.
type CycleOptions struct {
	// ImmediateBuys skips the order queue's confirmation delay.
	ImmediateBuys bool
}

// CycleResult is the audit record of one evaluation cycle: what was traded
// and, for everything that was not, why.
type CycleResult struct {
	StartedAt time.Time
	Phase     Phase
	Direction market.Verdict
	Reasons   []string
	Sold      []string
	Bought    []string
	Queued    []string
}

func (r *CycleResult) addReason(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Reasons = append(r.Reasons, msg)
	observ.Logger().Debug().Str("phase", string(r.Phase)).Msg(msg)
}

// Deps are the injected collaborators. Everything stateful lives behind an
// interface or an explicit engine instance so cycles are isolated and
// testable. Config is a source, not a snapshot: it is read once at the top
// of every cycle so threshold and limit edits take effect between cycles
// without a restart.
type Deps struct {
	Config   func() (config.Root, error)
	Clock    *clock.MarketClock
	Quotes   quotes.Provider
	Broker   broker.Client
	Risk     *risk.Engine
	Queue    *orderqueue.Queue
	Window   *window.Sampler
	Store    tradelog.Store
	Scores   ScoreSource
	Trailing TrailingStopChecker // optional
}

// Coordinator runs the per-cycle state machine:
// CLOSED -> SELL_PHASE -> (OBSERVATION_PHASE | BUY_PHASE) -> DONE.
// No state persists across cycles except the injected guards and queues.
// RunCycle is not safe for concurrent use; the agent runs one loop.
type Coordinator struct {
	deps Deps

	// Per-cycle view, rebuilt from the config source each RunCycle.
	cfg      config.Root
	analyzer *market.Analyzer
	signals  *signal.Evaluator
}

func New(deps Deps) *Coordinator {
	return &Coordinator{deps: deps}
}

// positionCounter tracks the running position count within a cycle so held
// minus sold plus bought (or queued) never exceeds the cap.
type positionCounter struct {
	held, sold, bought, queued, cap int
}

func (p *positionCounter) canBuy() bool {
	return p.held-p.sold+p.bought+p.queued < p.cap
}

// RunCycle executes one full evaluation. ctx should outlive the cycle when
// the observation sampler is in use: the sampler keeps running on it between
// cycles.
func (c *Coordinator) RunCycle(ctx context.Context, now time.Time, opts CycleOptions) (*CycleResult, error) {
	started := time.Now()
	cfg, err := c.deps.Config()
	if err != nil {
		return nil, fmt.Errorf("configuration unavailable, cycle aborted: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid, cycle aborted: %w", err)
	}
	c.cfg = cfg
	c.analyzer = market.NewAnalyzer(cfg.Direction)
	c.signals = signal.NewEvaluator(cfg.Thresholds)
	c.deps.Risk.Reconfigure(cfg.Limits, cfg.Sectors)
	c.deps.Queue.SetDelay(time.Duration(cfg.Queue.DelayMinutes) * time.Minute)

	local := now.In(c.deps.Clock.Location())
	res := &CycleResult{StartedAt: local, Phase: PhaseClosed}

	if open, reason := c.deps.Clock.IsOpen(local); !open {
		res.addReason("market closed: %s", reason)
		return res, nil
	}

	acct, err := c.deps.Broker.FetchAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("cycle aborted, account unavailable: %w", err)
	}
	positions, err := c.deps.Broker.FetchPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("cycle aborted, positions unavailable: %w", err)
	}
	c.attachEntryTimes(positions)

	if st := c.deps.Risk.UpdateBreaker(local, acct.Equity); st.Tripped {
		res.addReason("daily drawdown breaker tripped: non-defensive buys halted")
	}

	tickers, err := c.deps.Scores.Tickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("cycle aborted, scores unavailable: %w", err)
	}
	bySymbol := make(map[string]signal.Ticker, len(tickers))
	for _, t := range tickers {
		bySymbol[t.Symbol] = t
	}

	held := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p
	}
	counts := &positionCounter{held: len(positions), cap: c.cfg.Limits.MaxTotalPositions}

	directionFn := func() (market.Verdict, error) {
		return c.direction(ctx, bySymbol, local)
	}

	// Drain queued buys before evaluating anything new this cycle.
	for _, o := range c.deps.Queue.ProcessDue(local, directionFn, func(pb orderqueue.PendingBuy) error {
		return c.executeBuy(ctx, res, local, pb.Symbol, pb.Price, pb.Reason, counts)
	}) {
		res.addReason("queued buy %s: %s", o.Item.Symbol, o.Reason)
	}

	verdict, dirErr := directionFn()
	if dirErr != nil {
		verdict = market.Verdict{Allow: false, Reason: "benchmark data unavailable"}
	}
	res.Direction = verdict
	res.addReason("market direction: %s", verdict.Reason)

	res.Phase = PhaseSell
	for _, pos := range positions {
		c.runSell(ctx, res, local, pos, bySymbol, counts)
	}

	elapsed := c.deps.Clock.MinutesSinceOpen(local)
	if window.InWindow(elapsed) {
		res.Phase = PhaseObservation
		c.runObservation(ctx, res, local, verdict, elapsed, held, counts)
	} else {
		if c.deps.Window != nil && c.deps.Window.Running() {
			c.deps.Window.Stop()
			res.addReason("observation window over: sampler stopped, buffers cleared")
		}
		res.Phase = PhaseBuy
		c.runBuys(ctx, res, local, verdict, tickers, bySymbol, held, positions, counts, opts)
	}

	res.Phase = PhaseDone
	observ.Observe("cycle_duration_seconds", time.Since(started).Seconds(), nil)
	observ.Log("cycle_complete", map[string]any{
		"sold":    res.Sold,
		"bought":  res.Bought,
		"queued":  res.Queued,
		"reasons": len(res.Reasons),
		"allow":   verdict.Allow,
	})
	return res, nil
}

// direction computes the benchmark verdict from the freshest data available.
// Called both for the cycle gate and per queued buy at execution time.
func (c *Coordinator) direction(ctx context.Context, bySymbol map[string]signal.Ticker, local time.Time) (market.Verdict, error) {
	bench, ok := bySymbol[c.cfg.BenchmarkSymbol]
	if !ok {
		return market.Verdict{}, fmt.Errorf("%w: no benchmark score", quotes.ErrUnavailable)
	}
	bars, err := c.deps.Quotes.IntradayBars(ctx, c.cfg.BenchmarkSymbol)
	if err != nil {
		return market.Verdict{}, err
	}
	return c.analyzer.Evaluate(bench.ChangePct, bars, c.deps.Clock.MinutesSinceOpen(local)), nil
}

func (c *Coordinator) runSell(ctx context.Context, res *CycleResult, local time.Time, pos broker.Position, bySymbol map[string]signal.Ticker, counts *positionCounter) {
	t, ok := bySymbol[pos.Symbol]
	if !ok {
		res.addReason("%s: no score this cycle, holding", pos.Symbol)
		return
	}

	if c.deps.Trailing != nil {
		if exit, why := c.deps.Trailing.ShouldExit(ctx, pos); exit {
			// Trailing stops bypass the hold period by contract.
			c.executeSell(ctx, res, local, pos, t.Price, "trailing stop: "+why)
			counts.sold++
			return
		}
	}

	dec := c.signals.EvaluateSell(t, pos)
	state := signal.StateOf(pos, c.cfg.Thresholds.ProtectedPositionPct)
	next, legal := signal.SellTransition(state, dec)
	if !legal {
		if dec.Action != signal.ActionHold || dec.Reason != "no sell signal" {
			res.addReason("%s: %s", pos.Symbol, dec.Reason)
		}
		return
	}

	hp := c.deps.Risk.HoldPeriod(pos.Symbol, pos.EntryTime, local, dec.Action == signal.ActionExtremeSell, false)
	if !hp.Allowed {
		res.addReason("%s: sell blocked, %s", pos.Symbol, hp.Reason)
		return
	}

	res.addReason("%s: %s -> %s", pos.Symbol, state, next)
	c.executeSell(ctx, res, local, pos, t.Price, dec.Reason)
	counts.sold++
}

func (c *Coordinator) executeSell(ctx context.Context, res *CycleResult, local time.Time, pos broker.Position, price float64, reason string) {
	order := broker.LimitDay(pos.Symbol, pos.Quantity, price, "sell")
	if _, err := c.deps.Broker.PlaceOrder(ctx, order); err != nil {
		res.addReason("%s: sell failed: %v", pos.Symbol, err)
		return
	}

	rec := tradelog.NewRecord(pos.Symbol, tradelog.Sell, pos.Quantity, price, reason, c.cfg.TradingMode, local)
	if recs, err := c.deps.Store.BySymbol(pos.Symbol); err == nil {
		if buy := tradelog.LastBuy(recs); buy != nil && buy.Price > 0 {
			rec.BuyPrice = buy.Price
			pl := (price - buy.Price) / buy.Price * 100
			rec.RealizedPL = &pl
		}
	}
	if err := c.deps.Store.Append(rec); err != nil {
		res.addReason("%s: sold but trade log append failed: %v", pos.Symbol, err)
	}
	res.Sold = append(res.Sold, pos.Symbol)
	res.addReason("%s: sold %g @ %.2f (%s)", pos.Symbol, pos.Quantity, price, reason)
	observ.IncCounter("trades_total", map[string]string{"side": "sell"})
}

func (c *Coordinator) runObservation(ctx context.Context, res *CycleResult, local time.Time, verdict market.Verdict, elapsed float64, held map[string]broker.Position, counts *positionCounter) {
	if c.deps.Window == nil {
		res.addReason("observation window active but no sampler configured")
		return
	}
	c.deps.Window.Start(ctx)

	if !verdict.Allow {
		res.addReason("observation buys blocked: %s", verdict.Reason)
		return
	}
	if rot := c.deps.Risk.RotationFrequency(local); !rot.Allowed {
		res.addReason("observation buys blocked: %s", rot.Reason)
		return
	}
	if !window.CanBuy(elapsed) {
		res.addReason("observation window: sampling only until minute %d", window.BuyEligibleMin)
		return
	}

	for _, o := range c.deps.Window.Evaluate(elapsed) {
		if !o.Buy {
			res.addReason("%s: observation declined, %s", o.Symbol, o.Reason)
			continue
		}
		if _, exists := held[o.Symbol]; exists {
			res.addReason("%s: observation trigger but already held", o.Symbol)
			continue
		}
		if blocked, why := c.buyGuards(o.Symbol, local, held); blocked {
			res.addReason("%s: observation buy blocked, %s", o.Symbol, why)
			continue
		}
		// The observation algorithm already waited out the open; no
		// confirmation delay on top.
		if err := c.executeBuy(ctx, res, local, o.Symbol, o.Price, "observation window: "+o.Reason, counts); err != nil {
			res.addReason("%s: observation buy skipped, %v", o.Symbol, err)
		}
	}
}

func (c *Coordinator) runBuys(ctx context.Context, res *CycleResult, local time.Time, verdict market.Verdict, tickers []signal.Ticker, bySymbol map[string]signal.Ticker, held map[string]broker.Position, positions []broker.Position, counts *positionCounter, opts CycleOptions) {
	if !verdict.Allow {
		res.addReason("buy phase skipped: %s", verdict.Reason)
		return
	}

	spyPositive := false
	if bench, ok := bySymbol[c.cfg.BenchmarkSymbol]; ok {
		spyPositive = bench.ChangePct >= 0
	}
	threshold := c.cfg.Thresholds.Buy
	if spyPositive {
		threshold = c.cfg.Thresholds.BuySpyPositive
	}

	ranked := make([]signal.Ticker, len(tickers))
	copy(ranked, tickers)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	candidates := 0
	for _, t := range ranked {
		if candidates >= maxBuyCandidates || t.Score < threshold {
			break
		}
		if t.Symbol == c.cfg.BenchmarkSymbol {
			continue
		}
		if _, exists := held[t.Symbol]; exists {
			continue
		}
		if c.cfg.IsBlacklisted(t.Symbol) {
			res.addReason("%s: blacklisted", t.Symbol)
			continue
		}
		candidates++

		dec := c.signals.EvaluateBuy(t, spyPositive, positions)
		if dec.Action == signal.ActionHold {
			res.addReason("%s: %s", t.Symbol, strings.Join(dec.Signals, "; "))
			continue
		}
		if blocked, why := c.buyGuards(t.Symbol, local, held); blocked {
			res.addReason("%s: buy blocked, %s", t.Symbol, why)
			continue
		}
		if !counts.canBuy() {
			res.addReason("%s: position cap reached (%d)", t.Symbol, counts.cap)
			continue
		}

		reason := fmt.Sprintf("%s: %s", dec.Action, strings.Join(dec.Signals, "; "))
		if opts.ImmediateBuys {
			if err := c.executeBuy(ctx, res, local, t.Symbol, t.Price, reason, counts); err != nil {
				res.addReason("%s: buy skipped, %v", t.Symbol, err)
			}
			continue
		}
		if err := c.deps.Queue.Queue(t.Symbol, t.Price, reason, verdict, local); err != nil {
			res.addReason("%s: not queued, %v", t.Symbol, err)
			continue
		}
		counts.queued++
		res.Queued = append(res.Queued, t.Symbol)
		res.addReason("%s: queued for confirmation delay (%s)", t.Symbol, reason)
	}
}

// buyGuards runs the pre-buy guard battery in order. Returns the first
// block. The hold-period guard is a sell guard and the rotation guard for
// the regular buy phase runs here too, after the breaker, per the fixed
// sequence.
func (c *Coordinator) buyGuards(symbol string, local time.Time, held map[string]broker.Position) (bool, string) {
	heldList := make([]broker.Position, 0, len(held))
	for _, p := range held {
		heldList = append(heldList, p)
	}

	if r := c.deps.Risk.WashSale(symbol, local); !r.Allowed {
		return true, r.Reason
	}
	if r := c.deps.Risk.RepeatLoser(symbol, local); !r.Allowed {
		return true, r.Reason
	}
	if r := c.deps.Risk.SectorCorrelation(symbol, heldList); !r.Allowed {
		return true, r.Reason
	}
	if r := c.deps.Risk.CheckBreaker(c.cfg.IsDefensive(symbol)); !r.Allowed {
		return true, r.Reason
	}
	if r := c.deps.Risk.RotationFrequency(local); !r.Allowed {
		return true, r.Reason
	}
	if r := c.deps.Risk.TradeCooldown(symbol, local); !r.Allowed {
		return true, r.Reason
	}
	return false, ""
}

// executeBuy sizes and places a buy order. Sizing failures are local skip
// reasons and never reach the brokerage.
func (c *Coordinator) executeBuy(ctx context.Context, res *CycleResult, local time.Time, symbol string, price float64, reason string, counts *positionCounter) error {
	if !counts.canBuy() {
		return fmt.Errorf("position cap reached (%d)", counts.cap)
	}
	if price <= 0 {
		return errors.New("no valid price")
	}

	acct, err := c.deps.Broker.FetchAccount(ctx)
	if err != nil {
		return err
	}
	qty := math.Floor(acct.Equity * c.cfg.Limits.MaxPositionPct / price)
	if qty < 1 {
		return errors.New("position too small")
	}
	if qty*price > acct.BuyingPower {
		return errors.New("insufficient funds")
	}

	if _, err := c.deps.Broker.PlaceOrder(ctx, broker.LimitDay(symbol, qty, price, "buy")); err != nil {
		return err
	}

	rec := tradelog.NewRecord(symbol, tradelog.Buy, qty, price, reason, c.cfg.TradingMode, local)
	if err := c.deps.Store.Append(rec); err != nil {
		res.addReason("%s: bought but trade log append failed: %v", symbol, err)
	}
	counts.bought++
	res.Bought = append(res.Bought, symbol)
	res.addReason("%s: bought %g @ %.2f (%s)", symbol, qty, price, reason)
	observ.IncCounter("trades_total", map[string]string{"side": "buy"})
	return nil
}

// attachEntryTimes fills position entry timestamps from the trade log so
// the hold-period guard can measure against them; the broker does not
// report entry times.
func (c *Coordinator) attachEntryTimes(positions []broker.Position) {
	for i := range positions {
		recs, err := c.deps.Store.BySymbol(positions[i].Symbol)
		if err != nil {
			continue
		}
		if buy := tradelog.LastBuy(recs); buy != nil {
			positions[i].EntryTime = buy.Timestamp
		}
	}
}
