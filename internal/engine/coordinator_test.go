package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmallard/swingbot/internal/broker"
	"github.com/jmallard/swingbot/internal/clock"
	"github.com/jmallard/swingbot/internal/config"
	"github.com/jmallard/swingbot/internal/orderqueue"
	"github.com/jmallard/swingbot/internal/quotes"
	"github.com/jmallard/swingbot/internal/risk"
	"github.com/jmallard/swingbot/internal/signal"
	"github.com/jmallard/swingbot/internal/tradelog"
)

func mustET(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return ts
}

type fakeBroker struct {
	acct      broker.Account
	positions []broker.Position
	acctErr   error
	posErr    error
	orderErr  error
	orders    []broker.Order
}

func (b *fakeBroker) FetchAccount(context.Context) (broker.Account, error) {
	return b.acct, b.acctErr
}

func (b *fakeBroker) FetchPositions(context.Context) ([]broker.Position, error) {
	return b.positions, b.posErr
}

func (b *fakeBroker) PlaceOrder(_ context.Context, o broker.Order) (broker.OrderResult, error) {
	if b.orderErr != nil {
		return broker.OrderResult{}, b.orderErr
	}
	b.orders = append(b.orders, o)
	return broker.OrderResult{ID: "ord-1", Status: "accepted"}, nil
}

type stubScores struct {
	tickers []signal.Ticker
	err     error
}

func (s *stubScores) Tickers(context.Context) ([]signal.Ticker, error) {
	return s.tickers, s.err
}

type stubTrailing struct {
	exit bool
	why  string
}

func (s stubTrailing) ShouldExit(context.Context, broker.Position) (bool, string) {
	return s.exit, s.why
}

// risingBars builds a gently climbing 1-minute series so the direction
// analyzer reads positive momentum on every timeframe it can reach.
func risingBars(n int) []quotes.Bar {
	bars := make([]quotes.Bar, n)
	base := time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)
	for i := range bars {
		c := 100 + float64(i)*0.05
		bars[i] = quotes.Bar{Timestamp: base.Add(time.Duration(i) * time.Minute), Close: c, High: c + 0.02, Low: c - 0.02, Volume: 1000}
	}
	return bars
}

func testConfig() config.Root {
	var cfg config.Root
	cfg.ApplyDefaults()
	cfg.Sectors = map[string]string{"NVDA": "semis", "AMD": "semis", "COST": "retail"}
	cfg.Blacklist = []string{"BADCO"}
	cfg.DefensiveSymbols = []string{"SH"}
	return cfg
}

type fixture struct {
	cfg    config.Root
	broker *fakeBroker
	store  *tradelog.MemoryStore
	queue  *orderqueue.Queue
	risk   *risk.Engine
	quotes *quotes.MockProvider
	scores *stubScores
	coord  *Coordinator
}

func newFixture(t *testing.T, cfg config.Root, brk *fakeBroker, tickers []signal.Ticker) *fixture {
	t.Helper()
	mc, err := clock.New(cfg.ExchangeTimezone)
	require.NoError(t, err)

	store := tradelog.NewMemoryStore()
	eng := risk.NewEngine(store, cfg.Limits, cfg.Sectors)
	q := orderqueue.New(time.Duration(cfg.Queue.DelayMinutes)*time.Minute, cfg.IsDefensive)
	mp := quotes.NewMockProvider()
	mp.Bars[cfg.BenchmarkSymbol] = risingBars(120)
	scores := &stubScores{tickers: tickers}

	f := &fixture{cfg: cfg, broker: brk, store: store, queue: q, risk: eng, quotes: mp, scores: scores}
	f.coord = New(Deps{
		Config: func() (config.Root, error) { return f.cfg, nil },
		Clock:  mc,
		Quotes: mp,
		Broker: brk,
		Risk:   eng,
		Queue:  q,
		Store:  store,
		Scores: scores,
	})
	return f
}

func hasReason(res *CycleResult, substr string) bool {
	for _, r := range res.Reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func spy(changePct float64) signal.Ticker {
	return signal.Ticker{Symbol: "SPY", Score: 5.0, Price: 500, ChangePct: changePct}
}

func TestClosedMarketPlacesNoOrders(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "NVDA", Score: 9.5, Price: 120, MACD: signal.MACDBullish},
	})

	saturday := mustET(t, "2026-03-07 11:00")
	res, err := f.coord.RunCycle(context.Background(), saturday, CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, res.Phase)
	assert.Empty(t, brk.orders)
	assert.Empty(t, f.queue.Pending())
}

func TestStrongBuyIsQueuedNotPlaced(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "NVDA", Score: 8.5, Price: 120, MACD: signal.MACDBullish},
	})

	res, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA"}, res.Queued)
	assert.Empty(t, brk.orders, "buys wait out the confirmation delay")
	require.Len(t, f.queue.Pending(), 1)
}

func TestQueuedBuyExecutesAfterDelay(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{spy(0.5)})

	queuedAt := mustET(t, "2026-03-03 11:00")
	snap, err := f.coord.direction(context.Background(), map[string]signal.Ticker{"SPY": spy(0.5)}, queuedAt)
	require.NoError(t, err)
	require.NoError(t, f.queue.Queue("NVDA", 120, "score above threshold", snap, queuedAt))

	res, err := f.coord.RunCycle(context.Background(), queuedAt.Add(6*time.Minute), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA"}, res.Bought)
	require.Len(t, brk.orders, 1)
	assert.Equal(t, "buy", brk.orders[0].Side)
	assert.Equal(t, "NVDA", brk.orders[0].Symbol)
	// equity 100000 * 30% cap / 120 = 250 shares
	assert.Equal(t, 250.0, brk.orders[0].Quantity)
	assert.Empty(t, f.queue.Pending())

	recs, err := f.store.BySymbol("NVDA")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, tradelog.Buy, recs[0].Side)
}

func TestQueuedBuyCanceledWhenDirectionFlips(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{spy(-0.6)})

	queuedAt := mustET(t, "2026-03-03 11:00")
	snap := f.coord.analyzer.Evaluate(0.5, risingBars(120), 90)
	require.True(t, snap.Allow)
	require.NoError(t, f.queue.Queue("NVDA", 120, "score above threshold", snap, queuedAt))

	res, err := f.coord.RunCycle(context.Background(), queuedAt.Add(6*time.Minute), CycleOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Bought)
	assert.Empty(t, brk.orders)
	assert.Empty(t, f.queue.Pending(), "canceled item is consumed")
	assert.True(t, hasReason(res, "canceled"), "reasons: %v", res.Reasons)
}

func TestPositionCapBlocksAdditionalBuys(t *testing.T) {
	held := []broker.Position{
		{Symbol: "AAPL", Quantity: 10, UnrealizedPLPct: 2},
		{Symbol: "COST", Quantity: 10, UnrealizedPLPct: 1},
		{Symbol: "MSFT", Quantity: 10, UnrealizedPLPct: -1},
	}
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}, positions: held}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "AAPL", Score: 6.0},
		{Symbol: "COST", Score: 6.0},
		{Symbol: "MSFT", Score: 6.0},
		{Symbol: "NVDA", Score: 9.5, Price: 120, MACD: signal.MACDBullish},
	})

	res, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Queued)
	assert.Empty(t, brk.orders)
	assert.True(t, hasReason(res, "position cap reached"), "reasons: %v", res.Reasons)
}

func TestSellOnLowScoreRecordsRealizedPL(t *testing.T) {
	brk := &fakeBroker{
		acct:      broker.Account{Equity: 100000, BuyingPower: 100000},
		positions: []broker.Position{{Symbol: "AMD", Quantity: 50, UnrealizedPLPct: 10}},
	}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(-0.6), // blocks buys, sells still run
		{Symbol: "AMD", Score: 1.0, Price: 110},
	})

	now := mustET(t, "2026-03-03 11:00")
	buy := tradelog.NewRecord("AMD", tradelog.Buy, 50, 100, "scored entry", "paper", now.AddDate(0, 0, -10))
	require.NoError(t, f.store.Append(buy))

	res, err := f.coord.RunCycle(context.Background(), now, CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"AMD"}, res.Sold)
	require.Len(t, brk.orders, 1)
	assert.Equal(t, "sell", brk.orders[0].Side)

	recs, err := f.store.BySymbol("AMD")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	sell := recs[1]
	assert.Equal(t, tradelog.Sell, sell.Side)
	assert.Equal(t, 100.0, sell.BuyPrice)
	require.NotNil(t, sell.RealizedPL)
	assert.InDelta(t, 10.0, *sell.RealizedPL, 0.001)
}

func TestHoldPeriodBlocksEarlyPlainSell(t *testing.T) {
	brk := &fakeBroker{
		acct:      broker.Account{Equity: 100000, BuyingPower: 100000},
		positions: []broker.Position{{Symbol: "AMD", Quantity: 50, UnrealizedPLPct: -2}},
	}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "AMD", Score: 3.5, Price: 98},
	})

	now := mustET(t, "2026-03-03 11:00")
	buy := tradelog.NewRecord("AMD", tradelog.Buy, 50, 100, "scored entry", "paper", now.Add(-24*time.Hour))
	require.NoError(t, f.store.Append(buy))

	res, err := f.coord.RunCycle(context.Background(), now, CycleOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Sold)
	assert.Empty(t, brk.orders)
	assert.True(t, hasReason(res, "sell blocked"), "reasons: %v", res.Reasons)
}

func TestExtremeSellBypassesHoldPeriod(t *testing.T) {
	brk := &fakeBroker{
		acct:      broker.Account{Equity: 100000, BuyingPower: 100000},
		positions: []broker.Position{{Symbol: "AMD", Quantity: 50, UnrealizedPLPct: -5}},
	}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "AMD", Score: 1.0, Price: 95},
	})

	now := mustET(t, "2026-03-03 11:00")
	buy := tradelog.NewRecord("AMD", tradelog.Buy, 50, 100, "scored entry", "paper", now.Add(-24*time.Hour))
	require.NoError(t, f.store.Append(buy))

	res, err := f.coord.RunCycle(context.Background(), now, CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"AMD"}, res.Sold)
	require.Len(t, brk.orders, 1)
	assert.Equal(t, "sell", brk.orders[0].Side)
}

func TestTrailingStopSellsInsideHoldPeriod(t *testing.T) {
	brk := &fakeBroker{
		acct:      broker.Account{Equity: 100000, BuyingPower: 100000},
		positions: []broker.Position{{Symbol: "AMD", Quantity: 50, UnrealizedPLPct: 4}},
	}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "AMD", Score: 6.0, Price: 104}, // no sell signal at all
	})
	f.coord.deps.Trailing = stubTrailing{exit: true, why: "gave back 4% from peak"}

	now := mustET(t, "2026-03-03 11:00")
	buy := tradelog.NewRecord("AMD", tradelog.Buy, 50, 100, "scored entry", "paper", now.Add(-24*time.Hour))
	require.NoError(t, f.store.Append(buy))

	res, err := f.coord.RunCycle(context.Background(), now, CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"AMD"}, res.Sold)
	require.Len(t, brk.orders, 1)

	recs, err := f.store.BySymbol("AMD")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Contains(t, recs[1].Reason, "trailing stop")
}

func TestProtectedWinnerHoldsThroughPlainSell(t *testing.T) {
	brk := &fakeBroker{
		acct:      broker.Account{Equity: 100000, BuyingPower: 100000},
		positions: []broker.Position{{Symbol: "AMD", Quantity: 50, UnrealizedPLPct: 12}},
	}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "AMD", Score: 3.5, Price: 112},
	})

	now := mustET(t, "2026-03-03 11:00")
	buy := tradelog.NewRecord("AMD", tradelog.Buy, 50, 100, "scored entry", "paper", now.AddDate(0, 0, -10))
	require.NoError(t, f.store.Append(buy))

	res, err := f.coord.RunCycle(context.Background(), now, CycleOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Sold)
	assert.Empty(t, brk.orders)
	assert.True(t, hasReason(res, "momentum protection"), "reasons: %v", res.Reasons)
}

func TestAccountFetchFailureAbortsCycle(t *testing.T) {
	brk := &fakeBroker{acctErr: broker.ErrUnavailable}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "NVDA", Score: 9.5, Price: 120, MACD: signal.MACDBullish},
	})

	_, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.Empty(t, brk.orders)
}

func TestImmediateOverridePlacesBuyDirectly(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "NVDA", Score: 8.5, Price: 120, MACD: signal.MACDBullish},
	})

	res, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{ImmediateBuys: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA"}, res.Bought)
	assert.Empty(t, res.Queued)
	require.Len(t, brk.orders, 1)
}

func TestConfigChangesApplyNextCycle(t *testing.T) {
	strict := testConfig()
	strict.Thresholds.Buy = 8.9
	strict.Thresholds.BuySpyPositive = 8.9

	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, strict, brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "NVDA", Score: 8.5, Price: 120, MACD: signal.MACDBullish},
	})

	res, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Queued, "8.5 is below the 8.9 threshold")

	// Loosen the threshold between cycles; no rebuild, no restart.
	f.cfg = testConfig()

	res, err = f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:10"), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA"}, res.Queued)
}

func TestConfigSourceFailureAbortsCycle(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{spy(0.5)})

	reloaded := testConfig()
	reloaded.TradingMode = "dry-run"
	f.cfg = reloaded

	_, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration invalid")
	assert.Empty(t, brk.orders)
}

func TestDrawdownBreakerBlocksNonDefensiveBuys(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{spy(0.5)})

	_, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 10:00"), CycleOptions{})
	require.NoError(t, err)

	brk.acct.Equity = 96500 // down 3.5% intraday
	f.scores.tickers = []signal.Ticker{
		spy(0.5),
		{Symbol: "NVDA", Score: 8.5, Price: 120, MACD: signal.MACDBullish},
		{Symbol: "SH", Score: 8.5, Price: 30, MACD: signal.MACDBullish},
	}

	res, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{})
	require.NoError(t, err)
	assert.True(t, hasReason(res, "drawdown breaker"), "reasons: %v", res.Reasons)
	assert.NotContains(t, res.Queued, "NVDA")
	assert.Contains(t, res.Queued, "SH", "defensive symbols are exempt from the breaker")
}

func TestSectorCorrelationBlocksSecondSemiconductor(t *testing.T) {
	brk := &fakeBroker{
		acct:      broker.Account{Equity: 100000, BuyingPower: 100000},
		positions: []broker.Position{{Symbol: "AMD", Quantity: 50, UnrealizedPLPct: 2}},
	}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "AMD", Score: 6.0, Price: 102},
		{Symbol: "NVDA", Score: 8.5, Price: 120, MACD: signal.MACDBullish},
	})

	res, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Queued)
	assert.True(t, hasReason(res, "sector"), "reasons: %v", res.Reasons)
}

func TestExtremeBuyStillBlockedByWashSale(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "NVDA", Score: 9.5, Price: 120, MACD: signal.MACDBullish},
	})

	now := mustET(t, "2026-03-03 11:00")
	lossPL := -7.5
	sell := tradelog.NewRecord("NVDA", tradelog.Sell, 10, 111, "score below sell threshold", "paper", now.AddDate(0, 0, -5))
	sell.BuyPrice = 120
	sell.RealizedPL = &lossPL
	require.NoError(t, f.store.Append(sell))

	res, err := f.coord.RunCycle(context.Background(), now, CycleOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Queued)
	assert.Empty(t, brk.orders)
	assert.True(t, hasReason(res, "sold at a loss"), "reasons: %v", res.Reasons)
}

func TestBlacklistedSymbolNeverConsidered(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 100000, BuyingPower: 100000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "BADCO", Score: 9.8, Price: 10, MACD: signal.MACDBullish},
	})

	res, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Queued)
	assert.True(t, hasReason(res, "blacklisted"), "reasons: %v", res.Reasons)
}

func TestPositionTooSmallSkipsLocally(t *testing.T) {
	brk := &fakeBroker{acct: broker.Account{Equity: 1000, BuyingPower: 1000}}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "NVDA", Score: 8.5, Price: 900, MACD: signal.MACDBullish},
	})

	// 1000 * 30% = 300 to deploy, under one share at 900.
	res, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{ImmediateBuys: true})
	require.NoError(t, err)
	assert.Empty(t, res.Bought)
	assert.Empty(t, brk.orders)
	assert.True(t, hasReason(res, "position too small"), "reasons: %v", res.Reasons)
}

func TestBrokerageRejectionReportedVerbatimNoRetry(t *testing.T) {
	brk := &fakeBroker{
		acct:     broker.Account{Equity: 100000, BuyingPower: 100000},
		orderErr: assert.AnError,
	}
	f := newFixture(t, testConfig(), brk, []signal.Ticker{
		spy(0.5),
		{Symbol: "NVDA", Score: 8.5, Price: 120, MACD: signal.MACDBullish},
	})

	res, err := f.coord.RunCycle(context.Background(), mustET(t, "2026-03-03 11:00"), CycleOptions{ImmediateBuys: true})
	require.NoError(t, err, "a rejection is a per-order outcome, not a cycle failure")
	assert.Empty(t, res.Bought)
	assert.True(t, hasReason(res, assert.AnError.Error()), "reasons: %v", res.Reasons)
}
