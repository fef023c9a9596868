package window

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jmallard/swingbot/internal/observ"
)

// The observation window covers the first stretch after the open, when the
// tape is too noisy for threshold-only entries. Targets are sampled on a
// fixed interval and bought only when one of three microstructure triggers
// fires, instead of chasing the opening print.

const (
	StartMinute      = 5  // sampling begins
	EndMinute        = 20 // window closes
	BuyEligibleMin   = 15 // triggers may fire from here
	ClosingMinute    = 19 // last-chance near-low check
	shortMAWindow    = 6
	minSamples       = 3
	dipPct           = 1.5 // drop from first sample to low that arms the bounce trigger
	bouncePct        = 0.3 // recovery off the low that fires it
	nearLowPct       = 0.5 // closing trigger fires within this of the low
)

type Sample struct {
	Price float64
	At    time.Time
}

// Outcome is one evaluated symbol: either a triggered buy or an explicit
// decline at the end of the window.
type Outcome struct {
	Symbol string
	Price  float64
	Buy    bool
	Reason string
}

// Sampler is a background task with an explicit start/stop lifecycle. It
// samples target prices on a fixed interval into per-symbol buffers; trigger
// evaluation reads those buffers. Each symbol triggers at most once per day
// and is then removed from sampling. Stop clears every buffer so a stale
// session can never trigger the next one.
type Sampler struct {
	mu      sync.Mutex
	samples map[string][]Sample
	done    map[string]bool
	targets []string

	interval time.Duration
	price    func(ctx context.Context, symbol string) (float64, error)
	cancel   context.CancelFunc
	running  bool
	stopped  bool
}

func NewSampler(targets []string, interval time.Duration, price func(ctx context.Context, symbol string) (float64, error)) *Sampler {
	return &Sampler{
		samples:  make(map[string][]Sample),
		done:     make(map[string]bool),
		targets:  targets,
		interval: interval,
		price:    price,
	}
}

// Start launches the sampling loop. Idempotent while running.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.stopped = false
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts sampling and clears all buffers.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.stopped = true
	s.samples = make(map[string][]Sample)
	s.done = make(map[string]bool)
}

// Running reports whether the sampling loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sampler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sampleOnce(ctx, now)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context, now time.Time) {
	for _, symbol := range s.activeTargets() {
		price, err := s.price(ctx, symbol)
		if err != nil || price <= 0 {
			// Missed sample; the buffer just stays shorter.
			observ.IncCounter("observation_sample_misses_total", map[string]string{"symbol": symbol})
			continue
		}
		s.record(symbol, price, now)
	}
}

func (s *Sampler) activeTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.targets))
	for _, sym := range s.targets {
		if !s.done[sym] {
			out = append(out, sym)
		}
	}
	return out
}

func (s *Sampler) record(symbol string, price float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A fetch in flight during Stop must not repopulate a cleared buffer.
	if s.stopped {
		return
	}
	s.samples[symbol] = append(s.samples[symbol], Sample{Price: price, At: at})
}

// InWindow reports whether minutesSinceOpen falls inside the observation
// window.
func InWindow(minutesSinceOpen float64) bool {
	return minutesSinceOpen >= StartMinute && minutesSinceOpen < EndMinute
}

// CanBuy reports whether triggers may fire yet.
func CanBuy(minutesSinceOpen float64) bool {
	return minutesSinceOpen >= BuyEligibleMin
}

// Evaluate runs the trigger checks for every still-active target. Triggered
// symbols (and end-of-window declines) are marked done and removed from
// sampling.
func (s *Sampler) Evaluate(minutesSinceOpen float64) []Outcome {
	if !CanBuy(minutesSinceOpen) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var outcomes []Outcome
	for _, symbol := range s.targets {
		if s.done[symbol] {
			continue
		}
		buf := s.samples[symbol]
		if len(buf) < minSamples {
			continue
		}
		outcome, decided := evaluateBuffer(symbol, buf, minutesSinceOpen)
		if !decided {
			continue
		}
		s.done[symbol] = true
		delete(s.samples, symbol)
		if outcome.Buy {
			observ.IncCounter("observation_triggers_total", map[string]string{"symbol": symbol})
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// evaluateBuffer checks the three entry triggers in order. decided is false
// when no trigger applies yet and sampling should continue.
func evaluateBuffer(symbol string, buf []Sample, minutesSinceOpen float64) (Outcome, bool) {
	current := buf[len(buf)-1].Price
	low := lowOf(buf)

	if crossedOver(buf) {
		return Outcome{
			Symbol: symbol,
			Price:  current,
			Buy:    true,
			Reason: "short MA crossed above long MA",
		}, true
	}

	first := buf[0].Price
	dropPct := (first - low) / first * 100
	recoveryPct := 0.0
	if low > 0 {
		recoveryPct = (current - low) / low * 100
	}
	if dropPct >= dipPct && recoveryPct >= bouncePct {
		return Outcome{
			Symbol: symbol,
			Price:  current,
			Buy:    true,
			Reason: "bounced off an early dip",
		}, true
	}

	if minutesSinceOpen >= ClosingMinute {
		if low > 0 && (current-low)/low*100 <= nearLowPct {
			return Outcome{
				Symbol: symbol,
				Price:  current,
				Buy:    true,
				Reason: "window ending near session low",
			}, true
		}
		return Outcome{
			Symbol: symbol,
			Price:  current,
			Buy:    false,
			Reason: "window ending too far above the low",
		}, true
	}

	return Outcome{}, false
}

// crossedOver reports whether the short moving average crossed from at-or-
// below to above the long moving average between the previous and current
// sample.
func crossedOver(buf []Sample) bool {
	if len(buf) < minSamples {
		return false
	}
	prev := buf[:len(buf)-1]
	prevShort, prevLong := movingAverages(prev)
	curShort, curLong := movingAverages(buf)
	return prevShort <= prevLong && curShort > curLong
}

// movingAverages returns the short MA (trailing samples) and the long MA
// (the whole buffer).
func movingAverages(buf []Sample) (short, long float64) {
	n := len(buf)
	span := shortMAWindow
	if n < span {
		span = n
	}
	var shortSum float64
	for _, s := range buf[n-span:] {
		shortSum += s.Price
	}
	var longSum float64
	for _, s := range buf {
		longSum += s.Price
	}
	return shortSum / float64(span), longSum / float64(n)
}

func lowOf(buf []Sample) float64 {
	low := math.Inf(1)
	for _, s := range buf {
		low = math.Min(low, s.Price)
	}
	return low
}
