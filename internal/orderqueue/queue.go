package orderqueue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmallard/swingbot/internal/market"
	"github.com/jmallard/swingbot/internal/observ"
)

// PendingBuy is a buy intent held for the confirmation delay. Consumed
// exactly once, by execution or cancellation.
type PendingBuy struct {
	Symbol        string         `json:"symbol"`
	Price         float64        `json:"price"`
	Reason        string         `json:"reason"`
	DirectionSnap market.Verdict `json:"direction_snapshot"`
	QueuedAt      time.Time      `json:"queued_at"`
	ExecuteAfter  time.Time      `json:"execute_after"`
}

// Outcome reports what ProcessDue did with one pending buy.
type Outcome struct {
	Item     PendingBuy
	Executed bool
	Reason   string
}

// Queue holds buy intents for a fixed delay and re-validates market
// direction at execution time.
type Queue struct {
	mu        sync.Mutex
	items     map[string]PendingBuy
	delay     time.Duration
	defensive func(symbol string) bool
}

func New(delay time.Duration, defensive func(symbol string) bool) *Queue {
	if defensive == nil {
		defensive = func(string) bool { return false }
	}
	return &Queue{
		items:     make(map[string]PendingBuy),
		delay:     delay,
		defensive: defensive,
	}
}

// SetDelay changes the confirmation delay for subsequently queued buys.
// Items already queued keep the delay they were queued with.
func (q *Queue) SetDelay(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delay = d
}

// Queue stores a new buy intent. A symbol already queued is rejected.
func (q *Queue) Queue(symbol string, price float64, reason string, snap market.Verdict, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[symbol]; exists {
		return fmt.Errorf("%s already queued", symbol)
	}
	q.items[symbol] = PendingBuy{
		Symbol:        symbol,
		Price:         price,
		Reason:        reason,
		DirectionSnap: snap,
		QueuedAt:      now,
		ExecuteAfter:  now.Add(q.delay),
	}
	observ.IncCounter("order_queue_queued_total", nil)
	observ.SetGauge("order_queue_depth", float64(len(q.items)), nil)
	return nil
}

// ProcessDue removes every item past its execution time and either executes
// it or cancels it. direction re-fetches the current market read; a failed
// fetch counts as negative for non-defensive symbols (fail safe). exec
// performs the actual order and its error is reported in the outcome, but
// the item is consumed either way.
func (q *Queue) ProcessDue(now time.Time, direction func() (market.Verdict, error), exec func(PendingBuy) error) []Outcome {
	due := q.takeDue(now)
	if len(due) == 0 {
		return nil
	}

	var outcomes []Outcome
	for _, item := range due {
		if !q.defensive(item.Symbol) {
			verdict, err := direction()
			if err != nil {
				outcomes = append(outcomes, Outcome{Item: item, Reason: "canceled: market direction unavailable"})
				observ.IncCounter("order_queue_canceled_total", map[string]string{"cause": "data_unavailable"})
				continue
			}
			if !verdict.Allow {
				outcomes = append(outcomes, Outcome{Item: item, Reason: "canceled: market turned negative"})
				observ.IncCounter("order_queue_canceled_total", map[string]string{"cause": "direction_flip"})
				continue
			}
		}
		if err := exec(item); err != nil {
			outcomes = append(outcomes, Outcome{Item: item, Reason: fmt.Sprintf("execution failed: %v", err)})
			continue
		}
		outcomes = append(outcomes, Outcome{Item: item, Executed: true, Reason: "executed after confirmation delay"})
		observ.IncCounter("order_queue_executed_total", nil)
	}
	return outcomes
}

// Cancel removes a queued buy if present. Idempotent.
func (q *Queue) Cancel(symbol string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[symbol]; !exists {
		return false
	}
	delete(q.items, symbol)
	observ.IncCounter("order_queue_canceled_total", map[string]string{"cause": "explicit"})
	observ.SetGauge("order_queue_depth", float64(len(q.items)), nil)
	return true
}

// Pending returns a snapshot of queued buys ordered by queue time.
func (q *Queue) Pending() []PendingBuy {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingBuy, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// takeDue removes and returns due items under the lock so each is processed
// exactly once even with concurrent callers.
func (q *Queue) takeDue(now time.Time) []PendingBuy {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []PendingBuy
	for symbol, item := range q.items {
		if !now.Before(item.ExecuteAfter) {
			due = append(due, item)
			delete(q.items, symbol)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].QueuedAt.Before(due[j].QueuedAt) })
	observ.SetGauge("order_queue_depth", float64(len(q.items)), nil)
	return due
}
