package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PaperClient simulates a single brokerage account in memory. Orders fill
// immediately at the limit price; marks come from the price function so
// unrealized P/L tracks whatever quote source the engine is using.
type PaperClient struct {
	mu        sync.Mutex
	cash      float64
	positions map[string]*paperLot
	priceFn   func(symbol string) float64
}

type paperLot struct {
	qty      float64
	avgPrice float64
}

func NewPaperClient(startingCash float64, priceFn func(symbol string) float64) *PaperClient {
	return &PaperClient{
		cash:      startingCash,
		positions: make(map[string]*paperLot),
		priceFn:   priceFn,
	}
}

func (p *PaperClient) FetchAccount(ctx context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.cash
	for symbol, lot := range p.positions {
		equity += lot.qty * p.mark(symbol, lot.avgPrice)
	}
	return Account{Equity: equity, BuyingPower: p.cash}, nil
}

func (p *PaperClient) FetchPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Position, 0, len(p.positions))
	for symbol, lot := range p.positions {
		mark := p.mark(symbol, lot.avgPrice)
		plPct := 0.0
		if lot.avgPrice > 0 {
			plPct = (mark - lot.avgPrice) / lot.avgPrice * 100
		}
		out = append(out, Position{
			Symbol:          symbol,
			Quantity:        lot.qty,
			AvgEntryPrice:   lot.avgPrice,
			MarketValue:     lot.qty * mark,
			UnrealizedPLPct: plPct,
		})
	}
	return out, nil
}

func (p *PaperClient) PlaceOrder(ctx context.Context, order Order) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if order.Quantity <= 0 {
		return OrderResult{}, fmt.Errorf("order %s rejected: non-positive quantity", order.Symbol)
	}
	cost := order.Quantity * order.LimitPrice

	switch order.Side {
	case "buy":
		if cost > p.cash {
			return OrderResult{}, fmt.Errorf("order %s rejected: insufficient buying power", order.Symbol)
		}
		lot := p.positions[order.Symbol]
		if lot == nil {
			lot = &paperLot{}
			p.positions[order.Symbol] = lot
		}
		total := lot.qty*lot.avgPrice + cost
		lot.qty += order.Quantity
		lot.avgPrice = total / lot.qty
		p.cash -= cost
	case "sell":
		lot := p.positions[order.Symbol]
		if lot == nil || lot.qty < order.Quantity {
			return OrderResult{}, fmt.Errorf("order %s rejected: insufficient position", order.Symbol)
		}
		lot.qty -= order.Quantity
		if lot.qty == 0 {
			delete(p.positions, order.Symbol)
		}
		p.cash += cost
	default:
		return OrderResult{}, fmt.Errorf("order %s rejected: unknown side %q", order.Symbol, order.Side)
	}

	return OrderResult{ID: uuid.NewString(), Status: "filled"}, nil
}

func (p *PaperClient) mark(symbol string, fallback float64) float64 {
	if p.priceFn != nil {
		if px := p.priceFn(symbol); px > 0 {
			return px
		}
	}
	return fallback
}
