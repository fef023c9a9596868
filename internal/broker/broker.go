package broker

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a failed account or position fetch. The engine treats
// it like missing market data: block the dependent decision, never fail open.
var ErrUnavailable = errors.New("brokerage unavailable")

type Account struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

// Position is a currently held lot as reported by the brokerage. EntryTime
// is filled in from the trade log, not the broker.
type Position struct {
	Symbol          string    `json:"symbol"`
	Quantity        float64   `json:"qty"`
	AvgEntryPrice   float64   `json:"avg_entry_price"`
	MarketValue     float64   `json:"market_value"`
	UnrealizedPLPct float64   `json:"unrealized_plpc"`
	EntryTime       time.Time `json:"-"`
}

type Order struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"qty"`
	Side        string  `json:"side"` // buy | sell
	Type        string  `json:"type"` // limit
	LimitPrice  float64 `json:"limit_price"`
	TimeInForce string  `json:"time_in_force"` // day
}

type OrderResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client is the brokerage collaborator. Implementations must bound every
// call with the context deadline.
type Client interface {
	FetchAccount(ctx context.Context) (Account, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, order Order) (OrderResult, error)
}

// LimitDay builds the standard order shape used by every execution path.
func LimitDay(symbol string, qty, limitPrice float64, side string) Order {
	return Order{
		Symbol:      symbol,
		Quantity:    qty,
		Side:        side,
		Type:        "limit",
		LimitPrice:  limitPrice,
		TimeInForce: "day",
	}
}
