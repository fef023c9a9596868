package quotes

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks any failed or missing market-data fetch. Callers must
// treat it as a blocking condition, never as a favorable default.
var ErrUnavailable = errors.New("market data unavailable")

// Bar is one minute of session price action.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Close     float64   `json:"close"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Volume    int64     `json:"volume"`
}

// Provider supplies current-session intraday bars and latest trade prices.
type Provider interface {
	IntradayBars(ctx context.Context, symbol string) ([]Bar, error)
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}
