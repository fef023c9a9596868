package tradelog

import (
	"time"

	"github.com/google/uuid"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Record is one executed trade. Records are append-only: hold-time,
// wash-sale, and repeat-loser state are all derived from them, so a record
// is never mutated after creation.
type Record struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	BuyPrice   float64   `json:"buy_price,omitempty"`   // paired buy price, sells only
	RealizedPL *float64  `json:"realized_pl,omitempty"` // percent, sells only
	Reason     string    `json:"reason"`
	ExecMode   string    `json:"exec_mode"` // paper | live
	Timestamp  time.Time `json:"timestamp"`
}

// NewRecord stamps a fresh id onto a trade record.
func NewRecord(symbol string, side Side, qty, price float64, reason, mode string, ts time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Reason:    reason,
		ExecMode:  mode,
		Timestamp: ts,
	}
}

// Store is the append-only trade log consumed by the risk guards.
type Store interface {
	Append(rec Record) error
	All() ([]Record, error)
	BySymbol(symbol string) ([]Record, error)
	SellsSince(t time.Time) ([]Record, error)
}

// LastBuy returns the most recent buy in recs, or nil.
func LastBuy(recs []Record) *Record {
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Side == Buy {
			return &recs[i]
		}
	}
	return nil
}

// BuyBefore returns the closest buy preceding ts in recs, or nil.
func BuyBefore(recs []Record, ts time.Time) *Record {
	var found *Record
	for i := range recs {
		if recs[i].Side != Buy {
			continue
		}
		if recs[i].Timestamp.After(ts) {
			break
		}
		found = &recs[i]
	}
	return found
}
