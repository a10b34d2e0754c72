package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Level is an aggregated price level of the order book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// MarshalJSON renders a level as a [price, size] pair.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]decimal.Decimal{l.Price, l.Size})
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var pair [2]decimal.Decimal
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.Price, l.Size = pair[0], pair[1]
	return nil
}

// OrderBook holds bids in descending and asks in ascending price order.
type OrderBook struct {
	Market    Pair      `json:"market"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BestBid returns the highest bid, if any.
func (b *OrderBook) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *OrderBook) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Spread returns ask minus bid, or nil when either side is empty.
func (b *OrderBook) Spread() *decimal.Decimal {
	bid, ok := b.BestBid()
	if !ok {
		return nil
	}
	ask, ok := b.BestAsk()
	if !ok {
		return nil
	}
	spread := ask.Price.Sub(bid.Price)
	return &spread
}
