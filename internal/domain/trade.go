package domain

import "time"

type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Trade is a single executed trade as reported by the market feed.
type Trade struct {
	ID        int64     `json:"id,omitempty"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Side      TradeSide `json:"side"`
	OrderType OrderType `json:"order_type"`
}

// Notional returns price * volume.
func (t Trade) Notional() float64 {
	return t.Price * t.Volume
}

// Valid reports whether the trade satisfies the basic data contract.
func (t Trade) Valid() bool {
	if t.Price <= 0 || t.Volume <= 0 || t.Timestamp.IsZero() {
		return false
	}
	if t.Side != TradeSideBuy && t.Side != TradeSideSell {
		return false
	}
	return t.OrderType == OrderTypeMarket || t.OrderType == OrderTypeLimit
}
