package domain

import "time"

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// SideFor maps an entry direction to the position side it opens.
func SideFor(d Direction) (Side, bool) {
	switch d {
	case DirectionBuy:
		return SideLong, true
	case DirectionSell:
		return SideShort, true
	}
	return "", false
}

// EntryDirection is the signal direction that opens this side.
func (s Side) EntryDirection() Direction {
	if s == SideShort {
		return DirectionSell
	}
	return DirectionBuy
}

type CloseReason string

const (
	CloseReasonTakeProfit          CloseReason = "take_profit"
	CloseReasonStopLoss            CloseReason = "stop_loss"
	CloseReasonDollarVolumeExit    CloseReason = "dollar_volume_exit"
	CloseReasonMarketSwitchExit    CloseReason = "market_switch_exit"
	CloseReasonTrailingStop        CloseReason = "trailing_stop"
	CloseReasonMarketOpenAvoidance CloseReason = "market_open_avoidance"
)

// Position is a bot-managed position. The Close* fields are written once.
type Position struct {
	ID              string      `json:"id"`
	Symbol          string      `json:"symbol"`
	OpenTimestamp   time.Time   `json:"open_timestamp"`
	OpenPrice       float64     `json:"open_price"`
	Side            Side        `json:"side"`
	Size            float64     `json:"size"`
	TakeProfit      float64     `json:"take_profit"`
	StopLoss        float64     `json:"stop_loss"`
	ExchangeOrderID *string     `json:"exchange_order_id,omitempty"`
	CloseReason     CloseReason `json:"close_reason,omitempty"`
	ClosePrice      *float64    `json:"close_price,omitempty"`
	CloseTimestamp  *time.Time  `json:"close_timestamp,omitempty"`
}

// IsOpen reports whether the position has not been closed yet.
func (p *Position) IsOpen() bool {
	return p.ClosePrice == nil
}

// RealizedPnL returns the closed PnL in quote currency, or 0 while open.
func (p *Position) RealizedPnL() float64 {
	if p.ClosePrice == nil {
		return 0
	}
	diff := *p.ClosePrice - p.OpenPrice
	if p.Side == SideShort {
		diff = -diff
	}
	return diff * p.Size
}

// ExchangePosition is a position as reported by the exchange.
type ExchangePosition struct {
	Symbol string  `json:"symbol"`
	Side   Side    `json:"side"`
	Size   float64 `json:"size"`
	ID     string  `json:"id,omitempty"`
	Price  float64 `json:"price"`
}

// Quote is a live top-of-book snapshot.
type Quote struct {
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

type ExchangeOrderType string

const (
	ExchangeOrderMarket ExchangeOrderType = "mkt"
	ExchangeOrderLimit  ExchangeOrderType = "lmt"
	ExchangeOrderStop   ExchangeOrderType = "stp"
)

// OrderRequest is an order to submit. ClientOrderID is the idempotency token.
type OrderRequest struct {
	Symbol        string
	Side          TradeSide
	Size          float64
	Type          ExchangeOrderType
	LimitPrice    float64
	StopPrice     float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderAck is the exchange acknowledgement of a placed order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        string
	FillPrice     float64
	ReceivedAt    time.Time
}
