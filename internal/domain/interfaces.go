package domain

import (
	"context"
	"time"
)

// Exchange defines the trading calls the bot needs from a derivatives venue.
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
	GetLivePrice(ctx context.Context, symbol string) (*Quote, error)
}

// MarketFeed pushes executed trades. Reconnects are the feed's job.
type MarketFeed interface {
	OnTrades(callback func(trades []Trade))
	Run(ctx context.Context) error
}

// TradeRepository is the append-only trade log.
type TradeRepository interface {
	AppendTrades(ctx context.Context, trades []Trade) error
	// TradesBetween returns trades with from <= ts < to ordered by timestamp.
	TradesBetween(ctx context.Context, symbol string, from, to time.Time) ([]Trade, error)
	DollarVolumeBetween(ctx context.Context, symbol string, from, to time.Time) (float64, error)
	// PriceRangeBetween returns the max and min trade price in [from, to); ok is false without trades.
	PriceRangeBetween(ctx context.Context, symbol string, from, to time.Time) (high, low float64, ok bool, err error)
	PruneTradesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PositionRepository stores positions with a single terminal update.
type PositionRepository interface {
	InsertPosition(ctx context.Context, p *Position) error
	GetOpenPosition(ctx context.Context, symbol string) (*Position, error)
	// ClosePosition only updates a row whose close_price is still NULL.
	ClosePosition(ctx context.Context, id string, closePrice float64, closedAt time.Time, reason CloseReason) error
	ListPositions(ctx context.Context, q RangeQuery) ([]*Position, error)
}

// SignalRepository stores composite signals.
type SignalRepository interface {
	SaveSignal(ctx context.Context, rec *SignalRecord) error
	// RecentSignals returns the newest n signals for symbol, newest first.
	RecentSignals(ctx context.Context, symbol string, n int) ([]SignalRecord, error)
	ListSignals(ctx context.Context, q RangeQuery) ([]SignalRecord, error)
}

// MetricsCache memoizes per-bar order-flow metrics for idempotent bars.
type MetricsCache interface {
	GetBarMetrics(ctx context.Context, symbol string, start, end time.Time) (*OrderFlowMetrics, bool, error)
	SaveBarMetrics(ctx context.Context, symbol string, m OrderFlowMetrics) error
}

// RangeQuery filters read-only dashboard queries. Zero times are unbounded.
type RangeQuery struct {
	Symbol    string
	From      time.Time
	To        time.Time
	Direction Direction
	Limit     int
}
