package domain

import "time"

type BarMode string

const (
	BarModeFixedInterval   BarMode = "fixed_interval"
	BarModeDollarThreshold BarMode = "dollar_threshold"
)

// Bar is a closed OHLC window. Trades belong to the bar when
// StartTime <= ts < EndTime.
type Bar struct {
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	VolumeTotal  float64   `json:"volume_total"`
	DollarVolume float64   `json:"dollar_volume"`
	Delta        float64   `json:"delta"`
	TradeCount   int       `json:"trade_count"`

	// FirstTrade and LastTrade delimit the bar's trades as a half-open index
	// range into the timestamp-ordered snapshot it was built from. Both are
	// zero for bars not produced by a builder.
	FirstTrade int `json:"-"`
	LastTrade  int `json:"-"`
}

// HasTradeRange reports whether the bar carries snapshot membership.
func (b Bar) HasTradeRange() bool {
	return b.LastTrade > b.FirstTrade
}

// Contains reports whether ts falls inside [StartTime, EndTime).
func (b Bar) Contains(ts time.Time) bool {
	return !ts.Before(b.StartTime) && ts.Before(b.EndTime)
}
