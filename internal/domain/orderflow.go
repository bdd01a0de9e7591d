package domain

import "time"

// OrderFlowMetrics is the order-flow breakdown of a single bar.
type OrderFlowMetrics struct {
	StartTime              time.Time `json:"start_time"`
	EndTime                time.Time `json:"end_time"`
	BuyVolume              float64   `json:"buy_volume"`
	SellVolume             float64   `json:"sell_volume"`
	MarketBuyVolume        float64   `json:"market_buy_volume"`
	MarketSellVolume       float64   `json:"market_sell_volume"`
	Delta                  float64   `json:"delta"`
	MinDelta               float64   `json:"min_delta"`
	MaxDelta               float64   `json:"max_delta"`
	CumulativeDelta        float64   `json:"cumulative_delta"`
	MarketBuyRatio         float64   `json:"market_buy_ratio"`
	MarketSellRatio        float64   `json:"market_sell_ratio"`
	AggressiveBuyActivity  float64   `json:"aggressive_buy_activity"`
	AggressiveSellActivity float64   `json:"aggressive_sell_activity"`
	AggressiveRatio        float64   `json:"aggressive_ratio"`
}

// OrderFlowResult is the outcome of one aggregation call over a lookback window.
// CumulativeDelta covers exactly the bars in Bars.
type OrderFlowResult struct {
	Bars                 []OrderFlowMetrics `json:"bars"`
	CumulativeDelta      float64            `json:"cumulative_delta"`
	AggressiveRatioSlope float64            `json:"aggressive_ratio_slope"`
}

// Deltas returns the per-bar delta series, oldest first.
func (r OrderFlowResult) Deltas() []float64 {
	out := make([]float64, len(r.Bars))
	for i, b := range r.Bars {
		out[i] = b.Delta
	}
	return out
}

// AggressiveRatios returns the per-bar aggressive ratio series, oldest first.
func (r OrderFlowResult) AggressiveRatios() []float64 {
	out := make([]float64, len(r.Bars))
	for i, b := range r.Bars {
		out[i] = b.AggressiveRatio
	}
	return out
}
