package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vitos/orderflow_bot/internal/domain"
	"go.uber.org/zap"
)

type OrderFlowConfig struct {
	Lookback int `yaml:"lookback" validate:"gte=1"`
	MinBars  int `yaml:"min_bars" validate:"gte=1"`

	// SettleAfter is how long after a bar ends it may still receive late trades.
	// Bars are memoized only once settled.
	SettleAfter time.Duration `yaml:"settle_after" validate:"gte=0"`
}

// OrderFlowAggregator derives per-bar order-flow metrics over a lookback window.
type OrderFlowAggregator struct {
	config OrderFlowConfig
	cache  domain.MetricsCache
	logger *zap.Logger

	timeNow func() time.Time
}

func NewOrderFlowAggregator(config OrderFlowConfig, cache domain.MetricsCache, logger *zap.Logger) *OrderFlowAggregator {
	if config.Lookback <= 0 {
		config.Lookback = 7
	}
	if config.MinBars <= 0 {
		config.MinBars = 1
	}
	if config.MinBars > config.Lookback {
		config.MinBars = config.Lookback
	}
	return &OrderFlowAggregator{config: config, cache: cache, logger: logger, timeNow: time.Now}
}

// Compute aggregates the last Lookback bars, oldest first. trades is the tick's
// snapshot and must be the slice the bars were built from. Memoization applies
// only when memoize is set, which callers do for idempotent (fixed interval)
// bars, and only to bars that have settled.
func (a *OrderFlowAggregator) Compute(ctx context.Context, symbol string, bars []domain.Bar, trades []domain.Trade, memoize bool) (*domain.OrderFlowResult, error) {
	if len(bars) < a.config.MinBars {
		return nil, fmt.Errorf("%w: %d bars, need %d", domain.ErrInsufficientData, len(bars), a.config.MinBars)
	}
	if len(bars) > a.config.Lookback {
		bars = bars[len(bars)-a.config.Lookback:]
	}

	sorted := sortedTrades(trades)
	settled := a.timeNow().Add(-a.config.SettleAfter)
	result := &domain.OrderFlowResult{Bars: make([]domain.OrderFlowMetrics, 0, len(bars))}
	var cumulative float64

	for _, bar := range bars {
		var m domain.OrderFlowMetrics
		cached := false
		useCache := memoize && a.cache != nil && !bar.EndTime.After(settled)

		if useCache {
			hit, ok, err := a.cache.GetBarMetrics(ctx, symbol, bar.StartTime, bar.EndTime)
			if err != nil {
				a.logger.Warn("Bar metrics cache read failed", zap.Error(err), zap.Time("start", bar.StartTime))
			} else if ok {
				m = *hit
				cached = true
			}
		}

		if !cached {
			m = BarOrderFlow(bar, tradesInBar(sorted, bar))
			if useCache {
				if err := a.cache.SaveBarMetrics(ctx, symbol, m); err != nil {
					a.logger.Warn("Bar metrics cache write failed", zap.Error(err), zap.Time("start", bar.StartTime))
				}
			}
		}

		cumulative += m.Delta
		m.CumulativeDelta = cumulative
		result.Bars = append(result.Bars, m)
	}

	result.CumulativeDelta = cumulative
	result.AggressiveRatioSlope = Slope(result.AggressiveRatios())
	return result, nil
}

// tradesInBar selects the bar's trades from the sorted snapshot: by its trade
// range when it has one, otherwise by [bar.StartTime, bar.EndTime).
func tradesInBar(sorted []domain.Trade, bar domain.Bar) []domain.Trade {
	if bar.HasTradeRange() && bar.LastTrade <= len(sorted) {
		return sorted[bar.FirstTrade:bar.LastTrade]
	}
	lo := sort.Search(len(sorted), func(i int) bool {
		return !sorted[i].Timestamp.Before(bar.StartTime)
	})
	hi := sort.Search(len(sorted), func(i int) bool {
		return !sorted[i].Timestamp.Before(bar.EndTime)
	})
	return sorted[lo:hi]
}

// BarOrderFlow computes the order-flow metrics of one bar from its trades.
// CumulativeDelta is left for the caller, it depends on the window.
func BarOrderFlow(bar domain.Bar, trades []domain.Trade) domain.OrderFlowMetrics {
	m := domain.OrderFlowMetrics{StartTime: bar.StartTime, EndTime: bar.EndTime}

	var running float64
	for i, t := range trades {
		switch t.Side {
		case domain.TradeSideBuy:
			m.BuyVolume += t.Volume
			running += t.Volume
			if t.OrderType == domain.OrderTypeMarket {
				m.MarketBuyVolume += t.Volume
			}
		case domain.TradeSideSell:
			m.SellVolume += t.Volume
			running -= t.Volume
			if t.OrderType == domain.OrderTypeMarket {
				m.MarketSellVolume += t.Volume
			}
		}
		if i == 0 || running < m.MinDelta {
			m.MinDelta = running
		}
		if i == 0 || running > m.MaxDelta {
			m.MaxDelta = running
		}
	}

	m.Delta = m.BuyVolume - m.SellVolume
	m.MarketBuyRatio = safeDiv(m.MarketBuyVolume, m.BuyVolume)
	m.MarketSellRatio = safeDiv(m.MarketSellVolume, m.SellVolume)
	m.AggressiveBuyActivity = m.MarketBuyRatio * m.BuyVolume
	m.AggressiveSellActivity = m.MarketSellRatio * m.SellVolume
	m.AggressiveRatio = AggressiveRatio(m.AggressiveBuyActivity, m.AggressiveSellActivity)
	return m
}

// AggressiveRatio is larger/smaller signed toward the larger side, 0 when
// either side is 0, and +1 for equal non-zero sides.
func AggressiveRatio(buy, sell float64) float64 {
	if buy <= 0 || sell <= 0 {
		return 0
	}
	if sell > buy {
		return -(sell / buy)
	}
	return buy / sell
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Slope is the least-squares slope of values against their index.
func Slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / den
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0
	}
	return slope
}
