package usecase

import (
	"fmt"
	"sort"
	"time"

	"github.com/vitos/orderflow_bot/internal/domain"
)

// BarBuilder turns a trade range into closed bars.
type BarBuilder interface {
	Mode() domain.BarMode
	// Build returns closed bars. closedBefore bounds fixed-interval buckets;
	// the zero time emits every bucket.
	Build(trades []domain.Trade, closedBefore time.Time) []domain.Bar
	// Idempotent reports whether a closed bar is stable across snapshots.
	Idempotent() bool
}

// NewBarBuilder returns the builder for mode.
func NewBarBuilder(mode domain.BarMode, interval time.Duration, dollarThreshold float64) (BarBuilder, error) {
	switch mode {
	case domain.BarModeFixedInterval:
		if interval <= 0 {
			return nil, fmt.Errorf("fixed interval bars need a positive interval, got %s", interval)
		}
		return &FixedIntervalBuilder{Interval: interval}, nil
	case domain.BarModeDollarThreshold:
		if dollarThreshold <= 0 {
			return nil, fmt.Errorf("dollar bars need a positive threshold, got %f", dollarThreshold)
		}
		return &DollarThresholdBuilder{Threshold: dollarThreshold}, nil
	}
	return nil, fmt.Errorf("unknown bar mode: %s", mode)
}

// barState accumulates OHLC for the bar being built.
type barState struct {
	bar domain.Bar
}

// update folds in the trade at index i of the sorted snapshot.
func (b *barState) update(i int, t domain.Trade) {
	if b.bar.TradeCount == 0 {
		b.bar.Open, b.bar.High, b.bar.Low = t.Price, t.Price, t.Price
		b.bar.FirstTrade = i
	}
	if t.Price > b.bar.High {
		b.bar.High = t.Price
	}
	if t.Price < b.bar.Low {
		b.bar.Low = t.Price
	}
	b.bar.Close = t.Price
	b.bar.VolumeTotal += t.Volume
	b.bar.DollarVolume += t.Notional()
	if t.Side == domain.TradeSideBuy {
		b.bar.Delta += t.Volume
	} else {
		b.bar.Delta -= t.Volume
	}
	b.bar.TradeCount++
	b.bar.LastTrade = i + 1
}

// sortedTrades returns a timestamp-ordered copy; equal timestamps keep arrival order.
func sortedTrades(trades []domain.Trade) []domain.Trade {
	out := make([]domain.Trade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// AlignTime floors ts to the interval grid anchored at the Unix epoch.
func AlignTime(ts time.Time, interval time.Duration) time.Time {
	ns := ts.UnixNano()
	rem := ns % int64(interval)
	if rem < 0 {
		rem += int64(interval)
	}
	return time.Unix(0, ns-rem).UTC()
}

// FixedIntervalBuilder partitions trades into aligned buckets of Interval.
type FixedIntervalBuilder struct {
	Interval time.Duration
}

func (f *FixedIntervalBuilder) Mode() domain.BarMode { return domain.BarModeFixedInterval }

func (f *FixedIntervalBuilder) Idempotent() bool { return true }

func (f *FixedIntervalBuilder) Build(trades []domain.Trade, closedBefore time.Time) []domain.Bar {
	var bars []domain.Bar
	var cur *barState

	for i, t := range sortedTrades(trades) {
		start := AlignTime(t.Timestamp, f.Interval)
		if cur == nil || !cur.bar.StartTime.Equal(start) {
			if cur != nil {
				bars = append(bars, cur.bar)
			}
			cur = &barState{bar: domain.Bar{StartTime: start, EndTime: start.Add(f.Interval)}}
		}
		cur.update(i, t)
	}
	if cur != nil {
		bars = append(bars, cur.bar)
	}

	if closedBefore.IsZero() {
		return bars
	}
	closed := bars[:0]
	for _, b := range bars {
		if !b.EndTime.After(closedBefore) {
			closed = append(closed, b)
		}
	}
	return closed
}

// DollarThresholdBuilder closes a bar once accumulated notional reaches Threshold.
// The closing trade belongs to the bar it closes; a trailing partial bar is dropped.
// Neighbouring bars can share a timestamp, so membership is carried by the
// bar's trade range rather than its time bounds.
type DollarThresholdBuilder struct {
	Threshold float64
}

func (d *DollarThresholdBuilder) Mode() domain.BarMode { return domain.BarModeDollarThreshold }

func (d *DollarThresholdBuilder) Idempotent() bool { return false }

func (d *DollarThresholdBuilder) Build(trades []domain.Trade, _ time.Time) []domain.Bar {
	var bars []domain.Bar
	var cur *barState

	for i, t := range sortedTrades(trades) {
		if cur == nil {
			cur = &barState{bar: domain.Bar{StartTime: t.Timestamp}}
		}
		cur.update(i, t)
		if cur.bar.DollarVolume >= d.Threshold {
			// End is exclusive, so the closing trade stays inside this bar.
			cur.bar.EndTime = t.Timestamp.Add(time.Nanosecond)
			bars = append(bars, cur.bar)
			cur = nil
		}
	}
	return bars
}
