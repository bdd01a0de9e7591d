package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vitos/orderflow_bot/internal/domain"
)

// AvoidanceWindow is a recurring UTC window around a market open. Positions
// are closed inside it and no new entry is taken until it ends.
type AvoidanceWindow struct {
	Start    string        `yaml:"start" validate:"required"` // HH:MM UTC
	Duration time.Duration `yaml:"duration" validate:"gt=0"`
	Weekdays []string      `yaml:"weekdays"` // empty means every day
}

func (w AvoidanceWindow) startOffset() (time.Duration, error) {
	t, err := time.Parse("15:04", w.Start)
	if err != nil {
		return 0, fmt.Errorf("invalid avoidance window start %q: %w", w.Start, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w AvoidanceWindow) onDay(day time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return true
	}
	for _, d := range w.Weekdays {
		if strings.EqualFold(d, day.String()) || strings.EqualFold(d, day.String()[:3]) {
			return true
		}
	}
	return false
}

// Validate checks the start format.
func (w AvoidanceWindow) Validate() error {
	_, err := w.startOffset()
	return err
}

// ActiveAt reports whether now falls in the window and when the window ends.
// Windows that cross midnight belong to the day they start on.
func (w AvoidanceWindow) ActiveAt(now time.Time) (time.Time, bool) {
	offset, err := w.startOffset()
	if err != nil || w.Duration <= 0 {
		return time.Time{}, false
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for _, day := range []time.Time{today, today.AddDate(0, 0, -1)} {
		if !w.onDay(day.Weekday()) {
			continue
		}
		start := day.Add(offset)
		end := start.Add(w.Duration)
		if !now.Before(start) && now.Before(end) {
			return end, true
		}
	}
	return time.Time{}, false
}

// activeAvoidance returns the latest end among the windows containing now.
func activeAvoidance(windows []AvoidanceWindow, now time.Time) (time.Time, bool) {
	var until time.Time
	found := false
	for _, w := range windows {
		if end, ok := w.ActiveAt(now); ok {
			found = true
			if end.After(until) {
				until = end
			}
		}
	}
	return until, found
}

// exitContext is the per-tick view the exit rules evaluate against.
type exitContext struct {
	position    *domain.Position
	price       float64
	signal      domain.CompositeSignal
	now         time.Time
	windowStart time.Time
}

type exitRule struct {
	reason domain.CloseReason
	check  func(ctx context.Context, ec *exitContext) (bool, error)
}

// exitRules returns the close conditions in precedence order. The first rule
// that fires decides the close reason.
func (m *PositionManager) exitRules() []exitRule {
	return []exitRule{
		{domain.CloseReasonTakeProfit, m.takeProfitHit},
		{domain.CloseReasonStopLoss, m.stopLossHit},
		{domain.CloseReasonDollarVolumeExit, m.dollarVolumeExceeded},
		{domain.CloseReasonTrailingStop, m.trailingStopHit},
		{domain.CloseReasonMarketSwitchExit, m.signalReversed},
		{domain.CloseReasonMarketOpenAvoidance, m.inAvoidanceWindow},
	}
}

func (m *PositionManager) takeProfitHit(_ context.Context, ec *exitContext) (bool, error) {
	p := ec.position
	if p.TakeProfit <= 0 {
		return false, nil
	}
	if p.Side == domain.SideLong {
		return ec.price >= p.TakeProfit, nil
	}
	return ec.price <= p.TakeProfit, nil
}

func (m *PositionManager) stopLossHit(_ context.Context, ec *exitContext) (bool, error) {
	p := ec.position
	if p.StopLoss <= 0 {
		return false, nil
	}
	if p.Side == domain.SideLong {
		return ec.price <= p.StopLoss, nil
	}
	return ec.price >= p.StopLoss, nil
}

func (m *PositionManager) dollarVolumeExceeded(ctx context.Context, ec *exitContext) (bool, error) {
	if m.config.DollarVolumeExitMultiple <= 0 || m.config.DollarThreshold <= 0 {
		return false, nil
	}
	from := ec.position.OpenTimestamp
	if m.config.DollarVolumeFrom == DollarVolumeFromWindowStart && !ec.windowStart.IsZero() {
		from = ec.windowStart
	}
	volume, err := m.trades.DollarVolumeBetween(ctx, ec.position.Symbol, from, ec.now)
	if err != nil {
		return false, fmt.Errorf("failed to read dollar volume since %s: %w", from, err)
	}
	return volume >= m.config.DollarVolumeExitMultiple*m.config.DollarThreshold, nil
}

func (m *PositionManager) trailingStopHit(ctx context.Context, ec *exitContext) (bool, error) {
	if m.config.TrailingActivationPct <= 0 || m.config.TrailingRetrace <= 0 {
		return false, nil
	}
	p := ec.position
	high, low, ok, err := m.trades.PriceRangeBetween(ctx, p.Symbol, p.OpenTimestamp, ec.now)
	if err != nil {
		return false, fmt.Errorf("failed to read price range since open: %w", err)
	}
	if !ok {
		high, low = ec.price, ec.price
	}
	if ec.price > high {
		high = ec.price
	}
	if ec.price < low {
		low = ec.price
	}

	var excursion, retrace float64
	if p.Side == domain.SideLong {
		excursion = high - p.OpenPrice
		retrace = high - ec.price
	} else {
		excursion = p.OpenPrice - low
		retrace = ec.price - low
	}
	if excursion < p.OpenPrice*m.config.TrailingActivationPct {
		return false, nil
	}
	return retrace >= excursion*m.config.TrailingRetrace, nil
}

func (m *PositionManager) signalReversed(_ context.Context, ec *exitContext) (bool, error) {
	return ec.signal.Direction == ec.position.Side.EntryDirection().Opposite(), nil
}

func (m *PositionManager) inAvoidanceWindow(_ context.Context, ec *exitContext) (bool, error) {
	_, active := activeAvoidance(m.config.AvoidanceWindows, ec.now)
	return active, nil
}
