package usecase

import (
	"time"

	"github.com/vitos/orderflow_bot/internal/domain"
)

// Metrics receives bot events. The prometheus adapter lives in infrastructure/metrics.
type Metrics interface {
	TickCompleted(outcome string, took time.Duration)
	TickSkipped()
	SignalEmitted(direction domain.Direction, score int)
	PositionOpened(side domain.Side)
	PositionClosed(reason domain.CloseReason, pnl float64)
	TradesIngested(accepted, rejected int)
	ExchangeError(op string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) TickCompleted(string, time.Duration)        {}
func (NopMetrics) TickSkipped()                               {}
func (NopMetrics) SignalEmitted(domain.Direction, int)        {}
func (NopMetrics) PositionOpened(domain.Side)                 {}
func (NopMetrics) PositionClosed(domain.CloseReason, float64) {}
func (NopMetrics) TradesIngested(int, int)                    {}
func (NopMetrics) ExchangeError(string)                       {}
