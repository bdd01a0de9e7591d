package web

import (
	"net/http"
	"time"

	"github.com/vitos/orderflow_bot/internal/domain"
	"go.uber.org/zap"
)

type tickView struct {
	StartedAt time.Time              `json:"started_at"`
	Bars      int                    `json:"bars"`
	Signal    domain.CompositeSignal `json:"signal"`
	Action    string                 `json:"action,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

type statusView struct {
	Symbol         string                `json:"symbol"`
	Now            time.Time             `json:"now"`
	LastTradeAt    *time.Time            `json:"last_trade_at,omitempty"`
	LastTick       *tickView             `json:"last_tick,omitempty"`
	OpenPosition   *domain.Position      `json:"open_position"`
	LastBuySignal  *domain.SignalRecord  `json:"last_buy_signal"`
	LastSellSignal *domain.SignalRecord  `json:"last_sell_signal"`
	TodaySignals   []domain.SignalRecord `json:"today_signals"`
}

// handleStatus reports the open position, the latest signals and the last tick.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.timeNow().UTC()
	view := statusView{Symbol: s.symbol, Now: now, TodaySignals: []domain.SignalRecord{}}

	if s.feed != nil {
		if last := s.feed.LastTradeAt(); !last.IsZero() {
			view.LastTradeAt = &last
		}
	}
	if s.ticks != nil {
		if res := s.ticks.LastResult(); res != nil {
			tv := &tickView{StartedAt: res.StartedAt, Bars: res.Bars, Signal: res.Signal}
			if res.Decision != nil {
				tv.Action = string(res.Decision.Action)
				tv.Reason = res.Decision.Reason
			}
			view.LastTick = tv
		}
	}

	open, err := s.positions.GetOpenPosition(ctx, s.symbol)
	if err != nil {
		s.logger.Error("Failed to get open position", zap.Error(err))
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}
	view.OpenPosition = open

	for dir, dst := range map[domain.Direction]**domain.SignalRecord{
		domain.DirectionBuy:  &view.LastBuySignal,
		domain.DirectionSell: &view.LastSellSignal,
	} {
		recs, err := s.signals.ListSignals(ctx, domain.RangeQuery{Symbol: s.symbol, Direction: dir, Limit: 1})
		if err != nil {
			s.logger.Error("Failed to get last signal", zap.String("direction", string(dir)), zap.Error(err))
			http.Error(w, "Failed to get status", http.StatusInternalServerError)
			return
		}
		if len(recs) > 0 {
			*dst = &recs[0]
		}
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := s.signals.ListSignals(ctx, domain.RangeQuery{Symbol: s.symbol, From: midnight, Limit: maxListLimit})
	if err != nil {
		s.logger.Error("Failed to list today's signals", zap.Error(err))
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}
	if len(today) > 0 {
		view.TodaySignals = today
	}

	s.writeJSON(w, view)
}
