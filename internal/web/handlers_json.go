package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vitos/orderflow_bot/internal/domain"
	"go.uber.org/zap"
)

const maxListLimit = 5000

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// parseRange reads symbol, from, to (RFC3339), limit and direction query parameters.
func (s *Server) parseRange(r *http.Request) (domain.RangeQuery, error) {
	values := r.URL.Query()
	q := domain.RangeQuery{Symbol: values.Get("symbol")}
	if q.Symbol == "" {
		q.Symbol = s.symbol
	}

	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = t.UTC()
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return q, fmt.Errorf("from must be before to")
	}

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			return q, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
		}
		q.Limit = limit
	}

	switch d := domain.Direction(values.Get("direction")); d {
	case "", domain.DirectionBuy, domain.DirectionSell, domain.DirectionHold:
		q.Direction = d
	default:
		return q, fmt.Errorf("invalid direction %q", d)
	}
	return q, nil
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	signals, err := s.signals.ListSignals(r.Context(), q)
	if err != nil {
		s.logger.Error("Failed to list signals", zap.Error(err))
		http.Error(w, "Failed to list signals", http.StatusInternalServerError)
		return
	}
	if signals == nil {
		signals = []domain.SignalRecord{}
	}
	s.writeJSON(w, signals)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	positions, err := s.positions.ListPositions(r.Context(), q)
	if err != nil {
		s.logger.Error("Failed to list positions", zap.Error(err))
		http.Error(w, "Failed to list positions", http.StatusInternalServerError)
		return
	}

	type positionView struct {
		*domain.Position
		Open        bool    `json:"open"`
		RealizedPnL float64 `json:"realized_pnl"`
	}
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{Position: p, Open: p.IsOpen(), RealizedPnL: p.RealizedPnL()})
	}
	s.writeJSON(w, views)
}

// handleListTrades defaults to the last hour when no range is given.
func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.From.IsZero() && q.To.IsZero() {
		q.From = s.timeNow().UTC().Add(-time.Hour)
	}
	trades, err := s.trades.ListTrades(r.Context(), q)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		http.Error(w, "Failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	s.writeJSON(w, trades)
}
