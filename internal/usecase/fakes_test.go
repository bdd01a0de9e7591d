package usecase_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vitos/orderflow_bot/internal/domain"
)

type MockExchange struct {
	mu            sync.Mutex
	Orders        []domain.OrderRequest
	OpenPositions []domain.ExchangePosition
	Quote         *domain.Quote
	FillPrice     float64
	PlaceErr      error
	PositionsErr  error
	PriceErr      error
	PriceCalls    int
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders = append(m.Orders, req)
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}
	return &domain.OrderAck{
		OrderID:       "ord-" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        "placed",
		FillPrice:     m.FillPrice,
	}, nil
}

func (m *MockExchange) GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	return m.OpenPositions, nil
}

func (m *MockExchange) GetLivePrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PriceCalls++
	if m.PriceErr != nil {
		return nil, m.PriceErr
	}
	return m.Quote, nil
}

// memoryPositions enforces the same guards as the sqlite store.
type memoryPositions struct {
	mu   sync.Mutex
	rows []*domain.Position
}

func (r *memoryPositions) InsertPosition(ctx context.Context, p *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Symbol == p.Symbol && row.ClosePrice == nil {
			return domain.ErrPositionAlreadyOpen
		}
	}
	cp := *p
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *memoryPositions) GetOpenPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Symbol == symbol && row.ClosePrice == nil {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memoryPositions) ClosePosition(ctx context.Context, id string, closePrice float64, closedAt time.Time, reason domain.CloseReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID != id {
			continue
		}
		if row.ClosePrice != nil {
			return domain.ErrPositionAlreadyClosed
		}
		row.ClosePrice = &closePrice
		row.CloseTimestamp = &closedAt
		row.CloseReason = reason
		return nil
	}
	return domain.ErrPositionNotFound
}

func (r *memoryPositions) ListPositions(ctx context.Context, q domain.RangeQuery) ([]*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Position, 0, len(r.rows))
	for _, row := range r.rows {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memoryPositions) openCount(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, row := range r.rows {
		if row.Symbol == symbol && row.ClosePrice == nil {
			n++
		}
	}
	return n
}

type memoryTrades struct {
	mu     sync.Mutex
	trades []domain.Trade
	err    error
}

func (r *memoryTrades) AppendTrades(ctx context.Context, trades []domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.trades = append(r.trades, trades...)
	return nil
}

func (r *memoryTrades) between(symbol string, from, to time.Time) []domain.Trade {
	var out []domain.Trade
	for _, t := range r.trades {
		if t.Symbol == symbol && !t.Timestamp.Before(from) && t.Timestamp.Before(to) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (r *memoryTrades) TradesBetween(ctx context.Context, symbol string, from, to time.Time) ([]domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.between(symbol, from, to), nil
}

func (r *memoryTrades) DollarVolumeBetween(ctx context.Context, symbol string, from, to time.Time) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum float64
	for _, t := range r.between(symbol, from, to) {
		sum += t.Notional()
	}
	return sum, nil
}

func (r *memoryTrades) PriceRangeBetween(ctx context.Context, symbol string, from, to time.Time) (float64, float64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trades := r.between(symbol, from, to)
	if len(trades) == 0 {
		return 0, 0, false, nil
	}
	high, low := trades[0].Price, trades[0].Price
	for _, t := range trades[1:] {
		if t.Price > high {
			high = t.Price
		}
		if t.Price < low {
			low = t.Price
		}
	}
	return high, low, true, nil
}

func (r *memoryTrades) PruneTradesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.trades[:0]
	var n int64
	for _, t := range r.trades {
		if t.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	r.trades = kept
	return n, nil
}

var errExchangeDown = errors.New("exchange unavailable")
