package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/vitos/orderflow_bot/internal/domain"
	"github.com/vitos/orderflow_bot/internal/infrastructure/storage"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type SQLiteStoreSuite struct {
	suite.Suite
	store *storage.SQLiteStore
	ctx   context.Context
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, new(SQLiteStoreSuite))
}

func (s *SQLiteStoreSuite) SetupTest() {
	store, err := storage.NewSQLiteStore(":memory:")
	s.Require().NoError(err)
	s.store = store
	s.ctx = context.Background()
}

func (s *SQLiteStoreSuite) TearDownTest() {
	s.store.Close()
}

func tr(offset time.Duration, price, volume float64, side domain.TradeSide) domain.Trade {
	return domain.Trade{
		Symbol:    "XBT/USD",
		Timestamp: t0.Add(offset),
		Price:     price,
		Volume:    volume,
		Side:      side,
		OrderType: domain.OrderTypeMarket,
	}
}

func (s *SQLiteStoreSuite) TestTradesRoundTripAndRanges() {
	trades := []domain.Trade{
		tr(2*time.Second, 101, 1, domain.TradeSideSell),
		tr(0, 100, 2, domain.TradeSideBuy),
		tr(time.Minute, 105, 1, domain.TradeSideBuy),
		tr(2*time.Minute, 99, 3, domain.TradeSideSell),
	}
	s.Require().NoError(s.store.AppendTrades(s.ctx, trades))

	got, err := s.store.TradesBetween(s.ctx, "XBT/USD", t0, t0.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	s.Equal(t0, got[0].Timestamp)
	s.Equal(domain.TradeSideBuy, got[0].Side)
	s.Equal(domain.OrderTypeMarket, got[0].OrderType)
	s.Equal(101.0, got[1].Price)
	s.NotZero(got[0].ID)

	volume, err := s.store.DollarVolumeBetween(s.ctx, "XBT/USD", t0.Add(time.Second), t0.Add(3*time.Minute))
	s.Require().NoError(err)
	s.InDelta(101+105+297, volume, 1e-9)

	high, low, ok, err := s.store.PriceRangeBetween(s.ctx, "XBT/USD", t0, t0.Add(90*time.Second))
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(105.0, high)
	s.Equal(100.0, low)

	_, _, ok, err = s.store.PriceRangeBetween(s.ctx, "XBT/USD", t0.Add(time.Hour), t0.Add(2*time.Hour))
	s.Require().NoError(err)
	s.False(ok)

	none, err := s.store.TradesBetween(s.ctx, "ETH/USD", t0, t0.Add(time.Hour))
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *SQLiteStoreSuite) TestPruneTrades() {
	s.Require().NoError(s.store.AppendTrades(s.ctx, []domain.Trade{
		tr(-31*24*time.Hour, 100, 1, domain.TradeSideBuy),
		tr(0, 100, 1, domain.TradeSideBuy),
	}))

	n, err := s.store.PruneTradesBefore(s.ctx, t0.Add(-30*24*time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	left, err := s.store.TradesBetween(s.ctx, "XBT/USD", t0.Add(-365*24*time.Hour), t0.Add(time.Hour))
	s.Require().NoError(err)
	s.Len(left, 1)
}

func position(id string) *domain.Position {
	orderID := "exch-" + id
	return &domain.Position{
		ID:              id,
		Symbol:          "PF_XBTUSD",
		OpenTimestamp:   t0,
		OpenPrice:       100,
		Side:            domain.SideLong,
		Size:            0.01,
		TakeProfit:      102,
		StopLoss:        99,
		ExchangeOrderID: &orderID,
	}
}

func (s *SQLiteStoreSuite) TestSecondOpenPositionRejected() {
	s.Require().NoError(s.store.InsertPosition(s.ctx, position("a")))

	err := s.store.InsertPosition(s.ctx, position("b"))
	s.True(errors.Is(err, domain.ErrPositionAlreadyOpen))

	other := position("c")
	other.Symbol = "PF_ETHUSD"
	s.NoError(s.store.InsertPosition(s.ctx, other))
}

func (s *SQLiteStoreSuite) TestCloseIsTerminal() {
	s.Require().NoError(s.store.InsertPosition(s.ctx, position("a")))

	open, err := s.store.GetOpenPosition(s.ctx, "PF_XBTUSD")
	s.Require().NoError(err)
	s.Require().NotNil(open)
	s.Equal("exch-a", *open.ExchangeOrderID)
	s.Equal(t0, open.OpenTimestamp)
	s.True(open.IsOpen())

	closedAt := t0.Add(time.Hour)
	s.Require().NoError(s.store.ClosePosition(s.ctx, "a", 102.5, closedAt, domain.CloseReasonTakeProfit))

	err = s.store.ClosePosition(s.ctx, "a", 90, closedAt.Add(time.Minute), domain.CloseReasonStopLoss)
	s.True(errors.Is(err, domain.ErrPositionAlreadyClosed))

	err = s.store.ClosePosition(s.ctx, "missing", 90, closedAt, domain.CloseReasonStopLoss)
	s.True(errors.Is(err, domain.ErrPositionNotFound))

	open, err = s.store.GetOpenPosition(s.ctx, "PF_XBTUSD")
	s.Require().NoError(err)
	s.Nil(open)

	all, err := s.store.ListPositions(s.ctx, domain.RangeQuery{Symbol: "PF_XBTUSD"})
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal(domain.CloseReasonTakeProfit, all[0].CloseReason)
	s.Equal(102.5, *all[0].ClosePrice)
	s.Equal(closedAt, *all[0].CloseTimestamp)

	// a new identity may open after the close
	s.NoError(s.store.InsertPosition(s.ctx, position("b")))
}

func (s *SQLiteStoreSuite) TestSignals() {
	for i, dir := range []domain.Direction{domain.DirectionBuy, domain.DirectionHold, domain.DirectionSell, domain.DirectionBuy} {
		rec := &domain.SignalRecord{
			Symbol:          "PF_XBTUSD",
			Timestamp:       t0.Add(time.Duration(i) * 5 * time.Minute),
			Direction:       dir,
			Score:           i,
			CumulativeDelta: float64(i) * 1.5,
			Reason:          "test",
		}
		s.Require().NoError(s.store.SaveSignal(s.ctx, rec))
		s.NotZero(rec.ID)
	}

	recent, err := s.store.RecentSignals(s.ctx, "PF_XBTUSD", 3)
	s.Require().NoError(err)
	s.Require().Len(recent, 3)
	s.Equal(domain.DirectionBuy, recent[0].Direction)
	s.Equal(domain.DirectionSell, recent[1].Direction)
	s.Equal(domain.DirectionHold, recent[2].Direction)

	buys, err := s.store.ListSignals(s.ctx, domain.RangeQuery{Symbol: "PF_XBTUSD", Direction: domain.DirectionBuy, Limit: 1})
	s.Require().NoError(err)
	s.Require().Len(buys, 1)
	s.Equal(t0.Add(15*time.Minute), buys[0].Timestamp)

	window, err := s.store.ListSignals(s.ctx, domain.RangeQuery{From: t0.Add(time.Minute), To: t0.Add(15 * time.Minute)})
	s.Require().NoError(err)
	s.Len(window, 2)
}

func (s *SQLiteStoreSuite) TestBarMetricsCache() {
	start := t0
	end := t0.Add(5 * time.Minute)

	_, ok, err := s.store.GetBarMetrics(s.ctx, "PF_XBTUSD", start, end)
	s.Require().NoError(err)
	s.False(ok)

	m := domain.OrderFlowMetrics{StartTime: start, EndTime: end, BuyVolume: 3, SellVolume: 1, Delta: 2, AggressiveRatio: 3}
	s.Require().NoError(s.store.SaveBarMetrics(s.ctx, "PF_XBTUSD", m))
	s.Require().NoError(s.store.SaveBarMetrics(s.ctx, "PF_XBTUSD", m))

	got, ok, err := s.store.GetBarMetrics(s.ctx, "PF_XBTUSD", start, end)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(2.0, got.Delta)
	s.True(got.StartTime.Equal(start))

	n, err := s.store.PruneBarMetricsBefore(s.ctx, end.Add(time.Second))
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}
