package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/orderflow_bot/internal/domain"
	"github.com/vitos/orderflow_bot/internal/usecase"
	"go.uber.org/zap"
)

const symbol = "PF_XBTUSD"

type pmFixture struct {
	exchange  *MockExchange
	positions *memoryPositions
	trades    *memoryTrades
	manager   *usecase.PositionManager
}

func newPMFixture(cfg usecase.PositionConfig, confirmation usecase.Confirmation) *pmFixture {
	cfg.Symbol = symbol
	if cfg.Size == 0 {
		cfg.Size = 0.01
	}
	f := &pmFixture{
		exchange:  &MockExchange{Quote: &domain.Quote{Symbol: symbol, Last: 100}},
		positions: &memoryPositions{},
		trades:    &memoryTrades{},
	}
	f.manager = usecase.NewPositionManager(cfg, f.exchange, f.positions, f.trades, confirmation, nil, zap.NewNop())
	return f
}

func (f *pmFixture) seed(t *testing.T, p domain.Position) {
	t.Helper()
	p.Symbol = symbol
	if p.ID == "" {
		p.ID = "pos-1"
	}
	if p.Size == 0 {
		p.Size = 0.01
	}
	require.NoError(t, f.positions.InsertPosition(context.Background(), &p))
}

// record stores trades under the fixture's symbol.
func (f *pmFixture) record(t *testing.T, trades ...domain.Trade) {
	t.Helper()
	for i := range trades {
		trades[i].Symbol = symbol
	}
	require.NoError(t, f.trades.AppendTrades(context.Background(), trades))
}

func input(dir domain.Direction, price float64, now time.Time) usecase.EvaluateInput {
	return usecase.EvaluateInput{
		Signal: domain.CompositeSignal{Direction: dir, Score: 5},
		Quote:  &domain.Quote{Symbol: symbol, Last: price},
		Now:    now,
	}
}

func TestPositionManager_OpensOnConfirmedSignal(t *testing.T) {
	f := newPMFixture(usecase.PositionConfig{TakeProfitPct: 0.02, StopLossPct: 0.01}, nil)

	d, err := f.manager.Evaluate(context.Background(), input(buy, 100, baseTime))
	require.NoError(t, err)
	require.Equal(t, usecase.ActionOpened, d.Action)

	require.Len(t, f.exchange.Orders, 1)
	order := f.exchange.Orders[0]
	assert.Equal(t, domain.TradeSideBuy, order.Side)
	assert.Equal(t, domain.ExchangeOrderMarket, order.Type)
	assert.False(t, order.ReduceOnly)
	assert.NotEmpty(t, order.ClientOrderID)

	pos, err := f.positions.GetOpenPosition(context.Background(), symbol)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.Equal(t, 100.0, pos.OpenPrice)
	assert.InDelta(t, 102.0, pos.TakeProfit, 1e-9)
	assert.InDelta(t, 99.0, pos.StopLoss, 1e-9)
	require.NotNil(t, pos.ExchangeOrderID)
	assert.Equal(t, "ord-"+order.ClientOrderID, *pos.ExchangeOrderID)
}

func TestPositionManager_ShortUsesFillPrice(t *testing.T) {
	f := newPMFixture(usecase.PositionConfig{TakeProfitPct: 0.1, StopLossPct: 0.05}, nil)
	f.exchange.FillPrice = 200

	d, err := f.manager.Evaluate(context.Background(), input(sell, 190, baseTime))
	require.NoError(t, err)
	require.Equal(t, usecase.ActionOpened, d.Action)

	assert.Equal(t, domain.TradeSideSell, f.exchange.Orders[0].Side)
	assert.Equal(t, domain.SideShort, d.Position.Side)
	assert.Equal(t, 200.0, d.Position.OpenPrice)
	assert.InDelta(t, 180.0, d.Position.TakeProfit, 1e-9)
	assert.InDelta(t, 210.0, d.Position.StopLoss, 1e-9)
}

func TestPositionManager_NoEntry(t *testing.T) {
	tests := []struct {
		name         string
		signal       domain.Direction
		confirmation usecase.Confirmation
		history      []domain.SignalRecord
	}{
		{"hold signal", hold, nil, nil},
		{"confirmation disagrees", buy, &usecase.ConsecutiveConfirmation{Count: 3, Window: 10}, signals(buy, sell, buy)},
		{"confirmation opposite", sell, &usecase.MajorityConfirmation{Window: 3}, signals(buy, buy, sell)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPMFixture(usecase.PositionConfig{TakeProfitPct: 0.02, StopLossPct: 0.01}, tt.confirmation)
			in := input(tt.signal, 100, baseTime)
			in.RecentSignals = tt.history

			d, err := f.manager.Evaluate(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, usecase.ActionNone, d.Action)
			assert.Empty(t, f.exchange.Orders)
			assert.Zero(t, f.positions.openCount(symbol))
		})
	}
}

func TestPositionManager_FailedEntryLeavesNoPosition(t *testing.T) {
	f := newPMFixture(usecase.PositionConfig{TakeProfitPct: 0.02, StopLossPct: 0.01}, nil)
	f.exchange.PlaceErr = errExchangeDown

	_, err := f.manager.Evaluate(context.Background(), input(buy, 100, baseTime))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExchangeStateUnknown))
	assert.True(t, errors.Is(err, errExchangeDown))
	assert.Zero(t, f.positions.openCount(symbol))
}

func TestPositionManager_UntrackedExchangePositionBlocksEntry(t *testing.T) {
	f := newPMFixture(usecase.PositionConfig{TakeProfitPct: 0.02, StopLossPct: 0.01}, nil)
	f.exchange.OpenPositions = []domain.ExchangePosition{{Symbol: symbol, Side: domain.SideLong, Size: 1}}

	_, err := f.manager.Evaluate(context.Background(), input(buy, 100, baseTime))
	assert.True(t, errors.Is(err, domain.ErrInvariantViolation))
	assert.Empty(t, f.exchange.Orders)
}

func TestPositionManager_ExitPrecedence(t *testing.T) {
	open := baseTime.Add(-time.Hour)

	tests := []struct {
		name   string
		cfg    usecase.PositionConfig
		pos    domain.Position
		trades []domain.Trade
		signal domain.Direction
		price  float64
		want   domain.CloseReason
	}{
		{
			name:   "take profit wins over stop loss",
			pos:    domain.Position{Side: domain.SideLong, OpenPrice: 103, TakeProfit: 100, StopLoss: 105, OpenTimestamp: open},
			signal: sell,
			price:  102,
			want:   domain.CloseReasonTakeProfit,
		},
		{
			name:  "stop loss short",
			pos:   domain.Position{Side: domain.SideShort, OpenPrice: 100, TakeProfit: 90, StopLoss: 105, OpenTimestamp: open},
			price: 106,
			want:  domain.CloseReasonStopLoss,
		},
		{
			name: "dollar volume since open",
			cfg:  usecase.PositionConfig{DollarThreshold: 1000, DollarVolumeExitMultiple: 2},
			pos:  domain.Position{Side: domain.SideLong, OpenPrice: 100, TakeProfit: 120, StopLoss: 80, OpenTimestamp: open},
			trades: []domain.Trade{
				trade(-2*time.Hour, 100, 100, domain.TradeSideBuy, domain.OrderTypeMarket),
				trade(-30*time.Minute, 100, 15, domain.TradeSideBuy, domain.OrderTypeMarket),
				trade(-10*time.Minute, 100, 6, domain.TradeSideSell, domain.OrderTypeMarket),
			},
			signal: sell,
			price:  101,
			want:   domain.CloseReasonDollarVolumeExit,
		},
		{
			name: "trailing stop after activation",
			cfg:  usecase.PositionConfig{TrailingActivationPct: 0.05, TrailingRetrace: 0.5},
			pos:  domain.Position{Side: domain.SideLong, OpenPrice: 100, TakeProfit: 150, StopLoss: 80, OpenTimestamp: open},
			trades: []domain.Trade{
				trade(-20*time.Minute, 110, 1, domain.TradeSideBuy, domain.OrderTypeMarket),
			},
			signal: sell,
			price:  104,
			want:   domain.CloseReasonTrailingStop,
		},
		{
			name:   "signal reversal",
			pos:    domain.Position{Side: domain.SideShort, OpenPrice: 100, TakeProfit: 90, StopLoss: 110, OpenTimestamp: open},
			signal: buy,
			price:  100,
			want:   domain.CloseReasonMarketSwitchExit,
		},
		{
			name: "avoidance window",
			cfg: usecase.PositionConfig{AvoidanceWindows: []usecase.AvoidanceWindow{
				{Start: "11:55", Duration: 10 * time.Minute},
			}},
			pos:    domain.Position{Side: domain.SideLong, OpenPrice: 100, TakeProfit: 120, StopLoss: 80, OpenTimestamp: open},
			signal: buy,
			price:  100,
			want:   domain.CloseReasonMarketOpenAvoidance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPMFixture(tt.cfg, nil)
			f.seed(t, tt.pos)
			f.record(t, tt.trades...)

			d, err := f.manager.Evaluate(context.Background(), input(tt.signal, tt.price, baseTime))
			require.NoError(t, err)
			require.Equal(t, usecase.ActionClosed, d.Action)
			assert.Equal(t, string(tt.want), d.Reason)

			require.Len(t, f.exchange.Orders, 1, "a close must not be followed by an entry in the same tick")
			assert.True(t, f.exchange.Orders[0].ReduceOnly)

			rows, _ := f.positions.ListPositions(context.Background(), domain.RangeQuery{})
			require.Len(t, rows, 1)
			assert.Equal(t, tt.want, rows[0].CloseReason)
			assert.Equal(t, tt.price, *rows[0].ClosePrice)
			assert.Equal(t, baseTime, *rows[0].CloseTimestamp)
		})
	}
}

func TestPositionManager_TrailingStopNotActivated(t *testing.T) {
	f := newPMFixture(usecase.PositionConfig{TrailingActivationPct: 0.05, TrailingRetrace: 0.5}, nil)
	f.seed(t, domain.Position{Side: domain.SideLong, OpenPrice: 100, TakeProfit: 150, StopLoss: 80, OpenTimestamp: baseTime.Add(-time.Hour)})
	f.record(t, trade(-20*time.Minute, 103, 1, domain.TradeSideBuy, domain.OrderTypeMarket))

	d, err := f.manager.Evaluate(context.Background(), input(hold, 101, baseTime))
	require.NoError(t, err)
	assert.Equal(t, usecase.ActionNone, d.Action)
	assert.Empty(t, f.exchange.Orders)
}

func TestPositionManager_DollarVolumeFromWindowStart(t *testing.T) {
	cfg := usecase.PositionConfig{
		DollarThreshold:          1000,
		DollarVolumeExitMultiple: 1,
		DollarVolumeFrom:         usecase.DollarVolumeFromWindowStart,
	}
	f := newPMFixture(cfg, nil)
	f.seed(t, domain.Position{Side: domain.SideLong, OpenPrice: 100, TakeProfit: 150, StopLoss: 50, OpenTimestamp: baseTime.Add(-10 * time.Minute)})
	f.record(t, trade(-30*time.Minute, 100, 12, domain.TradeSideBuy, domain.OrderTypeMarket))

	// nothing has traded since the position opened
	d, err := f.manager.Evaluate(context.Background(), input(hold, 100, baseTime))
	require.NoError(t, err)
	assert.Equal(t, usecase.ActionNone, d.Action)

	in := input(hold, 100, baseTime)
	in.WindowStart = baseTime.Add(-time.Hour)
	d, err = f.manager.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, string(domain.CloseReasonDollarVolumeExit), d.Reason)
}

func TestPositionManager_FailedCloseKeepsPositionOpen(t *testing.T) {
	f := newPMFixture(usecase.PositionConfig{}, nil)
	f.seed(t, domain.Position{Side: domain.SideLong, OpenPrice: 100, TakeProfit: 101, StopLoss: 90, OpenTimestamp: baseTime.Add(-time.Hour)})
	f.exchange.PlaceErr = errExchangeDown

	_, err := f.manager.Evaluate(context.Background(), input(hold, 105, baseTime))
	assert.True(t, errors.Is(err, domain.ErrExchangeStateUnknown))

	pos, err := f.positions.GetOpenPosition(context.Background(), symbol)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.IsOpen())
}

func TestPositionManager_AvoidanceSuppressesEntries(t *testing.T) {
	cfg := usecase.PositionConfig{
		TakeProfitPct:    0.02,
		StopLossPct:      0.01,
		AvoidanceWindows: []usecase.AvoidanceWindow{{Start: "11:55", Duration: 10 * time.Minute}},
	}
	f := newPMFixture(cfg, nil)

	d, err := f.manager.Evaluate(context.Background(), input(buy, 100, baseTime))
	require.NoError(t, err)
	assert.Equal(t, usecase.ActionNone, d.Action)
	assert.Contains(t, d.Reason, "12:05")

	d, err = f.manager.Evaluate(context.Background(), input(buy, 100, baseTime.Add(6*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, usecase.ActionOpened, d.Action)
}

func TestPositionManager_AtMostOneOpenPosition(t *testing.T) {
	f := newPMFixture(usecase.PositionConfig{TakeProfitPct: 0.02, StopLossPct: 0.02}, nil)
	ctx := context.Background()

	sequence := []struct {
		dir   domain.Direction
		price float64
	}{
		{buy, 100}, {buy, 100.5}, {sell, 101}, {sell, 101}, {buy, 99}, {buy, 101.5},
		{hold, 100}, {sell, 100}, {buy, 110}, {sell, 95}, {sell, 90},
	}

	for i, step := range sequence {
		_, err := f.manager.Evaluate(ctx, input(step.dir, step.price, baseTime.Add(time.Duration(i)*5*time.Minute)))
		require.NoError(t, err)
		assert.LessOrEqual(t, f.positions.openCount(symbol), 1, "step %d", i)
	}

	rows, _ := f.positions.ListPositions(ctx, domain.RangeQuery{})
	for _, p := range rows[:len(rows)-1] {
		assert.False(t, p.IsOpen())
	}
}

func TestPositionManager_StopModes(t *testing.T) {
	bars := []domain.Bar{
		{High: 101, Low: 99, Close: 100},
		{High: 102, Low: 97, Close: 101},
		{High: 103, Low: 95, Close: 102},
		{High: 104, Low: 98, Close: 103},
		{High: 105, Low: 99, Close: 104},
		{High: 106, Low: 100, Close: 105},
	}

	t.Run("fractal", func(t *testing.T) {
		f := newPMFixture(usecase.PositionConfig{StopMode: usecase.StopModeFractal, RewardRatio: 2}, nil)
		in := input(buy, 105, baseTime)
		in.Bars = bars

		d, err := f.manager.Evaluate(context.Background(), in)
		require.NoError(t, err)
		require.Equal(t, usecase.ActionOpened, d.Action)
		assert.Equal(t, 95.0, d.Position.StopLoss)
		assert.Equal(t, 125.0, d.Position.TakeProfit)
	})

	t.Run("atr", func(t *testing.T) {
		f := newPMFixture(usecase.PositionConfig{StopMode: usecase.StopModeATR, ATRPeriod: 2, ATRTakeProfitMultiple: 2, ATRStopLossMultiple: 1}, nil)
		in := input(sell, 105, baseTime)
		in.Bars = bars

		d, err := f.manager.Evaluate(context.Background(), in)
		require.NoError(t, err)
		require.Equal(t, usecase.ActionOpened, d.Action)
		assert.Less(t, d.Position.TakeProfit, 105.0)
		assert.Greater(t, d.Position.StopLoss, 105.0)
		assert.InDelta(t, 105-d.Position.TakeProfit, 2*(d.Position.StopLoss-105), 1e-9)
	})

	t.Run("fractal without history", func(t *testing.T) {
		f := newPMFixture(usecase.PositionConfig{StopMode: usecase.StopModeFractal, RewardRatio: 2}, nil)

		d, err := f.manager.Evaluate(context.Background(), input(buy, 105, baseTime))
		require.NoError(t, err)
		assert.Equal(t, usecase.ActionNone, d.Action)
		assert.Empty(t, f.exchange.Orders)
	})
}

func TestPositionManager_Reconcile(t *testing.T) {
	f := newPMFixture(usecase.PositionConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.Reconcile(ctx))

	f.exchange.OpenPositions = []domain.ExchangePosition{{Symbol: symbol, Side: domain.SideShort, Size: 0.01}}
	assert.True(t, errors.Is(f.manager.Reconcile(ctx), domain.ErrInvariantViolation))

	f.seed(t, domain.Position{Side: domain.SideShort, OpenPrice: 100, OpenTimestamp: baseTime})
	require.NoError(t, f.manager.Reconcile(ctx))

	f.exchange.OpenPositions = nil
	assert.True(t, errors.Is(f.manager.Reconcile(ctx), domain.ErrInvariantViolation))

	f.exchange.PositionsErr = errExchangeDown
	assert.True(t, errors.Is(f.manager.Reconcile(ctx), domain.ErrExchangeStateUnknown))
}

func TestAvoidanceWindow_ActiveAt(t *testing.T) {
	w := usecase.AvoidanceWindow{Start: "23:50", Duration: 20 * time.Minute, Weekdays: []string{"Friday"}}
	require.NoError(t, w.Validate())

	// 2024-03-01 is a Friday
	end, ok := w.ActiveAt(time.Date(2024, 3, 1, 23, 55, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 10, 0, 0, time.UTC), end)

	_, ok = w.ActiveAt(time.Date(2024, 3, 2, 0, 5, 0, 0, time.UTC))
	assert.True(t, ok, "window crossing midnight belongs to its start day")

	_, ok = w.ActiveAt(time.Date(2024, 3, 2, 23, 55, 0, 0, time.UTC))
	assert.False(t, ok, "saturday is not listed")

	bad := usecase.AvoidanceWindow{Start: "25:99", Duration: time.Minute}
	assert.Error(t, bad.Validate())
}
