package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/orderflow_bot/internal/domain"
	"github.com/vitos/orderflow_bot/internal/infrastructure/indicator"
	"go.uber.org/zap"
)

const (
	StopModePercent = "percent"
	StopModeATR     = "atr"
	StopModeFractal = "fractal"

	DollarVolumeFromPositionOpen = "position_open"
	DollarVolumeFromWindowStart  = "window_start"
)

// PositionConfig holds sizing and exit parameters. Symbol and DollarThreshold
// come from the symbol and bar settings.
type PositionConfig struct {
	Symbol string  `yaml:"-"`
	Size   float64 `yaml:"size" validate:"gt=0"`

	StopMode              string  `yaml:"stop_mode" validate:"oneof=percent atr fractal"`
	TakeProfitPct         float64 `yaml:"take_profit_pct" validate:"gte=0"`
	StopLossPct           float64 `yaml:"stop_loss_pct" validate:"gte=0"`
	ATRPeriod             int     `yaml:"atr_period" validate:"gte=1"`
	ATRTakeProfitMultiple float64 `yaml:"atr_take_profit_multiple" validate:"gte=0"`
	ATRStopLossMultiple   float64 `yaml:"atr_stop_loss_multiple" validate:"gte=0"`
	RewardRatio           float64 `yaml:"reward_ratio" validate:"gte=0"`

	DollarThreshold          float64 `yaml:"-"`
	DollarVolumeExitMultiple float64 `yaml:"dollar_volume_exit_multiple" validate:"gte=0"`
	DollarVolumeFrom         string  `yaml:"dollar_volume_from" validate:"oneof=position_open window_start"`

	TrailingActivationPct float64 `yaml:"trailing_activation_pct" validate:"gte=0"`
	TrailingRetrace       float64 `yaml:"trailing_retrace" validate:"gte=0,lte=1"`

	AvoidanceWindows []AvoidanceWindow `yaml:"avoidance_windows" validate:"dive"`
}

type Action string

const (
	ActionNone   Action = "none"
	ActionOpened Action = "opened"
	ActionClosed Action = "closed"
)

// Decision reports what one evaluation did.
type Decision struct {
	Action   Action
	Position *domain.Position
	Reason   string
}

// EvaluateInput carries everything a tick hands to the position manager.
type EvaluateInput struct {
	Signal        domain.CompositeSignal
	RecentSignals []domain.SignalRecord
	Bars          []domain.Bar
	Quote         *domain.Quote
	Now           time.Time
	WindowStart   time.Time
}

// PositionManager owns at most one open position for its symbol. All
// mutations go through Evaluate and Reconcile, serialized by mu.
type PositionManager struct {
	config       PositionConfig
	exchange     domain.Exchange
	positions    domain.PositionRepository
	trades       domain.TradeRepository
	confirmation Confirmation
	metrics      Metrics
	logger       *zap.Logger
	mu           sync.Mutex
}

func NewPositionManager(
	config PositionConfig,
	exchange domain.Exchange,
	positions domain.PositionRepository,
	trades domain.TradeRepository,
	confirmation Confirmation,
	metrics Metrics,
	logger *zap.Logger,
) *PositionManager {
	if config.StopMode == "" {
		config.StopMode = StopModePercent
	}
	if config.DollarVolumeFrom == "" {
		config.DollarVolumeFrom = DollarVolumeFromPositionOpen
	}
	if confirmation == nil {
		confirmation = NoConfirmation{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &PositionManager{
		config:       config,
		exchange:     exchange,
		positions:    positions,
		trades:       trades,
		confirmation: confirmation,
		metrics:      metrics,
		logger:       logger,
	}
}

// Evaluate runs one step of the Flat/Open state machine. A tick that closes a
// position never opens another one.
func (m *PositionManager) Evaluate(ctx context.Context, in EvaluateInput) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.Quote == nil || in.Quote.Last <= 0 {
		return &Decision{Action: ActionNone, Reason: "no live price"}, nil
	}

	pos, err := m.positions.GetOpenPosition(ctx, m.config.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load open position: %w", err)
	}
	if pos != nil {
		return m.evaluateOpen(ctx, pos, in)
	}
	return m.evaluateFlat(ctx, in)
}

func (m *PositionManager) evaluateOpen(ctx context.Context, pos *domain.Position, in EvaluateInput) (*Decision, error) {
	ec := &exitContext{
		position:    pos,
		price:       in.Quote.Last,
		signal:      in.Signal,
		now:         in.Now,
		windowStart: in.WindowStart,
	}

	for _, rule := range m.exitRules() {
		hit, err := rule.check(ctx, ec)
		if err != nil {
			return nil, fmt.Errorf("exit rule %s: %w", rule.reason, err)
		}
		if !hit {
			continue
		}
		if err := m.close(ctx, pos, in.Quote.Last, in.Now, rule.reason); err != nil {
			return nil, err
		}
		return &Decision{Action: ActionClosed, Position: pos, Reason: string(rule.reason)}, nil
	}

	return &Decision{Action: ActionNone, Position: pos, Reason: "holding " + string(pos.Side)}, nil
}

func (m *PositionManager) close(ctx context.Context, pos *domain.Position, price float64, now time.Time, reason domain.CloseReason) error {
	req := domain.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          closingSide(pos.Side),
		Size:          pos.Size,
		Type:          domain.ExchangeOrderMarket,
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	}
	ack, err := m.exchange.PlaceOrder(ctx, req)
	if err != nil {
		m.metrics.ExchangeError("place_order")
		m.logger.Error("Close order failed, local position left open",
			zap.String("position_id", pos.ID),
			zap.String("reason", string(reason)),
			zap.String("client_order_id", req.ClientOrderID),
			zap.Error(err))
		return fmt.Errorf("%w: close %s: %w", domain.ErrExchangeStateUnknown, pos.ID, err)
	}

	closePrice := price
	if ack.FillPrice > 0 {
		closePrice = ack.FillPrice
	}

	if err := m.positions.ClosePosition(ctx, pos.ID, closePrice, now, reason); err != nil {
		if errors.Is(err, domain.ErrPositionAlreadyClosed) || errors.Is(err, domain.ErrPositionNotFound) {
			m.logger.Error("Position was closed on exchange but local close was rejected",
				zap.String("position_id", pos.ID), zap.String("order_id", ack.OrderID), zap.Error(err))
			return fmt.Errorf("%w: %w", domain.ErrInvariantViolation, err)
		}
		return fmt.Errorf("failed to record close of %s: %w", pos.ID, err)
	}

	pos.ClosePrice = &closePrice
	pos.CloseTimestamp = &now
	pos.CloseReason = reason
	m.metrics.PositionClosed(reason, pos.RealizedPnL())

	m.logger.Info("Position closed",
		zap.String("position_id", pos.ID),
		zap.String("side", string(pos.Side)),
		zap.String("reason", string(reason)),
		zap.Float64("open_price", pos.OpenPrice),
		zap.Float64("close_price", closePrice),
		zap.Float64("pnl", pos.RealizedPnL()))
	return nil
}

func (m *PositionManager) evaluateFlat(ctx context.Context, in EvaluateInput) (*Decision, error) {
	if until, active := activeAvoidance(m.config.AvoidanceWindows, in.Now); active {
		return &Decision{Action: ActionNone, Reason: "entries suppressed until " + until.Format(time.RFC3339)}, nil
	}

	side, ok := domain.SideFor(in.Signal.Direction)
	if !ok {
		return &Decision{Action: ActionNone, Reason: "signal is hold"}, nil
	}

	confirmed := m.confirmation.Confirm(ConfirmationInput{
		Candidate:     in.Signal.Direction,
		RecentSignals: in.RecentSignals,
		Bars:          in.Bars,
	})
	if confirmed != in.Signal.Direction {
		return &Decision{Action: ActionNone, Reason: fmt.Sprintf("%s confirmation returned %s", m.confirmation.Name(), confirmed)}, nil
	}

	remote, err := m.exchange.GetOpenPositions(ctx)
	if err != nil {
		m.metrics.ExchangeError("get_open_positions")
		return nil, fmt.Errorf("%w: get open positions: %w", domain.ErrExchangeStateUnknown, err)
	}
	for _, rp := range remote {
		if rp.Symbol == m.config.Symbol && rp.Size != 0 {
			m.logger.Error("Exchange reports a position the bot does not track",
				zap.String("symbol", rp.Symbol), zap.String("side", string(rp.Side)), zap.Float64("size", rp.Size))
			return nil, fmt.Errorf("%w: exchange holds %s %s while local state is flat", domain.ErrInvariantViolation, rp.Side, rp.Symbol)
		}
	}

	tp, sl, err := m.levels(side, in.Quote.Last, in.Bars)
	if err != nil {
		return &Decision{Action: ActionNone, Reason: err.Error()}, nil
	}

	req := domain.OrderRequest{
		Symbol:        m.config.Symbol,
		Side:          openingSide(side),
		Size:          m.config.Size,
		Type:          domain.ExchangeOrderMarket,
		ClientOrderID: uuid.NewString(),
	}
	ack, err := m.exchange.PlaceOrder(ctx, req)
	if err != nil {
		m.metrics.ExchangeError("place_order")
		m.logger.Error("Entry order failed",
			zap.String("side", string(side)), zap.String("client_order_id", req.ClientOrderID), zap.Error(err))
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrExchangeStateUnknown, side, err)
	}

	openPrice := in.Quote.Last
	if ack.FillPrice > 0 {
		openPrice = ack.FillPrice
		if ftp, fsl, err := m.levels(side, openPrice, in.Bars); err == nil {
			tp, sl = ftp, fsl
		}
	}

	orderID := ack.OrderID
	pos := &domain.Position{
		ID:              uuid.NewString(),
		Symbol:          m.config.Symbol,
		OpenTimestamp:   in.Now,
		OpenPrice:       openPrice,
		Side:            side,
		Size:            m.config.Size,
		TakeProfit:      tp,
		StopLoss:        sl,
		ExchangeOrderID: &orderID,
	}
	if err := m.positions.InsertPosition(ctx, pos); err != nil {
		m.logger.Error("Entry filled on exchange but local insert failed",
			zap.String("order_id", orderID), zap.Error(err))
		if errors.Is(err, domain.ErrPositionAlreadyOpen) {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvariantViolation, err)
		}
		return nil, fmt.Errorf("failed to record position: %w", err)
	}
	m.metrics.PositionOpened(side)

	m.logger.Info("Position opened",
		zap.String("position_id", pos.ID),
		zap.String("side", string(side)),
		zap.Float64("price", openPrice),
		zap.Float64("take_profit", tp),
		zap.Float64("stop_loss", sl),
		zap.Int("score", in.Signal.Score))
	return &Decision{Action: ActionOpened, Position: pos, Reason: in.Signal.Reason}, nil
}

// levels computes take-profit and stop-loss prices for an entry at price.
func (m *PositionManager) levels(side domain.Side, price float64, bars []domain.Bar) (tp, sl float64, err error) {
	dir := 1.0
	if side == domain.SideShort {
		dir = -1.0
	}

	switch m.config.StopMode {
	case StopModeATR:
		atr, err := indicator.ATR(bars, m.config.ATRPeriod)
		if err != nil {
			return 0, 0, fmt.Errorf("atr unavailable: %w", err)
		}
		tp = price + dir*atr*m.config.ATRTakeProfitMultiple
		sl = price - dir*atr*m.config.ATRStopLossMultiple

	case StopModeFractal:
		// longs stop under the last support fractal, shorts over the last resistance fractal
		f, ok := indicator.LastFractal(bars, side == domain.SideShort)
		if !ok {
			return 0, 0, fmt.Errorf("%w: no fractal for stop", domain.ErrInsufficientData)
		}
		risk := dir * (price - f.Price)
		if risk <= 0 {
			return 0, 0, fmt.Errorf("fractal %.2f is on the wrong side of entry %.2f", f.Price, price)
		}
		sl = f.Price
		tp = price + dir*risk*m.config.RewardRatio

	default:
		tp = price * (1 + dir*m.config.TakeProfitPct)
		sl = price * (1 - dir*m.config.StopLossPct)
	}

	if m.config.TakeProfitPct <= 0 && m.config.StopMode == StopModePercent {
		tp = 0
	}
	if m.config.StopLossPct <= 0 && m.config.StopMode == StopModePercent {
		sl = 0
	}
	return tp, sl, nil
}

// Reconcile compares the local open position with the exchange view.
func (m *PositionManager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, err := m.positions.GetOpenPosition(ctx, m.config.Symbol)
	if err != nil {
		return fmt.Errorf("failed to load open position: %w", err)
	}
	remote, err := m.exchange.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("%w: get open positions: %w", domain.ErrExchangeStateUnknown, err)
	}

	var match *domain.ExchangePosition
	for i := range remote {
		if remote[i].Symbol == m.config.Symbol && remote[i].Size != 0 {
			match = &remote[i]
			break
		}
	}

	switch {
	case local == nil && match == nil:
		return nil
	case local == nil:
		return fmt.Errorf("%w: exchange holds %s %s with no local position", domain.ErrInvariantViolation, match.Side, match.Symbol)
	case match == nil:
		return fmt.Errorf("%w: local position %s is open but the exchange has none", domain.ErrInvariantViolation, local.ID)
	case match.Side != local.Side:
		return fmt.Errorf("%w: local position %s is %s, exchange is %s", domain.ErrInvariantViolation, local.ID, local.Side, match.Side)
	}
	return nil
}

func openingSide(side domain.Side) domain.TradeSide {
	if side == domain.SideShort {
		return domain.TradeSideSell
	}
	return domain.TradeSideBuy
}

func closingSide(side domain.Side) domain.TradeSide {
	if side == domain.SideShort {
		return domain.TradeSideBuy
	}
	return domain.TradeSideSell
}
