package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/orderflow_bot/internal/domain"
	"go.uber.org/zap"
)

// ErrTickInProgress is returned when a tick starts while the previous one is still running.
var ErrTickInProgress = errors.New("tick already in progress")

// TradingConfig drives the tick loop. HistoryBars is how many fixed-interval
// bars are built for indicators; DollarLookback is the trade history scanned
// for dollar bars.
type TradingConfig struct {
	Symbol         string
	TickInterval   time.Duration
	TickTimeout    time.Duration
	StaleFeedAfter time.Duration
	HistoryBars    int
	DollarLookback time.Duration
	SignalHistory  int
}

// FeedClock tells when the last trade arrived.
type FeedClock interface {
	LastTradeAt() time.Time
}

// TickResult summarizes one evaluation tick.
type TickResult struct {
	StartedAt time.Time
	Bars      int
	Flow      *domain.OrderFlowResult
	Signal    domain.CompositeSignal
	Decision  *Decision
}

// TradingService runs the periodic evaluation pipeline.
type TradingService struct {
	config     TradingConfig
	builder    BarBuilder
	aggregator *OrderFlowAggregator
	classifier *SignalClassifier
	manager    *PositionManager
	trades     domain.TradeRepository
	signals    domain.SignalRepository
	exchange   domain.Exchange
	feed       FeedClock
	metrics    Metrics
	logger     *zap.Logger

	timeNow func() time.Time
	tickMu  sync.Mutex
	wg      sync.WaitGroup

	statusMu   sync.RWMutex
	lastResult *TickResult
}

func NewTradingService(
	config TradingConfig,
	builder BarBuilder,
	aggregator *OrderFlowAggregator,
	classifier *SignalClassifier,
	manager *PositionManager,
	trades domain.TradeRepository,
	signals domain.SignalRepository,
	exchange domain.Exchange,
	feed FeedClock,
	metrics Metrics,
	logger *zap.Logger,
) *TradingService {
	if config.TickInterval <= 0 {
		config.TickInterval = 300 * time.Second
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = config.TickInterval
	}
	if config.HistoryBars <= 0 {
		config.HistoryBars = 50
	}
	if config.DollarLookback <= 0 {
		config.DollarLookback = 48 * time.Hour
	}
	if config.SignalHistory <= 0 {
		config.SignalHistory = 10
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &TradingService{
		config:     config,
		builder:    builder,
		aggregator: aggregator,
		classifier: classifier,
		manager:    manager,
		trades:     trades,
		signals:    signals,
		exchange:   exchange,
		feed:       feed,
		metrics:    metrics,
		logger:     logger,
		timeNow:    time.Now,
	}
}

// Run evaluates immediately and then on every tick interval until ctx is done.
// A tick still running at shutdown is allowed to finish.
func (s *TradingService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Info("Trading loop started",
		zap.String("symbol", s.config.Symbol),
		zap.String("bar_mode", string(s.builder.Mode())),
		zap.Duration("interval", s.config.TickInterval))

	s.spawnTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Trading loop stopping, waiting for in-flight tick")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.spawnTick(ctx)
		}
	}
}

func (s *TradingService) spawnTick(parent context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.config.TickTimeout)
		defer cancel()

		if _, err := s.RunTick(ctx); err != nil {
			switch {
			case errors.Is(err, ErrTickInProgress):
				s.logger.Warn("Previous tick still running, skipping")
			case errors.Is(err, domain.ErrInvariantViolation):
				s.logger.Error("Invariant violation, operator attention needed", zap.Error(err))
			default:
				s.logger.Error("Tick failed", zap.Error(err))
			}
		}
	}()
}

// RunTick runs the full pipeline once over trades older than the tick start.
func (s *TradingService) RunTick(ctx context.Context) (*TickResult, error) {
	if !s.tickMu.TryLock() {
		s.metrics.TickSkipped()
		return nil, ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	started := s.timeNow().UTC()
	result, err := s.runTick(ctx, started)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.TickCompleted(outcome, s.timeNow().Sub(started))
	if result != nil {
		s.statusMu.Lock()
		s.lastResult = result
		s.statusMu.Unlock()
	}
	return result, err
}

func (s *TradingService) runTick(ctx context.Context, now time.Time) (*TickResult, error) {
	result := &TickResult{StartedAt: now}

	from := now.Add(-s.config.DollarLookback)
	if fb, ok := s.builder.(*FixedIntervalBuilder); ok {
		from = AlignTime(now, fb.Interval).Add(-time.Duration(s.config.HistoryBars) * fb.Interval)
	}

	trades, err := s.trades.TradesBetween(ctx, s.config.Symbol, from, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	bars := s.builder.Build(trades, now)
	result.Bars = len(bars)

	signal, flow := s.evaluateSignal(ctx, bars, trades, now)
	result.Signal = signal
	result.Flow = flow

	rec := &domain.SignalRecord{
		Symbol:    s.config.Symbol,
		Timestamp: now,
		Direction: signal.Direction,
		Score:     signal.Score,
		Reason:    signal.Reason,
	}
	if flow != nil {
		rec.CumulativeDelta = flow.CumulativeDelta
	}
	if err := s.signals.SaveSignal(ctx, rec); err != nil {
		return result, fmt.Errorf("failed to save signal: %w", err)
	}
	s.metrics.SignalEmitted(signal.Direction, signal.Score)

	recent, err := s.signals.RecentSignals(ctx, s.config.Symbol, s.config.SignalHistory)
	if err != nil {
		return result, fmt.Errorf("failed to load recent signals: %w", err)
	}

	quote, err := s.livePrice(ctx)
	if err != nil {
		s.metrics.ExchangeError("get_live_price")
		return result, fmt.Errorf("%w: live price: %w", domain.ErrExchangeStateUnknown, err)
	}

	in := EvaluateInput{
		Signal:        signal,
		RecentSignals: recent,
		Bars:          bars,
		Quote:         quote,
		Now:           now,
	}
	if flow != nil && len(flow.Bars) > 0 {
		in.WindowStart = flow.Bars[0].StartTime
	}

	decision, err := s.manager.Evaluate(ctx, in)
	if err != nil {
		return result, err
	}
	result.Decision = decision

	s.logger.Info("Tick evaluated",
		zap.String("direction", string(signal.Direction)),
		zap.Int("score", signal.Score),
		zap.Int("bars", len(bars)),
		zap.Float64("price", quote.Last),
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason))
	return result, nil
}

// evaluateSignal degrades every data problem to a hold with a reason.
func (s *TradingService) evaluateSignal(ctx context.Context, bars []domain.Bar, trades []domain.Trade, now time.Time) (domain.CompositeSignal, *domain.OrderFlowResult) {
	if s.feedStale(now) {
		return domain.HoldSignal("market feed stale"), nil
	}

	flow, err := s.aggregator.Compute(ctx, s.config.Symbol, bars, trades, s.builder.Idempotent())
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientData) {
			return domain.HoldSignal(err.Error()), nil
		}
		s.logger.Warn("Order flow aggregation failed", zap.Error(err))
		return domain.HoldSignal("aggregation failed"), nil
	}
	return s.classifier.Classify(flow), flow
}

func (s *TradingService) feedStale(now time.Time) bool {
	if s.feed == nil || s.config.StaleFeedAfter <= 0 {
		return false
	}
	last := s.feed.LastTradeAt()
	return last.IsZero() || now.Sub(last) > s.config.StaleFeedAfter
}

func (s *TradingService) livePrice(ctx context.Context) (*domain.Quote, error) {
	quote, err := s.exchange.GetLivePrice(ctx, s.config.Symbol)
	if err != nil {
		return nil, err
	}
	if quote == nil || quote.Last <= 0 {
		return nil, fmt.Errorf("no last price for %s", s.config.Symbol)
	}
	return quote, nil
}

// LastResult returns the latest completed tick, or nil before the first one.
func (s *TradingService) LastResult() *TickResult {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.lastResult
}
