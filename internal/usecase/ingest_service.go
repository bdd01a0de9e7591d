package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/orderflow_bot/internal/domain"
	"go.uber.org/zap"
)

// IngestService writes feed trades to the trade log.
type IngestService struct {
	symbol  string
	repo    domain.TradeRepository
	metrics Metrics
	logger  *zap.Logger

	mu          sync.RWMutex
	lastTradeAt time.Time
	timeNow     func() time.Time
}

func NewIngestService(symbol string, repo domain.TradeRepository, metrics Metrics, logger *zap.Logger) *IngestService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &IngestService{
		symbol:  symbol,
		repo:    repo,
		metrics: metrics,
		logger:  logger,
		timeNow: time.Now,
	}
}

// Handle validates a feed batch and appends it in a single write.
func (s *IngestService) Handle(ctx context.Context, trades []domain.Trade) error {
	valid := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Symbol == "" {
			t.Symbol = s.symbol
		}
		if t.Symbol != s.symbol || !t.Valid() {
			continue
		}
		t.Timestamp = t.Timestamp.UTC()
		valid = append(valid, t)
	}
	rejected := len(trades) - len(valid)
	if rejected > 0 {
		s.logger.Warn("Dropped invalid trades", zap.Int("count", rejected))
	}
	if len(valid) == 0 {
		s.metrics.TradesIngested(0, rejected)
		return nil
	}

	if err := s.repo.AppendTrades(ctx, valid); err != nil {
		return fmt.Errorf("failed to append %d trades: %w", len(valid), err)
	}
	s.metrics.TradesIngested(len(valid), rejected)

	s.mu.Lock()
	s.lastTradeAt = s.timeNow().UTC()
	s.mu.Unlock()
	return nil
}

// Callback adapts Handle to a MarketFeed callback.
func (s *IngestService) Callback(ctx context.Context) func([]domain.Trade) {
	return func(trades []domain.Trade) {
		if err := s.Handle(ctx, trades); err != nil {
			s.logger.Error("Trade ingestion failed", zap.Error(err))
		}
	}
}

// LastTradeAt is when the last accepted batch was stored.
func (s *IngestService) LastTradeAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTradeAt
}

type barMetricsPruner interface {
	PruneBarMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Prune deletes trades older than retention, and cached bar metrics with them
// when the store keeps both.
func (s *IngestService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.timeNow().UTC().Add(-retention)
	n, err := s.repo.PruneTradesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune trades before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if p, ok := s.repo.(barMetricsPruner); ok {
		if _, err := p.PruneBarMetricsBefore(ctx, cutoff); err != nil {
			return n, fmt.Errorf("failed to prune bar metrics before %s: %w", cutoff.Format(time.RFC3339), err)
		}
	}
	return n, nil
}

// RunRetention prunes on every interval until ctx is done.
func (s *IngestService) RunRetention(ctx context.Context, every, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		n, err := s.Prune(ctx, retention)
		if err != nil {
			s.logger.Error("Trade retention failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Pruned old trades", zap.Int64("rows", n), zap.Duration("retention", retention))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
