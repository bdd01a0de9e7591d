package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/orderflow_bot/internal/domain"
	"github.com/vitos/orderflow_bot/internal/usecase"
	"go.uber.org/zap"
)

// TradeLister is the read side of the trade log used by the dashboard.
type TradeLister interface {
	ListTrades(ctx context.Context, q domain.RangeQuery) ([]domain.Trade, error)
}

// TickReporter exposes the latest evaluation.
type TickReporter interface {
	LastResult() *usecase.TickResult
}

// Server is the read-only JSON dashboard API.
type Server struct {
	router    *http.ServeMux
	server    *http.Server
	symbol    string
	trades    TradeLister
	positions domain.PositionRepository
	signals   domain.SignalRepository
	ticks     TickReporter
	feed      usecase.FeedClock
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	timeNow   func() time.Time
}

func NewServer(
	port int,
	symbol string,
	trades TradeLister,
	positions domain.PositionRepository,
	signals domain.SignalRepository,
	ticks TickReporter,
	feed usecase.FeedClock,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		symbol:    symbol,
		trades:    trades,
		positions: positions,
		signals:   signals,
		ticks:     ticks,
		feed:      feed,
		gatherer:  gatherer,
		logger:    logger,
		timeNow:   time.Now,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /api/signals", s.handleListSignals)
	s.router.HandleFunc("GET /api/positions", s.handleListPositions)
	s.router.HandleFunc("GET /api/trades", s.handleListTrades)
	s.router.HandleFunc("GET /api/status", s.handleStatus)

	if s.gatherer != nil {
		s.router.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
