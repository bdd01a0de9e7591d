package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"github.com/vitos/orderflow_bot/internal/config"
	"github.com/vitos/orderflow_bot/internal/domain"
	"github.com/vitos/orderflow_bot/internal/infrastructure/exchange"
	"github.com/vitos/orderflow_bot/internal/infrastructure/logger"
	"github.com/vitos/orderflow_bot/internal/infrastructure/metrics"
	"github.com/vitos/orderflow_bot/internal/infrastructure/storage"
	"github.com/vitos/orderflow_bot/internal/usecase"
	"github.com/vitos/orderflow_bot/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "orderflow-bot",
		Usage: "Order-flow signal bot for Kraken futures",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config",
				Value:   "config/config.yaml",
				Sources: cli.EnvVars("ORDERFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override logging.level",
			},
			&cli.BoolFlag{
				Name:  "no-server",
				Usage: "Do not start the dashboard API",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "orderflow-bot: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	log, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to init sqlite: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	botMetrics := metrics.NewPrometheus(reg)

	kraken, err := exchange.NewKrakenFuturesAdapter(exchange.KrakenFuturesConfig{
		BaseURL:      cfg.Exchange.BaseURL,
		APIKey:       cfg.Exchange.APIKey,
		APISecret:    cfg.Exchange.APISecret,
		Timeout:      cfg.Exchange.Timeout,
		MaxRetries:   cfg.Exchange.MaxRetries,
		RetryInitial: cfg.Exchange.RetryInitial,
		RetryMax:     cfg.Exchange.RetryMax,
	}, log.Named("kraken"))
	if err != nil {
		return err
	}
	feed := exchange.NewKrakenFeed(exchange.KrakenFeedConfig{
		URL:          cfg.Feed.URL,
		Pair:         cfg.Feed.Pair,
		Symbol:       cfg.Symbol,
		ReadTimeout:  cfg.Feed.ReadTimeout,
		ReconnectMin: cfg.Feed.ReconnectMin,
		ReconnectMax: cfg.Feed.ReconnectMax,
	}, log.Named("feed"))

	builder, err := usecase.NewBarBuilder(cfg.Bars.Mode, cfg.Bars.Interval, cfg.Bars.DollarThreshold)
	if err != nil {
		return err
	}
	classifier, err := usecase.NewSignalClassifier(cfg.Classifier)
	if err != nil {
		return err
	}
	confirmation, err := usecase.NewConfirmation(cfg.Confirmation)
	if err != nil {
		return err
	}

	aggregator := usecase.NewOrderFlowAggregator(cfg.OrderFlow, store, log.Named("orderflow"))
	manager := usecase.NewPositionManager(cfg.PositionConfig(), kraken, store, store, confirmation, botMetrics, log.Named("positions"))
	ingest := usecase.NewIngestService(cfg.Symbol, store, botMetrics, log.Named("ingest"))
	trading := usecase.NewTradingService(cfg.TradingConfig(), builder, aggregator, classifier, manager,
		store, store, kraken, ingest, botMetrics, log.Named("trading"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting order-flow bot",
		zap.String("symbol", cfg.Symbol),
		zap.String("bar_mode", string(cfg.Bars.Mode)),
		zap.String("confirmation", confirmation.Name()),
		zap.String("stop_mode", cfg.Position.StopMode))

	if err := manager.Reconcile(ctx); err != nil {
		// Trading still starts; the position manager refuses entries that would conflict.
		if errors.Is(err, domain.ErrInvariantViolation) {
			log.Error("Startup reconciliation mismatch, operator attention needed", zap.Error(err))
		} else {
			log.Warn("Startup reconciliation failed", zap.Error(err))
		}
	}

	feed.OnTrades(ingest.Callback(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error { return trading.Run(gctx) })
	g.Go(func() error { return ingest.RunRetention(gctx, cfg.Storage.PruneEvery, cfg.Storage.TradeRetention) })

	if cfg.Server.Enabled && !cmd.Bool("no-server") {
		server := web.NewServer(cfg.Server.Port, cfg.Symbol, store, store, store, trading, ingest, reg, log.Named("web"))
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info("Bot stopped")
	return err
}
