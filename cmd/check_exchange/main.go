package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/vitos/orderflow_bot/internal/config"
	"github.com/vitos/orderflow_bot/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

// check_exchange verifies credentials and connectivity without trading:
// it reads the live quote and the account's open positions.
func main() {
	cmd := &cli.Command{
		Name:  "check-exchange",
		Usage: "Check Kraken futures connectivity and credentials",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config/config.yaml"},
			&cli.StringFlag{Name: "symbol", Usage: "Override the configured symbol"},
		},
		Action: check,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "check-exchange: %v\n", err)
		os.Exit(1)
	}
}

func check(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	symbol := cfg.Symbol
	if s := cmd.String("symbol"); s != "" {
		symbol = s
	}

	adapter, err := exchange.NewKrakenFuturesAdapter(exchange.KrakenFuturesConfig{
		BaseURL:      cfg.Exchange.BaseURL,
		APIKey:       cfg.Exchange.APIKey,
		APISecret:    cfg.Exchange.APISecret,
		Timeout:      cfg.Exchange.Timeout,
		MaxRetries:   cfg.Exchange.MaxRetries,
		RetryInitial: cfg.Exchange.RetryInitial,
		RetryMax:     cfg.Exchange.RetryMax,
	}, zap.NewNop())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	fmt.Printf("Endpoint: %s\n", cfg.Exchange.BaseURL)

	quote, err := adapter.GetLivePrice(ctx, symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ %s last=%.2f bid=%.2f ask=%.2f at %s\n", symbol, quote.Last, quote.Bid, quote.Ask, quote.Time.Format(time.RFC3339))
	}

	positions, err := adapter.GetOpenPositions(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get open positions: %v\n", err)
		return err
	}
	fmt.Printf("✅ %d open positions\n", len(positions))
	for _, p := range positions {
		fmt.Printf("- %s %s size=%f entry=%f\n", p.Symbol, p.Side, p.Size, p.Price)
	}
	return nil
}
