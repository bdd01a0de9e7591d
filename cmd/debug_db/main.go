package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/vitos/orderflow_bot/internal/domain"
	"github.com/vitos/orderflow_bot/internal/infrastructure/storage"
)

// debug_db prints the stored signals and positions for a symbol.
func main() {
	cmd := &cli.Command{
		Name:  "debug-db",
		Usage: "Dump recent signals and positions from the bot database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Value: "orderflow.db"},
			&cli.StringFlag{Name: "symbol", Value: "PF_XBTUSD"},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: dump,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "debug-db: %v\n", err)
		os.Exit(1)
	}
}

func dump(ctx context.Context, cmd *cli.Command) error {
	store, err := storage.NewSQLiteStore(cmd.String("db"))
	if err != nil {
		return fmt.Errorf("failed to init sqlite: %w", err)
	}
	defer store.Close()

	q := domain.RangeQuery{Symbol: cmd.String("symbol"), Limit: int(cmd.Int("limit"))}

	signals, err := store.ListSignals(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to list signals: %w", err)
	}
	fmt.Printf("Found %d signals:\n", len(signals))
	for _, s := range signals {
		fmt.Printf("- %s %-4s score=%d cvd=%.4f %s\n",
			s.Timestamp.Format(time.RFC3339), s.Direction, s.Score, s.CumulativeDelta, s.Reason)
	}

	positions, err := store.ListPositions(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to list positions: %w", err)
	}
	fmt.Printf("Found %d positions:\n", len(positions))
	for _, p := range positions {
		status := "open"
		if !p.IsOpen() {
			status = fmt.Sprintf("closed %s at %.2f pnl=%.2f", p.CloseReason, *p.ClosePrice, p.RealizedPnL())
		}
		fmt.Printf("- %s %s %s size=%f open=%.2f tp=%.2f sl=%.2f %s\n",
			p.OpenTimestamp.Format(time.RFC3339), p.ID, p.Side, p.Size, p.OpenPrice, p.TakeProfit, p.StopLoss, status)
	}
	return nil
}
