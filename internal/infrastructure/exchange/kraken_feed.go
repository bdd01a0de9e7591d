package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/vitos/orderflow_bot/internal/domain"
	"go.uber.org/zap"
)

const KrakenWSURL = "wss://ws.kraken.com"

// KrakenFeedConfig configures the public trade feed. Trades are tagged with
// Symbol, the traded contract, while Pair is the websocket subscription.
type KrakenFeedConfig struct {
	URL          string
	Pair         string
	Symbol       string
	ReadTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// KrakenFeed streams executed trades from the Kraken websocket v1 trade channel.
// Dropped connections are re-dialed with backoff; trades missed in between are lost.
type KrakenFeed struct {
	config    KrakenFeedConfig
	dialer    *websocket.Dialer
	logger    *zap.Logger
	callbacks []func(trades []domain.Trade)
	mu        sync.Mutex
}

func NewKrakenFeed(config KrakenFeedConfig, logger *zap.Logger) *KrakenFeed {
	if config.URL == "" {
		config.URL = KrakenWSURL
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = time.Minute
	}
	return &KrakenFeed{
		config: config,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// OnTrades registers a callback for every parsed trade batch.
func (f *KrakenFeed) OnTrades(callback func(trades []domain.Trade)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, callback)
}

// Run keeps a subscription alive until ctx is done.
func (f *KrakenFeed) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    f.config.ReconnectMin,
		Max:    f.config.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := f.session(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.Duration()
		f.logger.Warn("Market feed disconnected, reconnecting",
			zap.String("pair", f.config.Pair),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session dials, subscribes and reads until the connection fails.
func (f *KrakenFeed) session(ctx context.Context, b *backoff.Backoff) error {
	conn, _, err := f.dialer.DialContext(ctx, f.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", f.config.URL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	subscribe := map[string]any{
		"event":        "subscribe",
		"pair":         []string{f.config.Pair},
		"subscription": map[string]string{"name": "trade"},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		trades, err := f.handleMessage(message)
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			continue
		}
		b.Reset()

		f.mu.Lock()
		callbacks := make([]func([]domain.Trade), len(f.callbacks))
		copy(callbacks, f.callbacks)
		f.mu.Unlock()

		for _, cb := range callbacks {
			cb(trades)
		}
	}
}

type feedEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
}

var errSubscriptionRejected = errors.New("subscription rejected")

// handleMessage returns the trades in a channel message. Event objects are
// logged; a rejected subscription ends the session.
func (f *KrakenFeed) handleMessage(message []byte) ([]domain.Trade, error) {
	trimmed := strings.TrimSpace(string(message))
	if strings.HasPrefix(trimmed, "{") {
		var ev feedEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			f.logger.Warn("Unparseable feed event", zap.Error(err))
			return nil, nil
		}
		switch ev.Event {
		case "heartbeat":
		case "subscriptionStatus":
			if ev.Status == "error" {
				return nil, fmt.Errorf("%w: %s", errSubscriptionRejected, ev.ErrorMessage)
			}
			f.logger.Info("Feed subscription", zap.String("pair", ev.Pair), zap.String("status", ev.Status))
		default:
			f.logger.Debug("Feed event", zap.String("event", ev.Event), zap.String("status", ev.Status))
		}
		return nil, nil
	}

	trades, err := ParseTradeMessage(message, f.config.Symbol)
	if err != nil {
		f.logger.Warn("Dropped malformed trade message", zap.Error(err))
		return nil, nil
	}
	return trades, nil
}

// ParseTradeMessage decodes a v1 trade channel array:
// [channelID, [[price, volume, time, side, orderType, misc, tradeID], ...], "trade", pair].
// Messages for other channels yield no trades.
func ParseTradeMessage(message []byte, symbol string) ([]domain.Trade, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if len(frame) < 4 {
		return nil, fmt.Errorf("unexpected frame length %d", len(frame))
	}
	var channel string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || channel != "trade" {
		return nil, nil
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(frame[1], &rows); err != nil {
		return nil, fmt.Errorf("failed to decode trades: %w", err)
	}

	trades := make([]domain.Trade, 0, len(rows))
	for _, row := range rows {
		t, err := parseTradeRow(row, symbol)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func parseTradeRow(raw []json.RawMessage, symbol string) (domain.Trade, error) {
	if len(raw) < 5 {
		return domain.Trade{}, fmt.Errorf("unexpected trade row length %d", len(raw))
	}
	row := make([]string, 5)
	for i := range row {
		if err := json.Unmarshal(raw[i], &row[i]); err != nil {
			return domain.Trade{}, fmt.Errorf("trade field %d: %w", i, err)
		}
	}
	price, err := decimal.NewFromString(row[0])
	if err != nil {
		return domain.Trade{}, fmt.Errorf("invalid price %q: %w", row[0], err)
	}
	volume, err := decimal.NewFromString(row[1])
	if err != nil {
		return domain.Trade{}, fmt.Errorf("invalid volume %q: %w", row[1], err)
	}
	ts, err := decimal.NewFromString(row[2])
	if err != nil {
		return domain.Trade{}, fmt.Errorf("invalid time %q: %w", row[2], err)
	}
	secs := ts.IntPart()
	nanos := ts.Sub(decimal.NewFromInt(secs)).Shift(9).Round(0).IntPart()

	t := domain.Trade{
		Symbol:    symbol,
		Timestamp: time.Unix(secs, nanos).UTC(),
		Price:     price.InexactFloat64(),
		Volume:    volume.InexactFloat64(),
	}
	switch row[3] {
	case "b":
		t.Side = domain.TradeSideBuy
	case "s":
		t.Side = domain.TradeSideSell
	default:
		return domain.Trade{}, fmt.Errorf("unknown side %q", row[3])
	}
	switch row[4] {
	case "m":
		t.OrderType = domain.OrderTypeMarket
	case "l":
		t.OrderType = domain.OrderTypeLimit
	default:
		return domain.Trade{}, fmt.Errorf("unknown order type %q", row[4])
	}
	return t, nil
}
