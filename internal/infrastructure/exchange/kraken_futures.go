package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/vitos/orderflow_bot/internal/domain"
	"go.uber.org/zap"
)

const (
	KrakenFuturesBaseURL = "https://futures.kraken.com/derivatives"

	sendOrderPath     = "/api/v3/sendorder"
	openPositionsPath = "/api/v3/openpositions"
	tickersPath       = "/api/v3/tickers"
)

// ErrOrderRejected is returned when the exchange answers but does not place the order.
var ErrOrderRejected = errors.New("order rejected")

// KrakenFuturesConfig configures the REST adapter. Retries apply to read-only calls only.
type KrakenFuturesConfig struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	Timeout      time.Duration
	MaxRetries   uint64
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// KrakenFuturesAdapter implements domain.Exchange against the Kraken Futures v3 REST API.
type KrakenFuturesAdapter struct {
	config KrakenFuturesConfig
	secret []byte
	client *http.Client
	logger *zap.Logger
}

func NewKrakenFuturesAdapter(config KrakenFuturesConfig, logger *zap.Logger) (*KrakenFuturesAdapter, error) {
	if config.BaseURL == "" {
		config.BaseURL = KrakenFuturesBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = 500 * time.Millisecond
	}
	if config.RetryMax <= 0 {
		config.RetryMax = 5 * time.Second
	}
	secret, err := base64.StdEncoding.DecodeString(config.APISecret)
	if err != nil {
		return nil, fmt.Errorf("api secret is not valid base64: %w", err)
	}
	return &KrakenFuturesAdapter{
		config: config,
		secret: secret,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// sign computes Authent: base64(HMAC-SHA512(secret, SHA256(postData + endpointPath))).
func (k *KrakenFuturesAdapter) sign(postData, endpointPath string) string {
	digest := sha256.Sum256([]byte(postData + endpointPath))
	h := hmac.New(sha512.New, k.secret)
	h.Write(digest[:])
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("kraken api error: status %d: %s", e.status, e.body)
}

// sendRequest performs one signed call. Form values are sent as the POST body.
func (k *KrakenFuturesAdapter) sendRequest(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	postData := ""
	if form != nil {
		postData = form.Encode()
	}

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(postData)
	}
	req, err := http.NewRequestWithContext(ctx, method, k.config.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("APIKey", k.config.APIKey)
	req.Header.Set("Authent", k.sign(postData, path))
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &apiError{status: resp.StatusCode, body: string(respBody)}
	}
	return respBody, nil
}

// getWithRetry retries transport failures and 5xx/429 answers with bounded
// exponential backoff. Other client errors and decode failures are permanent.
func (k *KrakenFuturesAdapter) getWithRetry(ctx context.Context, path string, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = k.config.RetryInitial
	policy.MaxInterval = k.config.RetryMax
	policy.MaxElapsedTime = 0

	op := func() error {
		body, err := k.sendRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.status < 500 && apiErr.status != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := decodeResult(body, out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		k.logger.Warn("Kraken request failed, retrying",
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, k.config.MaxRetries), ctx), notify)
}

type resultEnvelope struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

func decodeResult(body []byte, out any) error {
	var env resultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Result != "success" {
		return fmt.Errorf("kraken result %q: %s", env.Result, env.Error)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type sendOrderResponse struct {
	SendStatus struct {
		OrderID      string `json:"order_id"`
		CliOrdID     string `json:"cliOrdId"`
		Status       string `json:"status"`
		ReceivedTime string `json:"receivedTime"`
		OrderEvents  []struct {
			Type   string          `json:"type"`
			Price  decimal.Decimal `json:"price"`
			Amount decimal.Decimal `json:"amount"`
		} `json:"orderEvents"`
	} `json:"sendStatus"`
}

// PlaceOrder submits a single order. It is never retried; a failure leaves the
// order state unknown and the caller must not assume either outcome.
func (k *KrakenFuturesAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("invalid order size %v", req.Size)
	}
	orderType := req.Type
	if orderType == "" {
		orderType = domain.ExchangeOrderMarket
	}

	form := url.Values{}
	form.Set("orderType", string(orderType))
	form.Set("symbol", req.Symbol)
	form.Set("side", string(req.Side))
	form.Set("size", decimal.NewFromFloat(req.Size).String())
	if req.LimitPrice > 0 {
		form.Set("limitPrice", decimal.NewFromFloat(req.LimitPrice).String())
	}
	if req.StopPrice > 0 {
		form.Set("stopPrice", decimal.NewFromFloat(req.StopPrice).String())
	}
	if req.ClientOrderID != "" {
		form.Set("cliOrdId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		form.Set("reduceOnly", "true")
	}

	body, err := k.sendRequest(ctx, http.MethodPost, sendOrderPath, form)
	if err != nil {
		return nil, err
	}
	var resp sendOrderResponse
	if err := decodeResult(body, &resp); err != nil {
		return nil, err
	}
	status := resp.SendStatus.Status
	if status != "placed" {
		return nil, fmt.Errorf("%w: %s %v %s: status %q", ErrOrderRejected, req.Side, req.Size, req.Symbol, status)
	}

	ack := &domain.OrderAck{
		OrderID:       resp.SendStatus.OrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        status,
		ReceivedAt:    time.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339, resp.SendStatus.ReceivedTime); err == nil {
		ack.ReceivedAt = t.UTC()
	}

	// Volume-weighted execution price when the order filled immediately.
	notional, filled := decimal.Zero, decimal.Zero
	for _, ev := range resp.SendStatus.OrderEvents {
		if ev.Type != "EXECUTION" || !ev.Price.IsPositive() {
			continue
		}
		amount := ev.Amount
		if !amount.IsPositive() {
			amount = decimal.NewFromInt(1)
		}
		notional = notional.Add(ev.Price.Mul(amount))
		filled = filled.Add(amount)
	}
	if filled.IsPositive() {
		ack.FillPrice = notional.Div(filled).InexactFloat64()
	}

	k.logger.Info("Order placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("size", req.Size),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.String("order_id", ack.OrderID),
		zap.String("cli_ord_id", req.ClientOrderID),
		zap.Float64("fill_price", ack.FillPrice))
	return ack, nil
}

type openPositionsResponse struct {
	OpenPositions []struct {
		Side   string          `json:"side"`
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
		Size   decimal.Decimal `json:"size"`
	} `json:"openPositions"`
}

func (k *KrakenFuturesAdapter) GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	var resp openPositionsResponse
	if err := k.getWithRetry(ctx, openPositionsPath, &resp); err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}

	positions := make([]domain.ExchangePosition, 0, len(resp.OpenPositions))
	for _, p := range resp.OpenPositions {
		side := domain.SideLong
		if strings.EqualFold(p.Side, "short") {
			side = domain.SideShort
		}
		positions = append(positions, domain.ExchangePosition{
			Symbol: p.Symbol,
			Side:   side,
			Size:   p.Size.Abs().InexactFloat64(),
			Price:  p.Price.InexactFloat64(),
		})
	}
	return positions, nil
}

type tickersResponse struct {
	ServerTime string `json:"serverTime"`
	Tickers    []struct {
		Symbol   string          `json:"symbol"`
		Last     decimal.Decimal `json:"last"`
		Bid      decimal.Decimal `json:"bid"`
		Ask      decimal.Decimal `json:"ask"`
		LastTime string          `json:"lastTime"`
	} `json:"tickers"`
}

func (k *KrakenFuturesAdapter) GetLivePrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	var resp tickersResponse
	if err := k.getWithRetry(ctx, tickersPath, &resp); err != nil {
		return nil, fmt.Errorf("failed to get tickers: %w", err)
	}

	for _, t := range resp.Tickers {
		if !strings.EqualFold(t.Symbol, symbol) {
			continue
		}
		quote := &domain.Quote{
			Symbol: symbol,
			Last:   t.Last.InexactFloat64(),
			Bid:    t.Bid.InexactFloat64(),
			Ask:    t.Ask.InexactFloat64(),
			Time:   time.Now().UTC(),
		}
		if ts, err := time.Parse(time.RFC3339, t.LastTime); err == nil {
			quote.Time = ts.UTC()
		}
		return quote, nil
	}
	return nil, fmt.Errorf("symbol %s not found in tickers", symbol)
}
