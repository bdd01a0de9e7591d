package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/vitos/orderflow_bot/internal/domain"
	"github.com/vitos/orderflow_bot/internal/usecase"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Symbol       string                     `yaml:"symbol" validate:"required"`
	Feed         FeedConfig                 `yaml:"feed"`
	Exchange     ExchangeConfig             `yaml:"exchange"`
	Bars         BarsConfig                 `yaml:"bars"`
	OrderFlow    usecase.OrderFlowConfig    `yaml:"orderflow"`
	Classifier   usecase.ClassifierConfig   `yaml:"classifier"`
	Confirmation usecase.ConfirmationConfig `yaml:"confirmation"`
	Position     usecase.PositionConfig     `yaml:"position"`
	Scheduler    SchedulerConfig            `yaml:"scheduler"`
	Storage      StorageConfig              `yaml:"storage"`
	Logging      LoggingConfig              `yaml:"logging"`
	Server       ServerConfig               `yaml:"server"`
}

type FeedConfig struct {
	URL          string        `yaml:"url" validate:"required,url"`
	Pair         string        `yaml:"pair" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gt=0"`
	ReconnectMin time.Duration `yaml:"reconnect_min" validate:"gt=0"`
	ReconnectMax time.Duration `yaml:"reconnect_max" validate:"gtefield=ReconnectMin"`
}

type ExchangeConfig struct {
	Credentials `yaml:",inline"`

	BaseURL      string        `yaml:"base_url" validate:"required,url"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries   uint64        `yaml:"max_retries"`
	RetryInitial time.Duration `yaml:"retry_initial" validate:"gt=0"`
	RetryMax     time.Duration `yaml:"retry_max" validate:"gtefield=RetryInitial"`
}

// Credentials normally come from the environment, which overrides the file.
type Credentials struct {
	APIKey    string `yaml:"api_key" envconfig:"KRAKEN_PUBLIC"`
	APISecret string `yaml:"api_secret" envconfig:"KRAKEN_PRIVATE"`
}

type BarsConfig struct {
	Mode            domain.BarMode `yaml:"mode" validate:"oneof=fixed_interval dollar_threshold"`
	Interval        time.Duration  `yaml:"interval" validate:"gt=0"`
	DollarThreshold float64        `yaml:"dollar_threshold" validate:"gt=0"`
	History         int            `yaml:"history" validate:"gte=1"`
	DollarLookback  time.Duration  `yaml:"dollar_lookback" validate:"gt=0"`
}

type SchedulerConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval" validate:"gt=0"`
	TickTimeout    time.Duration `yaml:"tick_timeout" validate:"gt=0"`
	StaleFeedAfter time.Duration `yaml:"stale_feed_after" validate:"gte=0"`
	SignalHistory  int           `yaml:"signal_history" validate:"gte=1"`
}

type StorageConfig struct {
	Path           string        `yaml:"path" validate:"required"`
	TradeRetention time.Duration `yaml:"trade_retention" validate:"gte=0"`
	PruneEvery     time.Duration `yaml:"prune_every" validate:"gt=0"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding" validate:"oneof=json console"`
}

type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"gte=0,lte=65535"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Symbol: "PF_XBTUSD",
		Feed: FeedConfig{
			URL:          "wss://ws.kraken.com",
			Pair:         "XBT/USD",
			ReadTimeout:  30 * time.Second,
			ReconnectMin: time.Second,
			ReconnectMax: time.Minute,
		},
		Exchange: ExchangeConfig{
			BaseURL:      "https://futures.kraken.com/derivatives",
			Timeout:      10 * time.Second,
			MaxRetries:   3,
			RetryInitial: 500 * time.Millisecond,
			RetryMax:     5 * time.Second,
		},
		Bars: BarsConfig{
			Mode:            domain.BarModeFixedInterval,
			Interval:        5 * time.Minute,
			DollarThreshold: 5_000_000,
			History:         50,
			DollarLookback:  48 * time.Hour,
		},
		OrderFlow:    usecase.OrderFlowConfig{Lookback: 7, MinBars: 7, SettleAfter: 30 * time.Second},
		Classifier:   usecase.DefaultClassifierConfig(),
		Confirmation: usecase.DefaultConfirmationConfig(),
		Position: usecase.PositionConfig{
			Size:                  0.001,
			StopMode:              usecase.StopModePercent,
			TakeProfitPct:         0.02,
			StopLossPct:           0.01,
			ATRPeriod:             14,
			ATRTakeProfitMultiple: 3,
			ATRStopLossMultiple:   1.5,
			RewardRatio:           2,
			DollarVolumeFrom:      usecase.DollarVolumeFromPositionOpen,
		},
		Scheduler: SchedulerConfig{
			TickInterval:   300 * time.Second,
			TickTimeout:    120 * time.Second,
			StaleFeedAfter: 10 * time.Minute,
			SignalHistory:  10,
		},
		Storage: StorageConfig{
			Path:           "orderflow.db",
			TradeRetention: 30 * 24 * time.Hour,
			PruneEvery:     time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Encoding: "json"},
		Server:  ServerConfig{Enabled: true, Port: 8080},
	}
}

// Load reads path over the defaults, loads a .env file if present, applies
// environment credentials and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return Parse(f)
}

// Parse decodes YAML over the defaults, then applies the environment.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Exchange.Credentials); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules validator tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range c.Position.AvoidanceWindows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if c.OrderFlow.MinBars > c.OrderFlow.Lookback {
		return fmt.Errorf("invalid config: orderflow.min_bars %d exceeds lookback %d", c.OrderFlow.MinBars, c.OrderFlow.Lookback)
	}
	// a zero distance would put the level on the entry price
	switch c.Position.StopMode {
	case usecase.StopModePercent:
		if c.Position.StopLossPct == 0 && c.Position.TakeProfitPct == 0 {
			return errors.New("invalid config: percent stop mode needs take_profit_pct or stop_loss_pct")
		}
	case usecase.StopModeATR:
		if c.Position.ATRTakeProfitMultiple <= 0 || c.Position.ATRStopLossMultiple <= 0 {
			return errors.New("invalid config: atr stop mode needs positive atr_take_profit_multiple and atr_stop_loss_multiple")
		}
	case usecase.StopModeFractal:
		if c.Position.RewardRatio <= 0 {
			return errors.New("invalid config: fractal stop mode needs a positive reward_ratio")
		}
	}
	return nil
}

// PositionConfig returns the position settings with symbol and dollar threshold filled in.
func (c *Config) PositionConfig() usecase.PositionConfig {
	p := c.Position
	p.Symbol = c.Symbol
	p.DollarThreshold = c.Bars.DollarThreshold
	return p
}

// TradingConfig maps the scheduler and bar settings onto the tick loop.
func (c *Config) TradingConfig() usecase.TradingConfig {
	return usecase.TradingConfig{
		Symbol:         c.Symbol,
		TickInterval:   c.Scheduler.TickInterval,
		TickTimeout:    c.Scheduler.TickTimeout,
		StaleFeedAfter: c.Scheduler.StaleFeedAfter,
		HistoryBars:    c.Bars.History,
		DollarLookback: c.Bars.DollarLookback,
		SignalHistory:  c.Scheduler.SignalHistory,
	}
}
