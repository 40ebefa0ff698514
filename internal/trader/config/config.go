package config

import (
	"time"

	"golang-hma-trader/pkg/config"
)

// Trader holds the trading-engine tuning knobs.
type Trader struct {
	// Interval between monitoring cycles, driven by the cron scheduler.
	MonitoringCronSpec string `mapstructure:"monitoring_cron_spec"`

	// Confirmation windows (spec: reversal persists 15m, entry persists
	// to the close of the current candle).
	ReversalConfirmWindow time.Duration `mapstructure:"reversal_confirm_window"`
	CandleInterval        time.Duration `mapstructure:"candle_interval"`

	// Indicator drift that triggers a cancel/replace of an outstanding
	// entry order.
	RepriceThreshold float64 `mapstructure:"reprice_threshold"`

	// Delay between an entry fill and the protective stop submission,
	// and between a closure and the re-entry categorization.
	StopOrderSettleDelay time.Duration `mapstructure:"stop_order_settle_delay"`
	ReentrySettleDelay   time.Duration `mapstructure:"reentry_settle_delay"`

	// End-of-session forced liquidation cutoff, in market-local time.
	SessionCutoffHour   int    `mapstructure:"session_cutoff_hour"`
	SessionCutoffMinute int    `mapstructure:"session_cutoff_minute"`
	MarketTimezone      string `mapstructure:"market_timezone"`

	// Bound on concurrent instrument evaluations within one cycle.
	MaxConcurrentInstruments int `mapstructure:"max_concurrent_instruments"`

	// Redis stream consumer tuning.
	OrderEventStreamTimeout   time.Duration `mapstructure:"order_event_stream_timeout"`
	OrderEventRetryInterval   time.Duration `mapstructure:"order_event_retry_interval"`
	OrderEventMaxIdleDuration time.Duration `mapstructure:"order_event_max_idle_duration"`
	OrderEventMaxRetry        int           `mapstructure:"order_event_max_retry"`
}

// MarketData holds the quote/indicator gateway settings.
type MarketData struct {
	BaseURL             string `mapstructure:"base_url"`
	MaxRequestPerMinute int    `mapstructure:"max_request_per_minute"`
	QuoteCacheTTL       string `mapstructure:"quote_cache_ttl"`
}

// Broker holds the order gateway settings.
type Broker struct {
	BaseURL             string `mapstructure:"base_url"`
	APIKey              string `mapstructure:"api_key"`
	MaxRequestPerMinute int    `mapstructure:"max_request_per_minute"`
}

// Config holds the full configuration for the trading service.
type Config struct {
	App        config.App      `mapstructure:"app"`
	Logger     config.Logger   `mapstructure:"logger"`
	Database   config.Database `mapstructure:"database"`
	Redis      config.Redis    `mapstructure:"redis"`
	API        config.API      `mapstructure:"api"`
	Telegram   config.Telegram `mapstructure:"telegram"`
	Trader     Trader          `mapstructure:"trader"`
	MarketData MarketData      `mapstructure:"market_data"`
	Broker     Broker          `mapstructure:"broker"`
}

// Load reads the trading-service configuration from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := config.Load(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Trader.MonitoringCronSpec == "" {
		cfg.Trader.MonitoringCronSpec = "@every 1m"
	}
	if cfg.Trader.ReversalConfirmWindow == 0 {
		cfg.Trader.ReversalConfirmWindow = 15 * time.Minute
	}
	if cfg.Trader.CandleInterval == 0 {
		cfg.Trader.CandleInterval = 5 * time.Minute
	}
	if cfg.Trader.RepriceThreshold == 0 {
		cfg.Trader.RepriceThreshold = 0.5
	}
	if cfg.Trader.StopOrderSettleDelay == 0 {
		cfg.Trader.StopOrderSettleDelay = 30 * time.Second
	}
	if cfg.Trader.ReentrySettleDelay == 0 {
		cfg.Trader.ReentrySettleDelay = 60 * time.Second
	}
	if cfg.Trader.SessionCutoffHour == 0 {
		cfg.Trader.SessionCutoffHour = 15
		cfg.Trader.SessionCutoffMinute = 15
	}
	if cfg.Trader.MarketTimezone == "" {
		cfg.Trader.MarketTimezone = "Asia/Kolkata"
	}
	if cfg.Trader.MaxConcurrentInstruments == 0 {
		cfg.Trader.MaxConcurrentInstruments = 8
	}
	if cfg.Trader.OrderEventStreamTimeout == 0 {
		cfg.Trader.OrderEventStreamTimeout = 30 * time.Second
	}
	if cfg.Trader.OrderEventRetryInterval == 0 {
		cfg.Trader.OrderEventRetryInterval = 30 * time.Second
	}
	if cfg.Trader.OrderEventMaxIdleDuration == 0 {
		cfg.Trader.OrderEventMaxIdleDuration = 60 * time.Second
	}
	if cfg.Trader.OrderEventMaxRetry == 0 {
		cfg.Trader.OrderEventMaxRetry = 5
	}
}
