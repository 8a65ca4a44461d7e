// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pingpong/internal/amount"
	"pingpong/internal/engine"
	"pingpong/internal/market"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig                 `yaml:"app"`
	Engine    EngineConfig              `yaml:"engine"`
	Markets   map[string]MarketConfig   `yaml:"markets"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	System    SystemConfig              `yaml:"system"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Adapter      string `yaml:"adapter"` // mock, binance, gateway
	DataDir      string `yaml:"data_dir"`
	SnapshotFile string `yaml:"snapshot_file"` // optional snapshot to restore at boot
	JournalPath  string `yaml:"journal_path"`  // sqlite fill journal, empty disables
	FastTickMs   int    `yaml:"fast_tick_ms"`
	SlowTickMs   int    `yaml:"slow_tick_ms"`
}

// EngineConfig contains the global engine tunables
type EngineConfig struct {
	RequestTimeoutMs      int   `yaml:"request_timeout_ms"`
	CancelTimeoutMs       int   `yaml:"cancel_timeout_ms"`
	SafetyDelayMs         int   `yaml:"safety_delay_ms"`
	TickerSafetyDelayMs   int   `yaml:"ticker_safety_delay_ms"`
	StrayGraceTimeLimitMs int   `yaml:"stray_grace_time_limit_ms"`
	MaintenanceTime       int64 `yaml:"maintenance_time"`

	ShouldClearStrayOrders    bool `yaml:"should_clear_stray_orders"`
	ShouldClearStrayOrdersAll bool `yaml:"should_clear_stray_orders_all"`
	ShouldMitigateBlankBook   bool `yaml:"should_mitigate_blank_orderbook_flash"`
	ShouldAdjustHiBuyLoSell   bool `yaml:"should_adjust_hibuy_losell"`
	ShouldSlippageCalculated  bool `yaml:"should_slippage_be_calculated"`
	ShouldDCSlippageOrders    bool `yaml:"should_dc_slippage_orders"`
	Chatty                    bool `yaml:"is_chatty"`

	LimitCommandsQueuedDCCheck int `yaml:"limit_commands_queued_dc_check"`
	LimitTimeoutYield          int `yaml:"limit_timeout_yield"`
}

// MarketConfig contains one market's grid parameters
type MarketConfig struct {
	OrderMin        int     `yaml:"order_min"`
	OrderMax        int     `yaml:"order_max"`
	OrderDC         int     `yaml:"order_dc"`
	OrderDCNice     int     `yaml:"order_dc_nice"`
	LandmarkStart   int     `yaml:"landmark_start"`
	LandmarkThresh  int     `yaml:"landmark_thresh"`
	MarketSentiment bool    `yaml:"market_sentiment"`
	MarketOffset    float64 `yaml:"market_offset"`

	PriceTicksize     string `yaml:"price_ticksize"`
	QuantityTicksize  string `yaml:"quantity_ticksize"`
	SlippageTimeoutMs int    `yaml:"slippage_timeout_ms"`

	PriceMinMul string `yaml:"price_min_mul"`
	PriceMaxMul string `yaml:"price_max_mul"`
}

// ExchangeConfig contains exchange-specific credentials and endpoints
type ExchangeConfig struct {
	APIKey    string  `yaml:"api_key"`
	SecretKey string  `yaml:"secret_key"`
	BaseURL   string  `yaml:"base_url"`
	StreamURL string  `yaml:"stream_url"`
	FeeRate   float64 `yaml:"fee_rate"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateMarkets(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	validAdapters := []string{"mock", "binance", "gateway"}
	if !contains(validAdapters, c.App.Adapter) {
		return ValidationError{
			Field:   "app.adapter",
			Value:   c.App.Adapter,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validAdapters, ", ")),
		}
	}

	if c.App.Adapter != "mock" {
		exchange, exists := c.Exchanges[c.App.Adapter]
		if !exists {
			return ValidationError{
				Field:   "exchanges",
				Value:   c.App.Adapter,
				Message: "exchange configuration not found for the active adapter",
			}
		}
		if exchange.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", c.App.Adapter),
				Message: "API key is required",
			}
		}
		if exchange.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", c.App.Adapter),
				Message: "secret key is required",
			}
		}
	}

	return nil
}

func (c *Config) validateMarkets() error {
	for name, m := range c.Markets {
		if name == "" {
			return ValidationError{Field: "markets", Message: "market name must not be empty"}
		}
		if m.OrderMin > m.OrderMax {
			return ValidationError{
				Field:   fmt.Sprintf("markets.%s.order_min", name),
				Value:   m.OrderMin,
				Message: "order_min must not exceed order_max",
			}
		}
		if m.PriceTicksize != "" {
			tick, err := amount.New(m.PriceTicksize)
			if err != nil || tick.IsZeroOrLess() {
				return ValidationError{
					Field:   fmt.Sprintf("markets.%s.price_ticksize", name),
					Value:   m.PriceTicksize,
					Message: "must be a positive decimal",
				}
			}
		}
		if m.QuantityTicksize != "" {
			tick, err := amount.New(m.QuantityTicksize)
			if err != nil || tick.IsZeroOrLess() {
				return ValidationError{
					Field:   fmt.Sprintf("markets.%s.quantity_ticksize", name),
					Value:   m.QuantityTicksize,
					Message: "must be a positive decimal",
				}
			}
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// EngineSettings converts the engine section into engine.Settings.
func (c *Config) EngineSettings() engine.Settings {
	settings := engine.DefaultSettings()

	e := c.Engine
	if e.RequestTimeoutMs > 0 {
		settings.RequestTimeout = time.Duration(e.RequestTimeoutMs) * time.Millisecond
	}
	if e.CancelTimeoutMs > 0 {
		settings.CancelTimeout = time.Duration(e.CancelTimeoutMs) * time.Millisecond
	}
	if e.SafetyDelayMs > 0 {
		settings.SafetyDelayTime = time.Duration(e.SafetyDelayMs) * time.Millisecond
	}
	if e.TickerSafetyDelayMs > 0 {
		settings.TickerSafetyDelay = time.Duration(e.TickerSafetyDelayMs) * time.Millisecond
	}
	if e.StrayGraceTimeLimitMs > 0 {
		settings.StrayGraceTimeLimit = time.Duration(e.StrayGraceTimeLimitMs) * time.Millisecond
	}
	if e.LimitCommandsQueuedDCCheck > 0 {
		settings.LimitCommandsQueuedDCCheck = e.LimitCommandsQueuedDCCheck
	}
	if e.LimitTimeoutYield > 0 {
		settings.LimitTimeoutYield = e.LimitTimeoutYield
	}

	settings.MaintenanceTime = e.MaintenanceTime
	settings.ShouldClearStrayOrders = e.ShouldClearStrayOrders
	settings.ShouldClearStrayOrdersAll = e.ShouldClearStrayOrdersAll
	settings.ShouldMitigateBlankBook = e.ShouldMitigateBlankBook
	settings.ShouldAdjustHiBuyLoSell = e.ShouldAdjustHiBuyLoSell
	settings.ShouldSlippageCalculated = e.ShouldSlippageCalculated
	settings.ShouldDCSlippageOrders = e.ShouldDCSlippageOrders
	settings.Chatty = e.Chatty

	if c.App.DataDir != "" {
		settings.DataDir = c.App.DataDir
	}
	return settings
}

// MarketSettings converts one market section into market.Settings.
func (m MarketConfig) MarketSettings() (market.Settings, error) {
	settings := market.Settings{
		OrderMin:        m.OrderMin,
		OrderMax:        m.OrderMax,
		OrderDC:         m.OrderDC,
		OrderDCNice:     m.OrderDCNice,
		LandmarkStart:   m.LandmarkStart,
		LandmarkThresh:  m.LandmarkThresh,
		MarketSentiment: m.MarketSentiment,
		MarketOffset:    m.MarketOffset,
		SlippageTimeout: time.Duration(m.SlippageTimeoutMs) * time.Millisecond,
	}

	var err error
	if m.PriceTicksize != "" {
		if settings.PriceTicksize, err = amount.New(m.PriceTicksize); err != nil {
			return settings, err
		}
	}
	if m.QuantityTicksize != "" {
		if settings.QuantityTicksize, err = amount.New(m.QuantityTicksize); err != nil {
			return settings, err
		}
	}
	if m.PriceMinMul != "" {
		if settings.PriceMinMul, err = amount.New(m.PriceMinMul); err != nil {
			return settings, err
		}
	}
	if m.PriceMaxMul != "" {
		if settings.PriceMaxMul, err = amount.New(m.PriceMaxMul); err != nil {
			return settings, err
		}
	}
	return settings, nil
}

// String returns a string representation of the configuration with sensitive
// data masked
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, exchange := range c.Exchanges {
		exchange.APIKey = maskString(exchange.APIKey)
		exchange.SecretKey = maskString(exchange.SecretKey)
		configCopy.Exchanges[name] = exchange
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Adapter:    "mock",
			DataDir:    ".",
			FastTickMs: 1000,
			SlowTickMs: 30000,
		},
		Engine: EngineConfig{
			RequestTimeoutMs:        180000,
			CancelTimeoutMs:         300000,
			SafetyDelayMs:           8500,
			TickerSafetyDelayMs:     2000,
			StrayGraceTimeLimitMs:   600000,
			ShouldMitigateBlankBook: true,
			ShouldAdjustHiBuyLoSell: true,
			ShouldSlippageCalculated: true,
		},
		Markets: map[string]MarketConfig{
			"BTC_DOGE": {
				OrderMin:          3,
				OrderMax:          5,
				OrderDC:           3,
				PriceTicksize:     "0.00000001",
				QuantityTicksize:  "0.00000001",
				SlippageTimeoutMs: 120000,
			},
		},
		Exchanges: map[string]ExchangeConfig{},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
