// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Bus         BusConfig                   `yaml:"bus"`
	Gateway     GatewayConfig               `yaml:"gateway"`
	Risk        RiskConfig                  `yaml:"risk"`
	Queue       QueueConfig                 `yaml:"queue"`
	Brackets    BracketConfig               `yaml:"brackets"`
	Instruments map[string]InstrumentConfig `yaml:"instruments"`
	Locks       LockConfig                  `yaml:"locks"`
	Sources     SourceConfig                `yaml:"sources"`
	Alerts      AlertConfig                 `yaml:"alerts"`
	Telemetry   TelemetryConfig             `yaml:"telemetry"`
	System      SystemConfig                `yaml:"system"`
}

// BusConfig contains message broker connection settings
type BusConfig struct {
	URL                  string `yaml:"url" validate:"required"`
	ChannelPrefix        string `yaml:"channel_prefix"`
	PingIntervalSeconds  int    `yaml:"ping_interval_seconds" validate:"min=1,max=300"`
	ReconnectBaseMillis  int    `yaml:"reconnect_base_millis" validate:"min=10,max=60000"`
	ReconnectCapSeconds  int    `yaml:"reconnect_cap_seconds" validate:"min=1,max=600"`
	SubscriptionBuffer   int    `yaml:"subscription_buffer" validate:"min=1,max=65536"`
}

// GatewayConfig contains broker gateway settings
type GatewayConfig struct {
	URL                    string  `yaml:"url" validate:"required"`
	AccountID              string  `yaml:"account_id"`
	RequestTimeoutSeconds  int     `yaml:"request_timeout_seconds" validate:"min=1,max=300"`
	BalanceCacheTTLSeconds int     `yaml:"balance_cache_ttl_seconds" validate:"min=1,max=3600"`
	FallbackBalance        float64 `yaml:"fallback_balance" validate:"min=0"`
}

// RiskConfig contains risk rule thresholds
type RiskConfig struct {
	MinOrderSize           int64   `yaml:"min_order_size" validate:"min=1"`
	MaxOrderSize           int64   `yaml:"max_order_size" validate:"min=1"`
	MaxOpenPositions       int     `yaml:"max_open_positions" validate:"min=1"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss" validate:"min=0"`
	MaxDailyProfit         float64 `yaml:"max_daily_profit" validate:"min=0"`
	MaxRiskPctPerTrade     float64 `yaml:"max_risk_pct_per_trade" validate:"min=0,max=100"`
	TradingHoursEnabled    bool    `yaml:"trading_hours_enabled"`
	TradingHoursStart      string  `yaml:"trading_hours_start"` // "HH:MM"
	TradingHoursEnd        string  `yaml:"trading_hours_end"`   // "HH:MM"
	ViolationHistoryDays   int     `yaml:"violation_history_days" validate:"min=1,max=30"`
	CommissionPerRoundTrip float64 `yaml:"commission_per_round_trip" validate:"min=0"`
}

// QueueConfig contains queue and throttle settings
type QueueConfig struct {
	MaxSize               int     `yaml:"max_size" validate:"min=1,max=100000"`
	MaxOrdersPerSecond    float64 `yaml:"max_orders_per_second" validate:"min=0.1,max=1000"`
	BurstLimit            int     `yaml:"burst_limit" validate:"min=1,max=1000"`
	MaxConcurrentInFlight int     `yaml:"max_concurrent_in_flight" validate:"min=1,max=1000"`
	ProcessingTickMillis  int     `yaml:"processing_tick_millis" validate:"min=10,max=10000"`
	MaxRetries            int     `yaml:"max_retries" validate:"min=0,max=10"`
}

// BracketConfig contains SL/TP derivation defaults
type BracketConfig struct {
	MinRiskReward      float64 `yaml:"min_risk_reward" validate:"min=0"`
	DefaultStopPct     float64 `yaml:"default_stop_pct" validate:"min=0,max=100"`
	DefaultTargetPct   float64 `yaml:"default_target_pct" validate:"min=0,max=100"`
	ATRMultiplierSL    float64 `yaml:"atr_multiplier_sl" validate:"min=0"`
	ATRMultiplierTP    float64 `yaml:"atr_multiplier_tp" validate:"min=0"`
	TrailingEnabled    bool    `yaml:"trailing_enabled"`
	TrailingTriggerPct float64 `yaml:"trailing_trigger_pct" validate:"min=0,max=100"`
	TrailingDistPct    float64 `yaml:"trailing_dist_pct" validate:"min=0,max=100"`
}

// InstrumentConfig contains per-instrument contract parameters
type InstrumentConfig struct {
	TickSize       float64 `yaml:"tick_size" validate:"required,min=0"`
	Multiplier     float64 `yaml:"multiplier" validate:"required,min=0"`
	DollarPerPoint float64 `yaml:"dollar_per_point" validate:"min=0"`
}

// LockConfig contains order mutex settings
type LockConfig struct {
	TTLSeconds             int `yaml:"ttl_seconds" validate:"min=1,max=3600"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds" validate:"min=1,max=3600"`
	AcquirePollMillis      int `yaml:"acquire_poll_millis" validate:"min=1,max=1000"`
	IdempotencyCacheSize   int `yaml:"idempotency_cache_size" validate:"min=1,max=1000000"`
}

// SourceConfig contains source registry settings
type SourceConfig struct {
	AutoRegisterUnknown bool `yaml:"auto_register_unknown"`
}

// AlertConfig contains alert thresholds and delivery channels
type AlertConfig struct {
	QueueDepthThreshold    int     `yaml:"queue_depth_threshold" validate:"min=1"`
	ProcessingP95Millis    float64 `yaml:"processing_p95_millis" validate:"min=1"`
	ViolationRatePerMinute float64 `yaml:"violation_rate_per_minute" validate:"min=0"`
	RecentAlertsCap        int     `yaml:"recent_alerts_cap" validate:"min=1,max=10000"`
	SlackWebhookURL        string  `yaml:"slack_webhook_url"`
	TelegramBotToken       string  `yaml:"telegram_bot_token"`
	TelegramChatID         string  `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel              string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	ShutdownDrainSeconds  int    `yaml:"shutdown_drain_seconds" validate:"min=1,max=300"`
	LegacyDispatchOnReject bool  `yaml:"legacy_dispatch_on_reject"`
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

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), expandVar)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandVar resolves ${VAR} and ${VAR:-default} references.
func expandVar(name string) string {
	key, fallback, hasDefault := strings.Cut(name, ":-")
	if value := os.Getenv(key); value != "" {
		return value
	}
	if hasDefault {
		return fallback
	}
	return ""
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateBusConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGatewayConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateQueueConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateInstruments(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateBusConfig() error {
	if c.Bus.URL == "" {
		return ValidationError{
			Field:   "bus.url",
			Message: "broker URL is required",
		}
	}
	return nil
}

func (c *Config) validateGatewayConfig() error {
	if c.Gateway.URL == "" {
		return ValidationError{
			Field:   "gateway.url",
			Message: "gateway URL is required",
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MinOrderSize <= 0 {
		return ValidationError{
			Field:   "risk.min_order_size",
			Value:   c.Risk.MinOrderSize,
			Message: "must be positive",
		}
	}
	if c.Risk.MaxOrderSize < c.Risk.MinOrderSize {
		return ValidationError{
			Field:   "risk.max_order_size",
			Value:   c.Risk.MaxOrderSize,
			Message: "must be >= min_order_size",
		}
	}
	if c.Risk.TradingHoursEnabled {
		for field, v := range map[string]string{
			"risk.trading_hours_start": c.Risk.TradingHoursStart,
			"risk.trading_hours_end":   c.Risk.TradingHoursEnd,
		} {
			if _, err := time.Parse("15:04", v); err != nil {
				return ValidationError{
					Field:   field,
					Value:   v,
					Message: "must be HH:MM",
				}
			}
		}
	}
	return nil
}

func (c *Config) validateQueueConfig() error {
	if c.Queue.MaxSize <= 0 {
		return ValidationError{
			Field:   "queue.max_size",
			Value:   c.Queue.MaxSize,
			Message: "must be positive",
		}
	}
	if c.Queue.MaxOrdersPerSecond <= 0 {
		return ValidationError{
			Field:   "queue.max_orders_per_second",
			Value:   c.Queue.MaxOrdersPerSecond,
			Message: "must be positive",
		}
	}
	if c.Queue.BurstLimit <= 0 {
		return ValidationError{
			Field:   "queue.burst_limit",
			Value:   c.Queue.BurstLimit,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateInstruments() error {
	if len(c.Instruments) == 0 {
		return ValidationError{
			Field:   "instruments",
			Message: "at least one instrument must be configured",
		}
	}
	for name, inst := range c.Instruments {
		if inst.TickSize <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("instruments.%s.tick_size", name),
				Value:   inst.TickSize,
				Message: "tick size must be positive",
			}
		}
		if inst.Multiplier <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("instruments.%s.multiplier", name),
				Value:   inst.Multiplier,
				Message: "contract multiplier must be positive",
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

// Channel returns a wire channel name with the configured prefix applied.
func (c *Config) Channel(name string) string {
	if c.Bus.ChannelPrefix == "" {
		return name
	}
	return c.Bus.ChannelPrefix + ":" + name
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			URL:                 "nats://localhost:4222",
			PingIntervalSeconds: 30,
			ReconnectBaseMillis: 500,
			ReconnectCapSeconds: 30,
			SubscriptionBuffer:  1024,
		},
		Gateway: GatewayConfig{
			URL:                    "http://localhost:7001",
			AccountID:              "SIM-001",
			RequestTimeoutSeconds:  30,
			BalanceCacheTTLSeconds: 300,
			FallbackBalance:        50000,
		},
		Risk: RiskConfig{
			MinOrderSize:           1,
			MaxOrderSize:           10,
			MaxOpenPositions:       5,
			MaxDailyLoss:           800,
			MaxDailyProfit:         1600,
			MaxRiskPctPerTrade:     2.0,
			TradingHoursEnabled:    false,
			TradingHoursStart:      "09:30",
			TradingHoursEnd:        "16:00",
			ViolationHistoryDays:   7,
			CommissionPerRoundTrip: 1.24,
		},
		Queue: QueueConfig{
			MaxSize:               500,
			MaxOrdersPerSecond:    10,
			BurstLimit:            20,
			MaxConcurrentInFlight: 8,
			ProcessingTickMillis:  100,
			MaxRetries:            3,
		},
		Brackets: BracketConfig{
			MinRiskReward:      1.0,
			DefaultStopPct:     0.5,
			DefaultTargetPct:   1.0,
			ATRMultiplierSL:    1.5,
			ATRMultiplierTP:    3.0,
			TrailingEnabled:    false,
			TrailingTriggerPct: 0.5,
			TrailingDistPct:    0.25,
		},
		Instruments: map[string]InstrumentConfig{
			"MES": {TickSize: 0.25, Multiplier: 5, DollarPerPoint: 5},
			"MNQ": {TickSize: 0.25, Multiplier: 2, DollarPerPoint: 2},
			"ES":  {TickSize: 0.25, Multiplier: 50, DollarPerPoint: 50},
			"NQ":  {TickSize: 0.25, Multiplier: 20, DollarPerPoint: 20},
		},
		Locks: LockConfig{
			TTLSeconds:             30,
			CleanupIntervalSeconds: 60,
			AcquirePollMillis:      10,
			IdempotencyCacheSize:   10000,
		},
		Sources: SourceConfig{
			AutoRegisterUnknown: true,
		},
		Alerts: AlertConfig{
			QueueDepthThreshold:    400,
			ProcessingP95Millis:    5000,
			ViolationRatePerMinute: 10,
			RecentAlertsCap:        100,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		System: SystemConfig{
			LogLevel:             "INFO",
			ShutdownDrainSeconds: 10,
		},
	}
}
