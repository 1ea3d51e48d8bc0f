// Package config loads the process configuration from defaults, an optional
// YAML file, a .env file and PILOT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/optionpilot/trading-backend/internal/plugin"
	"github.com/optionpilot/trading-backend/internal/scheduler"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PILOT_TRADING_SYMBOL.
const EnvPrefix = "PILOT"

// Config is the complete process configuration.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`

	Server       types.ServerConfig `mapstructure:"server"`
	Trading      TradingConfig      `mapstructure:"trading"`
	Plugins      PluginNames        `mapstructure:"plugins"`
	Schedule     scheduler.Trigger  `mapstructure:"schedule"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Workers      WorkersConfig      `mapstructure:"workers"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// TradingConfig holds the options handed to the pipeline stages.
type TradingConfig struct {
	Symbol     string `mapstructure:"symbol"`
	SpreadType string `mapstructure:"spread_type"`
	Quantity   int    `mapstructure:"quantity"`

	// Selection
	DTEMin          int     `mapstructure:"dte_min"`
	DTEMax          int     `mapstructure:"dte_max"`
	DeltaTarget     float64 `mapstructure:"delta_target"`
	CreditThreshold float64 `mapstructure:"credit_threshold"`
	MaxSpreadWidth  float64 `mapstructure:"max_spread_width"`

	// Risk
	MaxPositions    int     `mapstructure:"max_positions"`
	PositionSizePct float64 `mapstructure:"position_size_pct"`
	MaxMarginUsage  float64 `mapstructure:"max_margin_usage"`
	MaxDrawdown     float64 `mapstructure:"max_drawdown"`
	KellyFraction   float64 `mapstructure:"kelly_fraction"`

	// Indicators
	RSIPeriod          int     `mapstructure:"rsi_period"`
	RSIOverbought      float64 `mapstructure:"rsi_overbought"`
	RSIOversold        float64 `mapstructure:"rsi_oversold"`
	EMAFast            int     `mapstructure:"ema_fast"`
	EMASlow            int     `mapstructure:"ema_slow"`
	MACDSignal         int     `mapstructure:"macd_signal"`
	ATRPeriod          int     `mapstructure:"atr_period"`
	IVPercentilePeriod int     `mapstructure:"iv_percentile_period"`
	HighVolThreshold   float64 `mapstructure:"high_vol_threshold"`
	HistoryPeriod      int     `mapstructure:"history_period"`

	// Skip runs whose signal opposes spread_type
	BiasFilter bool `mapstructure:"bias_filter"`

	// Execution
	PaperTrading          bool          `mapstructure:"paper_trading"`
	AccountEquity         float64       `mapstructure:"account_equity"`
	CommissionPerContract float64       `mapstructure:"commission_per_contract"`
	Latency               time.Duration `mapstructure:"latency"`
	SubmitTimeout         time.Duration `mapstructure:"submit_timeout"`
}

// PluginNames selects the registered implementation per role.
type PluginNames struct {
	Data     string `mapstructure:"data"`
	Signals  string `mapstructure:"signals"`
	Selector string `mapstructure:"selector"`
	Risk     string `mapstructure:"risk"`
	Executor string `mapstructure:"executor"`
}

// OrchestratorConfig bounds stage lifecycle calls.
type OrchestratorConfig struct {
	InitTimeout     time.Duration `mapstructure:"init_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WorkersConfig sizes the I/O worker pool.
type WorkersConfig struct {
	IOWorkers int `mapstructure:"io_workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// JournalConfig configures the SQLite run journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RedisConfig configures the Redis run publisher.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	PrettyPrint bool `mapstructure:"pretty_print"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "Dynamic Option Pilot")
	v.SetDefault("version", "1.0.0")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.enable_metrics", true)

	v.SetDefault("trading.symbol", "SPX")
	v.SetDefault("trading.spread_type", "PUT")
	v.SetDefault("trading.quantity", 1)
	v.SetDefault("trading.dte_min", 30)
	v.SetDefault("trading.dte_max", 45)
	v.SetDefault("trading.delta_target", 0.10)
	v.SetDefault("trading.credit_threshold", 0.35)
	v.SetDefault("trading.max_spread_width", 50)
	v.SetDefault("trading.max_positions", 5)
	v.SetDefault("trading.position_size_pct", 0.02)
	v.SetDefault("trading.max_margin_usage", 0.50)
	v.SetDefault("trading.max_drawdown", 0.15)
	v.SetDefault("trading.kelly_fraction", 0.25)
	v.SetDefault("trading.rsi_period", 14)
	v.SetDefault("trading.rsi_overbought", 70)
	v.SetDefault("trading.rsi_oversold", 30)
	v.SetDefault("trading.ema_fast", 9)
	v.SetDefault("trading.ema_slow", 21)
	v.SetDefault("trading.macd_signal", 9)
	v.SetDefault("trading.atr_period", 14)
	v.SetDefault("trading.iv_percentile_period", 252)
	v.SetDefault("trading.high_vol_threshold", 0.75)
	v.SetDefault("trading.history_period", 60)
	v.SetDefault("trading.bias_filter", false)
	v.SetDefault("trading.paper_trading", true)
	v.SetDefault("trading.account_equity", 100000)
	v.SetDefault("trading.commission_per_contract", 0.65)
	v.SetDefault("trading.latency", 50*time.Millisecond)
	v.SetDefault("trading.submit_timeout", 30*time.Second)

	v.SetDefault("plugins.data", "td_ameritrade")
	v.SetDefault("plugins.signals", "technical")
	v.SetDefault("plugins.selector", "credit_spread")
	v.SetDefault("plugins.risk", "portfolio")
	v.SetDefault("plugins.executor", "td_ameritrade")

	mo := scheduler.MarketOpen()
	v.SetDefault("schedule.id", mo.ID)
	v.SetDefault("schedule.hour", mo.Hour)
	v.SetDefault("schedule.minute", mo.Minute)
	v.SetDefault("schedule.days", mo.Days)
	v.SetDefault("schedule.timezone", mo.Timezone)

	v.SetDefault("orchestrator.init_timeout", 10*time.Second)
	v.SetDefault("orchestrator.shutdown_timeout", 5*time.Second)

	v.SetDefault("workers.io_workers", 8)
	v.SetDefault("workers.queue_size", 64)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "./data/journal.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "pilot:runs")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.pretty_print", false)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := Load("", "")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load builds the configuration. envFile and path may be empty; a missing
// envFile is ignored. Environment variables win over the file.
func Load(envFile, path string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no stage could work with.
func (c *Config) Validate() error {
	var errs []error
	t := c.Trading

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q", c.LogLevel))
	}
	if strings.TrimSpace(t.Symbol) == "" {
		errs = append(errs, errors.New("trading.symbol is empty"))
	}
	if _, err := types.ParseSpreadType(strings.ToUpper(t.SpreadType)); err != nil {
		errs = append(errs, fmt.Errorf("trading.spread_type: %w", err))
	}
	if t.DTEMin < 0 || t.DTEMin > t.DTEMax {
		errs = append(errs, fmt.Errorf("trading.dte_min %d must be within [0, dte_max %d]", t.DTEMin, t.DTEMax))
	}
	for name, v := range map[string]float64{
		"delta_target":       t.DeltaTarget,
		"position_size_pct":  t.PositionSizePct,
		"max_margin_usage":   t.MaxMarginUsage,
		"max_drawdown":       t.MaxDrawdown,
		"kelly_fraction":     t.KellyFraction,
		"high_vol_threshold": t.HighVolThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("trading.%s %v outside [0, 1]", name, v))
		}
	}
	if t.CreditThreshold < 0 || t.MaxSpreadWidth <= 0 {
		errs = append(errs, fmt.Errorf("trading.credit_threshold %v / max_spread_width %v", t.CreditThreshold, t.MaxSpreadWidth))
	}
	if t.Quantity < 1 || t.MaxPositions < 0 || t.HistoryPeriod < 1 {
		errs = append(errs, fmt.Errorf("trading.quantity %d / max_positions %d / history_period %d", t.Quantity, t.MaxPositions, t.HistoryPeriod))
	}
	if t.AccountEquity <= 0 {
		errs = append(errs, fmt.Errorf("trading.account_equity %v must be positive", t.AccountEquity))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d", c.Server.Port))
	}
	if err := c.Schedule.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PluginConfig flattens the trading options into the option map every
// stage factory receives.
func (c *Config) PluginConfig() plugin.Config {
	t := c.Trading
	return plugin.NewConfig(map[string]any{
		"symbol":                  t.Symbol,
		"spread_type":             strings.ToUpper(t.SpreadType),
		"quantity":                t.Quantity,
		"dte_min":                 t.DTEMin,
		"dte_max":                 t.DTEMax,
		"delta_target":            t.DeltaTarget,
		"credit_threshold":        t.CreditThreshold,
		"max_spread_width":        t.MaxSpreadWidth,
		"max_positions":           t.MaxPositions,
		"position_size_pct":       t.PositionSizePct,
		"max_margin_usage":        t.MaxMarginUsage,
		"max_drawdown":            t.MaxDrawdown,
		"kelly_fraction":          t.KellyFraction,
		"rsi_period":              t.RSIPeriod,
		"rsi_overbought":          t.RSIOverbought,
		"rsi_oversold":            t.RSIOversold,
		"ema_fast":                t.EMAFast,
		"ema_slow":                t.EMASlow,
		"macd_signal":             t.MACDSignal,
		"atr_period":              t.ATRPeriod,
		"iv_percentile_period":    t.IVPercentilePeriod,
		"high_vol_threshold":      t.HighVolThreshold,
		"history_period":          t.HistoryPeriod,
		"bias_filter":             t.BiasFilter,
		"paper_trading":           t.PaperTrading,
		"account_equity":          t.AccountEquity,
		"commission_per_contract": t.CommissionPerContract,
		"latency":                 t.Latency,
		"submit_timeout":          t.SubmitTimeout,
	})
}

// Implementations maps each role name to its configured implementation.
func (p PluginNames) Implementations() map[string]string {
	return map[string]string{
		"data":     p.Data,
		"signals":  p.Signals,
		"selector": p.Selector,
		"risk":     p.Risk,
		"executor": p.Executor,
	}
}
