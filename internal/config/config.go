package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"mev-scanner/internal/logging"
	"mev-scanner/internal/retry"
	"mev-scanner/internal/risk"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	RPC      RPCConfig      `mapstructure:"rpc"`
	Retry    retry.Policy   `mapstructure:"retry"`
	Fees     FeesConfig     `mapstructure:"fees"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	VaultGap VaultGapConfig `mapstructure:"vaultgap"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// the execution journal.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ScannerConfig governs the scan loop.
type ScannerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	OpportunityTTL  time.Duration `mapstructure:"opportunity_ttl"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	Account         string        `mapstructure:"account"`
	AutoExecute     bool          `mapstructure:"auto_execute"`
	Strategies      []string      `mapstructure:"strategies"`
}

// RPCConfig lists the endpoints and how they are probed.
type RPCConfig struct {
	Primary         string        `mapstructure:"primary"`
	Fallbacks       []string      `mapstructure:"fallbacks"`
	Local           string        `mapstructure:"local"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	HealthCacheTTL  time.Duration `mapstructure:"health_cache_ttl"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// FeesConfig tunes the fee predictor. Fee amounts are in gwei.
type FeesConfig struct {
	HistorySize       int           `mapstructure:"history_size"`
	Lookback          int           `mapstructure:"lookback"`
	TrendWindow       int           `mapstructure:"trend_window"`
	PriorityWindow    int           `mapstructure:"priority_window"`
	Percentile        float64       `mapstructure:"percentile"`
	MinPriorityGwei   float64       `mapstructure:"min_priority_gwei"`
	MaxPriorityGwei   float64       `mapstructure:"max_priority_gwei"`
	MaxFeeCeilingGwei float64       `mapstructure:"max_fee_ceiling_gwei"`
	BaseFeeBuffer     float64       `mapstructure:"base_fee_buffer"`
	FallbackMaxGwei   float64       `mapstructure:"fallback_max_fee_gwei"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UpdateInterval    time.Duration `mapstructure:"update_interval"`
}

// RiskConfig sets position sizing.
type RiskConfig struct {
	Mode              string  `mapstructure:"mode"`
	BaseSize          float64 `mapstructure:"base_size"`
	MaxRiskPerTrade   float64 `mapstructure:"max_risk_per_trade"`
	MinBalanceETH     float64 `mapstructure:"min_balance_eth"`
	MaxPosition       float64 `mapstructure:"max_position"`
	VolatilityWindow  int     `mapstructure:"volatility_window"`
	VolatilityFloor   float64 `mapstructure:"volatility_floor"`
	DefaultVolatility float64 `mapstructure:"default_volatility"`
	NativeAsset       string  `mapstructure:"native_asset"`
}

// PricingConfig covers the reference price feed and its cache.
type PricingConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Quote          string        `mapstructure:"quote"`
	Interval       string        `mapstructure:"interval"`
	Pegged         []string      `mapstructure:"pegged"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

// RedisConfig points at the price cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Prefix    string        `mapstructure:"prefix"`
	PriceTTL  time.Duration `mapstructure:"price_ttl"`
	CandleTTL time.Duration `mapstructure:"candle_ttl"`
}

// VaultGapConfig captures the vault-vs-market strategy.
type VaultGapConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	VaultAddress   string        `mapstructure:"vault_address"`
	AssetAddress   string        `mapstructure:"asset_address"`
	AssetSymbol    string        `mapstructure:"asset_symbol"`
	AssetDecimals  int32         `mapstructure:"asset_decimals"`
	ShareDecimals  int32         `mapstructure:"share_decimals"`
	ThresholdPct   float64       `mapstructure:"threshold_pct"`
	Notional       float64       `mapstructure:"notional"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
	CowBaseURL     string        `mapstructure:"cow_base_url"`
	PriceQuality   string        `mapstructure:"price_quality"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	OnFailure bool           `mapstructure:"on_failure"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig routes opportunity events. No brokers disables publishing.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig exposes the prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("MEVSCANNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports variables from ./.env without overriding the process
// environment. A missing file is fine.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mevscanner")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("scanner.interval", "5s")
	v.SetDefault("scanner.opportunity_ttl", "30s")
	v.SetDefault("scanner.advisory_lock_key", int64(0x6d657673))
	v.SetDefault("scanner.account", "")
	v.SetDefault("scanner.auto_execute", false)
	v.SetDefault("scanner.strategies", []string{"vaultgap"})

	v.SetDefault("rpc.primary", "")
	v.SetDefault("rpc.fallbacks", []string{})
	v.SetDefault("rpc.local", "")
	v.SetDefault("rpc.health_interval", "15s")
	v.SetDefault("rpc.health_cache_ttl", "10s")
	v.SetDefault("rpc.probe_timeout", "5s")
	v.SetDefault("rpc.breaker_failures", 3)
	v.SetDefault("rpc.breaker_cooldown", "30s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.jitter", true)

	v.SetDefault("fees.history_size", 50)
	v.SetDefault("fees.lookback", 5)
	v.SetDefault("fees.trend_window", 5)
	v.SetDefault("fees.priority_window", 5)
	v.SetDefault("fees.percentile", 75.0)
	v.SetDefault("fees.min_priority_gwei", 1.0)
	v.SetDefault("fees.max_priority_gwei", 50.0)
	v.SetDefault("fees.max_fee_ceiling_gwei", 500.0)
	v.SetDefault("fees.base_fee_buffer", 2.0)
	v.SetDefault("fees.fallback_max_fee_gwei", 50.0)
	v.SetDefault("fees.request_timeout", "10s")
	v.SetDefault("fees.update_interval", "12s")

	v.SetDefault("risk.mode", "fixed")
	v.SetDefault("risk.base_size", 0.1)
	v.SetDefault("risk.max_risk_per_trade", 0.02)
	v.SetDefault("risk.min_balance_eth", 0.05)
	v.SetDefault("risk.max_position", 10000.0)
	v.SetDefault("risk.volatility_window", 14)
	v.SetDefault("risk.volatility_floor", 0.005)
	v.SetDefault("risk.default_volatility", 0.01)
	v.SetDefault("risk.native_asset", "ETH")

	v.SetDefault("pricing.base_url", "https://api.binance.com")
	v.SetDefault("pricing.quote", "USDT")
	v.SetDefault("pricing.interval", "1h")
	v.SetDefault("pricing.pegged", []string{"USDC", "USDE", "DAI"})
	v.SetDefault("pricing.request_timeout", "10s")
	v.SetDefault("pricing.user_agent", "mevscanner/1.0")
	v.SetDefault("pricing.redis.addr", "")
	v.SetDefault("pricing.redis.password", "")
	v.SetDefault("pricing.redis.db", 0)
	v.SetDefault("pricing.redis.prefix", "mevscanner:pricing")
	v.SetDefault("pricing.redis.price_ttl", "15s")
	v.SetDefault("pricing.redis.candle_ttl", "5m")

	v.SetDefault("vaultgap.enabled", true)
	v.SetDefault("vaultgap.vault_address", "0x9D39A5DE30e57443BfF2A8307A4256c8797A3497")
	v.SetDefault("vaultgap.asset_address", "0x4c9EDD5852cd905f086C759E8383e09bff1E68B3")
	v.SetDefault("vaultgap.asset_symbol", "USDE")
	v.SetDefault("vaultgap.asset_decimals", 18)
	v.SetDefault("vaultgap.share_decimals", 18)
	v.SetDefault("vaultgap.threshold_pct", 0.4)
	v.SetDefault("vaultgap.notional", 10000.0)
	v.SetDefault("vaultgap.gas_limit", 250000)
	v.SetDefault("vaultgap.cow_base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("vaultgap.price_quality", "optimal")
	v.SetDefault("vaultgap.request_timeout", "10s")
	v.SetDefault("vaultgap.user_agent", "mevscanner/1.0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.on_failure", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "mev.opportunities")
	v.SetDefault("kafka.batch_timeout", "200ms")
	v.SetDefault("kafka.write_timeout", "10s")

	v.SetDefault("metrics.listen", ":9102")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", false)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPC.Primary) == "" && strings.TrimSpace(c.RPC.Local) == "" {
		return fmt.Errorf("rpc.primary or rpc.local must be set")
	}
	if c.Scanner.Interval <= 0 {
		return fmt.Errorf("scanner.interval must be greater than zero")
	}
	if c.Scanner.OpportunityTTL <= 0 {
		return fmt.Errorf("scanner.opportunity_ttl must be greater than zero")
	}
	if c.RPC.HealthInterval <= 0 {
		return fmt.Errorf("rpc.health_interval must be greater than zero")
	}
	if c.Fees.UpdateInterval <= 0 {
		return fmt.Errorf("fees.update_interval must be greater than zero")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Fees.Percentile <= 0 || c.Fees.Percentile > 100 {
		return fmt.Errorf("fees.percentile must be in (0, 100]")
	}
	if c.Fees.MinPriorityGwei > c.Fees.MaxPriorityGwei {
		return fmt.Errorf("fees.min_priority_gwei cannot exceed fees.max_priority_gwei")
	}
	if _, err := risk.ParseMode(c.Risk.Mode); err != nil {
		return fmt.Errorf("risk.mode: %w", err)
	}
	if c.Risk.BaseSize <= 0 {
		return fmt.Errorf("risk.base_size must be greater than zero")
	}
	if c.VaultGap.Enabled {
		if c.VaultGap.VaultAddress == "" || c.VaultGap.AssetAddress == "" {
			return fmt.Errorf("vaultgap.vault_address and vaultgap.asset_address are required")
		}
		if c.VaultGap.Notional <= 0 {
			return fmt.Errorf("vaultgap.notional must be greater than zero")
		}
		if c.VaultGap.ThresholdPct < 0 {
			return fmt.Errorf("vaultgap.threshold_pct cannot be negative")
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic must be set when brokers are configured")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
