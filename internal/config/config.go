// Package config loads tradeflow settings from an optional YAML file,
// TRADEFLOW_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. TRADEFLOW_POSTGRES_DSN.
const EnvPrefix = "TRADEFLOW"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Rate stores.
const (
	RateStoreMemory = "memory"
	RateStoreRedis  = "redis"
)

// Config is the full process configuration.
type Config struct {
	Env        string           `mapstructure:"env"`
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Solana     SolanaConfig     `mapstructure:"solana"`
	BSC        EVMChainConfig   `mapstructure:"bsc"`
	Base       EVMChainConfig   `mapstructure:"base"`
	Trigger    TriggerConfig    `mapstructure:"trigger"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Trending   TrendingConfig   `mapstructure:"trending"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
}

// Production reports whether env is "production".
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the store backend. SeedFile populates the memory
// config store with wallets, triggers and profiles.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	SeedFile string `mapstructure:"seed_file"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ClickHouseConfig enables the analytics sink. An empty DSN keeps trade
// events in memory.
type ClickHouseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type WebhookConfig struct {
	Secret       string `mapstructure:"secret"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// SolanaConfig configures the Solana watchers. The logs watcher runs only
// when WSURL is set.
type SolanaConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	WSURL           string        `mapstructure:"ws_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// EVMChainConfig configures one EVM chain. The poller runs only when RPCURL
// is set.
type EVMChainConfig struct {
	RPCURL        string        `mapstructure:"rpc_url"`
	ChainID       int64         `mapstructure:"chain_id"`
	Router        string        `mapstructure:"router"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Window        uint64        `mapstructure:"window"`
	MaxRange      uint64        `mapstructure:"max_range"`
	ReceiptPoll   time.Duration `mapstructure:"receipt_poll"`
	SwapDeadline  time.Duration `mapstructure:"swap_deadline"`
	ExecutorLocal bool          `mapstructure:"executor_local"`
}

type TriggerConfig struct {
	RateStore        string        `mapstructure:"rate_store"`
	DailyLimit       int           `mapstructure:"daily_limit"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxOpenPositions int           `mapstructure:"max_open_positions"`
	MinLiquidityUSD  float64       `mapstructure:"min_liquidity_usd"`
	MinMarketCapUSD  float64       `mapstructure:"min_market_cap_usd"`
}

type LedgerConfig struct {
	FIFOEpsilon     float64       `mapstructure:"fifo_epsilon"`
	RevalueInterval time.Duration `mapstructure:"revalue_interval"`
}

type DispatchConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`
}

type OracleConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type ExecutorConfig struct {
	SlippageBps int64           `mapstructure:"slippage_bps"`
	JupiterURL  string          `mapstructure:"jupiter_url"`
	Custodial   CustodialConfig `mapstructure:"custodial"`
}

// CustodialConfig enables the custodial wallet executor when URL is set.
type CustodialConfig struct {
	URL        string        `mapstructure:"url"`
	SigningKey string        `mapstructure:"signing_key"`
	Audience   string        `mapstructure:"audience"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// OpenAIConfig enables the commentary observer when APIKey is set.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type TrendingConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Lookback  time.Duration `mapstructure:"lookback"`
	TopN      int           `mapstructure:"top_n"`
	MinBuyers int           `mapstructure:"min_buyers"`
}

type ReconcileConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Tolerance float64       `mapstructure:"tolerance"`
}

// defaults covers every key so that AutomaticEnv can override any of them.
var defaults = map[string]interface{}{
	"env": "development",

	"log.level":       "info",
	"log.development": false,

	"http.addr":             ":8080",
	"http.shutdown_timeout": 30 * time.Second,

	"storage.driver":    DriverMemory,
	"storage.seed_file": "",

	"postgres.dsn":       "",
	"postgres.max_conns": 10,

	"clickhouse.dsn": "",

	"redis.addr":     "",
	"redis.password": "",
	"redis.db":       0,
	"redis.prefix":   "tradeflow",

	"webhook.secret":         "",
	"webhook.max_body_bytes": 8 << 20,

	"solana.rpc_url":          "https://api.mainnet-beta.solana.com",
	"solana.ws_url":           "",
	"solana.refresh_interval": 30 * time.Second,

	"bsc.rpc_url":        "",
	"bsc.chain_id":       56,
	"bsc.router":         "0x10ED43C718714eb63d5aA57B78B54704E256024E",
	"bsc.poll_interval":  3 * time.Second,
	"bsc.window":         200,
	"bsc.max_range":      500,
	"bsc.receipt_poll":   2 * time.Second,
	"bsc.swap_deadline":  2 * time.Minute,
	"bsc.executor_local": true,

	"base.rpc_url":        "",
	"base.chain_id":       8453,
	"base.router":         "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24",
	"base.poll_interval":  2 * time.Second,
	"base.window":         300,
	"base.max_range":      500,
	"base.receipt_poll":   2 * time.Second,
	"base.swap_deadline":  2 * time.Minute,
	"base.executor_local": true,

	"trigger.rate_store":         RateStoreMemory,
	"trigger.daily_limit":        5,
	"trigger.cooldown":           60 * time.Second,
	"trigger.max_open_positions": 10,
	"trigger.min_liquidity_usd":  5_000.0,
	"trigger.min_market_cap_usd": 10_000.0,

	"ledger.fifo_epsilon":     0.001,
	"ledger.revalue_interval": 5 * time.Minute,

	"dispatch.interval":     5 * time.Second,
	"dispatch.exec_timeout": 20 * time.Second,

	"oracle.base_url":  "https://api.dexscreener.com",
	"oracle.timeout":   5 * time.Second,
	"oracle.cache_ttl": 30 * time.Second,

	"executor.slippage_bps":          300,
	"executor.jupiter_url":           "https://lite-api.jup.ag/swap/v1",
	"executor.custodial.url":         "",
	"executor.custodial.signing_key": "",
	"executor.custodial.audience":    "",
	"executor.custodial.timeout":     15 * time.Second,

	"openai.api_key":  "",
	"openai.base_url": "",
	"openai.model":    "",

	"trending.interval":   60 * time.Second,
	"trending.lookback":   time.Hour,
	"trending.top_n":      20,
	"trending.min_buyers": 2,

	"reconcile.interval":  10 * time.Minute,
	"reconcile.tolerance": 1e-6,
}

// NewViper returns a viper instance with defaults and environment binding.
// Flags bound to it before Load take precedence over env and file values.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored and existing variables are never overwritten.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// Load reads the optional YAML file at path into v, decodes and validates.
func Load(v *viper.Viper, path string) (*Config, error) {
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
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Trigger.RateStore = strings.ToLower(strings.TrimSpace(cfg.Trigger.RateStore))

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns the first configuration error.
func Validate(cfg *Config) error {
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q: want memory or postgres", cfg.Storage.Driver)
	}

	switch cfg.Trigger.RateStore {
	case RateStoreMemory:
	case RateStoreRedis:
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis rate store")
		}
	default:
		return fmt.Errorf("trigger.rate_store %q: want memory or redis", cfg.Trigger.RateStore)
	}
	if cfg.Trigger.DailyLimit <= 0 {
		return errors.New("trigger.daily_limit must be positive")
	}
	if cfg.Trigger.MaxOpenPositions <= 0 {
		return errors.New("trigger.max_open_positions must be positive")
	}
	if cfg.Trigger.Cooldown < 0 {
		return errors.New("trigger.cooldown must not be negative")
	}

	if cfg.Ledger.FIFOEpsilon <= 0 {
		return errors.New("ledger.fifo_epsilon must be positive")
	}
	if cfg.Ledger.RevalueInterval <= 0 {
		return errors.New("ledger.revalue_interval must be positive")
	}
	if cfg.Executor.SlippageBps < 0 || cfg.Executor.SlippageBps >= 10_000 {
		return fmt.Errorf("executor.slippage_bps %d: want [0, 10000)", cfg.Executor.SlippageBps)
	}
	if cfg.Executor.Custodial.URL != "" && cfg.Executor.Custodial.SigningKey == "" {
		return errors.New("executor.custodial.signing_key is required with executor.custodial.url")
	}

	for _, u := range []struct{ key, raw string }{
		{"solana.rpc_url", cfg.Solana.RPCURL},
		{"solana.ws_url", cfg.Solana.WSURL},
		{"bsc.rpc_url", cfg.BSC.RPCURL},
		{"base.rpc_url", cfg.Base.RPCURL},
	} {
		if err := validateURL(u.raw); err != nil {
			return fmt.Errorf("%s: %w", u.key, err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
