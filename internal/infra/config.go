package infra

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the pipeline. Loaded from YAML, then
// sensitive values are overridden from environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"redis"`

	AccountDB struct {
		Driver string `yaml:"driver"` // "postgres" or "sqlite"
		DSN    string `yaml:"dsn"`
	} `yaml:"account_db"`

	SinkDB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"sink_db"`

	Log struct {
		Partitions    int `yaml:"partitions"`
		MaxAttempts   int `yaml:"max_attempts"`
		RetryBaseMS   int `yaml:"retry_base_ms"`
		BufferPerPart int `yaml:"buffer_per_partition"`
	} `yaml:"log"`

	Risk struct {
		MaxQuantity         decimal.Decimal `yaml:"max_quantity"`
		MaxPrice            decimal.Decimal `yaml:"max_price"`
		MaxPriceDeviation   decimal.Decimal `yaml:"max_price_deviation"` // fraction, e.g. 0.10
		VelocityLimit       int             `yaml:"velocity_limit"`
		VelocityWindowSec   int             `yaml:"velocity_window_sec"`
		ConcentrationLimit  decimal.Decimal `yaml:"concentration_limit"` // fraction of portfolio
		HighRiskSymbols     []string        `yaml:"high_risk_symbols"`
		HighRiskMaxNotional decimal.Decimal `yaml:"high_risk_max_notional"`
		CacheTimeoutMS      int             `yaml:"cache_timeout_ms"`
		StoreTimeoutMS      int             `yaml:"store_timeout_ms"`
		BlacklistTTLMin     int             `yaml:"blacklist_ttl_min"`
	} `yaml:"risk"`

	Settlement struct {
		Shards           int `yaml:"shards"`
		ReorderBufferMax int `yaml:"reorder_buffer_max"`
		ReorderTimeoutMS int `yaml:"reorder_timeout_ms"`
	} `yaml:"settlement"`

	Fanout struct {
		RetentionDays int `yaml:"retention_days"`
		MaxBackoffSec int `yaml:"max_backoff_sec"`
	} `yaml:"fanout"`

	Feed struct {
		Addr string `yaml:"addr"` // empty disables the websocket feed
	} `yaml:"feed"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration suitable for local runs and tests.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "quantis-pipeline"
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Partitions <= 0 {
		c.Log.Partitions = 8
	}
	if c.Log.MaxAttempts <= 0 {
		c.Log.MaxAttempts = 5
	}
	if c.Log.RetryBaseMS <= 0 {
		c.Log.RetryBaseMS = 50
	}
	if c.Log.BufferPerPart <= 0 {
		c.Log.BufferPerPart = 256
	}
	if c.Risk.MaxQuantity.IsZero() {
		c.Risk.MaxQuantity = decimal.NewFromInt(1_000_000)
	}
	if c.Risk.MaxPrice.IsZero() {
		c.Risk.MaxPrice = decimal.NewFromInt(1_000_000)
	}
	if c.Risk.MaxPriceDeviation.IsZero() {
		c.Risk.MaxPriceDeviation = decimal.NewFromFloat(0.10)
	}
	if c.Risk.VelocityLimit <= 0 {
		c.Risk.VelocityLimit = 10
	}
	if c.Risk.VelocityWindowSec <= 0 {
		c.Risk.VelocityWindowSec = 3600
	}
	if c.Risk.ConcentrationLimit.IsZero() {
		c.Risk.ConcentrationLimit = decimal.NewFromFloat(0.50)
	}
	if c.Risk.HighRiskMaxNotional.IsZero() {
		c.Risk.HighRiskMaxNotional = decimal.NewFromInt(50_000)
	}
	if c.Risk.CacheTimeoutMS <= 0 {
		c.Risk.CacheTimeoutMS = 200
	}
	if c.Risk.StoreTimeoutMS <= 0 {
		c.Risk.StoreTimeoutMS = 2000
	}
	if c.Risk.BlacklistTTLMin <= 0 {
		c.Risk.BlacklistTTLMin = 60
	}
	if c.Settlement.Shards <= 0 {
		c.Settlement.Shards = 16
	}
	if c.Settlement.ReorderBufferMax <= 0 {
		c.Settlement.ReorderBufferMax = 64
	}
	if c.Settlement.ReorderTimeoutMS <= 0 {
		c.Settlement.ReorderTimeoutMS = 500
	}
	if c.Fanout.RetentionDays <= 0 {
		c.Fanout.RetentionDays = 30
	}
	if c.Fanout.MaxBackoffSec <= 0 {
		c.Fanout.MaxBackoffSec = 60
	}
	if c.Redis.TimeoutMS <= 0 {
		c.Redis.TimeoutMS = 200
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if c.AccountDB.Driver != "" && c.AccountDB.Driver != "postgres" && c.AccountDB.Driver != "sqlite" {
		return fmt.Errorf("unsupported account_db driver: %s", c.AccountDB.Driver)
	}
	if c.SinkDB.Driver != "" && c.SinkDB.Driver != "postgres" && c.SinkDB.Driver != "sqlite" {
		return fmt.Errorf("unsupported sink_db driver: %s", c.SinkDB.Driver)
	}
	if c.Risk.MaxPriceDeviation.Sign() <= 0 || c.Risk.MaxPriceDeviation.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max_price_deviation must be in (0, 1]")
	}
	if c.Risk.ConcentrationLimit.Sign() <= 0 || c.Risk.ConcentrationLimit.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("concentration_limit must be in (0, 1]")
	}
	return nil
}

// CacheTimeout returns the per-call deadline for Fast State Cache reads.
func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.Risk.CacheTimeoutMS) * time.Millisecond
}

// StoreTimeout returns the per-call deadline for Account State Store reads.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Risk.StoreTimeoutMS) * time.Millisecond
}

// BlacklistTTL returns the local blacklist cache staleness bound.
func (c *Config) BlacklistTTL() time.Duration {
	return time.Duration(c.Risk.BlacklistTTLMin) * time.Minute
}

// VelocityWindow returns the rolling order-count window.
func (c *Config) VelocityWindow() time.Duration {
	return time.Duration(c.Risk.VelocityWindowSec) * time.Second
}

// overrideWithEnv overrides settings from environment variables when present.
func overrideWithEnv(cfg *Config) {
	if pass := os.Getenv("QUANTIS_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if addr := os.Getenv("QUANTIS_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if dsn := os.Getenv("QUANTIS_ACCOUNT_DSN"); dsn != "" {
		cfg.AccountDB.DSN = dsn
	}
	if dsn := os.Getenv("QUANTIS_SINK_DSN"); dsn != "" {
		cfg.SinkDB.DSN = dsn
	}
}
