// Package config provides configuration management for the trading application.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/logging"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig     `mapstructure:"trading"`
	Store       StoreConfig       `mapstructure:"store"`
	Paper       PaperConfig       `mapstructure:"paper"`
	Logging     logging.LogConfig `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Credentials Credentials       `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds order execution settings.
type TradingConfig struct {
	Mode              string        `mapstructure:"mode"` // "live", "paper"
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	FillTimeout       time.Duration `mapstructure:"fill_timeout"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	CryptoQuote       string        `mapstructure:"crypto_quote"`
	RequireMarketOpen bool          `mapstructure:"require_market_open"`
	Exchange          string        `mapstructure:"exchange"`
	Product           string        `mapstructure:"product"`
	ApplyRetries      int           `mapstructure:"apply_retries"`
}

// StoreConfig selects and configures the ledger backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	InitialCash float64            `mapstructure:"initial_cash"`
	FillLatency time.Duration      `mapstructure:"fill_latency"`
	Prices      map[string]float64 `mapstructure:"prices"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// BreakerConfig configures the circuit breaker around broker calls.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	// RateLimit caps broker calls per second. Zero disables the limit.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// Credentials holds API credentials.
type Credentials struct {
	Kite KiteCredentials `mapstructure:"kite"`
}

// KiteCredentials holds Kite Connect API credentials.
type KiteCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/instance-trader"
	}
	return filepath.Join(home, ".config", "instance-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	if err := loadDotEnv(configDir); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv reads .env files from the working directory and the config
// directory. Existing environment variables win.
func loadDotEnv(configDir string) error {
	for _, path := range []string{".env", filepath.Join(configDir, ".env")} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.mode", ModePaper)
	v.SetDefault("trading.poll_interval", time.Second)
	v.SetDefault("trading.fill_timeout", 8*time.Hour)
	v.SetDefault("trading.tick_interval", time.Second)
	v.SetDefault("trading.crypto_quote", "USD")
	v.SetDefault("trading.require_market_open", false)
	v.SetDefault("trading.exchange", "NSE")
	v.SetDefault("trading.product", "CNC")
	v.SetDefault("trading.apply_retries", 5)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", filepath.Join(configDir, "ledger.db"))

	v.SetDefault("paper.initial_cash", 100000.0)
	v.SetDefault("paper.fill_latency", 500*time.Millisecond)

	logDefaults := logging.DefaultLogConfig()
	v.SetDefault("logging.level", logDefaults.Level)
	v.SetDefault("logging.console", logDefaults.Console)
	v.SetDefault("logging.file", logDefaults.File)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "trader.log"))
	v.SetDefault("logging.max_size", logDefaults.MaxSize)
	v.SetDefault("logging.max_backups", logDefaults.MaxBackups)
	v.SetDefault("logging.max_age", logDefaults.MaxAge)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("breaker.rate_limit", 10.0)
	v.SetDefault("breaker.rate_burst", 10)
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		// Write a template for next time and run on defaults.
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Kite.AccessToken = v
	}

	if v := os.Getenv("TRADER_DB_URI"); v != "" {
		cfg.Store.Driver = DriverPostgres
		cfg.Store.DSN = v
	}

	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != ModeLive && c.Trading.Mode != ModePaper {
		return fmt.Errorf("%w: invalid trading mode: %s (must be 'live' or 'paper')", apperrors.ErrConfigInvalid, c.Trading.Mode)
	}
	if c.Trading.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Trading.TickInterval <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Trading.FillTimeout < 0 {
		return fmt.Errorf("%w: fill_timeout must be non-negative", apperrors.ErrConfigInvalid)
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for sqlite", apperrors.ErrConfigInvalid)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for postgres", apperrors.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver: %s", apperrors.ErrConfigInvalid, c.Store.Driver)
	}

	if c.Breaker.Enabled && c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("%w: breaker.failure_threshold must be positive", apperrors.ErrConfigInvalid)
	}

	if c.Breaker.RateLimit < 0 {
		return fmt.Errorf("%w: breaker.rate_limit must be non-negative", apperrors.ErrConfigInvalid)
	}

	if c.Paper.InitialCash < 0 {
		return fmt.Errorf("%w: paper.initial_cash must be non-negative", apperrors.ErrConfigInvalid)
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == ModePaper
}
