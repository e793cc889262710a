package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "instance-trader/internal/errors"
)

func TestLoadWritesTemplatesAndUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRADING_MODE", "")
	t.Setenv("TRADER_DB_URI", "")
	t.Setenv("KITE_API_KEY", "")

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(dir, "config.toml"))
	require.FileExists(t, filepath.Join(dir, "credentials.toml"))

	require.Equal(t, ModePaper, cfg.Trading.Mode)
	require.Equal(t, time.Second, cfg.Trading.PollInterval)
	require.Equal(t, 8*time.Hour, cfg.Trading.FillTimeout)
	require.Equal(t, "USD", cfg.Trading.CryptoQuote)
	require.Equal(t, DriverSQLite, cfg.Store.Driver)
	require.Equal(t, filepath.Join(dir, "ledger.db"), cfg.Store.Path)
	require.True(t, cfg.Breaker.Enabled)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	require.Equal(t, 10.0, cfg.Breaker.RateLimit)
	require.True(t, cfg.IsPaperMode())
}

func TestLoadReadsFileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRADING_MODE", "")
	t.Setenv("TRADER_DB_URI", "")

	config := `
[trading]
mode = "paper"
poll_interval = "250ms"
fill_timeout = "10m"

[paper.prices]
XYZ = 50.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(config), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("KITE_API_KEY=from-dotenv\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("KITE_API_KEY") })

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, 250*time.Millisecond, cfg.Trading.PollInterval)
	require.Equal(t, 10*time.Minute, cfg.Trading.FillTimeout)
	require.Equal(t, "from-dotenv", cfg.Credentials.Kite.APIKey)
	// viper lower-cases map keys
	require.Equal(t, 50.0, cfg.Paper.Prices["xyz"])
}

func TestEnvOverridesStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRADER_DB_URI", "postgres://trader@localhost:5432/trader")
	t.Setenv("TRADING_MODE", "live")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, DriverPostgres, cfg.Store.Driver)
	require.Equal(t, "postgres://trader@localhost:5432/trader", cfg.Store.DSN)
	require.False(t, cfg.IsPaperMode())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Trading: TradingConfig{Mode: ModePaper, PollInterval: time.Second, TickInterval: time.Second},
			Store:   StoreConfig{Driver: DriverSQLite, Path: "ledger.db"},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Trading.Mode = "demo" }},
		{"zero poll", func(c *Config) { c.Trading.PollInterval = 0 }},
		{"zero tick", func(c *Config) { c.Trading.TickInterval = 0 }},
		{"negative timeout", func(c *Config) { c.Trading.FillTimeout = -time.Second }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"negative cash", func(c *Config) { c.Paper.InitialCash = -1 }},
		{"breaker without threshold", func(c *Config) { c.Breaker = BreakerConfig{Enabled: true} }},
		{"negative rate limit", func(c *Config) { c.Breaker.RateLimit = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.ErrorIs(t, err, apperrors.ErrConfigInvalid)
		})
	}
}
