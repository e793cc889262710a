package cli

import (
	"github.com/spf13/cobra"

	"instance-trader/internal/config"
	"instance-trader/internal/security"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with credentials masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := redactedConfig(app.Config)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			showConfig(output, cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{"standalone": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": dir})
			}
			output.Println(dir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

// redactedConfig returns a copy safe to print.
func redactedConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Store.DSN = security.Redact(cfg.Store.DSN)
	out.Credentials.Kite = config.KiteCredentials{
		APIKey:      security.MaskCredential(cfg.Credentials.Kite.APIKey),
		APISecret:   security.MaskCredential(cfg.Credentials.Kite.APISecret),
		AccessToken: security.MaskCredential(cfg.Credentials.Kite.AccessToken),
	}
	return out
}

func showConfig(output *Output, cfg config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:             %s\n", cfg.Trading.Mode)
	output.Printf("  Poll Interval:    %s\n", cfg.Trading.PollInterval)
	output.Printf("  Fill Timeout:     %s\n", cfg.Trading.FillTimeout)
	output.Printf("  Tick Interval:    %s\n", cfg.Trading.TickInterval)
	output.Printf("  Crypto Quote:     %s\n", cfg.Trading.CryptoQuote)
	output.Printf("  Require Open:     %v\n", cfg.Trading.RequireMarketOpen)
	output.Printf("  Exchange/Product: %s/%s\n", cfg.Trading.Exchange, cfg.Trading.Product)
	output.Println()

	output.Bold("Ledger")
	output.Printf("  Driver:           %s\n", cfg.Store.Driver)
	if cfg.Store.Driver == config.DriverPostgres {
		output.Printf("  DSN:              %s\n", cfg.Store.DSN)
	} else {
		output.Printf("  Path:             %s\n", cfg.Store.Path)
	}
	output.Println()

	output.Bold("Broker Guard")
	output.Printf("  Breaker:          %v (after %d failures, %s cooldown)\n", cfg.Breaker.Enabled, cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
	output.Printf("  Rate Limit:       %.1f/s (burst %d)\n", cfg.Breaker.RateLimit, cfg.Breaker.RateBurst)
	output.Println()

	output.Bold("Credentials")
	output.Printf("  Kite API Key:     %s\n", orDash(cfg.Credentials.Kite.APIKey))
	output.Printf("  Kite Token:       %s\n", orDash(cfg.Credentials.Kite.AccessToken))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
