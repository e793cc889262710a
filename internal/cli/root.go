package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"instance-trader/internal/config"
	"instance-trader/internal/lifecycle"
	"instance-trader/internal/logging"
	"instance-trader/internal/store"
	"instance-trader/internal/trading"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies. They are built on first use so
// that commands like version run without a config directory.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Ledger   store.Ledger
	Service  *trading.Service
	Registry *lifecycle.Registry
}

// NewApp creates an uninitialized application.
func NewApp() *App {
	return &App{
		Logger:   zerolog.Nop(),
		Registry: lifecycle.NewRegistry(),
	}
}

func (app *App) init(ctx context.Context, configDir string, debug bool) error {
	if app.Service != nil {
		return nil
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	app.Config = cfg

	app.Logger = logging.NewLoggerWithConfig(cfg.Logging)
	if debug {
		logging.SetDebugLevel()
		app.Logger = app.Logger.Level(zerolog.DebugLevel)
	}

	ledger, err := store.Open(cfg.Store.Driver, cfg.Store.Path, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	app.Ledger = ledger
	app.Logger.Debug().Str("driver", cfg.Store.Driver).Msg("Ledger opened")

	gateway, err := trading.NewGateway(ctx, cfg, ledger, app.Logger)
	if err != nil {
		return fmt.Errorf("creating broker gateway: %w", err)
	}
	app.Logger.Debug().Str("mode", cfg.Trading.Mode).Msg("Broker gateway initialized")

	app.Service = trading.NewService(trading.Config{
		Ledger:  ledger,
		Gateway: gateway,
		Trading: cfg.Trading,
		Logger:  app.Logger,
	})
	return nil
}

// Close abandons any fill watchers still running and closes the ledger.
func (app *App) Close() error {
	if app.Service != nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		app.Service.Close(ctx)
	}
	if app.Ledger != nil {
		return app.Ledger.Close()
	}
	return nil
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Instance Trader - budgeted trading bot runner",
		Long: `Instance Trader runs trading bots as instances, each with its own budget,
cash balance and holdings ledger.

Orders are placed against a paper broker or Zerodha Kite Connect. Fills are
reconciled into the instance ledger in the background.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["standalone"] == "true" {
				return nil
			}
			configDir, _ := cmd.Flags().GetString("config")
			debug, _ := cmd.Flags().GetBool("debug")
			return app.init(cmd.Context(), configDir, debug)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/instance-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addInstanceCommands(rootCmd, app)
	addTradeCommands(rootCmd, app)
	addRunCommands(rootCmd, app)

	return rootCmd
}

// Execute runs the CLI with args and releases every resource afterwards.
func Execute(ctx context.Context, args []string, stdout io.Writer) error {
	app := NewApp()
	rootCmd := NewRootCmd(app)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)

	err := rootCmd.ExecuteContext(ctx)
	if cerr := app.Close(); err == nil {
		err = cerr
	}
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{"standalone": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Instance Trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
