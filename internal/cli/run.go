package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"instance-trader/internal/metrics"
	"instance-trader/internal/notify"
)

func addRunCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStrategiesCmd(app))
}

func newRunCmd(app *App) *cobra.Command {
	var (
		strategyName string
		drain        time.Duration
		serveMetrics bool
		bell         bool
	)

	cmd := &cobra.Command{
		Use:   "run <instance-id>",
		Short: "Run a strategy loop for an instance until interrupted",
		Long: `Run a strategy loop for an instance until interrupted.

On interrupt the loop is killed at its next checkpoint. Fill watchers keep
running for up to --drain so pending orders can still be reconciled; any
left after that are abandoned and logged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			strategy, err := app.Registry.New(strategyName)
			if err != nil {
				return err
			}

			if serveMetrics || app.Config.Metrics.Enabled {
				srv := metrics.Serve(app.Config.Metrics.Addr)
				app.Logger.Info().Str("addr", app.Config.Metrics.Addr).Msg("Serving metrics")
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						app.Logger.Warn().Err(err).Msg("Metrics server shutdown failed")
					}
				}()
			}

			sess, err := app.Service.Session(ctx, id)
			if err != nil {
				return err
			}
			notifier := notify.NewNotifier(100)
			notifier.AddHandler(notify.WriterHandler(cmd.ErrOrStderr(), bell))
			notifier.AddHandler(func(n notify.Notification) {
				app.Logger.Debug().Str("kind", n.Kind.String()).Str("order_id", n.OrderID).Msg(n.Message)
			})
			notifyCtx, stopNotify := context.WithCancel(context.WithoutCancel(ctx))
			defer func() {
				stopNotify()
				notifier.Drain()
			}()
			notifier.Start(notifyCtx)
			sess.Engine.OnOutcome(notify.OutcomeHandler(notifier, id))

			// The loop gets its own context so an interrupt kills it at a
			// checkpoint instead of cancelling a step midway.
			handle, err := app.Service.Start(context.WithoutCancel(ctx), id, strategy)
			if err != nil {
				return err
			}

			if !output.IsJSON() {
				output.Info("Running strategy %q for instance %d (Ctrl+C to stop)", strategyName, id)
			}

			select {
			case <-ctx.Done():
				app.Logger.Info().Int64("instance_id", id).Msg("Interrupt received, stopping strategy loop")
				handle.Kill()
			case <-handle.Done():
			}

			loopErr := handle.Wait()

			drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), drain)
			app.Service.Close(drainCtx)
			cancelDrain()

			if output.IsJSON() {
				result := map[string]interface{}{"instance_id": id, "strategy": strategyName}
				if loopErr != nil {
					result["error"] = loopErr.Error()
				}
				if err := output.JSON(result); err != nil {
					return err
				}
			} else if loopErr != nil {
				output.Error("Strategy stopped: %v", loopErr)
			} else {
				output.Success("Strategy stopped")
			}
			return loopErr
		},
	}

	cmd.Flags().StringVarP(&strategyName, "strategy", "s", "base", "strategy to run")
	cmd.Flags().DurationVar(&drain, "drain", 30*time.Second, "how long to wait for pending fills on shutdown")
	cmd.Flags().BoolVar(&serveMetrics, "metrics", false, "serve prometheus metrics (overrides config)")
	cmd.Flags().BoolVar(&bell, "bell", false, "ring the terminal bell on failed orders")
	return cmd
}

func newStrategiesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "strategies",
		Short:       "List available strategies",
		Annotations: map[string]string{"standalone": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			names := app.Registry.Names()
			if output.IsJSON() {
				return output.JSON(names)
			}
			for _, name := range names {
				output.Println(name)
			}
			return nil
		},
	}
}
