package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"instance-trader/internal/models"
	"instance-trader/pkg/utils"
)

func addInstanceCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Create, resume and inspect bot instances",
	}

	cmd.AddCommand(newInstanceCreateCmd(app))
	cmd.AddCommand(newInstanceShowCmd(app))
	cmd.AddCommand(newInstanceListCmd(app))
	cmd.AddCommand(newInstanceDepositCmd(app))

	rootCmd.AddCommand(cmd)
}

func newInstanceCreateCmd(app *App) *cobra.Command {
	var (
		budget     float64
		expiration string
		fund       bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new instance",
		Long: `Create a new instance with a budget. The cash balance starts at zero;
pass --fund to deposit the budget straight away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			var exp *time.Time
			if expiration != "" {
				t, err := parseWhen(expiration, time.Now())
				if err != nil {
					return err
				}
				exp = &t
			}

			sess, err := app.Service.CreateOrResumeInstance(ctx, nil, budget, exp)
			if err != nil {
				return err
			}
			if fund && budget > 0 {
				if err := sess.Instance.Deposit(ctx, budget); err != nil {
					return err
				}
			}

			inst := sess.Instance.Instance()
			if output.IsJSON() {
				return output.JSON(inst)
			}
			output.Success("Created instance %d", inst.ID)
			printInstance(output, inst)
			return nil
		},
	}

	cmd.Flags().Float64Var(&budget, "budget", 0, "budget for the instance")
	cmd.Flags().StringVar(&expiration, "expiration", "", "expiry as a duration (24h) or a date (2006-01-02 or RFC3339)")
	cmd.Flags().BoolVar(&fund, "fund", false, "deposit the budget into the cash balance")
	return cmd
}

func newInstanceShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "show <id>",
		Aliases: []string{"resume"},
		Short:   "Resume an instance and show its state",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			sess, err := app.Service.CreateOrResumeInstance(cmd.Context(), &id, 0, nil)
			if err != nil {
				return err
			}

			inst := sess.Instance.Instance()
			if output.IsJSON() {
				return output.JSON(inst)
			}
			printInstance(output, inst)
			return nil
		},
	}
}

func newInstanceListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all instances, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			instances, err := app.Service.ListInstances(cmd.Context())
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if instances == nil {
					instances = []models.Instance{}
				}
				return output.JSON(instances)
			}
			if len(instances) == 0 {
				output.Dim("No instances yet. Create one with 'trader instance create --budget <amount>'.")
				return nil
			}

			now := time.Now()
			table := NewTable(output, "ID", "CREATED", "BUDGET", "BALANCE", "EXPIRES")
			for _, inst := range instances {
				expires := "-"
				if inst.Expiration != nil {
					expires = inst.Expiration.Local().Format(time.DateTime)
					if inst.Expired(now) {
						expires = output.Red(expires)
					}
				}
				table.AddRow(
					strconv.FormatInt(inst.ID, 10),
					inst.CreatedAt.Local().Format(time.DateTime),
					utils.FormatMoney(inst.Budget),
					utils.FormatMoney(inst.Balance),
					expires,
				)
			}
			table.Render()
			return nil
		},
	}
}

func newInstanceDepositCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <id> <amount>",
		Short: "Add cash to an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}

			if err := app.Service.Deposit(cmd.Context(), id, amount); err != nil {
				return err
			}

			sess, err := app.Service.Session(cmd.Context(), id)
			if err != nil {
				return err
			}
			inst := sess.Instance.Instance()
			if output.IsJSON() {
				return output.JSON(inst)
			}
			output.Success("Deposited %s into instance %d", utils.FormatMoney(amount), id)
			printInstance(output, inst)
			return nil
		},
	}
}

func printInstance(output *Output, inst models.Instance) {
	output.Bold("Instance %d", inst.ID)
	output.Printf("  Created:    %s\n", inst.CreatedAt.Local().Format(time.DateTime))
	output.Printf("  Budget:     %s\n", utils.FormatMoney(inst.Budget))
	output.Printf("  Balance:    %s\n", utils.FormatMoney(inst.Balance))
	if inst.Expiration == nil {
		output.Printf("  Expires:    never\n")
		return
	}
	exp := inst.Expiration.Local().Format(time.DateTime)
	if inst.Expired(time.Now()) {
		output.Printf("  Expires:    %s\n", output.Red(exp+" (expired)"))
		return
	}
	output.Printf("  Expires:    %s\n", exp)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid instance id %q", s)
	}
	return id, nil
}

// parseWhen accepts a duration relative to now, a date, or an RFC3339
// timestamp.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want a duration, 2006-01-02 or RFC3339", s)
}
