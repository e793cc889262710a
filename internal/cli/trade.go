package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"instance-trader/internal/execution"
	"instance-trader/internal/holdings"
	"instance-trader/internal/models"
	"instance-trader/pkg/utils"
)

func addTradeCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrderCmd(app, models.OrderSideBuy))
	rootCmd.AddCommand(newOrderCmd(app, models.OrderSideSell))
	rootCmd.AddCommand(newHoldingsCmd(app))
	rootCmd.AddCommand(newPortfolioCmd(app))
}

// orderView is the printable result of a buy or sell.
type orderView struct {
	InstanceID int64           `json:"instance_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   float64         `json:"quantity"`
	Placed     bool            `json:"placed"`
	Reason     string          `json:"reason,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Holding    *models.Holding `json:"holding,omitempty"`
	Error      string          `json:"error,omitempty"`
	NextOpen   *time.Time      `json:"next_open,omitempty"`
	Balance    float64         `json:"balance"`
}

// marketReopens returns the next session open after now for a refusal
// caused by a closed market, and nil for every other reason.
func marketReopens(reason execution.Reason, now time.Time) *time.Time {
	if reason != execution.ReasonMarketClosed {
		return nil
	}
	next := utils.NSEHours().NextOpen(now)
	return &next
}

func newOrderCmd(app *App, side models.OrderSide) *cobra.Command {
	var (
		crypto bool
		wait   bool
	)

	verb := "buy"
	if side == models.OrderSideSell {
		verb = "sell"
	}

	cmd := &cobra.Command{
		Use:   verb + " <instance-id> <symbol> <quantity>",
		Short: fmt.Sprintf("Place a market %s order for an instance", verb),
		Long: fmt.Sprintf(`Place a market %s order for an instance.

With --wait (the default) the command stays until the fill is reconciled
into the ledger or the order ends. With --wait=false it returns once the
broker accepts the order and the fill watcher is abandoned on exit.`, verb),
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			symbol := args[1]
			qty, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid quantity %q: %w", args[2], err)
			}

			sess, err := app.Service.Session(ctx, id)
			if err != nil {
				return err
			}

			outcomes := make(chan execution.Outcome, 16)
			sess.Engine.OnOutcome(func(o execution.Outcome) {
				select {
				case outcomes <- o:
				default:
				}
			})

			var placement *execution.Placement
			if side == models.OrderSideBuy {
				placement, err = app.Service.PlaceBuy(ctx, id, symbol, qty, crypto)
			} else {
				placement, err = app.Service.PlaceSell(ctx, id, symbol, qty, crypto)
			}
			if err != nil {
				return err
			}

			view := orderView{
				InstanceID: id,
				Symbol:     sess.Engine.Symbol(symbol, crypto),
				Side:       string(side),
				Quantity:   qty,
				Placed:     placement.Placed(),
				Reason:     string(placement.Reason),
				NextOpen:   marketReopens(placement.Reason, time.Now()),
			}

			if placement.Placed() {
				view.OrderID = placement.Order.ID
				view.Status = string(placement.Order.Status)
				if wait {
					outcome, err := awaitOutcome(ctx, outcomes, placement.Order.ID)
					if err != nil {
						return err
					}
					view.Status = string(outcome.Order.Status)
					view.Holding = outcome.Holding
					if outcome.Err != nil {
						view.Error = outcome.Err.Error()
					}
				}
			}
			view.Balance = sess.Instance.Balance()

			if output.IsJSON() {
				return output.JSON(view)
			}
			printOrderView(output, view)
			return nil
		},
	}

	cmd.Flags().BoolVar(&crypto, "crypto", false, "treat the symbol as a crypto asset and add the quote currency")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the fill to be reconciled")
	return cmd
}

func awaitOutcome(ctx context.Context, outcomes <-chan execution.Outcome, orderID string) (execution.Outcome, error) {
	for {
		select {
		case o := <-outcomes:
			if o.Order.ID == orderID {
				return o, nil
			}
		case <-ctx.Done():
			return execution.Outcome{}, ctx.Err()
		}
	}
}

func printOrderView(output *Output, v orderView) {
	if !v.Placed {
		output.Warning("%s %s x %s refused: %s", v.Side, v.Symbol, utils.FormatShares(v.Quantity), v.Reason)
		if v.NextOpen != nil {
			output.Printf("  Reopens:  %s\n", v.NextOpen.Format(time.RFC1123))
		}
		output.Printf("  Balance:  %s\n", utils.FormatMoney(v.Balance))
		return
	}

	switch {
	case v.Error != "":
		output.Error("%s %s x %s order %s ended %s: %s", v.Side, v.Symbol, utils.FormatShares(v.Quantity), v.OrderID, v.Status, v.Error)
	case v.Holding != nil:
		output.Success("%s %s x %s filled at %s", v.Side, v.Symbol, utils.FormatShares(v.Holding.Shares), utils.FormatMoney(v.Holding.Price))
	default:
		output.Info("%s %s x %s submitted as order %s", v.Side, v.Symbol, utils.FormatShares(v.Quantity), v.OrderID)
	}
	output.Printf("  Balance:  %s\n", utils.FormatMoney(v.Balance))
}

func newHoldingsCmd(app *App) *cobra.Command {
	var (
		ticker string
		from   string
		to     string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "holdings <instance-id>",
		Short: "List the fills recorded for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			sess, err := app.Service.Session(ctx, id)
			if err != nil {
				return err
			}

			query := sess.Holdings
			if all {
				query = query.Unscoped()
			}

			var rows []models.Holding
			switch {
			case from != "" || to != "":
				start, end, err := parseRange(from, to)
				if err != nil {
					return err
				}
				rows, err = query.HoldingsByDateRange(ctx, start, end)
				if err != nil {
					return err
				}
				if ticker != "" {
					rows = filterTicker(rows, ticker)
				}
			case ticker != "":
				rows, err = query.HoldingsByTicker(ctx, ticker)
			default:
				rows, err = query.AllHoldings(ctx)
			}
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if rows == nil {
					rows = []models.Holding{}
				}
				return output.JSON(rows)
			}
			if len(rows) == 0 {
				output.Dim("No holdings.")
				return nil
			}

			table := NewTable(output, "TIME", "SIDE", "TICKER", "SHARES", "PRICE", "NOTIONAL", "ORDER")
			for _, h := range rows {
				sideText := string(h.Side)
				if h.Side == models.OrderSideSell {
					sideText = output.Red(sideText)
				} else {
					sideText = output.Green(sideText)
				}
				table.AddRow(
					h.CreatedAt.Local().Format(time.DateTime),
					sideText,
					h.Ticker,
					utils.FormatShares(h.Shares),
					utils.FormatMoney(h.Price),
					utils.FormatMoney(h.Notional()),
					h.OrderID,
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&ticker, "ticker", "", "only this ticker")
	cmd.Flags().StringVar(&from, "from", "", "start of the date range (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "end of the date range (inclusive)")
	cmd.Flags().BoolVar(&all, "all", false, "include fills of every instance")
	return cmd
}

func parseRange(from, to string) (*time.Time, *time.Time, error) {
	now := time.Now()
	var start, end *time.Time
	if from != "" {
		t, err := parseWhen(from, now)
		if err != nil {
			return nil, nil, err
		}
		start = &t
	}
	if to != "" {
		t, err := parseWhen(to, now)
		if err != nil {
			return nil, nil, err
		}
		end = &t
	}
	return start, end, nil
}

func filterTicker(rows []models.Holding, ticker string) []models.Holding {
	out := rows[:0]
	for _, h := range rows {
		if h.Ticker == ticker {
			out = append(out, h)
		}
	}
	return out
}

// positionView adds mark-to-market values to a position.
type positionView struct {
	holdings.Position
	Price      float64 `json:"price"`
	Value      float64 `json:"value"`
	Unrealized float64 `json:"unrealized"`
}

func newPortfolioCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio <instance-id>",
		Short: "Show the account snapshot and an instance's open positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			snap, err := app.Service.GetPortfolioSnapshot(ctx, id)
			if err != nil {
				return err
			}

			positions := make([]positionView, 0, len(snap.Positions))
			for _, p := range snap.Positions {
				pv := positionView{Position: p}
				price, err := app.Service.GetCurrentPrice(ctx, p.Ticker)
				if err != nil {
					app.Logger.Warn().Err(err).Str("symbol", p.Ticker).Msg("Price lookup failed")
				} else {
					pv.Price = price
					pv.Value = price * p.Shares
					pv.Unrealized = (price - p.AvgCost) * p.Shares
				}
				positions = append(positions, pv)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"snapshot":  snap,
					"positions": positions,
				})
			}

			printInstance(output, snap.Instance)
			output.Println()
			output.Bold("Broker Account")
			output.Printf("  Cash:         %s\n", utils.FormatMoney(snap.Account.Cash))
			output.Printf("  Equity:       %s\n", utils.FormatMoney(snap.Account.Equity))
			output.Printf("  Buying Power: %s\n", utils.FormatMoney(snap.Account.BuyingPower))
			output.Println()

			if len(positions) == 0 {
				output.Dim("No open positions (%d fills recorded).", snap.HoldingCount)
			} else {
				table := NewTable(output, "TICKER", "SHARES", "AVG COST", "PRICE", "VALUE", "P&L", "P&L %")
				for _, p := range positions {
					pct := 0.0
					if p.AvgCost > 0 && p.Price > 0 {
						pct = (p.Price - p.AvgCost) / p.AvgCost * 100
					}
					table.AddRow(
						p.Ticker,
						utils.FormatShares(p.Shares),
						utils.FormatMoney(p.AvgCost),
						utils.FormatMoney(p.Price),
						utils.FormatMoney(p.Value),
						output.Signed(p.Unrealized, utils.FormatPnL(p.Unrealized)),
						output.Signed(pct, utils.FormatPercent(pct)),
					)
				}
				table.Render()
			}

			if len(snap.InFlight) > 0 {
				output.Println()
				output.Warning("%d order(s) awaiting fills", len(snap.InFlight))
			}
			return nil
		},
	}
}
