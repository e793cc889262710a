package instance

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"instance-trader/internal/models"
	"instance-trader/internal/store"
)

// Property: after any set of fills applied in any order, the balance equals
// the funded amount minus buys plus sells.
func TestProperty_BalanceIndependentOfFillOrder(t *testing.T) {
	ledger, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer ledger.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("balance is order independent", prop.ForAll(
		func(qtys []int, prices []float64, seed int64) bool {
			ctx := context.Background()
			c, err := CreateOrResume(ctx, Config{Ledger: ledger, Logger: zerolog.Nop()}, nil, 1e6, nil)
			if err != nil {
				return false
			}
			if err := c.Deposit(ctx, 1e6); err != nil {
				return false
			}

			fills := make([]models.Fill, len(qtys))
			want := decimal.NewFromFloat(1e6)
			for i, q := range qtys {
				side := models.OrderSideBuy
				if i%3 == 2 {
					side = models.OrderSideSell
				}
				price := prices[i%len(prices)]
				fills[i] = models.Fill{
					OrderID:  fmt.Sprintf("%d-%d", c.ID(), i),
					Symbol:   "XYZ",
					Side:     side,
					Quantity: float64(q),
					AvgPrice: price,
				}
				notional := decimal.NewFromInt(int64(q)).Mul(decimal.NewFromFloat(price))
				if side == models.OrderSideBuy {
					want = want.Sub(notional)
				} else {
					want = want.Add(notional)
				}
			}

			rand.New(rand.NewSource(seed)).Shuffle(len(fills), func(i, j int) {
				fills[i], fills[j] = fills[j], fills[i]
			})
			for _, f := range fills {
				if _, err := c.ApplyFill(ctx, f); err != nil {
					t.Logf("Failed to apply fill: %v", err)
					return false
				}
			}

			stored, err := ledger.GetInstance(ctx, c.ID())
			if err != nil {
				return false
			}
			diff := stored.Balance - want.InexactFloat64()
			return diff < 1e-6 && diff > -1e-6
		},
		gen.SliceOfN(6, gen.IntRange(1, 100)),
		gen.SliceOfN(3, gen.Float64Range(1, 500)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
