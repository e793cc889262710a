package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"instance-trader/internal/models"
)

// Property: for any set of fills written to an instance, NetShares equals the
// sum of buy shares minus the sum of sell shares, and QueryHoldings returns
// every row that was written.
func TestProperty_NetSharesMatchesSignedSum(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	seq := 0
	properties.Property("net shares equals signed sum of rows", prop.ForAll(
		func(shares []float64, sells []bool) bool {
			ctx := context.Background()

			inst := &models.Instance{Budget: 1000}
			err := WithinTx(ctx, store, func(uow UnitOfWork) error {
				if err := uow.InsertInstance(ctx, inst); err != nil {
					return err
				}
				for i, qty := range shares {
					seq++
					side := models.OrderSideBuy
					if i < len(sells) && sells[i] {
						side = models.OrderSideSell
					}
					h := &models.Holding{
						Ticker:    "XYZ",
						Shares:    qty,
						Price:     10,
						Side:      side,
						OrderID:   fmt.Sprintf("prop-%d", seq),
						CreatedAt: time.Now(),
						Owner:     inst.ID,
					}
					if err := uow.InsertHolding(ctx, h); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				t.Logf("Failed to write fills: %v", err)
				return false
			}

			want := 0.0
			for i, qty := range shares {
				if i < len(sells) && sells[i] {
					want -= qty
				} else {
					want += qty
				}
			}

			got, err := store.NetShares(ctx, HoldingFilter{Owner: &inst.ID, Ticker: "XYZ"})
			if err != nil {
				t.Logf("Failed to sum shares: %v", err)
				return false
			}

			rows, err := store.QueryHoldings(ctx, OwnedBy(inst.ID))
			if err != nil {
				t.Logf("Failed to query holdings: %v", err)
				return false
			}

			return floatEqual(got, want, 1e-6) && len(rows) == len(shares)
		},
		gen.SliceOfN(8, gen.Float64Range(0.5, 500)),
		gen.SliceOfN(8, gen.Bool()),
	))

	properties.TestingRun(t)
}

// Property: an instance written and read back is unchanged.
func TestProperty_InstanceRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("instance round-trip", prop.ForAll(
		func(budget, balance float64, hours int, withExpiry bool) bool {
			ctx := context.Background()
			created := time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)
			inst := &models.Instance{CreatedAt: created, Budget: budget, Balance: balance}
			if withExpiry {
				exp := created.Add(time.Duration(hours) * time.Hour)
				inst.Expiration = &exp
			}

			if err := WithinTx(ctx, store, func(uow UnitOfWork) error {
				return uow.InsertInstance(ctx, inst)
			}); err != nil {
				t.Logf("Failed to insert: %v", err)
				return false
			}

			got, err := store.GetInstance(ctx, inst.ID)
			if err != nil {
				t.Logf("Failed to get: %v", err)
				return false
			}

			if !got.CreatedAt.Equal(created) || got.Version != 1 {
				return false
			}
			if (got.Expiration == nil) != (inst.Expiration == nil) {
				return false
			}
			if got.Expiration != nil && !got.Expiration.Equal(*inst.Expiration) {
				return false
			}
			return floatEqual(got.Budget, budget, 1e-9) && floatEqual(got.Balance, balance, 1e-9)
		},
		gen.Float64Range(0, 1e6),
		gen.Float64Range(0, 1e6),
		gen.IntRange(1, 24*30),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func floatEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}
