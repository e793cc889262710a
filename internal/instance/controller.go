// Package instance owns a single bot run's budget and balance and is the
// only writer of that instance's ledger rows.
package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/logging"
	"instance-trader/internal/models"
	"instance-trader/internal/store"
	"instance-trader/pkg/utils"
)

// Config holds controller dependencies.
type Config struct {
	Ledger store.Ledger
	// ApplyRetries bounds reload-and-retry after an optimistic conflict.
	ApplyRetries int
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Controller serializes every mutation of one instance. Within a process
// the mutex orders writers; across processes the ledger version check
// turns a lost race into ErrConflict, which is retried after a reload.
type Controller struct {
	ledger store.Ledger
	retry  utils.RetryConfig
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	inst models.Instance
}

// CreateOrResume loads the instance with the given id, or creates and
// persists a new one with zero balance when id is nil.
func CreateOrResume(ctx context.Context, cfg Config, id *int64, budget float64, expiration *time.Time) (*Controller, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("instance controller requires a ledger")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	retries := cfg.ApplyRetries
	if retries <= 0 {
		retries = 5
	}

	c := &Controller{
		ledger: cfg.Ledger,
		retry: utils.RetryConfig{
			MaxAttempts:     retries,
			InitialDelay:    10 * time.Millisecond,
			MaxDelay:        250 * time.Millisecond,
			BackoffFactor:   2.0,
			RetryableErrors: []error{apperrors.ErrConflict},
		},
		now: cfg.Now,
	}

	if id != nil {
		inst, err := cfg.Ledger.GetInstance(ctx, *id)
		if err != nil {
			return nil, err
		}
		c.inst = *inst
		c.logger = logging.WithInstance(cfg.Logger, inst.ID)
		c.logger.Info().Float64("balance", inst.Balance).Msg("Instance resumed")
		return c, nil
	}

	if budget < 0 {
		return nil, apperrors.NewValidationError("budget", budget, "must be non-negative")
	}

	inst := &models.Instance{
		CreatedAt:  cfg.Now(),
		Expiration: expiration,
		Budget:     budget,
		Balance:    0,
	}
	if err := store.WithinTx(ctx, cfg.Ledger, func(uow store.UnitOfWork) error {
		return uow.InsertInstance(ctx, inst)
	}); err != nil {
		return nil, apperrors.NewLedgerError("create", 0, err)
	}

	c.inst = *inst
	c.logger = logging.WithInstance(cfg.Logger, inst.ID)
	c.logger.Info().Float64("budget", budget).Msg("Instance created")
	return c, nil
}

// ID returns the instance id.
func (c *Controller) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst.ID
}

// Instance returns a copy of the current snapshot.
func (c *Controller) Instance() models.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst := c.inst
	if inst.Expiration != nil {
		exp := *inst.Expiration
		inst.Expiration = &exp
	}
	return inst
}

// Balance returns the current cash balance.
func (c *Controller) Balance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst.Balance
}

// Expired reports whether the instance is past its expiration.
func (c *Controller) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst.Expired(c.now())
}

// CanAffordBuy reports whether qty at estimatedPrice fits in the balance.
func (c *Controller) CanAffordBuy(qty, estimatedPrice float64) bool {
	cost := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(estimatedPrice))

	c.mu.Lock()
	defer c.mu.Unlock()
	return decimal.NewFromFloat(c.inst.Balance).GreaterThanOrEqual(cost)
}

// Refresh reloads the snapshot from the ledger.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, err := c.ledger.GetInstance(ctx, c.inst.ID)
	if err != nil {
		return err
	}
	c.inst = *inst
	return nil
}

// Deposit credits amount to the balance.
func (c *Controller) Deposit(ctx context.Context, amount float64) error {
	if amount <= 0 {
		return apperrors.NewValidationError("amount", amount, "must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	updated, err := c.mutate(ctx, "deposit", func(uow store.UnitOfWork, inst *models.Instance) error {
		inst.Balance = decimal.NewFromFloat(inst.Balance).Add(decimal.NewFromFloat(amount)).InexactFloat64()
		return nil
	})
	if err != nil {
		return err
	}

	c.inst = *updated
	c.logger.Info().Float64("amount", amount).Float64("balance", updated.Balance).Msg("Deposit applied")
	return nil
}

// ApplyFill records a filled order: a buy debits and a sell credits
// price*qty, and exactly one Holding row is written, all in one unit of work.
func (c *Controller) ApplyFill(ctx context.Context, fill models.Fill) (*models.Holding, error) {
	if strings.TrimSpace(fill.OrderID) == "" {
		return nil, apperrors.NewValidationError("order_id", fill.OrderID, "must not be empty")
	}
	if strings.TrimSpace(fill.Symbol) == "" {
		return nil, apperrors.NewValidationError("symbol", fill.Symbol, "must not be empty")
	}
	if fill.Quantity <= 0 {
		return nil, apperrors.NewValidationError("filled_qty", fill.Quantity, "must be positive")
	}
	if fill.AvgPrice < 0 {
		return nil, apperrors.NewValidationError("filled_avg_price", fill.AvgPrice, "must be non-negative")
	}
	if fill.Side != models.OrderSideBuy && fill.Side != models.OrderSideSell {
		return nil, apperrors.NewValidationError("side", fill.Side, "must be BUY or SELL")
	}

	filledAt := fill.FilledAt
	if filledAt.IsZero() {
		filledAt = c.now()
	}
	notional := decimal.NewFromFloat(fill.Quantity).Mul(decimal.NewFromFloat(fill.AvgPrice))

	c.mu.Lock()
	defer c.mu.Unlock()

	var holding *models.Holding
	updated, err := c.mutate(ctx, "apply_fill", func(uow store.UnitOfWork, inst *models.Instance) error {
		balance := decimal.NewFromFloat(inst.Balance)
		if fill.Side == models.OrderSideBuy {
			balance = balance.Sub(notional)
		} else {
			balance = balance.Add(notional)
		}
		inst.Balance = balance.InexactFloat64()

		h := &models.Holding{
			Ticker:    fill.Symbol,
			Shares:    fill.Quantity,
			Price:     fill.AvgPrice,
			Side:      fill.Side,
			OrderID:   fill.OrderID,
			CreatedAt: filledAt,
			Owner:     inst.ID,
		}
		if err := uow.InsertHolding(ctx, h); err != nil {
			return err
		}
		holding = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.inst = *updated
	if updated.Balance < 0 {
		c.logger.Warn().Str("order_id", fill.OrderID).Float64("balance", updated.Balance).
			Msg("Fill drove balance negative")
	}
	logging.LogFill(c.logger, fill.OrderID, fill.Symbol, string(fill.Side), fill.Quantity, fill.AvgPrice, updated.Balance)

	return holding, nil
}

// mutate reloads the instance inside a unit of work, applies fn and writes
// it back with a version check. Conflicts are retried. Caller holds c.mu.
func (c *Controller) mutate(ctx context.Context, op string, fn func(store.UnitOfWork, *models.Instance) error) (*models.Instance, error) {
	id := c.inst.ID
	logger := logging.WithOperation(c.logger, op)

	updated, err := utils.RetryWithResult(ctx, c.retry, func() (*models.Instance, error) {
		var inst *models.Instance
		err := store.WithinTx(ctx, c.ledger, func(uow store.UnitOfWork) error {
			var err error
			inst, err = uow.GetInstance(ctx, id)
			if err != nil {
				return err
			}
			if err := fn(uow, inst); err != nil {
				return err
			}
			return uow.UpdateInstance(ctx, inst)
		})
		if err != nil {
			if apperrors.Is(err, apperrors.ErrConflict) {
				logger.Debug().Msg("Version conflict, retrying")
			}
			return nil, err
		}
		return inst, nil
	})
	if err != nil {
		return nil, apperrors.NewLedgerError(op, id, err)
	}
	return updated, nil
}
