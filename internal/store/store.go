// Package store provides ledger persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"instance-trader/internal/models"
)

// Ledger defines the persistence surface for instances and holdings.
type Ledger interface {
	// Begin acquires a unit of work. Callers must Commit or Rollback it;
	// WithinTx does both on every exit path.
	Begin(ctx context.Context) (UnitOfWork, error)

	// Instances
	GetInstance(ctx context.Context, id int64) (*models.Instance, error)
	ListInstances(ctx context.Context) ([]models.Instance, error)

	// Holdings
	QueryHoldings(ctx context.Context, filter HoldingFilter) ([]models.Holding, error)
	NetShares(ctx context.Context, filter HoldingFilter) (float64, error)

	// Lifecycle
	Close() error
}

// UnitOfWork is a transactional scope over the ledger.
type UnitOfWork interface {
	// InsertInstance persists a new instance and assigns its ID and Version.
	InsertInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id int64) (*models.Instance, error)
	// UpdateInstance writes balance only if the stored version still equals
	// inst.Version, then bumps inst.Version. A stale version yields
	// errors.ErrConflict.
	UpdateInstance(ctx context.Context, inst *models.Instance) error
	// InsertHolding persists a holding and assigns its ID.
	InsertHolding(ctx context.Context, h *models.Holding) error

	Commit() error
	Rollback() error
}

// HoldingFilter represents filters for querying holdings.
type HoldingFilter struct {
	Owner  *int64 // nil matches every instance
	Ticker string
	Side   models.OrderSide
	Start  time.Time
	End    time.Time
	Limit  int
}

// OwnedBy returns a filter scoped to one instance.
func OwnedBy(id int64) HoldingFilter {
	return HoldingFilter{Owner: &id}
}

// WithinTx runs fn inside a unit of work, committing on success and rolling
// back on error or panic.
func WithinTx(ctx context.Context, l Ledger, fn func(UnitOfWork) error) (err error) {
	uow, err := l.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = uow.Rollback()
		}
	}()

	if err := fn(uow); err != nil {
		return err
	}

	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Open constructs a ledger for the given driver.
func Open(driver, path, dsn string) (Ledger, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "postgres":
		return NewPostgresStore(PostgresOptions{ConnString: dsn})
	default:
		return nil, fmt.Errorf("unknown ledger driver: %s", driver)
	}
}
