// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"

	"instance-trader/internal/models"
)

// Gateway defines the brokerage operations the execution core relies on.
type Gateway interface {
	// Orders
	SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)

	// Market Data
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	IsMarketOpen(ctx context.Context) (bool, error)

	// Account
	GetAccountSnapshot(ctx context.Context) (*models.AccountSnapshot, error)
}

// MarketOrder builds a market, day-valid order request.
func MarketOrder(symbol string, side models.OrderSide, qty float64) models.OrderRequest {
	return models.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Validity: models.ValidityDay,
		Quantity: qty,
	}
}
