// Package holdings answers read-only questions about an instance's fills.
package holdings

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"instance-trader/internal/errors"
	"instance-trader/internal/models"
	"instance-trader/internal/store"
)

// ShareScale is the number of decimal places share quantities are kept to.
// Sums over fractional fills are rounded to it before comparison.
const ShareScale = 8

// Query reads holdings for one instance.
type Query struct {
	ledger   store.Ledger
	owner    int64
	unscoped bool
}

// NewQuery returns a query bound to the instance with the given id.
func NewQuery(ledger store.Ledger, owner int64) *Query {
	return &Query{ledger: ledger, owner: owner}
}

// Unscoped returns a copy that reads every instance's fills.
func (q *Query) Unscoped() *Query {
	cp := *q
	cp.unscoped = true
	return &cp
}

func (q *Query) filter() store.HoldingFilter {
	if q.unscoped {
		return store.HoldingFilter{}
	}
	return store.OwnedBy(q.owner)
}

// SharesHeld returns net shares (buys minus sells) of symbol, rounded to
// ShareScale.
func (q *Query) SharesHeld(ctx context.Context, symbol string) (float64, error) {
	filter := q.filter()
	filter.Ticker = symbol
	total, err := q.ledger.NetShares(ctx, filter)
	if err != nil {
		return 0, err
	}
	return RoundShares(total), nil
}

// RoundShares rounds a share quantity to ShareScale decimal places.
func RoundShares(qty float64) float64 {
	return decimal.NewFromFloat(qty).Round(ShareScale).InexactFloat64()
}

// AllHoldings returns every fill owned by the instance, oldest first.
func (q *Query) AllHoldings(ctx context.Context) ([]models.Holding, error) {
	return q.ledger.QueryHoldings(ctx, q.filter())
}

// HoldingsByTicker returns the instance's fills for one ticker.
func (q *Query) HoldingsByTicker(ctx context.Context, ticker string) ([]models.Holding, error) {
	filter := q.filter()
	filter.Ticker = ticker
	return q.ledger.QueryHoldings(ctx, filter)
}

// HoldingsByDateRange returns fills created within [start, end]. Either
// bound may be nil for an open range, but not both.
func (q *Query) HoldingsByDateRange(ctx context.Context, start, end *time.Time) ([]models.Holding, error) {
	if start == nil && end == nil {
		return nil, errors.ErrBadRange
	}

	filter := q.filter()
	if start != nil {
		filter.Start = *start
	}
	if end != nil {
		filter.End = *end
	}
	return q.ledger.QueryHoldings(ctx, filter)
}

// Position is the net quantity and cost basis of one ticker.
type Position struct {
	Ticker string  `json:"ticker"`
	Shares float64 `json:"shares"`
	// AvgCost is the average buy price over all buy fills.
	AvgCost float64 `json:"avg_cost"`
}

// Positions folds the instance's fills into net positions per ticker,
// omitting tickers that are flat.
func (q *Query) Positions(ctx context.Context) ([]Position, error) {
	rows, err := q.AllHoldings(ctx)
	if err != nil {
		return nil, err
	}
	return Fold(rows), nil
}

// Fold aggregates fills into positions in first-seen ticker order.
func Fold(rows []models.Holding) []Position {
	type acc struct {
		net, bought, cost float64
	}
	var order []string
	byTicker := make(map[string]*acc)

	for _, h := range rows {
		a, ok := byTicker[h.Ticker]
		if !ok {
			a = &acc{}
			byTicker[h.Ticker] = a
			order = append(order, h.Ticker)
		}
		a.net += h.SignedShares()
		if h.Side != models.OrderSideSell {
			a.bought += h.Shares
			a.cost += h.Notional()
		}
	}

	positions := make([]Position, 0, len(order))
	for _, ticker := range order {
		a := byTicker[ticker]
		net := RoundShares(a.net)
		if net == 0 {
			continue
		}
		p := Position{Ticker: ticker, Shares: net}
		if a.bought > 0 {
			p.AvgCost = a.cost / a.bought
		}
		positions = append(positions, p)
	}
	return positions
}
