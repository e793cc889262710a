package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/models"
	"instance-trader/pkg/utils"
)

// PaperGateway simulates a brokerage in memory. Orders rest in SUBMITTED
// until FillLatency has elapsed, then resolve on the next GetOrder.
type PaperGateway struct {
	cfg    PaperConfig
	logger zerolog.Logger

	orders    map[string]*paperOrder
	positions map[string]decimal.Decimal
	prices    map[string]decimal.Decimal
	cash      decimal.Decimal

	// Outcomes queued for upcoming orders, consumed in submission order.
	script []Outcome

	mu sync.Mutex
}

// PaperConfig holds configuration for the paper gateway.
type PaperConfig struct {
	InitialCash float64
	FillLatency time.Duration
	Prices      map[string]float64
	// Hours gates IsMarketOpen. Nil means always open.
	Hours  *utils.MarketHours
	Now    func() time.Time
	Logger zerolog.Logger
}

// Outcome scripts how a future paper order resolves.
type Outcome struct {
	Status  models.OrderStatus
	Message string
	// Price overrides the fill price when non-zero.
	Price float64
}

type paperOrder struct {
	order   models.Order
	outcome Outcome
}

// NewPaperGateway creates a new paper trading gateway.
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	if cfg.InitialCash == 0 {
		cfg.InitialCash = 100000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &PaperGateway{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "paper").Logger(),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]decimal.Decimal),
		prices:    make(map[string]decimal.Decimal),
		cash:      decimal.NewFromFloat(cfg.InitialCash),
	}
	for symbol, price := range cfg.Prices {
		p.prices[strings.ToUpper(symbol)] = decimal.NewFromFloat(price)
	}
	return p
}

// SetPrice sets the simulated last traded price for a symbol.
func (p *PaperGateway) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = decimal.NewFromFloat(price)
}

// Script queues outcomes for the next submitted orders. An outcome with
// status SUBMITTED leaves that order pending forever.
func (p *PaperGateway) Script(outcomes ...Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, outcomes...)
}

// Seed replays recorded fills into the simulated account, so a new process
// starts with the cash and positions the ledger already reflects.
func (p *PaperGateway) Seed(fills []models.Holding) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range fills {
		symbol := strings.ToUpper(h.Ticker)
		qty := decimal.NewFromFloat(h.Shares)
		value := decimal.NewFromFloat(h.Price).Mul(qty)
		if h.Side == models.OrderSideSell {
			p.cash = p.cash.Add(value)
			p.positions[symbol] = p.positions[symbol].Sub(qty)
			continue
		}
		p.cash = p.cash.Sub(value)
		p.positions[symbol] = p.positions[symbol].Add(qty)
	}

	p.logger.Debug().Int("fills", len(fills)).Str("cash", p.cash.StringFixed(2)).Msg("Paper account seeded")
}

// SubmitOrder accepts a market order.
func (p *PaperGateway) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if req.Quantity <= 0 {
		return nil, apperrors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	if req.Type != "" && req.Type != models.OrderTypeMarket {
		return nil, fmt.Errorf("%w: unsupported order type %s", apperrors.ErrInvalidOrder, req.Type)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	symbol := strings.ToUpper(req.Symbol)
	if _, ok := p.prices[symbol]; !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNoPrice, req.Symbol)
	}

	outcome := Outcome{Status: models.OrderStatusFilled}
	if len(p.script) > 0 {
		outcome = p.script[0]
		p.script = p.script[1:]
	}

	validity := req.Validity
	if validity == "" {
		validity = models.ValidityDay
	}

	po := &paperOrder{
		order: models.Order{
			ID:          uuid.NewString(),
			Symbol:      req.Symbol,
			Side:        req.Side,
			Type:        models.OrderTypeMarket,
			Validity:    validity,
			Quantity:    req.Quantity,
			Status:      models.OrderStatusSubmitted,
			SubmittedAt: p.cfg.Now(),
		},
		outcome: outcome,
	}
	p.orders[po.order.ID] = po

	p.logger.Debug().
		Str("order_id", po.order.ID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("qty", req.Quantity).
		Msg("Paper order accepted")

	order := po.order
	return &order, nil
}

// GetOrder returns the order, resolving it once the fill latency elapsed.
func (p *PaperGateway) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}

	now := p.cfg.Now()
	if po.order.Status == models.OrderStatusSubmitted && now.Sub(po.order.SubmittedAt) >= p.cfg.FillLatency {
		p.resolve(po, now)
	}

	order := po.order
	return &order, nil
}

func (p *PaperGateway) resolve(po *paperOrder, now time.Time) {
	switch po.outcome.Status {
	case models.OrderStatusSubmitted:
		return
	case models.OrderStatusFilled:
		p.fill(po, now)
	default:
		po.order.Status = po.outcome.Status
		po.order.StatusMessage = po.outcome.Message
	}
}

func (p *PaperGateway) fill(po *paperOrder, now time.Time) {
	symbol := strings.ToUpper(po.order.Symbol)
	price := p.prices[symbol]
	if po.outcome.Price > 0 {
		price = decimal.NewFromFloat(po.outcome.Price)
	}

	qty := decimal.NewFromFloat(po.order.Quantity)
	value := price.Mul(qty)

	switch po.order.Side {
	case models.OrderSideBuy:
		if p.cash.LessThan(value) {
			po.order.Status = models.OrderStatusRejected
			po.order.StatusMessage = fmt.Sprintf("insufficient funds: need %s, have %s", value.StringFixed(2), p.cash.StringFixed(2))
			return
		}
		p.cash = p.cash.Sub(value)
		p.positions[symbol] = p.positions[symbol].Add(qty)
	case models.OrderSideSell:
		if p.positions[symbol].LessThan(qty) {
			po.order.Status = models.OrderStatusRejected
			po.order.StatusMessage = "insufficient holdings"
			return
		}
		p.cash = p.cash.Add(value)
		p.positions[symbol] = p.positions[symbol].Sub(qty)
	}

	po.order.Status = models.OrderStatusFilled
	po.order.FilledQty = po.order.Quantity
	po.order.FilledAvgPrice = price.InexactFloat64()
	po.order.FilledAt = now
}

// GetCurrentPrice returns the simulated last traded price.
func (p *PaperGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", apperrors.ErrNoPrice, symbol)
	}
	return price.InexactFloat64(), nil
}

// IsMarketOpen reports the simulated session state.
func (p *PaperGateway) IsMarketOpen(ctx context.Context) (bool, error) {
	if p.cfg.Hours == nil {
		return true, nil
	}
	return p.cfg.Hours.IsOpen(p.cfg.Now()), nil
}

// GetAccountSnapshot returns simulated cash and position value.
func (p *PaperGateway) GetAccountSnapshot(ctx context.Context) (*models.AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := decimal.Zero
	for symbol, qty := range p.positions {
		positions = positions.Add(qty.Mul(p.prices[symbol]))
	}
	equity := p.cash.Add(positions)

	return &models.AccountSnapshot{
		Cash:           p.cash.InexactFloat64(),
		Equity:         equity.InexactFloat64(),
		BuyingPower:    p.cash.InexactFloat64(),
		PortfolioValue: equity.InexactFloat64(),
	}, nil
}

// Ensure PaperGateway implements Gateway interface
var _ Gateway = (*PaperGateway)(nil)
