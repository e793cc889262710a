// Package execution places orders and reconciles their fills against the
// instance ledger without blocking the caller.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"instance-trader/internal/broker"
	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/holdings"
	"instance-trader/internal/instance"
	"instance-trader/internal/logging"
	"instance-trader/internal/metrics"
	"instance-trader/internal/models"
	"instance-trader/pkg/utils"
)

// Reason explains why a placement did not reach the broker.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonInsufficientFunds  Reason = "insufficient_funds"
	ReasonInsufficientShares Reason = "insufficient_shares"
	ReasonMarketClosed       Reason = "market_closed"
)

// Placement is the result of SubmitBuy or SubmitSell. Exactly one of Order
// and Reason is set.
type Placement struct {
	Order  *models.Order `json:"order,omitempty"`
	Reason Reason        `json:"reason,omitempty"`
}

// Placed reports whether an order was submitted.
func (p *Placement) Placed() bool {
	return p != nil && p.Order != nil
}

// Err maps a refusal reason onto its sentinel error.
func (p *Placement) Err() error {
	if p == nil {
		return nil
	}
	switch p.Reason {
	case ReasonInsufficientFunds:
		return apperrors.ErrInsufficientFunds
	case ReasonInsufficientShares:
		return apperrors.ErrInsufficientShares
	case ReasonMarketClosed:
		return apperrors.ErrMarketClosed
	default:
		return nil
	}
}

// Outcome reports how a watched order ended. Err is nil only when the fill
// was reconciled, in which case Holding is set.
type Outcome struct {
	Order   models.Order
	Holding *models.Holding
	Err     error
}

// OutcomeHandler receives watcher outcomes. Handlers run on the watcher
// goroutine and must not block for long.
type OutcomeHandler func(Outcome)

// Config holds engine dependencies and tuning.
type Config struct {
	Gateway  broker.Gateway
	Instance *instance.Controller
	Holdings *holdings.Query

	PollInterval time.Duration
	// FillTimeout bounds each watcher. Zero disables the limit.
	FillTimeout       time.Duration
	CryptoQuote       string
	RequireMarketOpen bool
	Logger            zerolog.Logger
}

// Engine submits orders and supervises one fill watcher per order.
type Engine struct {
	gateway  broker.Gateway
	instance *instance.Controller
	holdings *holdings.Query

	pollInterval      time.Duration
	fillTimeout       time.Duration
	cryptoQuote       string
	requireMarketOpen bool
	logger            zerolog.Logger

	// Watchers derive from root rather than the submitter's context so they
	// outlive the call that placed the order.
	root   context.Context
	cancel context.CancelFunc
	wg     *conc.WaitGroup

	pollRetry utils.RetryConfig

	mu       sync.Mutex
	inflight map[string]models.Order
	handlers []OutcomeHandler
}

// NewEngine creates an engine for one instance.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("execution engine requires a gateway")
	}
	if cfg.Instance == nil {
		return nil, fmt.Errorf("execution engine requires an instance controller")
	}
	if cfg.Holdings == nil {
		return nil, fmt.Errorf("execution engine requires a holdings query")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CryptoQuote == "" {
		cfg.CryptoQuote = "USD"
	}

	root, cancel := context.WithCancel(context.Background())

	pollRetry := utils.DefaultRetryConfig()
	pollRetry.InitialDelay = cfg.PollInterval
	pollRetry.MaxDelay = 4 * cfg.PollInterval
	pollRetry.RetryIf = transientPollError

	return &Engine{
		gateway:           cfg.Gateway,
		instance:          cfg.Instance,
		holdings:          cfg.Holdings,
		pollInterval:      cfg.PollInterval,
		fillTimeout:       cfg.FillTimeout,
		cryptoQuote:       cfg.CryptoQuote,
		requireMarketOpen: cfg.RequireMarketOpen,
		logger:            logging.WithInstance(cfg.Logger, cfg.Instance.ID()).With().Str("component", "execution").Logger(),
		root:              root,
		cancel:            cancel,
		wg:                conc.NewWaitGroup(),
		pollRetry:         pollRetry,
		inflight:          make(map[string]models.Order),
	}, nil
}

// OnOutcome registers a handler for watcher outcomes.
func (e *Engine) OnOutcome(h OutcomeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Symbol returns the broker symbol, adding the quote currency for crypto.
func (e *Engine) Symbol(symbol string, isCrypto bool) string {
	if isCrypto {
		return symbol + e.cryptoQuote
	}
	return symbol
}

// SubmitBuy places a market buy if the instance can afford it at the
// current price. A refusal is reported through Placement.Reason, not err.
func (e *Engine) SubmitBuy(ctx context.Context, symbol string, qty float64, isCrypto bool) (*Placement, error) {
	if err := e.accepting(symbol, qty); err != nil {
		return nil, err
	}
	symbol = e.Symbol(symbol, isCrypto)
	logger := logging.WithSymbol(e.logger, symbol)

	if p, err := e.marketGate(ctx); p != nil || err != nil {
		return p, err
	}

	price, err := e.gateway.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, apperrors.NewOrderError("", symbol, "buy", "price lookup failed", err)
	}

	if !e.instance.CanAffordBuy(qty, price) {
		logger.Info().
			Float64("qty", qty).
			Float64("price", price).
			Float64("balance", e.instance.Balance()).
			Msg("Buy refused: insufficient funds")
		return e.refuse(ReasonInsufficientFunds), nil
	}

	return e.submit(ctx, broker.MarketOrder(symbol, models.OrderSideBuy, qty))
}

// SubmitSell places a market sell if the instance holds at least qty.
func (e *Engine) SubmitSell(ctx context.Context, symbol string, qty float64, isCrypto bool) (*Placement, error) {
	if err := e.accepting(symbol, qty); err != nil {
		return nil, err
	}
	symbol = e.Symbol(symbol, isCrypto)
	logger := logging.WithSymbol(e.logger, symbol)

	if p, err := e.marketGate(ctx); p != nil || err != nil {
		return p, err
	}

	held, err := e.holdings.SharesHeld(ctx, symbol)
	if err != nil {
		return nil, apperrors.NewOrderError("", symbol, "sell", "holdings lookup failed", err)
	}

	if held < holdings.RoundShares(qty) {
		logger.Info().
			Float64("qty", qty).
			Float64("held", held).
			Msg("Sell refused: insufficient shares")
		return e.refuse(ReasonInsufficientShares), nil
	}

	return e.submit(ctx, broker.MarketOrder(symbol, models.OrderSideSell, qty))
}

// accepting rejects new orders once Abandon has run, since their watchers
// could not be started.
func (e *Engine) accepting(symbol string, qty float64) error {
	if e.root.Err() != nil {
		return apperrors.ErrEngineStopped
	}
	return validate(symbol, qty)
}

func validate(symbol string, qty float64) error {
	if strings.TrimSpace(symbol) == "" {
		return apperrors.NewValidationError("symbol", symbol, "must not be empty")
	}
	if qty <= 0 {
		return apperrors.NewValidationError("qty", qty, "must be positive")
	}
	return nil
}

func (e *Engine) marketGate(ctx context.Context) (*Placement, error) {
	if !e.requireMarketOpen {
		return nil, nil
	}
	open, err := e.gateway.IsMarketOpen(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "checking market status")
	}
	if !open {
		e.logger.Info().Msg("Order refused: market closed")
		return e.refuse(ReasonMarketClosed), nil
	}
	return nil, nil
}

func (e *Engine) refuse(reason Reason) *Placement {
	metrics.OrdersRefused.WithLabelValues(string(reason)).Inc()
	return &Placement{Reason: reason}
}

func (e *Engine) submit(ctx context.Context, req models.OrderRequest) (*Placement, error) {
	order, err := e.gateway.SubmitOrder(ctx, req)
	if err != nil {
		return nil, apperrors.NewOrderError("", req.Symbol, strings.ToLower(string(req.Side)), "submit failed", err)
	}

	// The gateway may echo a different spelling; the ledger keys on what
	// was requested.
	order.Symbol = req.Symbol
	order.Side = req.Side

	logging.LogOrder(e.logger, order.ID, order.Symbol, string(order.Side), string(order.Status))
	metrics.OrdersSubmitted.WithLabelValues(order.Symbol, string(order.Side)).Inc()

	e.track(*order)
	return &Placement{Order: order}, nil
}

// track registers the order and starts its watcher.
func (e *Engine) track(order models.Order) {
	e.mu.Lock()
	e.inflight[order.ID] = order
	e.mu.Unlock()
	metrics.WatchersInFlight.Inc()

	e.wg.Go(func() {
		var outcome Outcome
		var pc panics.Catcher
		pc.Try(func() {
			outcome = e.watch(e.root, order)
		})
		if r := pc.Recovered(); r != nil {
			outcome = Outcome{Order: order, Err: r.AsError()}
		}
		e.finish(outcome)
	})
}

// watch polls the broker until the order reaches a terminal state, the
// fill timeout elapses, or the watcher is abandoned.
func (e *Engine) watch(ctx context.Context, order models.Order) Outcome {
	logger := logging.WithOrderID(logging.WithSymbol(e.logger, order.Symbol), order.ID)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if e.fillTimeout > 0 {
		timer := time.NewTimer(e.fillTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	last := order
	for {
		select {
		case <-ctx.Done():
			return Outcome{Order: last, Err: ctx.Err()}
		case <-deadline:
			return Outcome{Order: last, Err: fmt.Errorf("%w: order %s after %s", apperrors.ErrFillTimeout, order.ID, e.fillTimeout)}
		case <-ticker.C:
		}

		current, err := utils.RetryWithResult(ctx, e.pollRetry, func() (*models.Order, error) {
			return e.gateway.GetOrder(ctx, order.ID)
		})
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Order status poll failed")
			}
			continue
		}
		current.Symbol = order.Symbol
		current.Side = order.Side
		last = *current

		if !current.Status.IsTerminal() {
			continue
		}
		switch current.Status {
		case models.OrderStatusFilled:
			return e.reconcile(ctx, *current)
		case models.OrderStatusRejected:
			return Outcome{Order: last, Err: terminalError(apperrors.ErrOrderRejected, last)}
		case models.OrderStatusCancelled:
			return Outcome{Order: last, Err: terminalError(apperrors.ErrOrderCancelled, last)}
		default:
			return Outcome{Order: last, Err: terminalError(apperrors.ErrOrderExpired, last)}
		}
	}
}

// transientPollError reports whether a failed status poll is worth retrying
// before the next tick.
func transientPollError(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, apperrors.ErrOrderNotFound)
}

func terminalError(sentinel error, order models.Order) error {
	return apperrors.NewOrderError(order.ID, order.Symbol, strings.ToLower(string(order.Side)), order.StatusMessage, sentinel)
}

// reconcile records the fill. It runs detached from cancellation so an
// observed fill is never half-recorded by Abandon.
func (e *Engine) reconcile(ctx context.Context, order models.Order) Outcome {
	fill := order.Fill()
	if fill.Quantity <= 0 {
		fill.Quantity = order.Quantity
	}

	h, err := e.instance.ApplyFill(context.WithoutCancel(ctx), fill)
	if err != nil {
		return Outcome{Order: order, Err: err}
	}
	return Outcome{Order: order, Holding: h}
}

func (e *Engine) finish(outcome Outcome) {
	order := outcome.Order
	logger := logging.WithOrderID(logging.WithSymbol(e.logger, order.Symbol), order.ID)

	e.mu.Lock()
	delete(e.inflight, order.ID)
	handlers := make([]OutcomeHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()
	metrics.WatchersInFlight.Dec()

	switch {
	case outcome.Err == nil:
		metrics.OrdersFilled.WithLabelValues(order.Symbol, string(order.Side)).Inc()
		metrics.InstanceBalance.WithLabelValues(fmt.Sprint(e.instance.ID())).Set(e.instance.Balance())
	case apperrors.Is(outcome.Err, context.Canceled):
		metrics.OrdersFailed.WithLabelValues("abandoned").Inc()
		logger.Warn().Msg("Fill watcher abandoned")
	default:
		metrics.OrdersFailed.WithLabelValues(outcomeLabel(outcome.Err)).Inc()
		logger.Error().Err(outcome.Err).Str("status", string(order.Status)).Msg("Order ended without fill")
	}

	for _, h := range handlers {
		var pc panics.Catcher
		pc.Try(func() { h(outcome) })
		if r := pc.Recovered(); r != nil {
			logger.Error().Err(r.AsError()).Msg("Outcome handler panicked")
		}
	}
}

func outcomeLabel(err error) string {
	switch {
	case apperrors.Is(err, apperrors.ErrOrderRejected):
		return "rejected"
	case apperrors.Is(err, apperrors.ErrOrderCancelled):
		return "cancelled"
	case apperrors.Is(err, apperrors.ErrOrderExpired):
		return "expired"
	case apperrors.Is(err, apperrors.ErrFillTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// InFlight returns the ids of orders still being watched, sorted.
func (e *Engine) InFlight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every watcher has finished or ctx is done. Call it
// once no further orders will be submitted.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon stops every watcher without reconciling it and waits for them to
// exit. Broker-side orders are left untouched.
func (e *Engine) Abandon() []string {
	ids := e.InFlight()
	for _, id := range ids {
		e.logger.Warn().Str("order_id", id).Msg("Abandoning fill watcher; broker order left open")
	}
	e.cancel()
	e.wg.Wait()
	return ids
}
