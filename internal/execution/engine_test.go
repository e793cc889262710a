package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"instance-trader/internal/broker"
	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/holdings"
	"instance-trader/internal/instance"
	"instance-trader/internal/models"
	"instance-trader/internal/store"
)

type harness struct {
	ledger   *store.SQLiteStore
	paper    *broker.PaperGateway
	ctrl     *instance.Controller
	engine   *Engine
	outcomes chan Outcome
}

func newHarness(t *testing.T, funds float64, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	ledger, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	ctrl, err := instance.CreateOrResume(ctx, instance.Config{Ledger: ledger, Logger: zerolog.Nop()}, nil, funds, nil)
	require.NoError(t, err)
	if funds > 0 {
		require.NoError(t, ctrl.Deposit(ctx, funds))
	}

	paper := broker.NewPaperGateway(broker.PaperConfig{
		InitialCash: 1e6,
		FillLatency: 10 * time.Millisecond,
		Prices:      map[string]float64{"XYZ": 50},
	})

	cfg := Config{
		Gateway:      paper,
		Instance:     ctrl,
		Holdings:     holdings.NewQuery(ledger, ctrl.ID()),
		PollInterval: 5 * time.Millisecond,
		FillTimeout:  5 * time.Second,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Abandon() })

	h := &harness{ledger: ledger, paper: paper, ctrl: ctrl, engine: engine, outcomes: make(chan Outcome, 64)}
	engine.OnOutcome(func(o Outcome) { h.outcomes <- o })
	return h
}

func (h *harness) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watcher outcome")
		return Outcome{}
	}
}

func (h *harness) holdings(t *testing.T) []models.Holding {
	t.Helper()
	rows, err := h.ledger.QueryHoldings(context.Background(), store.OwnedBy(h.ctrl.ID()))
	require.NoError(t, err)
	return rows
}

func TestBuyThenSellScenario(t *testing.T) {
	h := newHarness(t, 1000, nil)
	ctx := context.Background()

	p, err := h.engine.SubmitBuy(ctx, "XYZ", 10, false)
	require.NoError(t, err)
	require.True(t, p.Placed())
	require.NoError(t, p.Err())
	require.Equal(t, models.OrderStatusSubmitted, p.Order.Status)

	o := h.next(t)
	require.NoError(t, o.Err)
	require.NotNil(t, o.Holding)
	require.Equal(t, 500.0, h.ctrl.Balance())

	rows := h.holdings(t)
	require.Len(t, rows, 1)
	require.Equal(t, "XYZ", rows[0].Ticker)
	require.Equal(t, 10.0, rows[0].Shares)
	require.Equal(t, 50.0, rows[0].Price)
	require.Equal(t, h.ctrl.ID(), rows[0].Owner)
	require.Equal(t, p.Order.ID, rows[0].OrderID)

	h.paper.SetPrice("XYZ", 60)
	p, err = h.engine.SubmitSell(ctx, "XYZ", 5, false)
	require.NoError(t, err)
	require.True(t, p.Placed())

	o = h.next(t)
	require.NoError(t, o.Err)
	require.Equal(t, 800.0, h.ctrl.Balance())

	rows = h.holdings(t)
	require.Len(t, rows, 2)
	require.Equal(t, models.OrderSideSell, rows[1].Side)
	require.Equal(t, 60.0, rows[1].Price)

	held, err := holdings.NewQuery(h.ledger, h.ctrl.ID()).SharesHeld(ctx, "XYZ")
	require.NoError(t, err)
	require.Equal(t, 5.0, held)

	require.Empty(t, h.engine.InFlight())
}

func TestBuyRefusedWhenUnaffordable(t *testing.T) {
	h := newHarness(t, 1000, nil)

	p, err := h.engine.SubmitBuy(context.Background(), "XYZ", 21, false)
	require.NoError(t, err)
	require.False(t, p.Placed())
	require.Equal(t, ReasonInsufficientFunds, p.Reason)
	require.ErrorIs(t, p.Err(), apperrors.ErrInsufficientFunds)

	require.Equal(t, 1000.0, h.ctrl.Balance())
	require.Empty(t, h.holdings(t))
	require.Empty(t, h.engine.InFlight())
}

func TestSellRefusedWithoutShares(t *testing.T) {
	h := newHarness(t, 1000, nil)

	p, err := h.engine.SubmitSell(context.Background(), "XYZ", 1, false)
	require.NoError(t, err)
	require.Equal(t, ReasonInsufficientShares, p.Reason)
	require.ErrorIs(t, p.Err(), apperrors.ErrInsufficientShares)

	require.Equal(t, 1000.0, h.ctrl.Balance())
	require.Empty(t, h.holdings(t))
}

func TestSellCountsOnlyThisInstance(t *testing.T) {
	h := newHarness(t, 1000, nil)
	ctx := context.Background()

	// Another instance holds XYZ; this one does not.
	other, err := instance.CreateOrResume(ctx, instance.Config{Ledger: h.ledger}, nil, 0, nil)
	require.NoError(t, err)
	require.NoError(t, other.Deposit(ctx, 1000))
	_, err = other.ApplyFill(ctx, models.Fill{OrderID: "other-1", Symbol: "XYZ", Side: models.OrderSideBuy, Quantity: 10, AvgPrice: 50})
	require.NoError(t, err)

	p, err := h.engine.SubmitSell(ctx, "XYZ", 1, false)
	require.NoError(t, err)
	require.Equal(t, ReasonInsufficientShares, p.Reason)
}

func TestSellFractionalRemainder(t *testing.T) {
	h := newHarness(t, 1000, nil)
	ctx := context.Background()

	fills := []models.Fill{
		{OrderID: "frac-1", Symbol: "XYZ", Side: models.OrderSideBuy, Quantity: 0.3, AvgPrice: 50},
		{OrderID: "frac-2", Symbol: "XYZ", Side: models.OrderSideSell, Quantity: 0.1, AvgPrice: 50},
	}
	var recorded []models.Holding
	for _, f := range fills {
		holding, err := h.ctrl.ApplyFill(ctx, f)
		require.NoError(t, err)
		recorded = append(recorded, *holding)
	}
	h.paper.Seed(recorded)

	p, err := h.engine.SubmitSell(ctx, "XYZ", 0.2, false)
	require.NoError(t, err)
	require.True(t, p.Placed(), "reason: %s", p.Reason)

	o := h.next(t)
	require.NoError(t, o.Err)
	require.Equal(t, models.OrderStatusFilled, o.Order.Status)

	p, err = h.engine.SubmitSell(ctx, "XYZ", 0.1, false)
	require.NoError(t, err)
	require.Equal(t, ReasonInsufficientShares, p.Reason)
}

func TestTerminalStatesLeaveLedgerUntouched(t *testing.T) {
	tests := []struct {
		status models.OrderStatus
		want   error
	}{
		{models.OrderStatusRejected, apperrors.ErrOrderRejected},
		{models.OrderStatusCancelled, apperrors.ErrOrderCancelled},
		{models.OrderStatusExpired, apperrors.ErrOrderExpired},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			h := newHarness(t, 1000, nil)
			h.paper.Script(broker.Outcome{Status: tt.status, Message: "scripted"})

			p, err := h.engine.SubmitBuy(context.Background(), "XYZ", 2, false)
			require.NoError(t, err)
			require.True(t, p.Placed())

			o := h.next(t)
			require.ErrorIs(t, o.Err, tt.want)
			require.Nil(t, o.Holding)
			require.Equal(t, tt.status, o.Order.Status)

			require.Equal(t, 1000.0, h.ctrl.Balance())
			require.Empty(t, h.holdings(t))
		})
	}
}

func TestFillTimeout(t *testing.T) {
	h := newHarness(t, 1000, func(c *Config) { c.FillTimeout = 50 * time.Millisecond })
	h.paper.Script(broker.Outcome{Status: models.OrderStatusSubmitted})

	_, err := h.engine.SubmitBuy(context.Background(), "XYZ", 1, false)
	require.NoError(t, err)

	o := h.next(t)
	require.ErrorIs(t, o.Err, apperrors.ErrFillTimeout)
	require.Empty(t, h.holdings(t))
	require.Equal(t, 1000.0, h.ctrl.Balance())
}

func TestAbandonStopsWatchers(t *testing.T) {
	h := newHarness(t, 1000, func(c *Config) { c.FillTimeout = 0 })
	h.paper.Script(broker.Outcome{Status: models.OrderStatusSubmitted})

	p, err := h.engine.SubmitBuy(context.Background(), "XYZ", 1, false)
	require.NoError(t, err)
	require.Equal(t, []string{p.Order.ID}, h.engine.InFlight())

	abandoned := h.engine.Abandon()
	require.Equal(t, []string{p.Order.ID}, abandoned)

	o := h.next(t)
	require.ErrorIs(t, o.Err, context.Canceled)
	require.Empty(t, h.engine.InFlight())
	require.Empty(t, h.holdings(t))
}

func TestWaitJoinsWatchers(t *testing.T) {
	h := newHarness(t, 1000, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.engine.SubmitBuy(ctx, "XYZ", 1, false)
		require.NoError(t, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(waitCtx))

	require.Len(t, h.holdings(t), 3)
	require.Equal(t, 850.0, h.ctrl.Balance())
}

func TestWaitHonoursContext(t *testing.T) {
	h := newHarness(t, 1000, func(c *Config) { c.FillTimeout = 0 })
	h.paper.Script(broker.Outcome{Status: models.OrderStatusSubmitted})

	_, err := h.engine.SubmitBuy(context.Background(), "XYZ", 1, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.engine.Wait(ctx), context.DeadlineExceeded)
}

func TestConcurrentFillsSerializeBalance(t *testing.T) {
	h := newHarness(t, 10000, nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := h.engine.SubmitBuy(ctx, "XYZ", 2, false)
			if err == nil && !p.Placed() {
				t.Errorf("buy refused: %s", p.Reason)
			}
		}()
	}
	wg.Wait()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(waitCtx))

	// 20 fills of 2 @ 50
	require.Equal(t, 8000.0, h.ctrl.Balance())
	require.Len(t, h.holdings(t), n)

	stored, err := h.ledger.GetInstance(ctx, h.ctrl.ID())
	require.NoError(t, err)
	require.Equal(t, 8000.0, stored.Balance)
}

func TestCryptoSymbolSuffix(t *testing.T) {
	h := newHarness(t, 1000, func(c *Config) { c.CryptoQuote = "USDT" })
	h.paper.SetPrice("BTCUSDT", 100)

	p, err := h.engine.SubmitBuy(context.Background(), "BTC", 0.5, true)
	require.NoError(t, err)
	require.True(t, p.Placed())
	require.Equal(t, "BTCUSDT", p.Order.Symbol)

	o := h.next(t)
	require.NoError(t, o.Err)
	require.Equal(t, "BTCUSDT", o.Holding.Ticker)
	require.Equal(t, 950.0, h.ctrl.Balance())
}

func TestMarketClosedGate(t *testing.T) {
	h := newHarness(t, 1000, func(c *Config) {
		c.RequireMarketOpen = true
		c.Gateway = closedMarket{c.Gateway}
	})

	p, err := h.engine.SubmitBuy(context.Background(), "XYZ", 1, false)
	require.NoError(t, err)
	require.Equal(t, ReasonMarketClosed, p.Reason)
	require.ErrorIs(t, p.Err(), apperrors.ErrMarketClosed)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, 1000, nil)
	ctx := context.Background()

	_, err := h.engine.SubmitBuy(ctx, "XYZ", 0, false)
	require.ErrorIs(t, err, apperrors.ErrInvalidOrder)

	_, err = h.engine.SubmitSell(ctx, " ", 1, false)
	require.ErrorIs(t, err, apperrors.ErrInvalidOrder)

	_, err = h.engine.SubmitBuy(ctx, "NOPE", 1, false)
	require.ErrorIs(t, err, apperrors.ErrNoPrice)
}

func TestWatcherPanicIsContained(t *testing.T) {
	h := newHarness(t, 1000, func(c *Config) { c.Gateway = panicOnPoll{c.Gateway} })

	_, err := h.engine.SubmitBuy(context.Background(), "XYZ", 1, false)
	require.NoError(t, err)

	o := h.next(t)
	require.Error(t, o.Err)
	require.Contains(t, o.Err.Error(), "gateway exploded")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(ctx))
	require.Equal(t, 1000.0, h.ctrl.Balance())
}

func TestPollRetriesTransientErrors(t *testing.T) {
	flaky := &flakyPoll{failures: 2}
	h := newHarness(t, 1000, func(c *Config) {
		flaky.Gateway = c.Gateway
		c.Gateway = flaky
	})

	p, err := h.engine.SubmitBuy(context.Background(), "XYZ", 2, false)
	require.NoError(t, err)
	require.True(t, p.Placed())

	o := h.next(t)
	require.NoError(t, o.Err)
	require.Equal(t, models.OrderStatusFilled, o.Order.Status)
	require.Equal(t, 900.0, h.ctrl.Balance())
	require.GreaterOrEqual(t, flaky.Calls(), 3)
}

func TestSubmitAfterAbandonIsRefused(t *testing.T) {
	h := newHarness(t, 1000, nil)
	h.engine.Abandon()

	_, err := h.engine.SubmitBuy(context.Background(), "XYZ", 1, false)
	require.ErrorIs(t, err, apperrors.ErrEngineStopped)

	_, err = h.engine.SubmitSell(context.Background(), "XYZ", 1, false)
	require.ErrorIs(t, err, apperrors.ErrEngineStopped)
}

func TestTransientPollError(t *testing.T) {
	require.True(t, transientPollError(errors.New("connection reset")))
	require.False(t, transientPollError(context.Canceled))
	require.False(t, transientPollError(fmt.Errorf("lookup: %w", apperrors.ErrOrderNotFound)))
}

type closedMarket struct{ broker.Gateway }

func (closedMarket) IsMarketOpen(context.Context) (bool, error) { return false, nil }

type panicOnPoll struct{ broker.Gateway }

func (panicOnPoll) GetOrder(context.Context, string) (*models.Order, error) {
	panic("gateway exploded")
}

type flakyPoll struct {
	broker.Gateway

	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyPoll) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.Gateway.GetOrder(ctx, id)
}

func (f *flakyPoll) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
