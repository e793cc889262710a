package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instance-trader/internal/broker"
	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/models"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errDown = errors.New("broker down")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute, Now: clk.Now})

	fail := func() error { return errDown }
	ok := func() error { return nil }

	assert.ErrorIs(t, cb.Execute(fail), errDown)
	assert.ErrorIs(t, cb.Execute(fail), errDown)
	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, CircuitClosed, cb.State(), "success resets the failure count")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, int64(1), cb.Rejected())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	var transitions []string
	cb := NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Cooldown:         time.Minute,
		Now:              clk.Now,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
		},
	})

	_ = cb.Execute(func() error { return errDown })
	require.Equal(t, CircuitOpen, cb.State())

	clk.Advance(time.Minute)
	_ = cb.Execute(func() error { return errDown })
	assert.Equal(t, CircuitOpen, cb.State(), "a half-open failure reopens")

	clk.Advance(time.Minute)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []string{
		"CLOSED->OPEN",
		"OPEN->HALF_OPEN",
		"HALF_OPEN->OPEN",
		"OPEN->HALF_OPEN",
		"HALF_OPEN->CLOSED",
	}, transitions)
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, IsFailure: IsBrokerFailure})

	_, err := ExecuteWithResult(cb, func() (float64, error) {
		return 0, fmt.Errorf("%w: ABC", apperrors.ErrNoPrice)
	})
	assert.ErrorIs(t, err, apperrors.ErrNoPrice)
	assert.Equal(t, CircuitClosed, cb.State())

	err = cb.Execute(func() error { return apperrors.NewValidationError("qty", 0, "must be positive") })
	assert.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1})
	_ = cb.Execute(func() error { return errDown })
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "test", cb.Name())
}

// flakyGateway fails every call while down is set.
type flakyGateway struct {
	broker.Gateway
	down  bool
	calls int
}

func (f *flakyGateway) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	f.calls++
	if f.down {
		return nil, apperrors.NewBrokerError("NETWORK", "connection reset", errDown)
	}
	return f.Gateway.GetOrder(ctx, id)
}

func TestGuardedGatewayStopsPollingFailingBroker(t *testing.T) {
	ctx := context.Background()
	paper := broker.NewPaperGateway(broker.PaperConfig{Prices: map[string]float64{"XYZ": 10}})
	flaky := &flakyGateway{Gateway: paper, down: true}

	clk := &clock{now: time.Unix(0, 0)}
	gw := Guard(flaky, BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Second, Now: clk.Now}, zerolog.Nop())

	order, err := gw.SubmitOrder(ctx, broker.MarketOrder("XYZ", models.OrderSideBuy, 1))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = gw.GetOrder(ctx, order.ID)
	}
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, flaky.calls)
	assert.Equal(t, CircuitOpen, gw.Breaker().State())

	flaky.down = false
	clk.Advance(time.Second)
	got, err := gw.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, CircuitClosed, gw.Breaker().State())

	price, err := gw.GetCurrentPrice(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, 10.0, price)
}

func TestRateLimiterBurstThenRefill(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	rl := NewRateLimiter(2, 2)
	rl.now = clk.Now
	rl.lastUpdate = clk.now

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	clk.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)
}

func TestGuardedGatewayRateLimit(t *testing.T) {
	paper := broker.NewPaperGateway(broker.PaperConfig{Prices: map[string]float64{"XYZ": 10}})
	gw := Guard(paper, BreakerConfig{}, zerolog.Nop()).WithRateLimit(0.001, 1)

	_, err := gw.GetCurrentPrice(context.Background(), "XYZ")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = gw.GetCurrentPrice(ctx, "XYZ")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CircuitClosed, gw.Breaker().State(), "throttled calls never reach the breaker")
}
