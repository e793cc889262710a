package resilience

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"instance-trader/internal/broker"
	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/metrics"
	"instance-trader/internal/models"
)

// GuardedGateway routes every broker call through a circuit breaker, and
// optionally a rate limiter, so a failing or throttling broker is not
// hammered by fill watchers.
type GuardedGateway struct {
	next    broker.Gateway
	breaker *CircuitBreaker
	limiter *RateLimiter
}

// Guard wraps gw with a breaker built from cfg. Caller mistakes such as
// invalid orders or unknown symbols do not count as failures.
func Guard(gw broker.Gateway, cfg BreakerConfig, logger zerolog.Logger) *GuardedGateway {
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsBrokerFailure
	}
	logger = logger.With().Str("component", "breaker").Logger()
	notify := cfg.OnStateChange
	cfg.OnStateChange = func(from, to CircuitState) {
		metrics.BreakerState.Set(stateValue(to))
		ev := logger.Warn()
		if to == CircuitClosed {
			ev = logger.Info()
		}
		ev.Str("from", string(from)).Str("to", string(to)).Msg("Broker circuit changed state")
		if notify != nil {
			notify(from, to)
		}
	}
	return &GuardedGateway{next: gw, breaker: NewCircuitBreaker("broker", cfg)}
}

// IsBrokerFailure reports whether err points at the broker rather than
// the request.
func IsBrokerFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, apperrors.ErrInvalidOrder),
		errors.Is(err, apperrors.ErrNoPrice),
		errors.Is(err, apperrors.ErrOrderNotFound):
		return false
	default:
		return true
	}
}

func stateValue(s CircuitState) float64 {
	switch s {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// WithRateLimit caps broker calls at rate per second with the given burst.
// A non-positive rate leaves calls unlimited.
func (g *GuardedGateway) WithRateLimit(rate float64, burst int) *GuardedGateway {
	if rate > 0 {
		g.limiter = NewRateLimiter(rate, burst)
	}
	return g
}

func guarded[T any](ctx context.Context, g *GuardedGateway, fn func() (T, error)) (T, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	return ExecuteWithResult(g.breaker, fn)
}

// Breaker exposes the underlying circuit breaker.
func (g *GuardedGateway) Breaker() *CircuitBreaker {
	return g.breaker
}

// SubmitOrder submits through the breaker.
func (g *GuardedGateway) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	return guarded(ctx, g, func() (*models.Order, error) {
		return g.next.SubmitOrder(ctx, req)
	})
}

// GetOrder polls through the breaker.
func (g *GuardedGateway) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return guarded(ctx, g, func() (*models.Order, error) {
		return g.next.GetOrder(ctx, orderID)
	})
}

// GetCurrentPrice quotes through the breaker.
func (g *GuardedGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return guarded(ctx, g, func() (float64, error) {
		return g.next.GetCurrentPrice(ctx, symbol)
	})
}

// IsMarketOpen checks market status through the breaker.
func (g *GuardedGateway) IsMarketOpen(ctx context.Context) (bool, error) {
	return guarded(ctx, g, func() (bool, error) {
		return g.next.IsMarketOpen(ctx)
	})
}

// GetAccountSnapshot reads the account through the breaker.
func (g *GuardedGateway) GetAccountSnapshot(ctx context.Context) (*models.AccountSnapshot, error) {
	return guarded(ctx, g, func() (*models.AccountSnapshot, error) {
		return g.next.GetAccountSnapshot(ctx)
	})
}

var _ broker.Gateway = (*GuardedGateway)(nil)
