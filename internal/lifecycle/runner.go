// Package lifecycle runs a strategy's decision loop on its own goroutine
// and stops it cooperatively.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"instance-trader/internal/broker"
	"instance-trader/internal/execution"
	"instance-trader/internal/holdings"
	"instance-trader/internal/instance"
	"instance-trader/internal/logging"
)

// ErrStop ends the loop without reporting an error.
var ErrStop = errors.New("strategy stopped")

// Strategy executes one decision step per tick.
type Strategy interface {
	Step(ctx context.Context, sc *StepContext) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, sc *StepContext) error

// Step calls f.
func (f StrategyFunc) Step(ctx context.Context, sc *StepContext) error {
	return f(ctx, sc)
}

// StepContext is what a strategy sees on each tick.
type StepContext struct {
	Engine   *execution.Engine
	Instance *instance.Controller
	Holdings *holdings.Query
	Market   broker.Gateway
	Logger   zerolog.Logger

	Tick int64
	Now  time.Time
}

// Expired reports whether the instance has reached its expiration.
func (sc *StepContext) Expired() bool {
	return sc.Instance != nil && sc.Instance.Expired()
}

// Config holds runner dependencies.
type Config struct {
	Engine   *execution.Engine
	Instance *instance.Controller
	Holdings *holdings.Query
	Market   broker.Gateway

	TickInterval time.Duration
	Logger       zerolog.Logger
}

// Runner starts strategy loops.
type Runner struct {
	cfg Config
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Runner{cfg: cfg}
}

// Handle controls a running loop.
type Handle struct {
	kill     chan struct{}
	killOnce sync.Once
	done     chan struct{}
	err      error
}

// Kill asks the loop to stop at its next checkpoint. It does not cancel
// fill watchers or broker-side orders.
func (h *Handle) Kill() {
	h.killOnce.Do(func() { close(h.kill) })
}

// Done is closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the loop exits and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Start launches the loop. A panic inside the strategy is recovered and
// returned from Wait.
func (r *Runner) Start(ctx context.Context, s Strategy) *Handle {
	h := &Handle{
		kill: make(chan struct{}),
		done: make(chan struct{}),
	}

	logger := r.cfg.Logger.With().Str("component", "lifecycle").Logger()
	if r.cfg.Instance != nil {
		logger = logger.With().Int64("instance_id", r.cfg.Instance.ID()).Logger()
	}

	go func() {
		defer close(h.done)

		var pc panics.Catcher
		pc.Try(func() {
			h.err = r.loop(ctx, s, h.kill, logger)
		})
		if rec := pc.Recovered(); rec != nil {
			h.err = rec.AsError()
			logger.Error().Err(h.err).Msg("Strategy panicked")
		}
	}()

	return h
}

func (r *Runner) loop(ctx context.Context, s Strategy, kill <-chan struct{}, logger zerolog.Logger) error {
	logger.Info().Dur("tick", r.cfg.TickInterval).Msg("Strategy loop started")

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	stepCtx := logging.WithLogger(ctx, logger)

	for tick := int64(1); ; tick++ {
		select {
		case <-kill:
			logger.Info().Int64("ticks", tick-1).Msg("Strategy loop killed")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sc := &StepContext{
			Engine:   r.cfg.Engine,
			Instance: r.cfg.Instance,
			Holdings: r.cfg.Holdings,
			Market:   r.cfg.Market,
			Logger:   logger,
			Tick:     tick,
			Now:      time.Now(),
		}
		if err := s.Step(stepCtx, sc); err != nil {
			if errors.Is(err, ErrStop) {
				logger.Info().Int64("ticks", tick).Msg("Strategy loop finished")
				return nil
			}
			logger.Error().Err(err).Int64("tick", tick).Msg("Strategy step failed")
			return err
		}

		select {
		case <-kill:
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}
