package trading

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"instance-trader/internal/broker"
	"instance-trader/internal/config"
	"instance-trader/internal/resilience"
	"instance-trader/internal/store"
	"instance-trader/pkg/utils"
)

// NewGateway builds the broker gateway for the configured trading mode,
// guarded by a circuit breaker when enabled. In paper mode the simulated
// account is seeded from every fill in ledger, when one is given.
func NewGateway(ctx context.Context, cfg *config.Config, ledger store.Ledger, logger zerolog.Logger) (broker.Gateway, error) {
	gw, err := newBaseGateway(ctx, cfg, ledger, logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Breaker.Enabled {
		return gw, nil
	}
	return resilience.Guard(gw, resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, logger).WithRateLimit(cfg.Breaker.RateLimit, cfg.Breaker.RateBurst), nil
}

func newBaseGateway(ctx context.Context, cfg *config.Config, ledger store.Ledger, logger zerolog.Logger) (broker.Gateway, error) {
	if cfg.IsPaperMode() {
		paper := broker.PaperConfig{
			InitialCash: cfg.Paper.InitialCash,
			FillLatency: cfg.Paper.FillLatency,
			Prices:      cfg.Paper.Prices,
			Logger:      logger,
		}
		if cfg.Trading.RequireMarketOpen {
			hours := utils.NSEHours()
			paper.Hours = &hours
		}
		gw := broker.NewPaperGateway(paper)
		if ledger != nil {
			fills, err := ledger.QueryHoldings(ctx, store.HoldingFilter{})
			if err != nil {
				return nil, fmt.Errorf("seeding paper account: %w", err)
			}
			gw.Seed(fills)
		}
		return gw, nil
	}

	return broker.NewKiteGateway(broker.KiteConfig{
		APIKey:      cfg.Credentials.Kite.APIKey,
		AccessToken: cfg.Credentials.Kite.AccessToken,
		Exchange:    cfg.Trading.Exchange,
		Product:     cfg.Trading.Product,
		Logger:      logger,
	})
}
