// Package trading exposes the execution core as a set of per-instance
// pass-through operations.
package trading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"instance-trader/internal/broker"
	"instance-trader/internal/config"
	"instance-trader/internal/execution"
	"instance-trader/internal/holdings"
	"instance-trader/internal/instance"
	"instance-trader/internal/lifecycle"
	"instance-trader/internal/models"
	"instance-trader/internal/store"
)

// Config holds service dependencies.
type Config struct {
	Ledger  store.Ledger
	Gateway broker.Gateway
	Trading config.TradingConfig
	Logger  zerolog.Logger
}

// Session bundles the components that act on one instance.
type Session struct {
	Instance *instance.Controller
	Holdings *holdings.Query
	Engine   *execution.Engine
}

// PortfolioSnapshot combines the brokerage account with one instance's
// ledger view.
type PortfolioSnapshot struct {
	Instance     models.Instance         `json:"instance"`
	Account      *models.AccountSnapshot `json:"account"`
	Positions    []holdings.Position     `json:"positions"`
	HoldingCount int                     `json:"holding_count"`
	InFlight     []string                `json:"in_flight"`
}

// Service caches one Session per instance so every caller shares the same
// controller and its serialization.
type Service struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewService creates a service.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "trading").Logger(),
		sessions: make(map[int64]*Session),
	}
}

// CreateOrResumeInstance creates a new instance when id is nil, otherwise
// resumes the stored one.
func (s *Service) CreateOrResumeInstance(ctx context.Context, id *int64, budget float64, expiration *time.Time) (*Session, error) {
	if id != nil {
		return s.session(ctx, *id)
	}

	ctrl, err := instance.CreateOrResume(ctx, s.instanceConfig(), nil, budget, expiration)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attach(ctrl)
}

// Session returns the cached session for id, resuming it if needed.
func (s *Service) Session(ctx context.Context, id int64) (*Session, error) {
	return s.session(ctx, id)
}

func (s *Service) session(ctx context.Context, id int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}

	ctrl, err := instance.CreateOrResume(ctx, s.instanceConfig(), &id, 0, nil)
	if err != nil {
		return nil, err
	}
	return s.attach(ctrl)
}

// attach wires a session around ctrl. Caller holds s.mu.
func (s *Service) attach(ctrl *instance.Controller) (*Session, error) {
	query := holdings.NewQuery(s.cfg.Ledger, ctrl.ID())
	engine, err := execution.NewEngine(execution.Config{
		Gateway:           s.cfg.Gateway,
		Instance:          ctrl,
		Holdings:          query,
		PollInterval:      s.cfg.Trading.PollInterval,
		FillTimeout:       s.cfg.Trading.FillTimeout,
		CryptoQuote:       s.cfg.Trading.CryptoQuote,
		RequireMarketOpen: s.cfg.Trading.RequireMarketOpen,
		Logger:            s.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	sess := &Session{Instance: ctrl, Holdings: query, Engine: engine}
	s.sessions[ctrl.ID()] = sess
	return sess, nil
}

func (s *Service) instanceConfig() instance.Config {
	return instance.Config{
		Ledger:       s.cfg.Ledger,
		ApplyRetries: s.cfg.Trading.ApplyRetries,
		Logger:       s.cfg.Logger,
	}
}

// Deposit credits cash to an instance.
func (s *Service) Deposit(ctx context.Context, id int64, amount float64) error {
	sess, err := s.session(ctx, id)
	if err != nil {
		return err
	}
	return sess.Instance.Deposit(ctx, amount)
}

// PlaceBuy submits a market buy for the instance.
func (s *Service) PlaceBuy(ctx context.Context, id int64, symbol string, qty float64, isCrypto bool) (*execution.Placement, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Engine.SubmitBuy(ctx, symbol, qty, isCrypto)
}

// PlaceSell submits a market sell for the instance.
func (s *Service) PlaceSell(ctx context.Context, id int64, symbol string, qty float64, isCrypto bool) (*execution.Placement, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Engine.SubmitSell(ctx, symbol, qty, isCrypto)
}

// GetHoldings returns every fill owned by the instance.
func (s *Service) GetHoldings(ctx context.Context, id int64) ([]models.Holding, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Holdings.AllHoldings(ctx)
}

// GetPortfolioSnapshot returns the account snapshot with the instance view.
func (s *Service) GetPortfolioSnapshot(ctx context.Context, id int64) (*PortfolioSnapshot, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	// Another process may have reconciled fills since the session loaded.
	if err := sess.Instance.Refresh(ctx); err != nil {
		return nil, err
	}

	account, err := s.cfg.Gateway.GetAccountSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := sess.Holdings.AllHoldings(ctx)
	if err != nil {
		return nil, err
	}

	return &PortfolioSnapshot{
		Instance:     sess.Instance.Instance(),
		Account:      account,
		Positions:    holdings.Fold(rows),
		HoldingCount: len(rows),
		InFlight:     sess.Engine.InFlight(),
	}, nil
}

// ListInstances returns every stored instance, newest first.
func (s *Service) ListInstances(ctx context.Context) ([]models.Instance, error) {
	return s.cfg.Ledger.ListInstances(ctx)
}

// Start runs strategy against the instance.
func (s *Service) Start(ctx context.Context, id int64, strategy lifecycle.Strategy) (*lifecycle.Handle, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}

	runner := lifecycle.NewRunner(lifecycle.Config{
		Engine:       sess.Engine,
		Instance:     sess.Instance,
		Holdings:     sess.Holdings,
		Market:       s.cfg.Gateway,
		TickInterval: s.cfg.Trading.TickInterval,
		Logger:       s.cfg.Logger,
	})
	return runner.Start(ctx, strategy), nil
}

// Close waits for in-flight watchers until ctx is done, then abandons
// whatever is left.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Engine.Wait(ctx); err != nil {
			abandoned := sess.Engine.Abandon()
			s.evict(sess)
			if len(abandoned) == 0 {
				continue
			}
			s.logger.Warn().
				Int64("instance_id", sess.Instance.ID()).
				Strs("order_ids", abandoned).
				Msg("Shutdown abandoned fill watchers")
		}
	}
}

// evict drops sess from the cache so the next lookup builds a fresh engine.
func (s *Service) evict(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sess.Instance.ID()
	if s.sessions[id] == sess {
		delete(s.sessions, id)
	}
}

// GetCurrentPrice returns the broker's last traded price for symbol.
func (s *Service) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return s.cfg.Gateway.GetCurrentPrice(ctx, symbol)
}
