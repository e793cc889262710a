package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"instance-trader/internal/logging"
)

// Factory builds a fresh strategy.
type Factory func() Strategy

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in "base" strategy.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	_ = r.Register("base", func() Strategy { return Base{} })
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// New builds the strategy registered under name.
func (r *Registry) New(name string) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, r.Names())
	}
	return f(), nil
}

// Names lists registered strategies in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Base places no orders; it logs a heartbeat each tick.
type Base struct{}

// Step logs the tick.
func (Base) Step(ctx context.Context, sc *StepContext) error {
	logger := logging.FromContext(ctx)
	ev := logger.Debug().Int64("tick", sc.Tick)
	if sc.Instance != nil {
		ev = ev.Float64("balance", sc.Instance.Balance())
	}
	ev.Msg("Running")
	return nil
}
