package breaker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Registry holds one breaker per distinct remote endpoint. It satisfies the
// workflow engine's BreakerCaller contract.
type Registry struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry that stamps out breakers with the given
// config.
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for an endpoint, creating it on first use.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[endpoint]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b := New(endpoint, r.config, r.logger)
	r.breakers[endpoint] = b
	return b
}

// Do routes a call through the endpoint's breaker.
func (r *Registry) Do(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	return r.Get(endpoint).Do(ctx, fn)
}

// States returns the current state per known endpoint.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]State, len(r.breakers))
	for endpoint, b := range r.breakers {
		states[endpoint] = b.CurrentState()
	}
	return states
}

// ResetAll force-closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
