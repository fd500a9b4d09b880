package provider

import (
	"fmt"
	"sync"
)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Provider
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func() Provider),
		providers: make(map[string]Provider),
	}
}

// Register makes a provider available under name. The factory runs on
// first load.
func (r *Registry) Register(name string, factory func() Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// LoadProvider initializes a registered provider.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}
	r.providers[name] = factory()
	return nil
}

// Get returns a loaded provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}
