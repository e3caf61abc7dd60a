package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Factory constructs an embedding service for a model name.
type Factory func(model string) (Service, error)

// Registry is a named embedder cache. Each model name is constructed at most
// once; later lookups reuse the instance. Reads after construction are
// lock-free on the fast path via the read lock.
type Registry struct {
	mu       sync.RWMutex
	factory  Factory
	services map[string]Service
}

// NewRegistry creates a registry that constructs embedders with factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:  factory,
		services: make(map[string]Service),
	}
}

// NewRegistryFromConfig creates a registry whose embedders share the given
// endpoint configuration and differ only by model name.
func NewRegistryFromConfig(baseURL, apiKey string) *Registry {
	return NewRegistry(func(model string) (Service, error) {
		return NewService(&Config{Model: model, BaseURL: baseURL, APIKey: apiKey})
	})
}

// Get returns the embedder for the model name, constructing it on first use.
// Double-checked: the read lock covers the common path, the write lock the
// one-time construction.
func (r *Registry) Get(name string) (Service, error) {
	if name == "" {
		return nil, fmt.Errorf("embedding model name is empty")
	}

	r.mu.RLock()
	svc, ok := r.services[name]
	r.mu.RUnlock()
	if ok {
		return svc, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[name]; ok {
		return svc, nil
	}

	svc, err := r.factory(name)
	if err != nil {
		return nil, fmt.Errorf("construct embedder %q: %w", name, err)
	}
	r.services[name] = svc

	slog.Info("embedder constructed", "model", name)
	return svc, nil
}

// Preload constructs the named embedder in the background so the first
// ingest batch does not pay the construction cost. One-shot; errors are
// logged, not returned, because Get will retry construction on demand.
func (r *Registry) Preload(ctx context.Context, name string) {
	go func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Get(name); err != nil {
			slog.Warn("embedder preload failed", "model", name, "error", err)
		}
	}()
}

// Loaded returns the model names with live embedder instances.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}
