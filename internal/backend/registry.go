package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps vendor names to adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}

	return r
}

// Register adds or replaces the adapter for a.Vendor().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[a.Vendor()] = a
}

// Get returns the adapter for vendor.
func (r *Registry) Get(vendor string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[vendor]
	if !ok {
		return nil, fmt.Errorf("backend: no adapter registered for vendor %q", vendor)
	}

	return a, nil
}

// Vendors returns the registered vendor names, sorted.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}
