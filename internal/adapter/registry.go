package adapter

import (
	"fmt"
	"sort"
)

// Registry maps provider identifiers to adapters. It is built once at
// startup and read-only afterwards.
type Registry struct {
	adapters map[string]ProviderAdapter
}

// NewRegistry registers the given adapters, rejecting duplicate names.
func NewRegistry(adapters ...ProviderAdapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			return nil, fmt.Errorf("adapter: nil adapter")
		}
		name := a.GetName()
		if name == "" {
			return nil, fmt.Errorf("adapter: adapter with empty name")
		}
		if _, exists := r.adapters[name]; exists {
			return nil, fmt.Errorf("adapter: duplicate provider %q", name)
		}
		r.adapters[name] = a
	}
	return r, nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (ProviderAdapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider identifiers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
