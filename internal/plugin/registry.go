// Package plugin holds the name-keyed registries behind every pluggable component.
//
// Registries are filled at process start with compile-time known factories. A selector
// that is not registered is a validation error at guild construction, never at first use.
package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dyluth/guild/pkg/guild"
)

// Registry maps stable selector strings to factories of type F.
type Registry[F any] struct {
	field   string
	mu      sync.RWMutex
	entries map[string]F
}

// NewRegistry creates an empty registry. field names the spec field whose value selects
// an entry and is used in validation errors.
func NewRegistry[F any](field string) *Registry[F] {
	return &Registry[F]{
		field:   field,
		entries: make(map[string]F),
	}
}

// Register adds a factory. Names are unique.
func (r *Registry[F]) Register(name string, factory F) error {
	if name == "" {
		return fmt.Errorf("%s: name cannot be empty", r.field)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%s: %q is already registered", r.field, name)
	}
	r.entries[name] = factory
	return nil
}

// MustRegister is Register for process start-up, where a clash is a programming error.
func (r *Registry[F]) MustRegister(name string, factory F) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under name, or a ValidationError naming the
// registered alternatives.
func (r *Registry[F]) Lookup(name string) (F, error) {
	r.mu.RLock()
	factory, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		var zero F
		return zero, &guild.ValidationError{
			Field:  r.field,
			Reason: fmt.Sprintf("unknown selector %q (registered: %s)", name, strings.Join(r.Names(), ", ")),
		}
	}
	return factory, nil
}

// Names returns the registered selectors in sorted order.
func (r *Registry[F]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
