package messaging

import (
	"fmt"

	"github.com/dyluth/guild/internal/plugin"
	"github.com/dyluth/guild/pkg/guild"
)

// Constructor builds a backend from an already parsed config.
type Constructor func(opts Options) (Backend, error)

// Factory parses and validates a backend's raw config map, returning a constructor bound
// to the typed result.
type Factory func(raw map[string]any) (Constructor, error)

// Registry holds the messaging backends selectable by MessagingConfig.Backend.
type Registry struct {
	*plugin.Registry[Factory]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{Registry: plugin.NewRegistry[Factory]("messaging.backend")}
}

// DefaultRegistry returns a registry holding the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(InMemoryBackendName, inMemoryFactory)
	r.MustRegister(RedisBackendName, redisFactory)
	return r
}

// Validate checks the backend exists and its config parses.
func (r *Registry) Validate(cfg guild.MessagingConfig) error {
	_, err := r.constructor(cfg)
	return err
}

// New builds the backend selected by cfg.
func (r *Registry) New(cfg guild.MessagingConfig, opts Options) (Backend, error) {
	construct, err := r.constructor(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := construct(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s messaging backend: %w", cfg.Backend, err)
	}
	return backend, nil
}

func (r *Registry) constructor(cfg guild.MessagingConfig) (Constructor, error) {
	factory, err := r.Lookup(cfg.Backend)
	if err != nil {
		return nil, err
	}
	construct, err := factory(cfg.Config)
	if err != nil {
		return nil, &guild.ValidationError{Field: "messaging.config", Reason: err.Error()}
	}
	return construct, nil
}
