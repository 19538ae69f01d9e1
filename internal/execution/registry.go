package execution

import (
	"fmt"

	"github.com/dyluth/guild/internal/plugin"
	"github.com/dyluth/guild/pkg/guild"
)

// Constructor builds an engine from an already parsed config.
type Constructor func(opts Options) (Engine, error)

// Factory parses and validates an engine's raw config map.
type Factory func(raw map[string]any) (Constructor, error)

// Registry holds the engines selectable by EngineConfig.Name.
type Registry struct {
	*plugin.Registry[Factory]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{Registry: plugin.NewRegistry[Factory]("execution_engine.name")}
}

// DefaultRegistry returns a registry holding the built-in engines.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(SyncEngineName, syncFactory)
	r.MustRegister(PoolEngineName, poolFactory)
	return r
}

// Validate checks the engine exists and its config parses.
func (r *Registry) Validate(cfg guild.EngineConfig) error {
	_, err := r.constructor(cfg)
	return err
}

// New builds the engine selected by cfg.
func (r *Registry) New(cfg guild.EngineConfig, opts Options) (Engine, error) {
	construct, err := r.constructor(cfg)
	if err != nil {
		return nil, err
	}
	engine, err := construct(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s execution engine: %w", cfg.Name, err)
	}
	return engine, nil
}

func (r *Registry) constructor(cfg guild.EngineConfig) (Constructor, error) {
	factory, err := r.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	construct, err := factory(cfg.Config)
	if err != nil {
		return nil, &guild.ValidationError{Field: "execution_engine.config", Reason: err.Error()}
	}
	return construct, nil
}
