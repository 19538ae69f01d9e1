package guild

import (
	"fmt"
)

// Default plugin selectors used when no Defaults are configured.
const (
	DefaultMessagingBackend = "in_memory"
	DefaultExecutionEngine  = "sync"

	maxNameLength = 64
)

// Defaults carries the values Normalize fills into a spec. It is passed explicitly so
// normalization never depends on global state.
type Defaults struct {
	Messaging       MessagingConfig           `yaml:"messaging"`
	ExecutionEngine EngineConfig              `yaml:"execution_engine"`
	Dependencies    map[string]DependencySpec `yaml:"dependencies,omitempty"`
}

// BuiltinDefaults returns in-process messaging and the sync engine with no default
// dependencies.
func BuiltinDefaults() Defaults {
	return Defaults{
		Messaging:       MessagingConfig{Backend: DefaultMessagingBackend, Config: map[string]any{}},
		ExecutionEngine: EngineConfig{Name: DefaultExecutionEngine, Config: map[string]any{}},
		Dependencies:    map[string]DependencySpec{},
	}
}

// AssignIDs returns a copy of spec in which the guild and every agent without an id
// receive one from newID.
func AssignIDs(spec GuildSpec, newID func() string) GuildSpec {
	out := spec.Clone()
	if out.ID == "" {
		out.ID = newID()
	}
	for i := range out.Agents {
		if out.Agents[i].ID == "" {
			out.Agents[i].ID = newID()
		}
	}
	return out
}

// Normalize returns a copy of spec completed from d: messaging and execution engine are
// filled when absent, the dependency map becomes d.Dependencies overlaid with the guild's
// own declarations, and every optional collection is made non-nil. Normalize is a pure
// function of its inputs. It does not touch Status or IDs.
func Normalize(spec GuildSpec, d Defaults) GuildSpec {
	out := spec.Clone()

	if out.Messaging == nil || out.Messaging.Backend == "" {
		m := MessagingConfig{Backend: d.Messaging.Backend, Config: cloneMap(d.Messaging.Config)}
		out.Messaging = &m
	}
	if out.Messaging.Config == nil {
		out.Messaging.Config = map[string]any{}
	}

	if out.ExecutionEngine == nil || out.ExecutionEngine.Name == "" {
		e := EngineConfig{Name: d.ExecutionEngine.Name, Config: cloneMap(d.ExecutionEngine.Config)}
		out.ExecutionEngine = &e
	}
	if out.ExecutionEngine.Config == nil {
		out.ExecutionEngine.Config = map[string]any{}
	}

	merged := make(map[string]DependencySpec, len(d.Dependencies)+len(out.DependencyMap))
	for name, dep := range d.Dependencies {
		merged[name] = normalizeDependency(dep)
	}
	for name, dep := range out.DependencyMap {
		merged[name] = normalizeDependency(dep)
	}
	out.DependencyMap = merged

	if out.Properties == nil {
		out.Properties = map[string]any{}
	}
	if out.Agents == nil {
		out.Agents = []AgentSpec{}
	}

	for i := range out.Agents {
		a := &out.Agents[i]
		if a.ListenToDefaultTopic == nil {
			listen := true
			a.ListenToDefaultTopic = &listen
		}
		if a.AdditionalTopics == nil {
			a.AdditionalTopics = []string{}
		}
		if a.Properties == nil {
			a.Properties = map[string]any{}
		}
		deps := make(map[string]DependencySpec, len(a.DependencyMap))
		for name, dep := range a.DependencyMap {
			deps[name] = normalizeDependency(dep)
		}
		a.DependencyMap = deps
	}

	return out
}

func normalizeDependency(dep DependencySpec) DependencySpec {
	dep.Scope = dep.Scope.OrDefault()
	dep.Properties = cloneMap(dep.Properties)
	if dep.Properties == nil {
		dep.Properties = map[string]any{}
	}
	return dep
}

// Validate checks the spec is well formed. Plugin selectors are checked against the
// registries by the runtime, not here.
func (g *GuildSpec) Validate() error {
	if g.Name == "" {
		return &ValidationError{Field: "name", Reason: "name is required"}
	}
	if len(g.Name) > maxNameLength {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", maxNameLength)}
	}
	if g.Description == "" {
		return &ValidationError{Field: "description", Reason: "description is required"}
	}

	if g.Status != "" {
		if err := g.Status.Validate(); err != nil {
			return &ValidationError{Field: "status", Reason: err.Error()}
		}
	}

	if g.Messaging != nil && g.Messaging.Backend == "" && len(g.Messaging.Config) > 0 {
		return &ValidationError{Field: "messaging.backend", Reason: "backend is required when config is given"}
	}
	if g.ExecutionEngine != nil && g.ExecutionEngine.Name == "" && len(g.ExecutionEngine.Config) > 0 {
		return &ValidationError{Field: "execution_engine.name", Reason: "name is required when config is given"}
	}

	for name, dep := range g.DependencyMap {
		if err := dep.validate(name); err != nil {
			return err
		}
	}

	ids := make(map[string]int)
	for i := range g.Agents {
		a := &g.Agents[i]
		if err := a.Validate(); err != nil {
			return &ValidationError{Field: fmt.Sprintf("agents[%d]", i), Reason: err.Error()}
		}
		if a.ID != "" {
			if prev, dup := ids[a.ID]; dup {
				return &ValidationError{
					Field:  fmt.Sprintf("agents[%d].id", i),
					Reason: fmt.Sprintf("duplicate agent id %q (also agents[%d])", a.ID, prev),
				}
			}
			ids[a.ID] = i
		}
	}

	return g.Routes.Validate()
}

// Validate performs validation on a single agent spec.
func (a *AgentSpec) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if len(a.Name) > maxNameLength {
		return fmt.Errorf("agent '%s': name must be at most %d characters", a.Name, maxNameLength)
	}
	if a.Implementation == "" {
		return fmt.Errorf("agent '%s': implementation is required", a.Name)
	}
	for i, topic := range a.AdditionalTopics {
		if topic == "" {
			return fmt.Errorf("agent '%s': additional_topics[%d] is empty", a.Name, i)
		}
	}
	for name, dep := range a.DependencyMap {
		if err := dep.validate(name); err != nil {
			return fmt.Errorf("agent '%s': %w", a.Name, err)
		}
	}
	return nil
}

func (d DependencySpec) validate(name string) error {
	if name == "" {
		return &ValidationError{Field: "dependency_map", Reason: "capability name cannot be empty"}
	}
	if d.Resolver == "" {
		return &ValidationError{Field: fmt.Sprintf("dependency_map.%s.resolver", name), Reason: "resolver is required"}
	}
	if err := d.Scope.Validate(); err != nil {
		return &ValidationError{Field: fmt.Sprintf("dependency_map.%s.scope", name), Reason: err.Error()}
	}
	return nil
}

// Clone returns a deep copy of the spec.
func (g GuildSpec) Clone() GuildSpec {
	out := g
	if g.Messaging != nil {
		m := MessagingConfig{Backend: g.Messaging.Backend, Config: cloneMap(g.Messaging.Config)}
		out.Messaging = &m
	}
	if g.ExecutionEngine != nil {
		e := EngineConfig{Name: g.ExecutionEngine.Name, Config: cloneMap(g.ExecutionEngine.Config)}
		out.ExecutionEngine = &e
	}
	out.DependencyMap = cloneDeps(g.DependencyMap)
	out.Properties = cloneMap(g.Properties)
	out.Routes = g.Routes.Clone()
	if g.Agents != nil {
		out.Agents = make([]AgentSpec, len(g.Agents))
		for i, a := range g.Agents {
			out.Agents[i] = a.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the agent spec.
func (a AgentSpec) Clone() AgentSpec {
	out := a
	if a.ListenToDefaultTopic != nil {
		listen := *a.ListenToDefaultTopic
		out.ListenToDefaultTopic = &listen
	}
	if a.AdditionalTopics != nil {
		out.AdditionalTopics = append([]string{}, a.AdditionalTopics...)
	}
	out.Properties = cloneMap(a.Properties)
	out.DependencyMap = cloneDeps(a.DependencyMap)
	return out
}

func cloneDeps(in map[string]DependencySpec) map[string]DependencySpec {
	if in == nil {
		return nil
	}
	out := make(map[string]DependencySpec, len(in))
	for k, v := range in {
		v.Properties = cloneMap(v.Properties)
		out[k] = v
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
