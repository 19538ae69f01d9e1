package runtime

import (
	"errors"
	"fmt"

	"github.com/dyluth/guild/internal/plugin"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// Agent is the behaviour behind an AgentSpec's implementation selector.
type Agent interface {
	HandleMessage(ctx *Context, env *message.Envelope) error
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx *Context, env *message.Envelope) error

func (f AgentFunc) HandleMessage(ctx *Context, env *message.Envelope) error { return f(ctx, env) }

// Starter is implemented by agents that need their dependencies before the first
// message. A Start error fails only that agent.
type Starter interface {
	Start(ctx *Context) error
}

// Stopper is implemented by agents that release resources when their guild shuts down.
type Stopper interface {
	Stop(ctx *Context) error
}

// Concurrent is implemented by agents whose handler may run for several envelopes at
// once. Agents that do not implement it are handed one envelope at a time.
type Concurrent interface {
	Concurrency() int
}

// AgentFactory builds an agent from its spec. It should reject properties it does not
// understand.
type AgentFactory func(spec guild.AgentSpec) (Agent, error)

// AgentRegistry holds the agent implementations selectable by AgentSpec.Implementation.
type AgentRegistry struct {
	*plugin.Registry[AgentFactory]
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{Registry: plugin.NewRegistry[AgentFactory]("implementation")}
}

// Validate checks the agent's implementation is registered. index locates the agent in
// its guild for the ValidationError.
func (r *AgentRegistry) Validate(index int, spec guild.AgentSpec) error {
	if _, err := r.Lookup(spec.Implementation); err != nil {
		var verr *guild.ValidationError
		if errors.As(err, &verr) {
			return &guild.ValidationError{Field: fmt.Sprintf("agents[%d].implementation", index), Reason: verr.Reason}
		}
		return err
	}
	return nil
}

// New builds the agent selected by spec.
func (r *AgentRegistry) New(spec guild.AgentSpec) (Agent, error) {
	factory, err := r.Lookup(spec.Implementation)
	if err != nil {
		return nil, err
	}
	agent, err := factory(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s agent: %w", spec.Implementation, err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent factory %s returned nil", spec.Implementation)
	}
	return agent, nil
}
