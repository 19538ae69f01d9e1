package guild

import (
	"fmt"

	"github.com/dyluth/guild/pkg/message"
)

// GuildSpec is the declarative description of a guild.
type GuildSpec struct {
	ID              string                    `json:"id" yaml:"id"`
	Name            string                    `json:"name" yaml:"name"`
	Description     string                    `json:"description" yaml:"description"`
	Agents          []AgentSpec               `json:"agents" yaml:"agents"`
	Messaging       *MessagingConfig          `json:"messaging,omitempty" yaml:"messaging,omitempty"`
	ExecutionEngine *EngineConfig             `json:"execution_engine,omitempty" yaml:"execution_engine,omitempty"`
	DependencyMap   map[string]DependencySpec `json:"dependency_map" yaml:"dependency_map,omitempty"`
	Properties      map[string]any            `json:"properties" yaml:"properties,omitempty"`
	Routes          *RoutingSlip              `json:"routes,omitempty" yaml:"routes,omitempty"`
	Status          Status                    `json:"status" yaml:"status,omitempty"`
	CreatedAtMs     int64                     `json:"created_at_ms,omitempty" yaml:"-"`
	UpdatedAtMs     int64                     `json:"updated_at_ms,omitempty" yaml:"-"`
}

// AgentSpec describes one agent of a guild. It is owned by its GuildSpec.
type AgentSpec struct {
	ID                   string                    `json:"id" yaml:"id,omitempty"`
	Name                 string                    `json:"name" yaml:"name"`
	Description          string                    `json:"description" yaml:"description,omitempty"`
	Implementation       string                    `json:"implementation" yaml:"implementation"`
	AdditionalTopics     []string                  `json:"additional_topics" yaml:"additional_topics,omitempty"`
	ListenToDefaultTopic *bool                     `json:"listen_to_default_topic,omitempty" yaml:"listen_to_default_topic,omitempty"`
	Properties           map[string]any            `json:"properties" yaml:"properties,omitempty"`
	DependencyMap        map[string]DependencySpec `json:"dependency_map" yaml:"dependency_map,omitempty"`
}

// DependencySpec selects a resolver for a named capability.
type DependencySpec struct {
	Resolver   string         `json:"resolver" yaml:"resolver"`
	Scope      Scope          `json:"scope,omitempty" yaml:"scope,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Scope controls how widely a resolved dependency instance is shared.
type Scope string

const (
	// ScopeGuild shares one instance between all agents of a guild.
	ScopeGuild Scope = "guild"

	// ScopeAgent gives every agent its own instance.
	ScopeAgent Scope = "agent"
)

// Validate checks the scope is a known value. The empty scope means ScopeGuild.
func (s Scope) Validate() error {
	switch s {
	case "", ScopeGuild, ScopeAgent:
		return nil
	default:
		return fmt.Errorf("unknown dependency scope: %q", s)
	}
}

// OrDefault returns ScopeGuild for the empty scope.
func (s Scope) OrDefault() Scope {
	if s == "" {
		return ScopeGuild
	}
	return s
}

// MessagingConfig selects a messaging backend plugin.
type MessagingConfig struct {
	Backend string         `json:"backend" yaml:"backend"`
	Config  map[string]any `json:"config" yaml:"config,omitempty"`
}

// EngineConfig selects an execution engine plugin.
type EngineConfig struct {
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config" yaml:"config,omitempty"`
}

// ListensToDefaultTopic reports whether the agent subscribes to message.DefaultTopic.
func (a *AgentSpec) ListensToDefaultTopic() bool {
	return a.ListenToDefaultTopic == nil || *a.ListenToDefaultTopic
}

// Tag returns the agent's identity as used on envelopes.
func (a *AgentSpec) Tag() message.AgentTag {
	return message.AgentTag{ID: a.ID, Name: a.Name}
}

// SubscribedTopics returns every topic the agent receives envelopes on, including its inbox.
func (a *AgentSpec) SubscribedTopics() []string {
	seen := make(map[string]bool)
	var topics []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}

	for _, t := range a.AdditionalTopics {
		add(t)
	}
	if a.ListensToDefaultTopic() {
		add(message.DefaultTopic)
	}
	add(message.GuildStatusTopic)
	add(message.InboxTopic(a.ID))

	return topics
}

// EffectiveDependencies returns the dependency map an agent resolves against: the guild
// map overlaid with the agent's own declarations.
func (g *GuildSpec) EffectiveDependencies(agent *AgentSpec) map[string]DependencySpec {
	merged := make(map[string]DependencySpec, len(g.DependencyMap)+len(agent.DependencyMap))
	for name, dep := range g.DependencyMap {
		merged[name] = dep
	}
	for name, dep := range agent.DependencyMap {
		merged[name] = dep
	}
	return merged
}

// Agent returns the agent spec with the given id.
func (g *GuildSpec) Agent(id string) (*AgentSpec, bool) {
	for i := range g.Agents {
		if g.Agents[i].ID == id {
			return &g.Agents[i], true
		}
	}
	return nil, false
}

// Tags returns the identity of every agent in the guild.
func (g *GuildSpec) Tags() []message.AgentTag {
	tags := make([]message.AgentTag, 0, len(g.Agents))
	for i := range g.Agents {
		tags = append(tags, g.Agents[i].Tag())
	}
	return tags
}
