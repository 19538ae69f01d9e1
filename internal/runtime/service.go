package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/internal/store"
	"github.com/dyluth/guild/pkg/guild"
)

// Service validates, normalizes and persists guild specs. It does not run guilds.
type Service struct {
	store    store.Store
	plugins  Plugins
	defaults guild.Defaults
	logger   zerolog.Logger

	newID func() string
	now   func() time.Time
}

// NewService creates a service over st.
func NewService(st store.Store, plugins Plugins, defaults guild.Defaults, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		plugins:  plugins,
		defaults: defaults,
		logger:   logger,
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
	}
}

// Prepare turns a submitted spec into the normalized spec that would be persisted:
// validated, ids assigned, defaults applied and every plugin selector checked against
// the registries. It performs no mutation.
func (s *Service) Prepare(spec guild.GuildSpec) (guild.GuildSpec, error) {
	if err := spec.Validate(); err != nil {
		return guild.GuildSpec{}, err
	}
	normalized := guild.Normalize(guild.AssignIDs(spec, s.newID), s.defaults)
	if err := normalized.Validate(); err != nil {
		return guild.GuildSpec{}, err
	}
	if err := s.Check(&normalized); err != nil {
		return guild.GuildSpec{}, err
	}
	return normalized, nil
}

// Check verifies every selector of a normalized spec against the registries.
func (s *Service) Check(spec *guild.GuildSpec) error {
	if err := s.plugins.Messaging.Validate(*spec.Messaging); err != nil {
		return err
	}
	if err := s.plugins.Execution.Validate(*spec.ExecutionEngine); err != nil {
		return err
	}
	for name, dep := range spec.DependencyMap {
		if err := s.plugins.Resolvers.Validate("dependency_map."+name, dep); err != nil {
			return err
		}
	}
	for i := range spec.Agents {
		agent := &spec.Agents[i]
		if err := s.plugins.Agents.Validate(i, *agent); err != nil {
			return err
		}
		for name, dep := range agent.DependencyMap {
			if err := s.plugins.Resolvers.Validate(fmt.Sprintf("agents[%d].dependency_map.%s", i, name), dep); err != nil {
				return err
			}
		}
	}
	return nil
}

// Create persists a new guild with status active and returns its id.
func (s *Service) Create(ctx context.Context, spec guild.GuildSpec) (*guild.GuildSpec, error) {
	normalized, err := s.Prepare(spec)
	if err != nil {
		return nil, err
	}
	nowMs := s.now().UnixMilli()
	normalized.Status = guild.StatusActive
	normalized.CreatedAtMs = nowMs
	normalized.UpdatedAtMs = nowMs

	if err := s.store.Create(ctx, &normalized); err != nil {
		return nil, err
	}

	observability.Event(s.logger.Info(), "guild_created").
		Str("guild_id", normalized.ID).
		Str("name", normalized.Name).
		Int("agents", len(normalized.Agents)).
		Msg("guild created")
	return &normalized, nil
}

// Get returns a persisted guild.
func (s *Service) Get(ctx context.Context, id string) (*guild.GuildSpec, error) {
	return s.store.Get(ctx, id)
}

// UpdateStatus validates status before touching storage. Any status may follow any
// other.
func (s *Service) UpdateStatus(ctx context.Context, id, status string) (*guild.GuildSpec, error) {
	parsed, err := guild.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateStatus(ctx, id, parsed, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}

	observability.Event(s.logger.Info(), "guild_status_changed").
		Str("guild_id", id).
		Str("status", string(parsed)).
		Msg("guild status changed")
	return updated, nil
}

// AddAgent validates agent against the guild it joins, assigns its id and persists it.
// It returns the normalized agent.
func (s *Service) AddAgent(ctx context.Context, guildID string, agent guild.AgentSpec) (*guild.AgentSpec, error) {
	if err := agent.Validate(); err != nil {
		return nil, &guild.ValidationError{Field: "agent", Reason: err.Error()}
	}
	current, err := s.store.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if agent.ID == "" {
		agent.ID = s.newID()
	}
	if _, exists := current.Agent(agent.ID); exists {
		return nil, &guild.ConflictError{Kind: "agent", ID: agent.ID}
	}

	candidate := current.Clone()
	candidate.Agents = append(candidate.Agents, agent)
	candidate = guild.Normalize(candidate, s.defaults)
	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	if err := s.Check(&candidate); err != nil {
		return nil, err
	}
	normalized := candidate.Agents[len(candidate.Agents)-1]

	if _, err := s.store.AddAgent(ctx, guildID, normalized, s.now().UnixMilli()); err != nil {
		return nil, err
	}
	observability.Event(s.logger.Info(), "agent_added").
		Str("guild_id", guildID).
		Str("agent_id", normalized.ID).
		Str("implementation", normalized.Implementation).
		Msg("agent added")
	return &normalized, nil
}

// GetAgent returns one agent of a persisted guild.
func (s *Service) GetAgent(ctx context.Context, guildID, agentID string) (*guild.AgentSpec, error) {
	spec, err := s.store.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}
	agent, ok := spec.Agent(agentID)
	if !ok {
		return nil, &guild.NotFoundError{Kind: "agent", ID: agentID}
	}
	out := agent.Clone()
	return &out, nil
}

// RemoveAgent drops an agent from a persisted guild.
func (s *Service) RemoveAgent(ctx context.Context, guildID, agentID string) error {
	if _, err := s.store.RemoveAgent(ctx, guildID, agentID, s.now().UnixMilli()); err != nil {
		return err
	}
	observability.Event(s.logger.Info(), "agent_removed").
		Str("guild_id", guildID).
		Str("agent_id", agentID).
		Msg("agent removed")
	return nil
}

// List returns every persisted guild.
func (s *Service) List(ctx context.Context) ([]*guild.GuildSpec, error) {
	return s.store.List(ctx)
}

// Delete removes a persisted guild.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	observability.Event(s.logger.Info(), "guild_deleted").Str("guild_id", id).Msg("guild deleted")
	return nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
