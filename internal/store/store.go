// Package store persists guild specs and their status.
//
// Both implementations give read-after-write consistency for a single guild: a Get that
// starts after UpdateStatus returns observes the new status.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/pkg/guild"
)

// Store is the persistence port of the guild service. Specs passed in and returned are
// copies; callers may mutate them freely.
type Store interface {
	// Create persists a new guild. An existing id yields a *guild.ConflictError and leaves
	// the stored guild untouched.
	Create(ctx context.Context, spec *guild.GuildSpec) error

	// Get returns the guild or a *guild.NotFoundError.
	Get(ctx context.Context, id string) (*guild.GuildSpec, error)

	// UpdateStatus sets the status and update time and returns the updated guild.
	UpdateStatus(ctx context.Context, id string, status guild.Status, atMs int64) (*guild.GuildSpec, error)

	// AddAgent appends an agent to a guild. An agent id already in the guild yields a
	// *guild.ConflictError.
	AddAgent(ctx context.Context, id string, agent guild.AgentSpec, atMs int64) (*guild.GuildSpec, error)

	// RemoveAgent drops an agent from a guild or returns a *guild.NotFoundError for an
	// unknown guild or agent.
	RemoveAgent(ctx context.Context, id, agentID string, atMs int64) (*guild.GuildSpec, error)

	// List returns every guild ordered by creation time, then id.
	List(ctx context.Context) ([]*guild.GuildSpec, error)

	// Delete removes the guild or returns a *guild.NotFoundError.
	Delete(ctx context.Context, id string) error

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Open creates the store selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.StoreMemory:
		return NewMemory(), nil
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		s := NewRedis(redis.NewClient(opts), "")
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

func addAgent(spec *guild.GuildSpec, agent guild.AgentSpec) error {
	if _, exists := spec.Agent(agent.ID); exists {
		return &guild.ConflictError{Kind: "agent", ID: agent.ID}
	}
	spec.Agents = append(spec.Agents, agent.Clone())
	return nil
}

func removeAgent(spec *guild.GuildSpec, agentID string) error {
	for i := range spec.Agents {
		if spec.Agents[i].ID == agentID {
			spec.Agents = append(spec.Agents[:i], spec.Agents[i+1:]...)
			return nil
		}
	}
	return &guild.NotFoundError{Kind: "agent", ID: agentID}
}

func sortSpecs(specs []*guild.GuildSpec) {
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].CreatedAtMs != specs[j].CreatedAtMs {
			return specs[i].CreatedAtMs < specs[j].CreatedAtMs
		}
		return specs[i].ID < specs[j].ID
	})
}
