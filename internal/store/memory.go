package store

import (
	"context"
	"sync"

	"github.com/dyluth/guild/pkg/guild"
)

// Memory keeps guilds in process memory.
type Memory struct {
	mu     sync.RWMutex
	guilds map[string]guild.GuildSpec
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{guilds: make(map[string]guild.GuildSpec)}
}

func (m *Memory) Create(_ context.Context, spec *guild.GuildSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.guilds[spec.ID]; exists {
		return &guild.ConflictError{ID: spec.ID}
	}
	m.guilds[spec.ID] = spec.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*guild.GuildSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.guilds[id]
	if !ok {
		return nil, &guild.NotFoundError{ID: id}
	}
	out := spec.Clone()
	return &out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status guild.Status, atMs int64) (*guild.GuildSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.guilds[id]
	if !ok {
		return nil, &guild.NotFoundError{ID: id}
	}
	spec.Status = status
	spec.UpdatedAtMs = atMs
	m.guilds[id] = spec
	out := spec.Clone()
	return &out, nil
}

func (m *Memory) AddAgent(_ context.Context, id string, agent guild.AgentSpec, atMs int64) (*guild.GuildSpec, error) {
	return m.mutate(id, atMs, func(spec *guild.GuildSpec) error { return addAgent(spec, agent) })
}

func (m *Memory) RemoveAgent(_ context.Context, id, agentID string, atMs int64) (*guild.GuildSpec, error) {
	return m.mutate(id, atMs, func(spec *guild.GuildSpec) error { return removeAgent(spec, agentID) })
}

func (m *Memory) mutate(id string, atMs int64, fn func(*guild.GuildSpec) error) (*guild.GuildSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.guilds[id]
	if !ok {
		return nil, &guild.NotFoundError{ID: id}
	}
	spec := stored.Clone()
	if err := fn(&spec); err != nil {
		return nil, err
	}
	spec.UpdatedAtMs = atMs
	m.guilds[id] = spec
	out := spec.Clone()
	return &out, nil
}

func (m *Memory) List(context.Context) ([]*guild.GuildSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	specs := make([]*guild.GuildSpec, 0, len(m.guilds))
	for _, spec := range m.guilds {
		c := spec.Clone()
		specs = append(specs, &c)
	}
	sortSpecs(specs)
	return specs, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guilds[id]; !ok {
		return &guild.NotFoundError{ID: id}
	}
	delete(m.guilds, id)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
