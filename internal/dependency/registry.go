package dependency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/guild"
)

// ErrRegistryClosed is returned by Resolve after Close.
var ErrRegistryClosed = errors.New("dependency registry is closed")

// Registry resolves and memoizes the dependencies of one guild. It is safe for
// concurrent use; concurrent first resolutions of the same key share one call.
type Registry struct {
	guildID   string
	resolvers *Resolvers
	logger    zerolog.Logger

	group singleflight.Group

	mu        sync.Mutex
	instances map[string]any
	order     []string
	closed    bool
}

// NewRegistry creates the registry of one guild.
func NewRegistry(guildID string, resolvers *Resolvers, logger zerolog.Logger) *Registry {
	return &Registry{
		guildID:   guildID,
		resolvers: resolvers,
		logger:    logger,
		instances: make(map[string]any),
	}
}

// ScopeKey returns the memoization scope of a dependency for an agent.
func ScopeKey(guildID, agentID string, scope guild.Scope) string {
	if scope.OrDefault() == guild.ScopeAgent {
		return guildID + "/" + agentID
	}
	return guildID
}

// Resolve returns the instance of capability for agentID, building it on first use.
// Every failure is a *guild.CapabilityResolutionError.
func (r *Registry) Resolve(ctx context.Context, capability, agentID string, spec guild.DependencySpec) (any, error) {
	fail := func(err error) (any, error) {
		return nil, &guild.CapabilityResolutionError{GuildID: r.guildID, AgentID: agentID, Capability: capability, Err: err}
	}

	req := Request{
		GuildID:    r.guildID,
		AgentID:    agentID,
		Capability: capability,
		Scope:      spec.Scope.OrDefault(),
		ScopeKey:   ScopeKey(r.guildID, agentID, spec.Scope),
	}
	key, err := memoKey(req, spec)
	if err != nil {
		return fail(err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fail(ErrRegistryClosed)
	}
	if instance, ok := r.instances[key]; ok {
		r.mu.Unlock()
		return instance, nil
	}
	r.mu.Unlock()

	instance, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if instance, ok := r.instances[key]; ok {
			r.mu.Unlock()
			return instance, nil
		}
		r.mu.Unlock()

		resolver, err := r.resolvers.build("dependency_map."+capability, spec)
		if err != nil {
			return nil, err
		}
		instance, err := resolver.Resolve(ctx, req)
		if err != nil {
			return nil, err
		}
		if instance == nil {
			return nil, fmt.Errorf("resolver %q returned no instance", spec.Resolver)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			closeInstance(instance)
			return nil, ErrRegistryClosed
		}
		r.instances[key] = instance
		r.order = append(r.order, key)

		observability.Event(r.logger.Debug(), "dependency_resolved").
			Str("guild_id", r.guildID).
			Str("agent_id", agentID).
			Str("capability", capability).
			Str("resolver", spec.Resolver).
			Str("scope_key", req.ScopeKey).
			Msg("dependency resolved")
		return instance, nil
	})
	if err != nil {
		return fail(err)
	}
	return instance, nil
}

// Len returns how many instances the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Close closes every instance implementing io.Closer, newest first. Later Resolve calls
// fail. Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	order := r.order
	instances := r.instances
	r.instances = map[string]any{}
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := closeInstance(instances[order[i]]); err != nil {
			errs = append(errs, fmt.Errorf("failed to close dependency %s: %w", displayKey(order[i]), err))
		}
	}
	return errors.Join(errs...)
}

// Release closes the agent-scoped instances of one agent, newest first. Guild-scoped
// instances stay with the guild.
func (r *Registry) Release(agentID string) error {
	scope := ScopeKey(r.guildID, agentID, guild.ScopeAgent)

	r.mu.Lock()
	var released []string
	kept := r.order[:0]
	for _, key := range r.order {
		if parts := strings.SplitN(key, "\x00", 4); len(parts) >= 3 && parts[2] == scope {
			released = append(released, key)
			continue
		}
		kept = append(kept, key)
	}
	r.order = kept
	instances := make(map[string]any, len(released))
	for _, key := range released {
		instances[key] = r.instances[key]
		delete(r.instances, key)
	}
	r.mu.Unlock()

	var errs []error
	for i := len(released) - 1; i >= 0; i-- {
		if err := closeInstance(instances[released[i]]); err != nil {
			errs = append(errs, fmt.Errorf("failed to close dependency %s: %w", displayKey(released[i]), err))
		}
	}
	return errors.Join(errs...)
}

func closeInstance(instance any) error {
	if c, ok := instance.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// memoKey identifies an instance. Two declarations of the same capability share an
// instance only when they select the same resolver with the same properties.
func memoKey(req Request, spec guild.DependencySpec) (string, error) {
	props, err := canonicalProps(spec.Properties)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{req.Capability, spec.Resolver, req.ScopeKey, props}, "\x00"), nil
}

func canonicalProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([][2]any, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]any{k, props[k]})
	}
	data, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("properties are not serializable: %w", err)
	}
	return string(data), nil
}

func displayKey(key string) string {
	parts := strings.SplitN(key, "\x00", 4)
	if len(parts) < 3 {
		return key
	}
	return fmt.Sprintf("%s (%s, %s)", parts[0], parts[1], parts[2])
}
