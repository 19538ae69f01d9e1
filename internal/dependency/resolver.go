// Package dependency resolves the named capabilities agents declare in their dependency
// maps.
//
// A Resolver turns a DependencySpec into a live instance. Each running guild owns one
// Registry, which memoizes instances by capability and scope key: guild-scoped
// dependencies are shared by every agent of the guild, agent-scoped ones are built per
// agent. Instances are never shared across guilds.
package dependency

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/guild/internal/plugin"
	"github.com/dyluth/guild/pkg/guild"
)

// Request identifies what is being resolved and for whom.
type Request struct {
	GuildID    string
	AgentID    string
	Capability string
	Scope      guild.Scope
	// ScopeKey is the guild id for guild scope and "guild/agent" for agent scope. Resolvers
	// use it to namespace whatever they create.
	ScopeKey string
}

// Resolver builds dependency instances.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (any, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, req Request) (any, error)

func (f ResolverFunc) Resolve(ctx context.Context, req Request) (any, error) { return f(ctx, req) }

// Factory builds a resolver from the properties of a DependencySpec.
type Factory func(props map[string]any) (Resolver, error)

// Resolvers holds the resolver factories selectable by DependencySpec.Resolver.
type Resolvers struct {
	*plugin.Registry[Factory]
}

// NewResolvers creates an empty set of resolvers.
func NewResolvers() *Resolvers {
	return &Resolvers{Registry: plugin.NewRegistry[Factory]("dependency_map.resolver")}
}

// DefaultResolvers returns the built-in resolvers.
func DefaultResolvers() *Resolvers {
	r := NewResolvers()
	r.MustRegister(FilesystemResolverName, filesystemFactory)
	r.MustRegister(MemoryKVResolverName, memoryKVFactory)
	r.MustRegister(RedisKVResolverName, redisKVFactory)
	return r
}

// Validate checks that the resolver named by spec exists and accepts its properties.
// field is the spec path reported in the ValidationError.
func (r *Resolvers) Validate(field string, spec guild.DependencySpec) error {
	_, err := r.build(field, spec)
	return err
}

func (r *Resolvers) build(field string, spec guild.DependencySpec) (Resolver, error) {
	factory, err := r.Lookup(spec.Resolver)
	if err != nil {
		var verr *guild.ValidationError
		if errors.As(err, &verr) {
			return nil, &guild.ValidationError{Field: field + ".resolver", Reason: verr.Reason}
		}
		return nil, err
	}
	resolver, err := factory(spec.Properties)
	if err != nil {
		return nil, &guild.ValidationError{Field: field + ".properties", Reason: err.Error()}
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver %q returned nil", spec.Resolver)
	}
	return resolver, nil
}
