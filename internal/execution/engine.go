// Package execution decides how agent handlers run.
//
// An Engine never decides the relative order of deliveries: it receives envelopes from
// the messaging backend through Dispatch and hands them to each agent's handler one at a
// time, in dispatch order, unless the agent was registered with a higher Concurrency.
// Handler errors and panics are caught and reported; they never stop the engine.
package execution

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

var (
	// ErrEngineNotStarted is returned by Dispatch before Start.
	ErrEngineNotStarted = errors.New("execution engine is not started")

	// ErrEngineStopped is returned by Dispatch once Stop has begun.
	ErrEngineStopped = errors.New("execution engine is stopped")

	// ErrUnknownAgent is returned for an agent that is not registered.
	ErrUnknownAgent = errors.New("agent is not registered")
)

// Handler runs an agent's reaction to one envelope.
type Handler func(ctx context.Context, env *message.Envelope) error

// AgentOptions tunes how one agent is scheduled.
type AgentOptions struct {
	// Concurrency is the number of envelopes the agent may handle at once. Zero means the
	// engine default; one means strictly serial.
	Concurrency int
}

// Engine is the capability every execution plugin provides.
type Engine interface {
	// Name returns the registry key of the engine.
	Name() string

	// Register adds an agent. Agents may be registered before or after Start.
	Register(agent message.AgentTag, handler Handler, opts AgentOptions) error

	// Unregister removes an agent. Handlers already running finish; later dispatches to
	// the agent fail with ErrUnknownAgent.
	Unregister(agentID string) error

	// Dispatch hands env to the agent. It returns once the engine has accepted the
	// envelope; handler failures are reported, not returned.
	Dispatch(ctx context.Context, agentID string, env *message.Envelope) error

	// Start begins accepting dispatches.
	Start(ctx context.Context) error

	// Stop waits for in-flight handlers until ctx or the configured stop timeout ends and
	// reports what did not finish. It is idempotent.
	Stop(ctx context.Context) (StopReport, error)
}

// Options carries what every engine needs from the guild that owns it.
type Options struct {
	GuildID        string
	Logger         zerolog.Logger
	Metrics        *observability.Metrics
	OnHandlerError func(*guild.HandlerExecutionError)
}

// Straggler states.
const (
	StragglerInFlight = "in_flight" // handler still running at the deadline
	StragglerQueued   = "queued"    // accepted but never started
)

// Straggler is an envelope an agent did not finish handling before Stop returned.
type Straggler struct {
	AgentID    string     `json:"agent_id"`
	EnvelopeID message.ID `json:"envelope_id"`
	State      string     `json:"state"`
}

// StopReport lists the stragglers of a stop.
type StopReport struct {
	Engine     string      `json:"engine"`
	Stragglers []Straggler `json:"stragglers"`
}

// Clean reports whether every accepted envelope was handled.
func (r StopReport) Clean() bool {
	return len(r.Stragglers) == 0
}
