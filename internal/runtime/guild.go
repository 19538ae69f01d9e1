// Package runtime builds and runs guilds.
//
// A Service validates, normalizes and persists guild specs. A Guild is one running
// guild: a messaging backend, an execution engine and a dependency registry shared by
// its agents. The Manager keeps the set of running guilds in step with the status
// persisted by the Service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/guild/internal/dependency"
	"github.com/dyluth/guild/internal/execution"
	"github.com/dyluth/guild/internal/messaging"
	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// ErrGuildStopped is returned by Publish once the guild has begun shutting down.
var ErrGuildStopped = errors.New("guild is shut down")

// Plugins are the registries a guild's selectors are resolved against.
type Plugins struct {
	Messaging *messaging.Registry
	Execution *execution.Registry
	Resolvers *dependency.Resolvers
	Agents    *AgentRegistry
}

// DefaultPlugins returns the built-in backends, engines and resolvers together with
// agents.
func DefaultPlugins(agents *AgentRegistry) Plugins {
	return Plugins{
		Messaging: messaging.DefaultRegistry(),
		Execution: execution.DefaultRegistry(),
		Resolvers: dependency.DefaultResolvers(),
		Agents:    agents,
	}
}

// Options carries what a guild needs beyond its spec.
type Options struct {
	Plugins   Plugins
	Generator *message.Generator
	Logger    zerolog.Logger
	Metrics   *observability.Metrics

	// Optional observers, called in addition to logging.
	OnHandlerError func(guildID string, err *guild.HandlerExecutionError)
	OnDeadLetter   func(guildID string, err *guild.DeliveryError)
}

// Agent states.
const (
	AgentRunning = "running"
	AgentFailed  = "failed"
)

// AgentState is the runtime view of one agent.
type AgentState struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Implementation string   `json:"implementation"`
	State          string   `json:"state"`
	Topics         []string `json:"topics"`
	Error          string   `json:"error,omitempty"`
}

// ShutdownReport combines what the backend and the engine could not finish.
type ShutdownReport struct {
	GuildID   string                   `json:"guild_id"`
	Messaging messaging.ShutdownReport `json:"messaging"`
	Execution execution.StopReport     `json:"execution"`
}

// Clean reports whether every accepted envelope was delivered and handled.
func (r ShutdownReport) Clean() bool {
	return r.Messaging.Clean() && r.Execution.Clean()
}

// Guild is a running guild.
type Guild struct {
	spec    guild.GuildSpec
	opts    Options
	logger  zerolog.Logger
	backend messaging.Backend
	engine  execution.Engine
	deps    *dependency.Registry
	threads *threadIndex
	routes  *router

	mu     sync.RWMutex
	agents map[string]*agentRuntime
	closed bool

	stopOnce sync.Once
	report   ShutdownReport
	stopErr  error
}

// ReportErrorsProperty is the agent property that makes the runtime reply with an
// ErrorFormat envelope whenever the agent's handler returns an error. It is consumed by
// the runtime and never reaches the agent factory.
const ReportErrorsProperty = "report_errors"

type agentRuntime struct {
	spec         guild.AgentSpec
	agent        Agent
	reportErrors bool
	deps         map[string]any
	topics       []string
	subs         []messaging.Subscription
	state        string
	err          error
}

// Launch builds and starts a guild from a normalized spec. Construction failures of the
// backend or engine fail the launch; a failing agent is marked failed and the rest of
// the guild runs.
func Launch(ctx context.Context, spec guild.GuildSpec, opts Options) (*Guild, error) {
	if spec.Messaging == nil || spec.ExecutionEngine == nil {
		return nil, fmt.Errorf("guild %s is not normalized", spec.ID)
	}
	if opts.Generator == nil {
		opts.Generator = message.NewGenerator(0)
	}

	g := &Guild{
		spec:    spec.Clone(),
		opts:    opts,
		logger:  opts.Logger.With().Str("guild_id", spec.ID).Logger(),
		threads: newThreadIndex(0),
		routes:  newRouter(spec.Routes, 0),
		agents:  make(map[string]*agentRuntime),
	}

	backend, err := opts.Plugins.Messaging.New(*spec.Messaging, messaging.Options{
		GuildID:      spec.ID,
		Logger:       g.logger,
		Metrics:      opts.Metrics,
		OnDeadLetter: g.onDeadLetter,
	})
	if err != nil {
		return nil, err
	}
	g.backend = backend
	if p, ok := backend.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			backend.Shutdown(ctx)
			return nil, fmt.Errorf("%s messaging backend is unreachable: %w", backend.Name(), err)
		}
	}

	engine, err := opts.Plugins.Execution.New(*spec.ExecutionEngine, execution.Options{
		GuildID:        spec.ID,
		Logger:         g.logger,
		Metrics:        opts.Metrics,
		OnHandlerError: g.onHandlerError,
	})
	if err != nil {
		backend.Shutdown(ctx)
		return nil, err
	}
	g.engine = engine

	if err := engine.Start(ctx); err != nil {
		backend.Shutdown(ctx)
		engine.Stop(ctx)
		return nil, fmt.Errorf("failed to start execution engine: %w", err)
	}

	g.deps = dependency.NewRegistry(spec.ID, opts.Plugins.Resolvers, g.logger)

	for i := range g.spec.Agents {
		a := g.spec.Agents[i]
		g.agents[a.ID] = &agentRuntime{spec: a, topics: a.SubscribedTopics(), state: AgentFailed}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ar := range g.agents {
		ar := ar
		group.Go(func() error {
			if err := g.startAgent(groupCtx, ar); err != nil {
				g.failAgent(ar, err)
			}
			return groupCtx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		g.Shutdown(context.Background())
		return nil, fmt.Errorf("guild %s launch interrupted: %w", spec.ID, err)
	}

	observability.Event(g.logger.Info(), "guild_started").
		Str("messaging", backend.Name()).
		Str("engine", engine.Name()).
		Int("agents", len(g.agents)).
		Int("failed_agents", len(g.failedAgents())).
		Msg("guild started")
	return g, nil
}

func (g *Guild) startAgent(ctx context.Context, ar *agentRuntime) error {
	spec := ar.spec.Clone()
	if v, ok := spec.Properties[ReportErrorsProperty]; ok {
		report, isBool := v.(bool)
		if !isBool {
			return fmt.Errorf("property %s must be a boolean", ReportErrorsProperty)
		}
		ar.reportErrors = report
		delete(spec.Properties, ReportErrorsProperty)
	}
	agent, err := g.opts.Plugins.Agents.New(spec)
	if err != nil {
		return err
	}
	ar.agent = agent

	effective := g.spec.EffectiveDependencies(&ar.spec)
	ar.deps = make(map[string]any, len(effective))
	names := make([]string, 0, len(effective))
	for name := range effective {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		instance, err := g.deps.Resolve(ctx, name, ar.spec.ID, effective[name])
		if err != nil {
			return err
		}
		ar.deps[name] = instance
	}

	if s, ok := agent.(Starter); ok {
		if err := s.Start(g.newContext(ctx, ar)); err != nil {
			return fmt.Errorf("agent start failed: %w", err)
		}
	}

	var agentOpts execution.AgentOptions
	if c, ok := agent.(Concurrent); ok {
		agentOpts.Concurrency = c.Concurrency()
	}
	if err := g.engine.Register(ar.spec.Tag(), g.handlerFor(ar), agentOpts); err != nil {
		return fmt.Errorf("failed to register with engine: %w", err)
	}

	for _, topic := range ar.topics {
		sub, err := g.backend.Subscribe(ctx, topic, ar.spec.Tag(), g.deliveryFor(ar))
		if err != nil {
			for _, s := range ar.subs {
				s.Close()
			}
			ar.subs = nil
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		ar.subs = append(ar.subs, sub)
	}

	g.mu.Lock()
	ar.state = AgentRunning
	g.mu.Unlock()

	observability.Event(g.logger.Debug(), "agent_started").
		Str("agent_id", ar.spec.ID).
		Str("implementation", ar.spec.Implementation).
		Strs("topics", ar.topics).
		Msg("agent started")
	return nil
}

func (g *Guild) failAgent(ar *agentRuntime, err error) {
	g.mu.Lock()
	ar.state = AgentFailed
	ar.err = err
	g.mu.Unlock()

	observability.Event(g.logger.Error(), "agent_failed").
		Str("agent_id", ar.spec.ID).
		Str("implementation", ar.spec.Implementation).
		Err(err).
		Msg("agent failed to initialize")
}

// deliveryFor is the backend handler of one agent. Envelopes the agent published
// itself on a shared topic are skipped; the engine decides when the handler runs.
func (g *Guild) deliveryFor(ar *agentRuntime) messaging.Handler {
	return func(ctx context.Context, env *message.Envelope) error {
		g.threads.record(env)
		if env.Sender.ID == ar.spec.ID && !env.IsDirect() {
			return nil
		}
		return g.engine.Dispatch(ctx, ar.spec.ID, env)
	}
}

func (g *Guild) handlerFor(ar *agentRuntime) execution.Handler {
	return func(ctx context.Context, env *message.Envelope) error {
		c := g.newContext(ctx, ar)
		c.origin = env
		err := ar.agent.HandleMessage(c, env)
		if err != nil && ar.reportErrors {
			if _, rerr := c.Reply(env, message.FormatError, message.ErrorFormat{AgentID: ar.spec.ID, Error: err.Error()}); rerr != nil {
				c.logger.Warn().Err(rerr).Msg("failed to publish error reply")
			}
		}
		return err
	}
}

func (g *Guild) newContext(ctx context.Context, ar *agentRuntime) *Context {
	return &Context{
		ctx:    ctx,
		guild:  g,
		agent:  ar,
		logger: g.logger.With().Str("agent_id", ar.spec.ID).Logger(),
	}
}

func (g *Guild) onHandlerError(err *guild.HandlerExecutionError) {
	if g.opts.OnHandlerError != nil {
		g.opts.OnHandlerError(g.spec.ID, err)
	}
}

func (g *Guild) onDeadLetter(err *guild.DeliveryError) {
	if g.opts.OnDeadLetter != nil {
		g.opts.OnDeadLetter(g.spec.ID, err)
	}
}

func (g *Guild) nextID(p message.Priority) message.ID {
	return g.opts.Generator.Next(p)
}

// ID returns the guild id.
func (g *Guild) ID() string { return g.spec.ID }

// Spec returns a copy of the spec the guild runs.
func (g *Guild) Spec() guild.GuildSpec {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.spec.Clone()
}

// AddAgent starts a normalized agent in the running guild. An agent that fails to
// initialize is kept in the failed state, as it would be at launch.
func (g *Guild) AddAgent(ctx context.Context, spec guild.AgentSpec) (AgentState, error) {
	ar := &agentRuntime{spec: spec.Clone(), topics: spec.SubscribedTopics(), state: AgentFailed}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return AgentState{}, ErrGuildStopped
	}
	if _, exists := g.agents[spec.ID]; exists {
		g.mu.Unlock()
		return AgentState{}, &guild.ConflictError{Kind: "agent", ID: spec.ID}
	}
	g.agents[spec.ID] = ar
	g.spec.Agents = append(g.spec.Agents, ar.spec.Clone())
	g.mu.Unlock()

	if err := g.startAgent(ctx, ar); err != nil {
		g.failAgent(ar, err)
	}
	return g.agentState(spec.ID)
}

// RemoveAgent stops one agent: its subscriptions close, accepted envelopes finish and
// its agent-scoped dependencies are released.
func (g *Guild) RemoveAgent(ctx context.Context, agentID string) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGuildStopped
	}
	ar, ok := g.agents[agentID]
	if !ok {
		g.mu.Unlock()
		return &guild.NotFoundError{Kind: "agent", ID: agentID}
	}
	delete(g.agents, agentID)
	for i := range g.spec.Agents {
		if g.spec.Agents[i].ID == agentID {
			g.spec.Agents = append(g.spec.Agents[:i], g.spec.Agents[i+1:]...)
			break
		}
	}
	running := ar.state == AgentRunning
	g.mu.Unlock()

	var errs []error
	for _, sub := range ar.subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if running {
		if err := g.engine.Unregister(agentID); err != nil {
			errs = append(errs, err)
		}
		if s, ok := ar.agent.(Stopper); ok {
			if err := s.Stop(g.newContext(ctx, ar)); err != nil {
				errs = append(errs, fmt.Errorf("agent %s stop: %w", agentID, err))
			}
		}
	}
	if err := g.deps.Release(agentID); err != nil {
		errs = append(errs, err)
	}

	observability.Event(g.logger.Info(), "agent_removed").
		Str("agent_id", agentID).
		Bool("was_running", running).
		Msg("agent removed")
	return errors.Join(errs...)
}

// NewEnvelope builds a root envelope stamped by the guild's generator.
func (g *Guild) NewEnvelope(sender message.AgentTag, priority message.Priority, format string, payload []byte, topics ...string) *message.Envelope {
	return message.New(g.nextID(priority), sender, format, payload, topics...)
}

// Publish validates env and hands it to the backend.
func (g *Guild) Publish(ctx context.Context, env *message.Envelope) error {
	if err := env.Validate(); err != nil {
		return &guild.ValidationError{Field: "envelope", Reason: err.Error()}
	}
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return ErrGuildStopped
	}
	if err := g.backend.Publish(ctx, env); err != nil {
		return err
	}
	g.threads.record(env)
	return nil
}

// ThreadOf returns the thread of a recently published envelope.
func (g *Guild) ThreadOf(id message.ID) (message.ID, bool) {
	return g.threads.lookup(id)
}

// Observe subscribes a non-agent observer, such as a CLI watch or a test, to a topic.
func (g *Guild) Observe(ctx context.Context, topic string, observer message.AgentTag, handler messaging.Handler) (messaging.Subscription, error) {
	return g.backend.Subscribe(ctx, topic, observer, handler)
}

// Agents returns the state of every agent in spec order.
func (g *Guild) Agents() []AgentState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	states := make([]AgentState, 0, len(g.spec.Agents))
	for _, a := range g.spec.Agents {
		states = append(states, g.agents[a.ID].snapshot())
	}
	return states
}

func (g *Guild) agentState(id string) (AgentState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ar, ok := g.agents[id]
	if !ok {
		return AgentState{}, &guild.NotFoundError{Kind: "agent", ID: id}
	}
	return ar.snapshot(), nil
}

// snapshot must be called with the guild lock held.
func (ar *agentRuntime) snapshot() AgentState {
	s := AgentState{
		ID:             ar.spec.ID,
		Name:           ar.spec.Name,
		Implementation: ar.spec.Implementation,
		State:          ar.state,
		Topics:         append([]string{}, ar.topics...),
	}
	if ar.err != nil {
		s.Error = ar.err.Error()
	}
	return s
}

func (g *Guild) failedAgents() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var failed []string
	for id, ar := range g.agents {
		if ar.state == AgentFailed {
			failed = append(failed, id)
		}
	}
	return failed
}

// Shutdown stops the guild. Pending deliveries drain through the still running engine
// until ctx ends, then the engine stops, agents are stopped and dependencies closed.
// It is idempotent.
func (g *Guild) Shutdown(ctx context.Context) (ShutdownReport, error) {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()

		var errs []error
		report := ShutdownReport{GuildID: g.spec.ID}

		mr, err := g.backend.Shutdown(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("messaging shutdown: %w", err))
		}
		report.Messaging = mr

		er, err := g.engine.Stop(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("engine stop: %w", err))
		}
		report.Execution = er

		g.mu.RLock()
		running := make([]*agentRuntime, 0, len(g.agents))
		for _, ar := range g.agents {
			if ar.state == AgentRunning {
				running = append(running, ar)
			}
		}
		g.mu.RUnlock()
		for _, ar := range running {
			if s, ok := ar.agent.(Stopper); ok {
				if err := s.Stop(g.newContext(ctx, ar)); err != nil {
					errs = append(errs, fmt.Errorf("agent %s stop: %w", ar.spec.ID, err))
				}
			}
		}

		if err := g.deps.Close(); err != nil {
			errs = append(errs, err)
		}

		g.report = report
		g.stopErr = errors.Join(errs...)

		observability.Event(g.logger.Info(), "guild_stopped").
			Bool("clean", report.Clean()).
			Int("undelivered", len(report.Messaging.Undelivered)).
			Int("dead_letters", len(report.Messaging.DeadLetters)).
			Int("stragglers", len(report.Execution.Stragglers)).
			Msg("guild stopped")
	})
	return g.report, g.stopErr
}
