package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/message"
)

// SyncEngineName is the registry key of the synchronous engine.
const SyncEngineName = "sync"

const defaultStopTimeout = 10 * time.Second

// SyncConfig is the typed config of the sync engine.
type SyncConfig struct {
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ParseSyncConfig decodes raw strictly and applies defaults.
func ParseSyncConfig(raw map[string]any) (SyncConfig, error) {
	var cfg SyncConfig
	if err := config.DecodeStrict(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.StopTimeout < 0 {
		return cfg, fmt.Errorf("stop_timeout must be positive, got %s", cfg.StopTimeout)
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return cfg, nil
}

func syncFactory(raw map[string]any) (Constructor, error) {
	cfg, err := ParseSyncConfig(raw)
	if err != nil {
		return nil, err
	}
	return func(opts Options) (Engine, error) {
		return NewSync(cfg, opts), nil
	}, nil
}

// Sync runs each handler on the goroutine that dispatched it. A per-agent slot set keeps
// an agent's handler calls serial while deliveries for other agents, which arrive on
// their own goroutines, proceed independently.
type Sync struct {
	cfg  SyncConfig
	opts Options

	mu      sync.RWMutex
	agents  map[string]*syncAgent
	started bool
	stopped bool
	quit    chan struct{}

	inFlight sync.WaitGroup
	flightMu sync.Mutex
	flights  map[*flight]struct{}

	stopOnce sync.Once
	report   StopReport
}

type syncAgent struct {
	tag     message.AgentTag
	handler Handler
	slots   chan struct{}
}

type flight struct {
	agentID    string
	envelopeID message.ID
}

// NewSync creates a sync engine.
func NewSync(cfg SyncConfig, opts Options) *Sync {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Sync{
		cfg:     cfg,
		opts:    opts,
		agents:  make(map[string]*syncAgent),
		quit:    make(chan struct{}),
		flights: make(map[*flight]struct{}),
	}
}

func (e *Sync) Name() string { return SyncEngineName }

func (e *Sync) Register(agent message.AgentTag, handler Handler, opts AgentOptions) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("agent %s: handler cannot be nil", agent.ID)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if _, exists := e.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s is already registered", agent.ID)
	}
	e.agents[agent.ID] = &syncAgent{tag: agent, handler: handler, slots: make(chan struct{}, concurrency)}
	return nil
}

func (e *Sync) Unregister(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	delete(e.agents, agentID)
	return nil
}

func (e *Sync) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	e.started = true
	return nil
}

// Dispatch runs the agent's handler before returning.
func (e *Sync) Dispatch(ctx context.Context, agentID string, env *message.Envelope) error {
	e.mu.RLock()
	switch {
	case e.stopped:
		e.mu.RUnlock()
		return ErrEngineStopped
	case !e.started:
		e.mu.RUnlock()
		return ErrEngineNotStarted
	}
	agent, ok := e.agents[agentID]
	if !ok {
		e.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	e.inFlight.Add(1)
	e.mu.RUnlock()
	defer e.inFlight.Done()

	select {
	case agent.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrEngineStopped
	}
	defer func() { <-agent.slots }()

	f := &flight{agentID: agentID, envelopeID: env.ID}
	e.flightMu.Lock()
	e.flights[f] = struct{}{}
	e.flightMu.Unlock()
	defer func() {
		e.flightMu.Lock()
		delete(e.flights, f)
		e.flightMu.Unlock()
	}()

	invoke(ctx, SyncEngineName, e.opts, agentID, agent.handler, env)
	return nil
}

// Stop rejects new dispatches and waits for running handlers.
func (e *Sync) Stop(ctx context.Context) (StopReport, error) {
	e.stopOnce.Do(func() {
		close(e.quit)
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

		stopCtx, cancel := context.WithTimeout(ctx, e.cfg.StopTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			e.inFlight.Wait()
			close(done)
		}()

		report := StopReport{Engine: SyncEngineName}
		select {
		case <-done:
		case <-stopCtx.Done():
			e.flightMu.Lock()
			for f := range e.flights {
				report.Stragglers = append(report.Stragglers, Straggler{AgentID: f.agentID, EnvelopeID: f.envelopeID, State: StragglerInFlight})
			}
			e.flightMu.Unlock()
			sortStragglers(report.Stragglers)
		}
		e.report = report

		observability.Event(e.opts.Logger.Info(), "engine_stopped").
			Str("guild_id", e.opts.GuildID).
			Str("engine", SyncEngineName).
			Int("stragglers", len(report.Stragglers)).
			Msg("execution engine stopped")
	})
	return e.report, nil
}

func sortStragglers(s []Straggler) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].EnvelopeID != s[j].EnvelopeID {
			return s[i].EnvelopeID < s[j].EnvelopeID
		}
		return s[i].AgentID < s[j].AgentID
	})
}
