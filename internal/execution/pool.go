package execution

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/message"
)

// PoolEngineName is the registry key of the worker pool engine.
const PoolEngineName = "pool"

const defaultMailboxSize = 256

// PoolConfig is the typed config of the pool engine.
type PoolConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency"`   // handlers running at once across the guild
	AgentConcurrency int           `yaml:"agent_concurrency"` // default per-agent workers
	MailboxSize      int           `yaml:"mailbox_size"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
}

// ParsePoolConfig decodes raw strictly and applies defaults.
func ParsePoolConfig(raw map[string]any) (PoolConfig, error) {
	var cfg PoolConfig
	if err := config.DecodeStrict(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.MaxConcurrency < 0 || cfg.AgentConcurrency < 0 || cfg.MailboxSize < 0 {
		return cfg, fmt.Errorf("max_concurrency, agent_concurrency and mailbox_size must be >= 1")
	}
	if cfg.StopTimeout < 0 {
		return cfg, fmt.Errorf("stop_timeout must be positive, got %s", cfg.StopTimeout)
	}
	return cfg.withDefaults(), nil
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = runtime.GOMAXPROCS(0) * 4
	}
	if c.AgentConcurrency == 0 {
		c.AgentConcurrency = 1
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = defaultMailboxSize
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = defaultStopTimeout
	}
	return c
}

func poolFactory(raw map[string]any) (Constructor, error) {
	cfg, err := ParsePoolConfig(raw)
	if err != nil {
		return nil, err
	}
	return func(opts Options) (Engine, error) {
		return NewPool(cfg, opts), nil
	}, nil
}

// Pool gives each agent a FIFO mailbox drained by its own workers. A weighted semaphore
// bounds how many handlers run at once across the guild, so a slow agent holds at most
// its own workers' share.
type Pool struct {
	cfg  PoolConfig
	opts Options
	sem  *semaphore.Weighted

	runCtx    context.Context // handed to handlers, cancelled when a stop deadline passes
	cancelRun context.CancelFunc
	quit      chan struct{}

	mu      sync.RWMutex
	agents  map[string]*poolAgent
	started bool
	stopped bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	report   StopReport
}

type poolAgent struct {
	tag     message.AgentTag
	handler Handler
	workers int
	mailbox chan *message.Envelope
	removed chan struct{}

	mu        sync.Mutex
	inFlight  map[message.ID]int
	abandoned []message.ID
}

// NewPool creates a pool engine.
func NewPool(cfg PoolConfig, opts Options) *Pool {
	cfg = cfg.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		runCtx:    runCtx,
		cancelRun: cancel,
		quit:      make(chan struct{}),
		agents:    make(map[string]*poolAgent),
	}
}

func (p *Pool) Name() string { return PoolEngineName }

func (p *Pool) Register(agent message.AgentTag, handler Handler, opts AgentOptions) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("agent %s: handler cannot be nil", agent.ID)
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = p.cfg.AgentConcurrency
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrEngineStopped
	}
	if _, exists := p.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s is already registered", agent.ID)
	}
	a := &poolAgent{
		tag:      agent,
		handler:  handler,
		workers:  workers,
		mailbox:  make(chan *message.Envelope, p.cfg.MailboxSize),
		removed:  make(chan struct{}),
		inFlight: make(map[message.ID]int),
	}
	p.agents[agent.ID] = a
	if p.started {
		p.startWorkers(a)
	}
	return nil
}

// Unregister stops the agent's workers once its mailbox is drained.
func (p *Pool) Unregister(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	delete(p.agents, agentID)
	close(a.removed)
	return nil
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrEngineStopped
	}
	if p.started {
		return nil
	}
	p.started = true
	for _, a := range p.agents {
		p.startWorkers(a)
	}
	return nil
}

func (p *Pool) startWorkers(a *poolAgent) {
	for i := 0; i < a.workers; i++ {
		p.wg.Add(1)
		go p.work(a)
	}
}

// Dispatch queues env in the agent's mailbox. It blocks while the mailbox is full, which
// applies backpressure to that agent's deliveries only.
func (p *Pool) Dispatch(ctx context.Context, agentID string, env *message.Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.stopped:
		return ErrEngineStopped
	case !p.started:
		return ErrEngineNotStarted
	}
	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	select {
	case a.mailbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrEngineStopped
	}
}

func (p *Pool) work(a *poolAgent) {
	defer p.wg.Done()
	for {
		select {
		case env := <-a.mailbox:
			p.run(a, env)
		case <-a.removed:
			for {
				select {
				case env := <-a.mailbox:
					p.run(a, env)
				default:
					return
				}
			}
		case <-p.quit:
			// Finish what was accepted unless the stop deadline passes first
			for {
				if p.runCtx.Err() != nil {
					return
				}
				select {
				case env := <-a.mailbox:
					p.run(a, env)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(a *poolAgent, env *message.Envelope) {
	if err := p.sem.Acquire(p.runCtx, 1); err != nil {
		a.mu.Lock()
		a.abandoned = append(a.abandoned, env.ID)
		a.mu.Unlock()
		return
	}
	defer p.sem.Release(1)

	a.mu.Lock()
	a.inFlight[env.ID]++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.inFlight[env.ID]--; a.inFlight[env.ID] <= 0 {
			delete(a.inFlight, env.ID)
		}
		a.mu.Unlock()
	}()

	invoke(p.runCtx, PoolEngineName, p.opts, a.tag.ID, a.handler, env)
}

// Stop closes the mailboxes to new work and lets workers finish what they hold.
func (p *Pool) Stop(ctx context.Context) (StopReport, error) {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.stopped = true
		agents := make([]*poolAgent, 0, len(p.agents))
		for _, a := range p.agents {
			agents = append(agents, a)
		}
		p.mu.Unlock()

		stopCtx, cancel := context.WithTimeout(ctx, p.cfg.StopTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-stopCtx.Done():
		}

		// Snapshot before cancelling so handlers that react to cancellation still count
		report := StopReport{Engine: PoolEngineName}
		for _, a := range agents {
			report.Stragglers = append(report.Stragglers, a.stragglers()...)
		}
		sortStragglers(report.Stragglers)
		p.report = report
		p.cancelRun()

		observability.Event(p.opts.Logger.Info(), "engine_stopped").
			Str("guild_id", p.opts.GuildID).
			Str("engine", PoolEngineName).
			Int("stragglers", len(report.Stragglers)).
			Msg("execution engine stopped")
	})
	return p.report, nil
}

// stragglers collects in-flight, abandoned and still-queued envelopes.
func (a *poolAgent) stragglers() []Straggler {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Straggler
	for id := range a.inFlight {
		out = append(out, Straggler{AgentID: a.tag.ID, EnvelopeID: id, State: StragglerInFlight})
	}
	for _, id := range a.abandoned {
		out = append(out, Straggler{AgentID: a.tag.ID, EnvelopeID: id, State: StragglerQueued})
	}
	for {
		select {
		case env := <-a.mailbox:
			out = append(out, Straggler{AgentID: a.tag.ID, EnvelopeID: env.ID, State: StragglerQueued})
		default:
			return out
		}
	}
}
