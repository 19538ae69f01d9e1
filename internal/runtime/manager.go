package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/guild/internal/messaging"
	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// ErrGuildNotRunning is returned for operations that need a running guild.
var ErrGuildNotRunning = errors.New("guild is not running")

// SystemSender tags envelopes the runtime publishes itself.
var SystemSender = message.AgentTag{ID: "system", Name: "System"}

// Manager keeps running guilds in step with persisted status: a guild runs while its
// status is active.
type Manager struct {
	svc    *Service
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]*Guild
	closed  bool
}

// NewManager creates a manager. opts.Plugins should be the plugins svc validates
// against.
func NewManager(svc *Service, opts Options) *Manager {
	if opts.Generator == nil {
		opts.Generator = message.NewGenerator(0)
	}
	return &Manager{
		svc:     svc,
		opts:    opts,
		logger:  opts.Logger,
		running: make(map[string]*Guild),
	}
}

// Service returns the underlying service.
func (m *Manager) Service() *Service { return m.svc }

// Create persists and launches a guild. A guild that cannot be launched is removed
// again so a failed create leaves nothing behind.
func (m *Manager) Create(ctx context.Context, spec guild.GuildSpec) (*guild.GuildSpec, error) {
	created, err := m.svc.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := m.launch(ctx, *created); err != nil {
		if derr := m.svc.Delete(ctx, created.ID); derr != nil {
			m.logger.Error().Err(derr).Str("guild_id", created.ID).Msg("failed to remove guild after launch failure")
		}
		return nil, err
	}
	return created, nil
}

// Get returns a persisted guild.
func (m *Manager) Get(ctx context.Context, id string) (*guild.GuildSpec, error) {
	return m.svc.Get(ctx, id)
}

// List returns every persisted guild.
func (m *Manager) List(ctx context.Context) ([]*guild.GuildSpec, error) {
	return m.svc.List(ctx)
}

// UpdateStatus persists the new status, announces it on the guild status topic and
// starts or stops the guild to match. When the guild cannot be started the previous
// status is restored.
func (m *Manager) UpdateStatus(ctx context.Context, id, status string) (*guild.GuildSpec, error) {
	previous, err := m.svc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := m.svc.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	if updated.Status.IsRunnable() {
		if _, ok := m.Guild(id); !ok {
			if err := m.launch(ctx, *updated); err != nil {
				if _, rerr := m.svc.UpdateStatus(ctx, id, string(previous.Status)); rerr != nil {
					observability.Event(m.logger.Error(), "status_rollback_failed").
						Str("guild_id", id).
						Err(rerr).
						Msg("failed to restore status after launch failure")
				}
				return nil, fmt.Errorf("guild failed to start, status left at %s: %w", previous.Status, err)
			}
		}
		m.announce(ctx, updated)
		return updated, nil
	}

	m.announce(ctx, updated)
	if _, err := m.stop(ctx, id); err != nil {
		observability.Event(m.logger.Warn(), "guild_stop_unclean").Str("guild_id", id).Err(err).Msg("guild did not stop cleanly")
	}
	return updated, nil
}

// Delete stops the guild if it runs and removes it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.svc.Get(ctx, id); err != nil {
		return err
	}
	if _, err := m.stop(ctx, id); err != nil {
		observability.Event(m.logger.Warn(), "guild_stop_unclean").Str("guild_id", id).Err(err).Msg("guild did not stop cleanly")
	}
	return m.svc.Delete(ctx, id)
}

// Guild returns a running guild.
func (m *Manager) Guild(id string) (*Guild, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.running[id]
	return g, ok
}

// Running returns the ids of running guilds, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Agents returns the agent states of a guild. The guild must exist and be running.
func (m *Manager) Agents(ctx context.Context, id string) ([]AgentState, error) {
	if _, err := m.svc.Get(ctx, id); err != nil {
		return nil, err
	}
	g, ok := m.Guild(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGuildNotRunning, id)
	}
	return g.Agents(), nil
}

// AddAgent persists a new agent and starts it when the guild is running.
func (m *Manager) AddAgent(ctx context.Context, guildID string, agent guild.AgentSpec) (*guild.AgentSpec, error) {
	added, err := m.svc.AddAgent(ctx, guildID, agent)
	if err != nil {
		return nil, err
	}
	if g, ok := m.Guild(guildID); ok {
		state, err := g.AddAgent(ctx, *added)
		if err != nil {
			observability.Event(m.logger.Warn(), "agent_start_skipped").
				Str("guild_id", guildID).
				Str("agent_id", added.ID).
				Err(err).
				Msg("agent persisted but not started")
		} else if state.State == AgentFailed {
			observability.Event(m.logger.Warn(), "agent_failed").
				Str("guild_id", guildID).
				Str("agent_id", added.ID).
				Str("error", state.Error).
				Msg("added agent failed to initialize")
		}
	}
	return added, nil
}

// GetAgent returns one persisted agent.
func (m *Manager) GetAgent(ctx context.Context, guildID, agentID string) (*guild.AgentSpec, error) {
	return m.svc.GetAgent(ctx, guildID, agentID)
}

// RemoveAgent removes a persisted agent and stops it when the guild is running.
func (m *Manager) RemoveAgent(ctx context.Context, guildID, agentID string) error {
	if err := m.svc.RemoveAgent(ctx, guildID, agentID); err != nil {
		return err
	}
	if g, ok := m.Guild(guildID); ok {
		if err := g.RemoveAgent(ctx, agentID); err != nil && !guild.IsNotFound(err) {
			observability.Event(m.logger.Warn(), "agent_stop_unclean").
				Str("guild_id", guildID).
				Str("agent_id", agentID).
				Err(err).
				Msg("agent did not stop cleanly")
		}
	}
	return nil
}

// PublishRequest is a message injected into a guild from outside.
type PublishRequest struct {
	Sender       message.AgentTag
	Format       string
	Payload      json.RawMessage
	Topics       []string
	Recipients   []message.AgentTag
	Priority     *message.Priority // nil means normal
	InResponseTo message.ID
	ThreadID     message.ID
}

// Publish injects an envelope into a running guild. Without topics or recipients it
// goes to the default topic. A reply without an explicit thread inherits the thread of
// the envelope it answers, which must be one the guild has recently seen.
func (m *Manager) Publish(ctx context.Context, id string, req PublishRequest) (*message.Envelope, error) {
	if _, err := m.svc.Get(ctx, id); err != nil {
		return nil, err
	}
	g, ok := m.Guild(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGuildNotRunning, id)
	}

	if req.Format == "" {
		req.Format = message.FormatText
	}
	if req.Sender.ID == "" {
		req.Sender = message.AgentTag{ID: "user", Name: "User"}
	}
	priority := message.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	if err := priority.Validate(); err != nil {
		return nil, &guild.ValidationError{Field: "priority", Reason: err.Error()}
	}
	topics := req.Topics
	if len(topics) == 0 && len(req.Recipients) == 0 {
		topics = []string{message.DefaultTopic}
	}

	env := g.NewEnvelope(req.Sender, priority, req.Format, req.Payload, topics...)
	env.RecipientList = append(env.RecipientList, req.Recipients...)
	if !req.InResponseTo.IsZero() {
		env.InResponseTo = req.InResponseTo
		thread := req.ThreadID
		if thread.IsZero() {
			known, ok := g.ThreadOf(req.InResponseTo)
			if !ok {
				return nil, &guild.ValidationError{
					Field:  "current_thread_id",
					Reason: fmt.Sprintf("required: envelope %s is not known to the guild", req.InResponseTo),
				}
			}
			thread = known
		}
		env.CurrentThreadID = thread
	} else if !req.ThreadID.IsZero() {
		env.CurrentThreadID = req.ThreadID
	}
	if err := g.Publish(ctx, env); err != nil {
		if errors.Is(err, ErrGuildStopped) || errors.Is(err, messaging.ErrBackendClosed) {
			return nil, fmt.Errorf("%w: %s", ErrGuildNotRunning, id)
		}
		return nil, err
	}
	return env, nil
}

// Restore launches every persisted guild whose status is active. Guilds that fail to
// launch are logged and skipped.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	specs, err := m.svc.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list guilds: %w", err)
	}
	restored := 0
	for _, spec := range specs {
		if !spec.Status.IsRunnable() {
			continue
		}
		if _, ok := m.Guild(spec.ID); ok {
			continue
		}
		if err := m.launch(ctx, *spec); err != nil {
			observability.Event(m.logger.Error(), "guild_restore_failed").
				Str("guild_id", spec.ID).
				Err(err).
				Msg("failed to restore guild")
			continue
		}
		restored++
	}
	return restored, nil
}

// Shutdown stops every running guild concurrently and refuses further launches.
func (m *Manager) Shutdown(ctx context.Context) ([]ShutdownReport, error) {
	m.mu.Lock()
	m.closed = true
	guilds := make([]*Guild, 0, len(m.running))
	for _, g := range m.running {
		guilds = append(guilds, g)
	}
	m.running = make(map[string]*Guild)
	m.mu.Unlock()
	m.opts.Metrics.SetGuildsRunning(0)

	reports := make([]ShutdownReport, len(guilds))
	errs := make([]error, len(guilds))
	var group errgroup.Group
	for i, g := range guilds {
		i, g := i, g
		group.Go(func() error {
			reports[i], errs[i] = g.Shutdown(ctx)
			return nil
		})
	}
	group.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].GuildID < reports[j].GuildID })
	return reports, errors.Join(errs...)
}

func (m *Manager) launch(ctx context.Context, spec guild.GuildSpec) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager is shut down")
	}
	if _, ok := m.running[spec.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	g, err := Launch(ctx, spec, m.opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.running[spec.ID]; ok || m.closed {
		m.mu.Unlock()
		g.Shutdown(ctx)
		if m.closed {
			return fmt.Errorf("manager is shut down")
		}
		return nil
	}
	m.running[spec.ID] = g
	n := len(m.running)
	m.mu.Unlock()

	m.opts.Metrics.SetGuildsRunning(n)
	return nil
}

func (m *Manager) stop(ctx context.Context, id string) (ShutdownReport, error) {
	m.mu.Lock()
	g, ok := m.running[id]
	delete(m.running, id)
	n := len(m.running)
	m.mu.Unlock()
	if !ok {
		return ShutdownReport{GuildID: id}, nil
	}
	m.opts.Metrics.SetGuildsRunning(n)
	return g.Shutdown(ctx)
}

// announce publishes a status change on the guild status topic of a running guild.
func (m *Manager) announce(ctx context.Context, spec *guild.GuildSpec) {
	g, ok := m.Guild(spec.ID)
	if !ok {
		return
	}
	payload, err := message.EncodePayload(message.StatusChangeFormat{GuildID: spec.ID, Status: string(spec.Status)})
	if err != nil {
		return
	}
	env := g.NewEnvelope(SystemSender, message.PriorityImportant, message.FormatStatusChange, payload, message.GuildStatusTopic)
	if err := g.Publish(ctx, env); err != nil {
		m.logger.Warn().Err(err).Str("guild_id", spec.ID).Msg("failed to announce status change")
	}
}
