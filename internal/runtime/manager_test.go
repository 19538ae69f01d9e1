package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/internal/store"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

func TestManager_CreateLaunches(t *testing.T) {
	h := newHarness(t)
	created, err := h.manager.Create(context.Background(), specWith(agentSpec("a1", "sink")))
	require.NoError(t, err)

	assert.Equal(t, []string{created.ID}, h.manager.Running())
	states, err := h.manager.Agents(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, AgentRunning, states[0].State)
}

func TestManager_CreateRollsBackWhenLaunchFails(t *testing.T) {
	h := newHarness(t)
	spec := specWith(agentSpec("a1", "sink"))
	// Valid config, but nothing listens there
	spec.Messaging = &guild.MessagingConfig{Backend: "redis", Config: map[string]any{"url": "redis://127.0.0.1:1"}}

	_, err := h.manager.Create(context.Background(), spec)
	require.Error(t, err)

	list, err := h.manager.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, h.manager.Running())
}

func TestManager_ActivationFailureRestoresStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := specWith(agentSpec("a1", "sink"))
	spec.Messaging = &guild.MessagingConfig{Backend: "redis", Config: map[string]any{"url": "redis://127.0.0.1:1"}}

	stored, err := h.svc.Create(ctx, spec)
	require.NoError(t, err)
	_, err = h.svc.UpdateStatus(ctx, stored.ID, "stopped")
	require.NoError(t, err)

	_, err = h.manager.UpdateStatus(ctx, stored.ID, "active")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status left at stopped")

	got, err := h.manager.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, guild.StatusStopped, got.Status)
	assert.Empty(t, h.manager.Running())
}

func TestManager_StatusChangesStopAndRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.manager.Create(ctx, specWith(agentSpec("a1", "sink")))
	require.NoError(t, err)

	updated, err := h.manager.UpdateStatus(ctx, created.ID, "stopped")
	require.NoError(t, err)
	assert.Equal(t, guild.StatusStopped, updated.Status)
	assert.Empty(t, h.manager.Running())

	// The agent saw the announcement before its guild stopped
	announced := h.waitFor(t, "a1", message.FormatStatusChange, 1)
	var change message.StatusChangeFormat
	require.NoError(t, announced[0].Decode(&change))
	assert.Equal(t, message.StatusChangeFormat{GuildID: created.ID, Status: "stopped"}, change)
	assert.Equal(t, SystemSender.ID, announced[0].Sender.ID)

	_, err = h.manager.Publish(ctx, created.ID, PublishRequest{Payload: textPayload(t, "x")})
	assert.ErrorIs(t, err, ErrGuildNotRunning)
	_, err = h.manager.Agents(ctx, created.ID)
	assert.ErrorIs(t, err, ErrGuildNotRunning)

	_, err = h.manager.UpdateStatus(ctx, created.ID, "active")
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID}, h.manager.Running())
	h.waitFor(t, "a1", message.FormatStatusChange, 2)

	_, err = h.manager.Publish(ctx, created.ID, PublishRequest{Payload: textPayload(t, "x")})
	require.NoError(t, err)
	h.waitFor(t, "a1", message.FormatText, 1)
}

func TestManager_InvalidStatusKeepsGuildRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.manager.Create(ctx, specWith(agentSpec("a1", "sink")))
	require.NoError(t, err)

	_, err = h.manager.UpdateStatus(ctx, created.ID, "frozen")
	assert.True(t, guild.IsValidation(err))
	assert.Equal(t, []string{created.ID}, h.manager.Running())

	got, err := h.manager.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, guild.StatusActive, got.Status)
}

func TestManager_Delete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.manager.Create(ctx, specWith(agentSpec("a1", "sink")))
	require.NoError(t, err)

	require.NoError(t, h.manager.Delete(ctx, created.ID))
	assert.Empty(t, h.manager.Running())
	_, err = h.manager.Get(ctx, created.ID)
	assert.True(t, guild.IsNotFound(err))
	assert.True(t, guild.IsNotFound(h.manager.Delete(ctx, created.ID)))
}

func TestManager_AgentsJoinAndLeaveRunningGuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.manager.Create(ctx, specWith(agentSpec("a1", "sink")))
	require.NoError(t, err)

	added, err := h.manager.AddAgent(ctx, created.ID, guild.AgentSpec{Name: "late", Implementation: "sink"})
	require.NoError(t, err)
	states, err := h.manager.Agents(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, added.ID, states[1].ID)
	assert.Equal(t, AgentRunning, states[1].State)

	_, err = h.manager.Publish(ctx, created.ID, PublishRequest{Payload: textPayload(t, "hi")})
	require.NoError(t, err)
	h.waitFor(t, added.ID, message.FormatText, 1)

	got, err := h.manager.GetAgent(ctx, created.ID, added.ID)
	require.NoError(t, err)
	assert.Equal(t, "late", got.Name)

	require.NoError(t, h.manager.RemoveAgent(ctx, created.ID, added.ID))
	states, err = h.manager.Agents(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	_, err = h.manager.GetAgent(ctx, created.ID, added.ID)
	assert.True(t, guild.IsNotFound(err))

	// A stopped guild picks up persisted agents when it runs again
	_, err = h.manager.UpdateStatus(ctx, created.ID, "stopped")
	require.NoError(t, err)
	again, err := h.manager.AddAgent(ctx, created.ID, guild.AgentSpec{Name: "later", Implementation: "sink"})
	require.NoError(t, err)
	_, err = h.manager.UpdateStatus(ctx, created.ID, "active")
	require.NoError(t, err)
	states, err = h.manager.Agents(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, again.ID, states[1].ID)
}

func TestManager_PublishRequestDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.manager.Create(ctx, specWith(agentSpec("a1", "sink")))
	require.NoError(t, err)

	env, err := h.manager.Publish(ctx, created.ID, PublishRequest{Payload: textPayload(t, "x")})
	require.NoError(t, err)
	assert.Equal(t, []string{message.DefaultTopic}, env.Topics)
	assert.Equal(t, message.FormatText, env.Format)
	assert.Equal(t, message.PriorityNormal, env.Priority)
	assert.Equal(t, "user", env.Sender.ID)
	assert.Equal(t, env.ID, env.ThreadID())

	urgent := message.PriorityUrgent
	env, err = h.manager.Publish(ctx, created.ID, PublishRequest{
		Payload:    textPayload(t, "y"),
		Priority:   &urgent,
		Recipients: []message.AgentTag{{ID: "a1"}},
	})
	require.NoError(t, err)
	assert.Empty(t, env.Topics)
	assert.Equal(t, message.PriorityUrgent, env.ID.Priority())

	_, err = h.manager.Publish(ctx, "missing", PublishRequest{Payload: textPayload(t, "x")})
	assert.True(t, guild.IsNotFound(err))

	_, err = h.manager.Publish(ctx, created.ID, PublishRequest{Payload: []byte("{not json")})
	assert.True(t, guild.IsValidation(err))
}

func TestManager_PublishReplyInheritsParentThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.manager.Create(ctx, specWith(agentSpec("e1", "echo"), agentSpec("s1", "sink")))
	require.NoError(t, err)

	root, err := h.manager.Publish(ctx, created.ID, PublishRequest{Payload: textPayload(t, "hi")})
	require.NoError(t, err)

	var echoed *message.Envelope
	require.Eventually(t, func() bool {
		for _, env := range h.deliveriesTo("s1", message.FormatText) {
			if env.InResponseTo == root.ID {
				echoed = env
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, root.ID, echoed.ThreadID())

	// A reply to a mid-thread envelope stays in the root's thread
	reply, err := h.manager.Publish(ctx, created.ID, PublishRequest{
		Format:       "note",
		Payload:      []byte(`{}`),
		InResponseTo: echoed.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, echoed.ID, reply.InResponseTo)
	assert.Equal(t, root.ID, reply.ThreadID())

	explicit, err := h.manager.Publish(ctx, created.ID, PublishRequest{
		Format:       "note",
		Payload:      []byte(`{}`),
		InResponseTo: message.ID(12345),
		ThreadID:     root.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, root.ID, explicit.ThreadID())

	_, err = h.manager.Publish(ctx, created.ID, PublishRequest{
		Format:       "note",
		Payload:      []byte(`{}`),
		InResponseTo: message.ID(12345),
	})
	require.Error(t, err)
	assert.True(t, guild.IsValidation(err))
	assert.Contains(t, err.Error(), "current_thread_id")
}

func TestManager_PublishToUnknownRecipientIsReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.manager.Create(ctx, specWith(agentSpec("a1", "sink")))
	require.NoError(t, err)

	_, err = h.manager.Publish(ctx, created.ID, PublishRequest{
		Payload:    textPayload(t, "anyone?"),
		Recipients: []message.AgentTag{{ID: "a1"}, {ID: "ghost"}},
	})
	require.NoError(t, err)
	h.waitFor(t, "a1", message.FormatText, 1)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reports, err := h.manager.Shutdown(stopCtx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Clean())
	require.Len(t, reports[0].Messaging.DeadLetters, 1)
	assert.Equal(t, "ghost", reports[0].Messaging.DeadLetters[0].SubscriberID)
}

func TestManager_RestoreLaunchesActiveGuilds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewService(st, h.plugins, guild.BuiltinDefaults(), zerolog.Nop())

	active, err := svc.Create(ctx, specWith(agentSpec("a1", "sink")))
	require.NoError(t, err)
	stopped, err := svc.Create(ctx, specWith(agentSpec("a1", "sink")))
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, stopped.ID, "stopped")
	require.NoError(t, err)

	m := NewManager(svc, Options{Plugins: h.plugins, Logger: zerolog.Nop()})
	defer m.Shutdown(context.Background())
	n, err := m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{active.ID}, m.Running())

	n, err = m.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_ShutdownStopsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.manager.Create(ctx, specWith(agentSpec("a1", "sink")))
		require.NoError(t, err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reports, err := h.manager.Shutdown(stopCtx)
	require.NoError(t, err)
	assert.Len(t, reports, 3)
	assert.Empty(t, h.manager.Running())

	_, err = h.manager.Create(ctx, specWith(agentSpec("a1", "sink")))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrGuildNotRunning))
}
