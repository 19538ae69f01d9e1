package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/internal/dependency"
	"github.com/dyluth/guild/internal/store"
	"github.com/dyluth/guild/internal/testutil"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// delivery is one envelope handed to one agent.
type delivery struct {
	agentID string
	env     *message.Envelope
}

// harness wires a service and manager over an in-memory store with test agents:
//
//	sink    records everything it receives
//	echo    records, then replies to text envelopes with "echo: <text>"
//	failing records, then returns an error
//	broken  cannot be constructed
type harness struct {
	received *testutil.Recorder[delivery]
	plugins  Plugins
	svc      *Service
	manager  *Manager
}

var errHandler = errors.New("handler failed")

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{received: testutil.NewRecorder[delivery]()}

	record := func(ctx *Context, env *message.Envelope) {
		h.received.Add(delivery{agentID: ctx.Self().ID, env: env})
	}
	agents := NewAgentRegistry()
	agents.MustRegister("sink", func(guild.AgentSpec) (Agent, error) {
		return AgentFunc(func(ctx *Context, env *message.Envelope) error {
			record(ctx, env)
			return nil
		}), nil
	})
	agents.MustRegister("echo", func(guild.AgentSpec) (Agent, error) {
		return AgentFunc(func(ctx *Context, env *message.Envelope) error {
			record(ctx, env)
			if env.Format != message.FormatText {
				return nil
			}
			var text message.TextFormat
			if err := env.Decode(&text); err != nil {
				return err
			}
			_, err := ctx.Reply(env, message.FormatText, message.TextFormat{Text: "echo: " + text.Text})
			return err
		}), nil
	})
	agents.MustRegister("failing", func(guild.AgentSpec) (Agent, error) {
		return AgentFunc(func(ctx *Context, env *message.Envelope) error {
			record(ctx, env)
			return errHandler
		}), nil
	})
	agents.MustRegister("broken", func(guild.AgentSpec) (Agent, error) {
		return nil, errors.New("cannot build")
	})

	h.plugins = DefaultPlugins(agents)
	h.plugins.Resolvers.MustRegister("unreachable", func(map[string]any) (dependency.Resolver, error) {
		return dependency.ResolverFunc(func(context.Context, dependency.Request) (any, error) {
			return nil, errors.New("service unreachable")
		}), nil
	})

	h.svc = NewService(store.NewMemory(), h.plugins, guild.BuiltinDefaults(), zerolog.Nop())
	h.manager = NewManager(h.svc, Options{
		Plugins:   h.plugins,
		Generator: message.NewGenerator(3),
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.manager.Shutdown(ctx)
	})
	return h
}

// deliveriesTo returns what agentID received in the given format.
func (h *harness) deliveriesTo(agentID, format string) []*message.Envelope {
	var out []*message.Envelope
	for _, d := range h.received.Values() {
		if d.agentID == agentID && d.env.Format == format {
			out = append(out, d.env)
		}
	}
	return out
}

// waitFor blocks until agentID has received n envelopes of format.
func (h *harness) waitFor(t *testing.T, agentID, format string, n int) []*message.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.deliveriesTo(agentID, format)) >= n
	}, 2*time.Second, 5*time.Millisecond, "agent %s never received %d %s envelope(s)", agentID, n, format)
	return h.deliveriesTo(agentID, format)
}

func specWith(agents ...guild.AgentSpec) guild.GuildSpec {
	return guild.GuildSpec{
		Name:        "research",
		Description: "test guild",
		Agents:      agents,
	}
}

func agentSpec(id, implementation string) guild.AgentSpec {
	return guild.AgentSpec{ID: id, Name: id, Implementation: implementation}
}

func textPayload(t *testing.T, text string) []byte {
	t.Helper()
	payload, err := message.EncodePayload(message.TextFormat{Text: text})
	require.NoError(t, err)
	return payload
}

// observe subscribes a recorder to topic on a running guild.
func observe(t *testing.T, g *Guild, topic string) *testutil.Recorder[*message.Envelope] {
	t.Helper()
	rec := testutil.NewRecorder[*message.Envelope]()
	_, err := g.Observe(context.Background(), topic, message.AgentTag{ID: "observer-" + topic}, func(_ context.Context, env *message.Envelope) error {
		rec.Add(env)
		return nil
	})
	require.NoError(t, err)
	return rec
}
