package runtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// Context is what an agent sees while handling a message: its identity, its resolved
// dependencies and the ability to publish into its guild.
type Context struct {
	ctx    context.Context
	guild  *Guild
	agent  *agentRuntime
	origin *message.Envelope // envelope being handled, nil in Start and Stop
	logger zerolog.Logger
}

// Context returns the context of the current call. It is cancelled when the engine
// gives up on the handler.
func (c *Context) Context() context.Context { return c.ctx }

// Self returns the agent's identity.
func (c *Context) Self() message.AgentTag { return c.agent.spec.Tag() }

// Spec returns the agent's spec.
func (c *Context) Spec() guild.AgentSpec { return c.agent.spec.Clone() }

// GuildID returns the id of the agent's guild.
func (c *Context) GuildID() string { return c.guild.ID() }

// Logger returns a logger tagged with the guild and agent ids.
func (c *Context) Logger() zerolog.Logger { return c.logger }

// Dependency returns the resolved instance of a declared capability.
func (c *Context) Dependency(name string) (any, bool) {
	v, ok := c.agent.deps[name]
	return v, ok
}

// PublishOption adjusts an envelope built by Publish or Reply.
type PublishOption func(*publishSettings)

type publishSettings struct {
	topics     []string
	recipients []message.AgentTag
	priority   *message.Priority
}

// WithTopics sets the envelope topics.
func WithTopics(topics ...string) PublishOption {
	return func(s *publishSettings) { s.topics = append([]string{}, topics...) }
}

// WithRecipients addresses the envelope directly to agents, bypassing topic fan-out.
func WithRecipients(recipients ...message.AgentTag) PublishOption {
	return func(s *publishSettings) { s.recipients = append([]message.AgentTag{}, recipients...) }
}

// WithPriority sets the envelope priority.
func WithPriority(p message.Priority) PublishOption {
	return func(s *publishSettings) { s.priority = &p }
}

func applyOptions(opts []PublishOption) publishSettings {
	var s publishSettings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// route applies the guild's routing slip. Explicit topics, recipients or priority given
// by the agent are kept.
func (c *Context) route(s publishSettings, format string, origin *message.Envelope, topics []string, recipients []message.AgentTag, priority message.Priority) ([]string, []message.AgentTag, message.Priority) {
	dest, ok := c.guild.routes.route(c.Self(), format, origin)
	if !ok {
		return topics, recipients, priority
	}
	rt, rr, rp := dest.Route(topics, recipients, priority)
	if s.topics == nil && s.recipients == nil {
		topics, recipients = rt, rr
	}
	if s.priority == nil {
		priority = rp
	}
	c.logger.Debug().Str("format", format).Strs("topics", topics).Msg("envelope routed")
	return topics, recipients, priority
}

// Publish sends a new root envelope. Without options it goes to the default topic at
// normal priority, unless a route of the guild says otherwise.
func (c *Context) Publish(format string, payload any, opts ...PublishOption) (*message.Envelope, error) {
	data, err := message.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	s := applyOptions(opts)
	priority := message.PriorityNormal
	if s.priority != nil {
		priority = *s.priority
	}
	topics := s.topics
	if len(topics) == 0 && len(s.recipients) == 0 {
		topics = []string{message.DefaultTopic}
	}
	topics, recipients, priority := c.route(s, format, c.origin, topics, s.recipients, priority)

	env := message.New(c.guild.nextID(priority), c.Self(), format, data, topics...)
	env.RecipientList = append(env.RecipientList, recipients...)
	if err := c.guild.Publish(c.ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Reply sends an envelope caused by parent. It stays in parent's thread, goes to
// parent's topics at parent's priority unless overridden, and is addressed to parent's
// sender when parent had no topics.
func (c *Context) Reply(parent *message.Envelope, format string, payload any, opts ...PublishOption) (*message.Envelope, error) {
	if parent == nil {
		return nil, fmt.Errorf("reply needs a parent envelope")
	}
	data, err := message.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	s := applyOptions(opts)
	priority := parent.Priority
	if s.priority != nil {
		priority = *s.priority
	}
	topics := parent.Topics
	if s.topics != nil {
		topics = s.topics
	}
	var recipients []message.AgentTag
	switch {
	case s.recipients != nil:
		recipients = s.recipients
	case len(topics) == 0:
		recipients = []message.AgentTag{parent.Sender}
	}
	topics, recipients, priority = c.route(s, format, parent, topics, recipients, priority)

	env := message.Reply(parent, c.guild.nextID(priority), c.Self(), format, data)
	env.Topics = append([]string{}, topics...)
	env.RecipientList = append([]message.AgentTag{}, recipients...)
	if err := c.guild.Publish(c.ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}
