package message

// Well-known topics.
const (
	// DefaultTopic is subscribed by every agent that listens to the default topic.
	DefaultTopic = "default_topic"

	// GuildStatusTopic carries lifecycle announcements and is subscribed by every agent.
	GuildStatusTopic = "guild_status_topic"

	inboxPrefix = "agent_inbox:"
)

// InboxTopic returns the topic used for direct delivery to an agent.
func InboxTopic(agentID string) string {
	return inboxPrefix + agentID
}
