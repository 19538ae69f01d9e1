package messaging

import "fmt"

// Redis key pattern helpers
//
// Every key and channel is namespaced by the configured namespace and the guild id, so
// guilds (and daemons) can share one Redis server.
//
// Key pattern: {namespace}:{guild_id}:{entity}:...

// EnvelopeKey returns the key holding an envelope's JSON.
// Pattern: {ns}:{guild_id}:envelope:{hex_id}
func EnvelopeKey(ns, guildID, hexID string) string {
	return fmt.Sprintf("%s:%s:envelope:%s", ns, guildID, hexID)
}

// QueueKey returns the sorted set of pending envelope ids for one (topic, subscriber)
// pair. Members are fixed-width hex ids with score 0, so lexicographic order is ID order.
// Pattern: {ns}:{guild_id}:queue:{topic}:{subscriber_id}
func QueueKey(ns, guildID, topic, subscriberID string) string {
	return fmt.Sprintf("%s:%s:queue:%s:%s", ns, guildID, topic, subscriberID)
}

// SubscribersKey returns the set of subscriber ids of a topic.
// Pattern: {ns}:{guild_id}:subscribers:{topic}
func SubscribersKey(ns, guildID, topic string) string {
	return fmt.Sprintf("%s:%s:subscribers:%s", ns, guildID, topic)
}

// NotifyChannel returns the Pub/Sub channel that wakes a subscriber's delivery loops.
// Pattern: {ns}:{guild_id}:notify:{subscriber_id}
func NotifyChannel(ns, guildID, subscriberID string) string {
	return fmt.Sprintf("%s:%s:notify:%s", ns, guildID, subscriberID)
}

// DeadLettersKey returns the list of dead letter records of a guild.
// Pattern: {ns}:{guild_id}:dead_letters
func DeadLettersKey(ns, guildID string) string {
	return fmt.Sprintf("%s:%s:dead_letters", ns, guildID)
}
