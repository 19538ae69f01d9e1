package messaging

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// ErrBackendClosed is returned by Publish and Subscribe after Shutdown has started.
var ErrBackendClosed = errors.New("messaging backend is closed")

// ErrDuplicateSubscription is returned when a subscriber subscribes to a topic twice.
var ErrDuplicateSubscription = errors.New("subscriber is already subscribed to topic")

// Handler receives one envelope. A non-nil error asks the backend to retry.
type Handler func(ctx context.Context, env *message.Envelope) error

// Backend is the transport capability every messaging plugin provides.
type Backend interface {
	// Name returns the registry key of the backend.
	Name() string

	// Publish accepts env for delivery. The envelope is not modified.
	Publish(ctx context.Context, env *message.Envelope) error

	// Subscribe registers handler for envelopes delivered on topic to subscriber.
	Subscribe(ctx context.Context, topic string, subscriber message.AgentTag, handler Handler) (Subscription, error)

	// Shutdown stops accepting publishes, drains pending deliveries until ctx is done and
	// reports whatever could not be delivered. It is idempotent.
	Shutdown(ctx context.Context) (ShutdownReport, error)
}

// Subscription is an active (topic, subscriber) registration.
type Subscription interface {
	Topic() string
	Subscriber() message.AgentTag
	Close() error
}

// Options carries what every backend needs from the guild that owns it.
type Options struct {
	GuildID      string
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
	OnDeadLetter func(*guild.DeliveryError)
}

// Undelivered states.
const (
	StatePending      = "pending"      // queued, never handed to the subscriber
	StateInFlight     = "in_flight"    // handler still running when the deadline passed
	StateUnsubscribed = "unsubscribed" // dropped because the subscription was closed
	StateQueued       = "queued"       // left in durable storage for a later subscriber
)

// Undelivered identifies one envelope a subscriber did not receive.
type Undelivered struct {
	Topic        string     `json:"topic"`
	SubscriberID string     `json:"subscriber_id"`
	EnvelopeID   message.ID `json:"envelope_id"`
	State        string     `json:"state"`
}

// DeadLetter records an envelope whose delivery attempts were exhausted.
type DeadLetter struct {
	Topic        string     `json:"topic"`
	SubscriberID string     `json:"subscriber_id"`
	EnvelopeID   message.ID `json:"envelope_id"`
	Attempts     int        `json:"attempts"`
	Error        string     `json:"error"`
	AtMs         int64      `json:"at_ms"`
}

// ShutdownReport lists everything a backend could not deliver.
type ShutdownReport struct {
	Backend     string        `json:"backend"`
	Undelivered []Undelivered `json:"undelivered"`
	DeadLetters []DeadLetter  `json:"dead_letters"`
}

// Clean reports whether every accepted envelope was delivered.
func (r ShutdownReport) Clean() bool {
	return len(r.Undelivered) == 0 && len(r.DeadLetters) == 0
}
