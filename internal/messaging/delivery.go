package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

const (
	defaultMaxDeliveryAttempts  = 3
	defaultRetryInitialInterval = 10 * time.Millisecond
	defaultRetryMaxInterval     = time.Second
)

// retryPolicy bounds how hard a backend tries to hand one envelope to one subscriber.
type retryPolicy struct {
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
}

func (p retryPolicy) withDefaults() retryPolicy {
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxDeliveryAttempts
	}
	if p.initialInterval <= 0 {
		p.initialInterval = defaultRetryInitialInterval
	}
	if p.maxInterval <= 0 {
		p.maxInterval = defaultRetryMaxInterval
	}
	if p.maxInterval < p.initialInterval {
		p.maxInterval = p.initialInterval
	}
	return p
}

func (p retryPolicy) validate() error {
	if p.maxAttempts < 0 {
		return fmt.Errorf("max_delivery_attempts must be >= 1, got %d", p.maxAttempts)
	}
	if p.initialInterval < 0 || p.maxInterval < 0 {
		return fmt.Errorf("retry intervals must be positive")
	}
	return nil
}

// deliver calls handler until it succeeds, attempts run out or ctx is done. It returns the
// number of calls made. A ctx error means the delivery was abandoned, not failed.
func (p retryPolicy) deliver(ctx context.Context, handler Handler, env *message.Envelope) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxInterval = p.maxInterval
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		return callHandler(ctx, handler, env)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxAttempts-1)), ctx)
	err := backoff.Retry(op, policy)
	return attempts, err
}

// callHandler turns a handler panic into an error so one bad subscriber cannot take the
// delivery goroutine down.
func callHandler(ctx context.Context, handler Handler, env *message.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}
	return handler(ctx, env)
}

// ErrNoSubscriber is the cause recorded for a direct recipient whose inbox has no
// subscriber at publish time.
var ErrNoSubscriber = errors.New("recipient inbox has no subscriber")

// unreachable returns a dead letter for every direct recipient of env whose inbox has no
// subscriber. Topic envelopes never produce one: an unheard topic is not an error.
func unreachable(env *message.Envelope, subscribed func(topic string) bool) []DeadLetter {
	if !env.IsDirect() {
		return nil
	}
	var out []DeadLetter
	seen := make(map[string]bool, len(env.RecipientList))
	for _, r := range env.RecipientList {
		topic := message.InboxTopic(r.ID)
		if seen[topic] || subscribed(topic) {
			continue
		}
		seen[topic] = true
		out = append(out, DeadLetter{
			Topic:        topic,
			SubscriberID: r.ID,
			EnvelopeID:   env.ID,
			Error:        ErrNoSubscriber.Error(),
			AtMs:         time.Now().UnixMilli(),
		})
	}
	return out
}

// reportDeadLetter logs, counts and forwards an exhausted delivery.
func reportDeadLetter(opts Options, backend string, dl DeadLetter, cause error) {
	observability.Event(opts.Logger.Error(), "dead_letter").
		Str("guild_id", opts.GuildID).
		Str("backend", backend).
		Str("topic", dl.Topic).
		Str("subscriber_id", dl.SubscriberID).
		Stringer("envelope_id", dl.EnvelopeID).
		Int("attempts", dl.Attempts).
		Err(cause).
		Msg("delivery attempts exhausted")
	opts.Metrics.RecordDeadLetter(backend)

	if opts.OnDeadLetter != nil {
		opts.OnDeadLetter(&guild.DeliveryError{
			Backend:      backend,
			Topic:        dl.Topic,
			SubscriberID: dl.SubscriberID,
			EnvelopeID:   dl.EnvelopeID,
			Attempts:     dl.Attempts,
			Err:          cause,
		})
	}
}
