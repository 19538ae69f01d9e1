package messaging

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/message"
)

// InMemoryBackendName is the registry key of the in-process backend.
const InMemoryBackendName = "in_memory"

// InMemoryConfig is the typed config of the in_memory backend.
type InMemoryConfig struct {
	MaxDeliveryAttempts  int           `yaml:"max_delivery_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
}

// ParseInMemoryConfig decodes raw strictly.
func ParseInMemoryConfig(raw map[string]any) (InMemoryConfig, error) {
	var cfg InMemoryConfig
	if err := config.DecodeStrict(raw, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.policy().validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c InMemoryConfig) policy() retryPolicy {
	return retryPolicy{
		maxAttempts:     c.MaxDeliveryAttempts,
		initialInterval: c.RetryInitialInterval,
		maxInterval:     c.RetryMaxInterval,
	}
}

func inMemoryFactory(raw map[string]any) (Constructor, error) {
	cfg, err := ParseInMemoryConfig(raw)
	if err != nil {
		return nil, err
	}
	return func(opts Options) (Backend, error) {
		return NewInMemory(cfg, opts), nil
	}, nil
}

// InMemory is a co-located backend. Each (topic, subscriber) pair owns a min-heap of
// pending envelopes and a goroutine that drains it in ID order.
type InMemory struct {
	policy retryPolicy
	opts   Options

	ctx    context.Context // cancelled when a shutdown deadline passes
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	topics      map[string]map[string]*memoryQueue // topic -> subscriber id
	abandoned   []Undelivered
	deadLetters []DeadLetter

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	report       ShutdownReport
}

// NewInMemory creates an in-process backend.
func NewInMemory(cfg InMemoryConfig, opts Options) *InMemory {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemory{
		policy: cfg.policy().withDefaults(),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]map[string]*memoryQueue),
	}
}

func (b *InMemory) Name() string { return InMemoryBackendName }

// Publish enqueues a copy of env for every current subscriber of its targets. Direct
// recipients without an inbox subscriber are dead-lettered.
func (b *InMemory) Publish(ctx context.Context, env *message.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBackendClosed
	}

	fanout := 0
	for _, topic := range env.Targets() {
		for _, q := range b.topics[topic] {
			q.push(env.Clone())
			fanout++
		}
	}
	missed := unreachable(env, func(topic string) bool { return len(b.topics[topic]) > 0 })
	b.deadLetters = append(b.deadLetters, missed...)
	b.mu.Unlock()

	for _, dl := range missed {
		reportDeadLetter(b.opts, InMemoryBackendName, dl, ErrNoSubscriber)
	}

	b.opts.Metrics.RecordPublish(InMemoryBackendName)
	observability.Event(b.opts.Logger.Debug(), "envelope_published").
		Str("guild_id", b.opts.GuildID).
		Stringer("envelope_id", env.ID).
		Strs("targets", env.Targets()).
		Int("fanout", fanout).
		Msg("envelope published")
	return nil
}

// Subscribe starts delivering envelopes on topic to handler.
func (b *InMemory) Subscribe(ctx context.Context, topic string, subscriber message.AgentTag, handler Handler) (Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if subscriber.ID == "" {
		return nil, fmt.Errorf("subscriber id cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[string]*memoryQueue)
		b.topics[topic] = subs
	}
	if _, exists := subs[subscriber.ID]; exists {
		return nil, fmt.Errorf("%w: %s on %q", ErrDuplicateSubscription, subscriber.ID, topic)
	}

	q := newMemoryQueue(topic, subscriber, handler)
	subs[subscriber.ID] = q
	b.wg.Add(1)
	go b.run(q)

	return &memorySubscription{backend: b, queue: q}, nil
}

// run drains one queue until it is drained or aborted.
func (b *InMemory) run(q *memoryQueue) {
	defer b.wg.Done()
	for {
		env, ok := q.next()
		if !ok {
			return
		}
		b.deliver(q, env)
		q.done()
	}
}

func (b *InMemory) deliver(q *memoryQueue, env *message.Envelope) {
	attempts, err := b.policy.deliver(b.ctx, q.handler, env)
	switch {
	case err == nil:
		b.opts.Metrics.RecordDelivery(InMemoryBackendName)
	case b.ctx.Err() != nil:
		// Shutdown deadline passed; the envelope is reported as in flight.
	default:
		dl := DeadLetter{
			Topic:        q.topic,
			SubscriberID: q.subscriber.ID,
			EnvelopeID:   env.ID,
			Attempts:     attempts,
			Error:        err.Error(),
			AtMs:         time.Now().UnixMilli(),
		}
		b.mu.Lock()
		b.deadLetters = append(b.deadLetters, dl)
		b.mu.Unlock()
		reportDeadLetter(b.opts, InMemoryBackendName, dl, err)
	}
}

// DeadLetters returns the dead letters recorded so far.
func (b *InMemory) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.deadLetters...)
}

// Shutdown stops publishes and waits for every queue to drain. When ctx ends first, the
// remaining deliveries are abandoned and reported.
func (b *InMemory) Shutdown(ctx context.Context) (ShutdownReport, error) {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		queues := b.queuesLocked()
		b.mu.Unlock()

		for _, q := range queues {
			q.drain()
		}

		drained := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(drained)
		}()

		var left []Undelivered
		select {
		case <-drained:
		case <-ctx.Done():
			b.cancel()
			for _, q := range queues {
				left = append(left, q.abort()...)
			}
		}

		b.report = b.buildReport(left)
		b.cancel()

		observability.Event(b.opts.Logger.Info(), "messaging_shutdown").
			Str("guild_id", b.opts.GuildID).
			Str("backend", InMemoryBackendName).
			Int("undelivered", len(b.report.Undelivered)).
			Int("dead_letters", len(b.report.DeadLetters)).
			Msg("messaging backend shut down")
	})
	return b.report, nil
}

func (b *InMemory) queuesLocked() []*memoryQueue {
	var queues []*memoryQueue
	for _, subs := range b.topics {
		for _, q := range subs {
			queues = append(queues, q)
		}
	}
	return queues
}

func (b *InMemory) buildReport(left []Undelivered) ShutdownReport {
	report := ShutdownReport{Backend: InMemoryBackendName, Undelivered: left}

	b.mu.Lock()
	report.Undelivered = append(report.Undelivered, b.abandoned...)
	report.DeadLetters = append([]DeadLetter(nil), b.deadLetters...)
	b.mu.Unlock()

	sort.Slice(report.Undelivered, func(i, j int) bool {
		return report.Undelivered[i].EnvelopeID < report.Undelivered[j].EnvelopeID
	})
	return report
}

func (b *InMemory) unsubscribe(q *memoryQueue) {
	b.mu.Lock()
	if subs := b.topics[q.topic]; subs[q.subscriber.ID] == q {
		delete(subs, q.subscriber.ID)
		if len(subs) == 0 {
			delete(b.topics, q.topic)
		}
	}
	b.mu.Unlock()

	var dropped []Undelivered
	for _, u := range q.abort() {
		if u.State == StatePending {
			u.State = StateUnsubscribed
			dropped = append(dropped, u)
		}
	}
	if len(dropped) > 0 {
		b.mu.Lock()
		b.abandoned = append(b.abandoned, dropped...)
		b.mu.Unlock()
		observability.Event(b.opts.Logger.Warn(), "subscription_closed").
			Str("guild_id", b.opts.GuildID).
			Str("topic", q.topic).
			Str("subscriber_id", q.subscriber.ID).
			Int("dropped", len(dropped)).
			Msg("subscription closed with pending envelopes")
	}
}

type memorySubscription struct {
	backend *InMemory
	queue   *memoryQueue
	once    sync.Once
}

func (s *memorySubscription) Topic() string                { return s.queue.topic }
func (s *memorySubscription) Subscriber() message.AgentTag { return s.queue.subscriber }

// Close stops delivery. Safe to call multiple times.
func (s *memorySubscription) Close() error {
	s.once.Do(func() { s.backend.unsubscribe(s.queue) })
	return nil
}

// memoryQueue is the pending set of one (topic, subscriber) pair.
type memoryQueue struct {
	topic      string
	subscriber message.AgentTag
	handler    Handler

	mu       sync.Mutex
	cond     *sync.Cond
	pending  envelopeHeap
	inFlight *message.Envelope
	draining bool // finish what is pending, then stop
	aborted  bool // stop now
}

func newMemoryQueue(topic string, subscriber message.AgentTag, handler Handler) *memoryQueue {
	q := &memoryQueue{topic: topic, subscriber: subscriber, handler: handler}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *memoryQueue) push(env *message.Envelope) {
	q.mu.Lock()
	heap.Push(&q.pending, env)
	q.mu.Unlock()
	q.cond.Signal()
}

// next blocks until an envelope is available, returning false when the queue stops.
func (q *memoryQueue) next() (*message.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending.Len() == 0 && !q.draining && !q.aborted {
		q.cond.Wait()
	}
	if q.aborted || q.pending.Len() == 0 {
		return nil, false
	}
	env := heap.Pop(&q.pending).(*message.Envelope)
	q.inFlight = env
	return env, true
}

func (q *memoryQueue) done() {
	q.mu.Lock()
	q.inFlight = nil
	q.mu.Unlock()
}

func (q *memoryQueue) drain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// abort stops the queue and returns what it still held.
func (q *memoryQueue) abort() []Undelivered {
	q.mu.Lock()
	q.aborted = true
	left := q.remainingLocked()
	q.pending = nil
	q.mu.Unlock()
	q.cond.Broadcast()
	return left
}

func (q *memoryQueue) remainingLocked() []Undelivered {
	var out []Undelivered
	if q.inFlight != nil {
		out = append(out, Undelivered{Topic: q.topic, SubscriberID: q.subscriber.ID, EnvelopeID: q.inFlight.ID, State: StateInFlight})
	}
	for _, env := range q.pending {
		out = append(out, Undelivered{Topic: q.topic, SubscriberID: q.subscriber.ID, EnvelopeID: env.ID, State: StatePending})
	}
	return out
}

// envelopeHeap is a min-heap ordered by envelope ID.
type envelopeHeap []*message.Envelope

func (h envelopeHeap) Len() int           { return len(h) }
func (h envelopeHeap) Less(i, j int) bool { return h[i].ID < h[j].ID }
func (h envelopeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *envelopeHeap) Push(x any)        { *h = append(*h, x.(*message.Envelope)) }
func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	env := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return env
}
