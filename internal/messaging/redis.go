package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/message"
)

// RedisBackendName is the registry key of the Redis backend.
const RedisBackendName = "redis"

const (
	defaultNamespace    = "guild"
	defaultPollInterval = 500 * time.Millisecond
	defaultEnvelopeTTL  = 24 * time.Hour
	reportTimeout       = 2 * time.Second
)

// RedisConfig is the typed config of the redis backend.
type RedisConfig struct {
	URL                  string        `yaml:"url"`
	Namespace            string        `yaml:"namespace"`
	MaxDeliveryAttempts  int           `yaml:"max_delivery_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	EnvelopeTTL          time.Duration `yaml:"envelope_ttl"`
}

// ParseRedisConfig decodes raw strictly and applies defaults.
func ParseRedisConfig(raw map[string]any) (RedisConfig, error) {
	var cfg RedisConfig
	if err := config.DecodeStrict(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("url is required")
	}
	if _, err := redis.ParseURL(cfg.URL); err != nil {
		return cfg, fmt.Errorf("invalid url: %w", err)
	}
	if err := cfg.policy().validate(); err != nil {
		return cfg, err
	}
	if cfg.PollInterval < 0 || cfg.EnvelopeTTL < 0 {
		return cfg, fmt.Errorf("poll_interval and envelope_ttl must be positive")
	}

	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.EnvelopeTTL == 0 {
		cfg.EnvelopeTTL = defaultEnvelopeTTL
	}
	return cfg, nil
}

func (c RedisConfig) policy() retryPolicy {
	return retryPolicy{
		maxAttempts:     c.MaxDeliveryAttempts,
		initialInterval: c.RetryInitialInterval,
		maxInterval:     c.RetryMaxInterval,
	}
}

func redisFactory(raw map[string]any) (Constructor, error) {
	cfg, err := ParseRedisConfig(raw)
	if err != nil {
		return nil, err
	}
	return func(opts Options) (Backend, error) {
		return NewRedis(cfg, opts)
	}, nil
}

// Redis is a broker-backed backend. Pending envelopes survive the process: a subscriber
// that comes back picks up what was queued for it.
type Redis struct {
	cfg    RedisConfig
	policy retryPolicy
	opts   Options
	rdb    *redis.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	closed      bool
	subs        map[string]*redisSubscription
	deadLetters []DeadLetter

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	report       ShutdownReport
	shutdownErr  error
}

// NewRedis creates a Redis backend. cfg should come from ParseRedisConfig. The connection
// is established lazily.
func NewRedis(cfg RedisConfig, opts Options) (*Redis, error) {
	if opts.GuildID == "" {
		return nil, fmt.Errorf("guild id cannot be empty")
	}
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.EnvelopeTTL <= 0 {
		cfg.EnvelopeTTL = defaultEnvelopeTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		cfg:    cfg,
		policy: cfg.policy().withDefaults(),
		opts:   opts,
		rdb:    redis.NewClient(redisOpts),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*redisSubscription),
	}, nil
}

func (b *Redis) Name() string { return RedisBackendName }

// Ping verifies Redis connectivity.
func (b *Redis) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish stores env once and queues its id for every current subscriber of its targets.
// Direct recipients without an inbox subscriber are dead-lettered.
func (b *Redis) Publish(ctx context.Context, env *message.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	missed, err := b.publish(ctx, env)
	if err != nil {
		return err
	}
	for _, dl := range missed {
		b.recordDeadLetter(ctx, dl, "")
		reportDeadLetter(b.opts, RedisBackendName, dl, ErrNoSubscriber)
	}
	return nil
}

func (b *Redis) publish(ctx context.Context, env *message.Envelope) ([]DeadLetter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	data, err := message.Marshal(env)
	if err != nil {
		return nil, err
	}

	ns, g, hexID := b.cfg.Namespace, b.opts.GuildID, env.ID.Hex()
	targets := env.Targets()

	members := make(map[string][]string, len(targets))
	for _, topic := range targets {
		ids, err := b.rdb.SMembers(ctx, SubscribersKey(ns, g, topic)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read subscribers of %q: %w", topic, err)
		}
		members[topic] = ids
	}

	fanout := 0
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, EnvelopeKey(ns, g, hexID), data, b.cfg.EnvelopeTTL)
		notified := make(map[string]bool)
		for _, topic := range targets {
			for _, id := range members[topic] {
				pipe.ZAdd(ctx, QueueKey(ns, g, topic, id), redis.Z{Score: 0, Member: hexID})
				notified[id] = true
				fanout++
			}
		}
		for id := range notified {
			pipe.Publish(ctx, NotifyChannel(ns, g, id), hexID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish envelope %s: %w", env.ID, err)
	}

	b.opts.Metrics.RecordPublish(RedisBackendName)
	observability.Event(b.opts.Logger.Debug(), "envelope_published").
		Str("guild_id", g).
		Stringer("envelope_id", env.ID).
		Strs("targets", targets).
		Int("fanout", fanout).
		Msg("envelope published")
	return unreachable(env, func(topic string) bool { return len(members[topic]) > 0 }), nil
}

// Subscribe registers subscriber on topic and starts its delivery loop.
func (b *Redis) Subscribe(ctx context.Context, topic string, subscriber message.AgentTag, handler Handler) (Subscription, error) {
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
	key := subKey(topic, subscriber.ID)
	if _, exists := b.subs[key]; exists {
		return nil, fmt.Errorf("%w: %s on %q", ErrDuplicateSubscription, subscriber.ID, topic)
	}

	ns, g := b.cfg.Namespace, b.opts.GuildID
	if err := b.rdb.SAdd(ctx, SubscribersKey(ns, g, topic), subscriber.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to register subscriber: %w", err)
	}

	pubsub := b.rdb.Subscribe(b.ctx, NotifyChannel(ns, g, subscriber.ID))
	// Wait for confirmation so no notification published after Subscribe returns is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		b.rdb.SRem(ctx, SubscribersKey(ns, g, topic), subscriber.ID)
		return nil, fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	subCtx, cancel := context.WithCancel(b.ctx)
	s := &redisSubscription{
		backend:    b,
		topic:      topic,
		subscriber: subscriber,
		handler:    handler,
		queueKey:   QueueKey(ns, g, topic, subscriber.ID),
		pubsub:     pubsub,
		ctx:        subCtx,
		cancel:     cancel,
		draining:   make(chan struct{}),
	}
	b.subs[key] = s
	b.wg.Add(1)
	go b.run(s)

	return s, nil
}

func (b *Redis) run(s *redisSubscription) {
	defer b.wg.Done()
	defer s.pubsub.Close()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	notify := s.pubsub.Channel()

	for {
		if !b.drainQueue(s) {
			return
		}
		select {
		case <-s.draining:
			return
		default:
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.draining:
		case <-notify:
		case <-ticker.C:
		}
	}
}

// drainQueue delivers queued envelopes in ID order until the queue is empty or Redis
// errors. It returns false once the subscription has stopped.
func (b *Redis) drainQueue(s *redisSubscription) bool {
	for {
		if s.ctx.Err() != nil {
			return false
		}
		ids, err := b.rdb.ZRange(s.ctx, s.queueKey, 0, 0).Result()
		if err != nil {
			if s.ctx.Err() != nil {
				return false
			}
			observability.Event(b.opts.Logger.Warn(), "queue_read_failed").
				Str("guild_id", b.opts.GuildID).
				Str("queue", s.queueKey).
				Err(err).
				Msg("failed to read delivery queue")
			return true
		}
		if len(ids) == 0 {
			return true
		}

		s.setInFlight(ids[0])
		progressed := b.deliverOne(s, ids[0])
		s.setInFlight("")
		if !progressed {
			return s.ctx.Err() == nil
		}
	}
}

// deliverOne hands one queued envelope to the subscriber. It returns false when the
// queue entry was left in place.
func (b *Redis) deliverOne(s *redisSubscription, hexID string) bool {
	ns, g := b.cfg.Namespace, b.opts.GuildID
	id, err := message.ParseHexID(hexID)
	if err != nil {
		b.rdb.ZRem(s.ctx, s.queueKey, hexID)
		return true
	}

	data, err := b.rdb.Get(s.ctx, EnvelopeKey(ns, g, hexID)).Bytes()
	if errors.Is(err, redis.Nil) {
		b.deadLetter(s, id, 0, fmt.Errorf("envelope expired before delivery"))
		return true
	}
	if err != nil {
		return false
	}
	env, err := message.Unmarshal(data)
	if err != nil {
		b.deadLetter(s, id, 0, err)
		return true
	}

	attempts, err := b.policy.deliver(s.ctx, s.handler, env)
	if err == nil {
		// Remove with a fresh context so a shutdown racing a successful call does not
		// cause a redelivery.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), reportTimeout)
		defer cancel()
		b.rdb.ZRem(ctx, s.queueKey, hexID)
		b.opts.Metrics.RecordDelivery(RedisBackendName)
		return true
	}
	if s.ctx.Err() != nil {
		return false
	}
	b.deadLetter(s, id, attempts, err)
	return true
}

func (b *Redis) deadLetter(s *redisSubscription, id message.ID, attempts int, cause error) {
	dl := DeadLetter{
		Topic:        s.topic,
		SubscriberID: s.subscriber.ID,
		EnvelopeID:   id,
		Attempts:     attempts,
		Error:        cause.Error(),
		AtMs:         time.Now().UnixMilli(),
	}
	b.recordDeadLetter(s.ctx, dl, s.queueKey)
	reportDeadLetter(b.opts, RedisBackendName, dl, cause)
}

// recordDeadLetter appends dl to the guild's dead letter list and, when queueKey is set,
// removes the envelope from that queue in the same transaction.
func (b *Redis) recordDeadLetter(ctx context.Context, dl DeadLetter, queueKey string) {
	record, err := json.Marshal(dl)
	if err == nil {
		_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, DeadLettersKey(b.cfg.Namespace, b.opts.GuildID), record)
			if queueKey != "" {
				pipe.ZRem(ctx, queueKey, dl.EnvelopeID.Hex())
			}
			return nil
		})
	}
	if err != nil {
		observability.Event(b.opts.Logger.Error(), "dead_letter_write_failed").
			Str("guild_id", b.opts.GuildID).
			Stringer("envelope_id", dl.EnvelopeID).
			Err(err).
			Msg("failed to record dead letter")
	}

	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, dl)
	b.mu.Unlock()
}

// DeadLetters reads the guild's dead letter list from Redis.
func (b *Redis) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	records, err := b.rdb.LRange(ctx, DeadLettersKey(b.cfg.Namespace, b.opts.GuildID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(records))
	for _, r := range records {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Shutdown stops publishes, lets each delivery loop empty its queue until ctx ends, then
// deregisters the subscribers. Envelopes still queued stay in Redis and are reported.
func (b *Redis) Shutdown(ctx context.Context) (ShutdownReport, error) {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := make([]*redisSubscription, 0, len(b.subs))
		for _, s := range b.subs {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		for _, s := range subs {
			s.drain()
		}

		drained := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
		}
		b.cancel()

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()

		report := ShutdownReport{Backend: RedisBackendName}
		for _, s := range subs {
			left, err := b.rdb.ZRange(rctx, s.queueKey, 0, -1).Result()
			if err != nil {
				b.shutdownErr = errors.Join(b.shutdownErr, fmt.Errorf("failed to read queue %s: %w", s.queueKey, err))
				continue
			}
			inFlight := s.getInFlight()
			for _, hexID := range left {
				id, err := message.ParseHexID(hexID)
				if err != nil {
					continue
				}
				state := StateQueued
				if hexID == inFlight {
					state = StateInFlight
				}
				report.Undelivered = append(report.Undelivered, Undelivered{
					Topic:        s.topic,
					SubscriberID: s.subscriber.ID,
					EnvelopeID:   id,
					State:        state,
				})
			}
			b.rdb.SRem(rctx, SubscribersKey(b.cfg.Namespace, b.opts.GuildID, s.topic), s.subscriber.ID)
		}
		sort.Slice(report.Undelivered, func(i, j int) bool {
			return report.Undelivered[i].EnvelopeID < report.Undelivered[j].EnvelopeID
		})

		b.mu.Lock()
		report.DeadLetters = append([]DeadLetter(nil), b.deadLetters...)
		b.mu.Unlock()
		b.report = report

		if err := b.rdb.Close(); err != nil {
			b.shutdownErr = errors.Join(b.shutdownErr, fmt.Errorf("failed to close redis client: %w", err))
		}

		observability.Event(b.opts.Logger.Info(), "messaging_shutdown").
			Str("guild_id", b.opts.GuildID).
			Str("backend", RedisBackendName).
			Int("undelivered", len(report.Undelivered)).
			Int("dead_letters", len(report.DeadLetters)).
			Msg("messaging backend shut down")
	})
	return b.report, b.shutdownErr
}

func (b *Redis) unsubscribe(s *redisSubscription) {
	s.cancel()

	b.mu.Lock()
	key := subKey(s.topic, s.subscriber.ID)
	if b.subs[key] == s {
		delete(b.subs, key)
	}
	closed := b.closed
	b.mu.Unlock()

	if !closed {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		b.rdb.SRem(ctx, SubscribersKey(b.cfg.Namespace, b.opts.GuildID, s.topic), s.subscriber.ID)
	}
}

func subKey(topic, subscriberID string) string {
	return topic + "\x00" + subscriberID
}

type redisSubscription struct {
	backend    *Redis
	topic      string
	subscriber message.AgentTag
	handler    Handler
	queueKey   string
	pubsub     *redis.PubSub

	ctx       context.Context
	cancel    context.CancelFunc
	draining  chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once

	mu       sync.Mutex
	inFlight string
}

func (s *redisSubscription) Topic() string                { return s.topic }
func (s *redisSubscription) Subscriber() message.AgentTag { return s.subscriber }

// Close stops delivery; queued envelopes remain in Redis. Safe to call multiple times.
func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() { s.backend.unsubscribe(s) })
	return nil
}

func (s *redisSubscription) drain() {
	s.drainOnce.Do(func() { close(s.draining) })
}

func (s *redisSubscription) setInFlight(hexID string) {
	s.mu.Lock()
	s.inFlight = hexID
	s.mu.Unlock()
}

func (s *redisSubscription) getInFlight() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
