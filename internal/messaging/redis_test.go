package messaging

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/internal/testutil"
	"github.com/dyluth/guild/pkg/message"
)

func newTestRedis(t *testing.T, opts Options) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg, err := ParseRedisConfig(map[string]any{
		"url":                    "redis://" + mr.Addr(),
		"poll_interval":          "10ms",
		"retry_initial_interval": "1ms",
		"max_delivery_attempts":  2,
	})
	require.NoError(t, err)

	b, err := NewRedis(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b, mr
}

func TestRedis_PublishAndDeliver(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t, testOptions(t))
	require.NoError(t, b.Ping(ctx))

	bobGot := testutil.NewRecorder[*message.Envelope]()
	carolGot := testutil.NewRecorder[*message.Envelope]()
	_, err := b.Subscribe(ctx, "news", bob, recordInto(bobGot))
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "news", carol, recordInto(carolGot))
	require.NoError(t, err)

	members, err := mr.Members(SubscribersKey("guild", "g1", "news"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, members)

	env := envelope(t, message.PriorityHigh, "news")
	env.InResponseTo = 7
	env.CurrentThreadID = 7
	require.NoError(t, b.Publish(ctx, env))

	got := bobGot.WaitN(t, 1, time.Second)[0]
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Priority, got.Priority)
	assert.Equal(t, message.ID(7), got.InResponseTo)
	assert.Equal(t, message.ID(7), got.CurrentThreadID)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
	carolGot.WaitN(t, 1, time.Second)

	assert.True(t, mr.Exists(EnvelopeKey("guild", "g1", env.ID.Hex())))
}

func TestRedis_DirectAddressing(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedis(t, testOptions(t))

	inbox := testutil.NewRecorder[*message.Envelope]()
	topic := testutil.NewRecorder[*message.Envelope]()
	_, err := b.Subscribe(ctx, message.InboxTopic("bob"), bob, recordInto(inbox))
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "news", carol, recordInto(topic))
	require.NoError(t, err)

	env := envelope(t, message.PriorityNormal, "news")
	env.RecipientList = []message.AgentTag{bob}
	require.NoError(t, b.Publish(ctx, env))

	inbox.WaitN(t, 1, time.Second)
	topic.Quiet(t, 0, 50*time.Millisecond)
}

func TestRedis_DirectToMissingInboxIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	sink := &deadLetterSink{}
	opts := testOptions(t)
	opts.OnDeadLetter = sink.add
	b, _ := newTestRedis(t, opts)

	inbox := testutil.NewRecorder[*message.Envelope]()
	_, err := b.Subscribe(ctx, message.InboxTopic(bob.ID), bob, recordInto(inbox))
	require.NoError(t, err)

	env := envelope(t, message.PriorityNormal, "news")
	env.RecipientList = []message.AgentTag{bob, {ID: "ghost"}}
	require.NoError(t, b.Publish(ctx, env))
	inbox.WaitN(t, 1, time.Second)

	require.Len(t, sink.all(), 1)
	derr := sink.all()[0]
	assert.Equal(t, "ghost", derr.SubscriberID)
	assert.Equal(t, RedisBackendName, derr.Backend)
	assert.ErrorIs(t, derr, ErrNoSubscriber)

	letters, err := b.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, env.ID, letters[0].EnvelopeID)
	assert.Equal(t, message.InboxTopic("ghost"), letters[0].Topic)
	assert.Equal(t, ErrNoSubscriber.Error(), letters[0].Error)
}

func TestRedis_DeliversPendingInIDOrder(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedis(t, testOptions(t))

	gate := make(chan struct{})
	got := testutil.NewRecorder[*message.Envelope]()
	_, err := b.Subscribe(ctx, "work", bob, func(_ context.Context, env *message.Envelope) error {
		got.Add(env)
		if got.Len() == 1 {
			<-gate
		}
		return nil
	})
	require.NoError(t, err)

	first := envelope(t, message.PriorityNormal, "work")
	require.NoError(t, b.Publish(ctx, first))
	got.WaitN(t, 1, time.Second)

	var queued []message.ID
	for _, p := range []message.Priority{message.PriorityVeryLow, message.PriorityUrgent, message.PriorityNormal, message.PriorityImportant} {
		env := envelope(t, p, "work")
		queued = append(queued, env.ID)
		require.NoError(t, b.Publish(ctx, env))
	}
	close(gate)

	delivered := idsOf(got.WaitN(t, 5, 2*time.Second))
	sort.Slice(queued, func(i, j int) bool { return queued[i] < queued[j] })
	assert.Equal(t, append([]message.ID{first.ID}, queued...), delivered)
}

func TestRedis_DeadLetters(t *testing.T) {
	ctx := context.Background()
	sink := &deadLetterSink{}
	opts := testOptions(t)
	opts.OnDeadLetter = sink.add
	b, mr := newTestRedis(t, opts)

	_, err := b.Subscribe(ctx, "news", bob, func(context.Context, *message.Envelope) error {
		return errors.New("unreachable")
	})
	require.NoError(t, err)

	env := envelope(t, message.PriorityNormal, "news")
	require.NoError(t, b.Publish(ctx, env))

	var letters []DeadLetter
	require.Eventually(t, func() bool {
		letters, err = b.DeadLetters(ctx)
		return err == nil && len(letters) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, env.ID, letters[0].EnvelopeID)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Equal(t, "unreachable", letters[0].Error)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, RedisBackendName, sink.all()[0].Backend)

	// The queue entry is gone once dead-lettered
	queued, err := mr.ZMembers(QueueKey("guild", "g1", "news", "bob"))
	if err == nil {
		assert.Empty(t, queued)
	}
}

func TestRedis_ExpiredEnvelopeIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t, testOptions(t))

	gate := make(chan struct{})
	got := testutil.NewRecorder[*message.Envelope]()
	_, err := b.Subscribe(ctx, "news", bob, func(_ context.Context, env *message.Envelope) error {
		got.Add(env)
		if got.Len() == 1 {
			<-gate
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, envelope(t, message.PriorityNormal, "news")))
	got.WaitN(t, 1, time.Second)

	lost := envelope(t, message.PriorityNormal, "news")
	require.NoError(t, b.Publish(ctx, lost))
	mr.Del(EnvelopeKey("guild", "g1", lost.ID.Hex()))
	close(gate)

	require.Eventually(t, func() bool {
		letters, err := b.DeadLetters(ctx)
		return err == nil && len(letters) == 1 && letters[0].EnvelopeID == lost.ID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, got.Len())
}

func TestRedis_ShutdownReportsQueued(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t, testOptions(t))

	release := make(chan struct{})
	defer close(release)
	started := testutil.NewRecorder[message.ID]()
	_, err := b.Subscribe(ctx, "news", bob, func(_ context.Context, env *message.Envelope) error {
		started.Add(env.ID)
		<-release
		return nil
	})
	require.NoError(t, err)

	first := envelope(t, message.PriorityNormal, "news")
	second := envelope(t, message.PriorityNormal, "news")
	require.NoError(t, b.Publish(ctx, first))
	require.NoError(t, b.Publish(ctx, second))
	started.WaitN(t, 1, time.Second)

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	report, err := b.Shutdown(stopCtx)
	require.NoError(t, err)

	require.Len(t, report.Undelivered, 2)
	assert.Equal(t, StateInFlight, report.Undelivered[0].State)
	assert.Equal(t, first.ID, report.Undelivered[0].EnvelopeID)
	assert.Equal(t, StateQueued, report.Undelivered[1].State)
	assert.Equal(t, second.ID, report.Undelivered[1].EnvelopeID)

	// Subscribers are deregistered so nothing more queues for them
	members, _ := mr.Members(SubscribersKey("guild", "g1", "news"))
	assert.Empty(t, members)

	assert.ErrorIs(t, b.Publish(ctx, envelope(t, message.PriorityNormal, "news")), ErrBackendClosed)
}

func TestRedis_QueuedEnvelopesSurviveResubscribe(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedis(t, testOptions(t))

	started := testutil.NewRecorder[message.ID]()
	blocked := make(chan struct{})
	sub, err := b.Subscribe(ctx, "news", bob, func(ctx context.Context, env *message.Envelope) error {
		started.Add(env.ID)
		<-ctx.Done()
		close(blocked)
		return ctx.Err()
	})
	require.NoError(t, err)

	env := envelope(t, message.PriorityNormal, "news")
	require.NoError(t, b.Publish(ctx, env))
	started.WaitN(t, 1, time.Second)
	require.NoError(t, sub.Close())
	testutil.WaitClosed(t, blocked, time.Second)

	got := testutil.NewRecorder[*message.Envelope]()
	_, err = b.Subscribe(ctx, "news", bob, recordInto(got))
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.WaitN(t, 1, time.Second)[0].ID)
}

func TestRedis_DuplicateSubscription(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedis(t, testOptions(t))

	_, err := b.Subscribe(ctx, "news", bob, noopHandler)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "news", bob, noopHandler)
	assert.ErrorIs(t, err, ErrDuplicateSubscription)
}

func TestNewRedis_RequiresGuildID(t *testing.T) {
	_, err := NewRedis(RedisConfig{URL: "redis://localhost:6379"}, Options{})
	assert.Error(t, err)
}
