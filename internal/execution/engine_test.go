package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/internal/testutil"
	"github.com/dyluth/guild/pkg/message"
)

// engineCase builds a started engine for the behaviour every engine shares.
type engineCase struct {
	name string
	new  func(opts Options) Engine
}

var engineCases = []engineCase{
	{name: SyncEngineName, new: func(opts Options) Engine {
		return NewSync(SyncConfig{StopTimeout: time.Second}, opts)
	}},
	{name: PoolEngineName, new: func(opts Options) Engine {
		return NewPool(PoolConfig{MaxConcurrency: 4, StopTimeout: time.Second}, opts)
	}},
}

func startEngine(t *testing.T, c engineCase, opts Options) Engine {
	t.Helper()
	e := c.new(opts)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e
}

// dispatchAsync dispatches from a fresh goroutine, the way a backend's delivery loop does.
func dispatchAsync(t *testing.T, e Engine, agentID string, env *message.Envelope) {
	go func() {
		if err := e.Dispatch(context.Background(), agentID, env); err != nil {
			t.Errorf("dispatch %s: %v", env.ID, err)
		}
	}()
}

func TestEngines_HandleInDispatchOrder(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := startEngine(t, c, testOptions(nil))
			got := testutil.NewRecorder[message.ID]()
			require.NoError(t, e.Register(bob, func(_ context.Context, env *message.Envelope) error {
				got.Add(env.ID)
				return nil
			}, AgentOptions{}))

			var want []message.ID
			for i := 0; i < 10; i++ {
				env := envelope(t)
				want = append(want, env.ID)
				require.NoError(t, e.Dispatch(context.Background(), bob.ID, env))
			}
			assert.Equal(t, want, got.WaitN(t, 10, time.Second))
		})
	}
}

func TestEngines_AgentHandlerIsSerial(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := startEngine(t, c, testOptions(nil))
			var running, peak int32
			done := testutil.NewRecorder[message.ID]()
			require.NoError(t, e.Register(bob, func(_ context.Context, env *message.Envelope) error {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				done.Add(env.ID)
				return nil
			}, AgentOptions{}))

			for i := 0; i < 8; i++ {
				dispatchAsync(t, e, bob.ID, envelope(t))
			}
			done.WaitN(t, 8, 2*time.Second)
			assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
		})
	}
}

func TestEngines_ConcurrentAgentOption(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := startEngine(t, c, testOptions(nil))
			release := make(chan struct{})
			started := testutil.NewRecorder[message.ID]()
			require.NoError(t, e.Register(bob, func(_ context.Context, env *message.Envelope) error {
				started.Add(env.ID)
				<-release
				return nil
			}, AgentOptions{Concurrency: 3}))

			for i := 0; i < 3; i++ {
				dispatchAsync(t, e, bob.ID, envelope(t))
			}
			started.WaitN(t, 3, time.Second)
			close(release)
		})
	}
}

func TestEngines_FaultIsolation(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			sink := &failureSink{}
			e := startEngine(t, c, testOptions(sink))

			boom := errors.New("boom")
			handled := testutil.NewRecorder[message.ID]()
			var calls int32
			require.NoError(t, e.Register(bob, func(_ context.Context, env *message.Envelope) error {
				defer handled.Add(env.ID)
				switch atomic.AddInt32(&calls, 1) {
				case 1:
					return boom
				case 2:
					panic("kaboom")
				}
				return nil
			}, AgentOptions{}))

			first, second, third := envelope(t), envelope(t), envelope(t)
			for _, env := range []*message.Envelope{first, second, third} {
				require.NoError(t, e.Dispatch(context.Background(), bob.ID, env))
			}
			handled.WaitN(t, 3, time.Second)

			require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)
			errs := sink.all()
			assert.ErrorIs(t, errs[0], boom)
			assert.False(t, errs[0].Panic)
			assert.Equal(t, first.ID, errs[0].EnvelopeID)
			assert.True(t, errs[1].Panic)
			assert.Contains(t, errs[1].Error(), "kaboom")
			assert.Equal(t, second.ID, errs[1].EnvelopeID)
			assert.Equal(t, bob.ID, errs[1].AgentID)
		})
	}
}

func TestEngines_SlowAgentDoesNotStarveOthers(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := startEngine(t, c, testOptions(nil))
			release := make(chan struct{})
			defer close(release)
			require.NoError(t, e.Register(bob, func(context.Context, *message.Envelope) error {
				<-release
				return nil
			}, AgentOptions{}))
			fast := testutil.NewRecorder[message.ID]()
			require.NoError(t, e.Register(alice, func(_ context.Context, env *message.Envelope) error {
				fast.Add(env.ID)
				return nil
			}, AgentOptions{}))

			dispatchAsync(t, e, bob.ID, envelope(t))
			for i := 0; i < 5; i++ {
				dispatchAsync(t, e, alice.ID, envelope(t))
			}
			fast.WaitN(t, 5, time.Second)
		})
	}
}

func TestEngines_DispatchErrors(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := c.new(testOptions(nil))
			require.NoError(t, e.Register(bob, func(context.Context, *message.Envelope) error { return nil }, AgentOptions{}))

			err := e.Dispatch(context.Background(), bob.ID, envelope(t))
			assert.ErrorIs(t, err, ErrEngineNotStarted)

			require.NoError(t, e.Start(context.Background()))
			err = e.Dispatch(context.Background(), "nobody", envelope(t))
			assert.ErrorIs(t, err, ErrUnknownAgent)

			_, err = e.Stop(context.Background())
			require.NoError(t, err)
			err = e.Dispatch(context.Background(), bob.ID, envelope(t))
			assert.ErrorIs(t, err, ErrEngineStopped)
			assert.ErrorIs(t, e.Register(alice, func(context.Context, *message.Envelope) error { return nil }, AgentOptions{}), ErrEngineStopped)
		})
	}
}

func TestEngines_RegisterRejectsDuplicates(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := startEngine(t, c, testOptions(nil))
			h := func(context.Context, *message.Envelope) error { return nil }
			require.NoError(t, e.Register(bob, h, AgentOptions{}))
			assert.Error(t, e.Register(bob, h, AgentOptions{}))
			assert.Error(t, e.Register(message.AgentTag{}, h, AgentOptions{}))
			assert.Error(t, e.Register(alice, nil, AgentOptions{}))
		})
	}
}

func TestEngines_UnregisterFinishesAcceptedWork(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := startEngine(t, c, testOptions(nil))
			got := testutil.NewRecorder[message.ID]()
			require.NoError(t, e.Register(bob, func(_ context.Context, env *message.Envelope) error {
				got.Add(env.ID)
				return nil
			}, AgentOptions{}))

			env := envelope(t)
			require.NoError(t, e.Dispatch(context.Background(), bob.ID, env))
			require.NoError(t, e.Unregister(bob.ID))
			assert.Equal(t, []message.ID{env.ID}, got.WaitN(t, 1, time.Second))

			err := e.Dispatch(context.Background(), bob.ID, envelope(t))
			assert.ErrorIs(t, err, ErrUnknownAgent)
			assert.ErrorIs(t, e.Unregister(bob.ID), ErrUnknownAgent)

			h := func(context.Context, *message.Envelope) error { return nil }
			assert.NoError(t, e.Register(bob, h, AgentOptions{}), "a removed agent can be registered again")
		})
	}
}

func TestEngines_StopWaitsForRunningHandlers(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := startEngine(t, c, testOptions(nil))
			started := testutil.NewRecorder[message.ID]()
			var finished int32
			require.NoError(t, e.Register(bob, func(_ context.Context, env *message.Envelope) error {
				started.Add(env.ID)
				time.Sleep(30 * time.Millisecond)
				atomic.StoreInt32(&finished, 1)
				return nil
			}, AgentOptions{}))

			dispatchAsync(t, e, bob.ID, envelope(t))
			started.WaitN(t, 1, time.Second)

			report, err := e.Stop(context.Background())
			require.NoError(t, err)
			assert.True(t, report.Clean())
			assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
		})
	}
}

func TestEngines_StopIsBoundedAndReportsStragglers(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := startEngine(t, c, testOptions(nil))
			release := make(chan struct{})
			defer close(release)
			started := testutil.NewRecorder[message.ID]()
			require.NoError(t, e.Register(bob, func(_ context.Context, env *message.Envelope) error {
				started.Add(env.ID)
				<-release
				return nil
			}, AgentOptions{}))

			stuck := envelope(t)
			dispatchAsync(t, e, bob.ID, stuck)
			started.WaitN(t, 1, time.Second)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			begin := time.Now()
			report, err := e.Stop(ctx)
			require.NoError(t, err)
			assert.Less(t, time.Since(begin), time.Second)
			assert.Equal(t, c.name, report.Engine)
			require.NotEmpty(t, report.Stragglers)
			assert.Equal(t, Straggler{AgentID: bob.ID, EnvelopeID: stuck.ID, State: StragglerInFlight}, report.Stragglers[0])

			again, err := e.Stop(context.Background())
			require.NoError(t, err)
			assert.Equal(t, report, again)
		})
	}
}

func TestEngines_ConcurrentStopCalls(t *testing.T) {
	for _, c := range engineCases {
		t.Run(c.name, func(t *testing.T) {
			e := startEngine(t, c, testOptions(nil))
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := e.Stop(context.Background())
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
		})
	}
}
