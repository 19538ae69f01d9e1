package store

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

type storeCase struct {
	name string
	open func(t *testing.T) Store
}

var storeCases = []storeCase{
	{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
	{name: "redis", open: func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

func testSpec(id string, createdAtMs int64) *guild.GuildSpec {
	listen := false
	return &guild.GuildSpec{
		ID:          id,
		Name:        "research",
		Description: "finds things",
		Agents: []guild.AgentSpec{{
			ID:                   id + "-a1",
			Name:                 "Echo",
			Implementation:       "echo",
			AdditionalTopics:     []string{"news"},
			ListenToDefaultTopic: &listen,
			Properties:           map[string]any{"prefix": "re: "},
			DependencyMap:        map[string]guild.DependencySpec{},
		}},
		Messaging:       &guild.MessagingConfig{Backend: "in_memory", Config: map[string]any{}},
		ExecutionEngine: &guild.EngineConfig{Name: "sync", Config: map[string]any{}},
		DependencyMap: map[string]guild.DependencySpec{
			"kv": {Resolver: "memory_kv", Scope: guild.ScopeAgent},
		},
		Properties:  map[string]any{"owner": "ops"},
		Status:      guild.StatusActive,
		CreatedAtMs: createdAtMs,
		UpdatedAtMs: createdAtMs,
	}
}

func TestStores_CreateGet(t *testing.T) {
	for _, c := range storeCases {
		t.Run(c.name, func(t *testing.T) {
			s := c.open(t)
			ctx := context.Background()
			spec := testSpec("g1", 100)
			require.NoError(t, s.Create(ctx, spec))

			got, err := s.Get(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, spec, got)

			got.Name = "mutated"
			again, err := s.Get(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, "research", again.Name)
		})
	}
}

func TestStores_CreateDuplicateIsConflict(t *testing.T) {
	for _, c := range storeCases {
		t.Run(c.name, func(t *testing.T) {
			s := c.open(t)
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, testSpec("g1", 100)))

			other := testSpec("g1", 200)
			other.Name = "imposter"
			err := s.Create(ctx, other)
			assert.True(t, guild.IsConflict(err))

			got, err := s.Get(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, "research", got.Name)
		})
	}
}

func TestStores_NotFound(t *testing.T) {
	for _, c := range storeCases {
		t.Run(c.name, func(t *testing.T) {
			s := c.open(t)
			ctx := context.Background()

			_, err := s.Get(ctx, "nope")
			assert.True(t, guild.IsNotFound(err))
			_, err = s.UpdateStatus(ctx, "nope", guild.StatusStopped, 1)
			assert.True(t, guild.IsNotFound(err))
			assert.True(t, guild.IsNotFound(s.Delete(ctx, "nope")))
		})
	}
}

func TestStores_UpdateStatusIsReadAfterWrite(t *testing.T) {
	for _, c := range storeCases {
		t.Run(c.name, func(t *testing.T) {
			s := c.open(t)
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, testSpec("g1", 100)))

			for i, status := range []guild.Status{guild.StatusStopped, guild.StatusArchived, guild.StatusActive} {
				updated, err := s.UpdateStatus(ctx, "g1", status, int64(200+i))
				require.NoError(t, err)
				assert.Equal(t, status, updated.Status)

				got, err := s.Get(ctx, "g1")
				require.NoError(t, err)
				assert.Equal(t, status, got.Status)
				assert.Equal(t, int64(200+i), got.UpdatedAtMs)
				assert.Equal(t, int64(100), got.CreatedAtMs)
			}
		})
	}
}

func TestStores_AddAndRemoveAgent(t *testing.T) {
	for _, c := range storeCases {
		t.Run(c.name, func(t *testing.T) {
			s := c.open(t)
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, testSpec("g1", 100)))

			added := guild.AgentSpec{
				ID:                   "g1-a2",
				Name:                 "Counter",
				Implementation:       "counter",
				AdditionalTopics:     []string{},
				Properties:           map[string]any{},
				DependencyMap:        map[string]guild.DependencySpec{},
				ListenToDefaultTopic: new(bool),
			}
			updated, err := s.AddAgent(ctx, "g1", added, 150)
			require.NoError(t, err)
			require.Len(t, updated.Agents, 2)
			assert.Equal(t, int64(150), updated.UpdatedAtMs)

			got, err := s.Get(ctx, "g1")
			require.NoError(t, err)
			require.Len(t, got.Agents, 2)
			assert.Equal(t, added, got.Agents[1])
			assert.Equal(t, guild.StatusActive, got.Status)

			_, err = s.AddAgent(ctx, "g1", added, 160)
			assert.True(t, guild.IsConflict(err))

			updated, err = s.RemoveAgent(ctx, "g1", "g1-a1", 170)
			require.NoError(t, err)
			require.Len(t, updated.Agents, 1)
			assert.Equal(t, "g1-a2", updated.Agents[0].ID)

			got, err = s.Get(ctx, "g1")
			require.NoError(t, err)
			require.Len(t, got.Agents, 1)
			assert.Equal(t, int64(170), got.UpdatedAtMs)

			_, err = s.RemoveAgent(ctx, "g1", "g1-a1", 180)
			assert.True(t, guild.IsNotFound(err))
			_, err = s.AddAgent(ctx, "nope", added, 180)
			assert.True(t, guild.IsNotFound(err))
		})
	}
}

func TestStores_PersistRoutes(t *testing.T) {
	for _, c := range storeCases {
		t.Run(c.name, func(t *testing.T) {
			s := c.open(t)
			ctx := context.Background()
			high := message.PriorityHigh
			spec := testSpec("g1", 100)
			spec.Routes = &guild.RoutingSlip{Steps: []guild.RoutingRule{{
				Agent:         &message.AgentTag{ID: "g1-a1"},
				MessageFormat: "text",
				OriginFilter:  &guild.RoutingOrigin{Topic: "news"},
				Destination: guild.RoutingDestination{
					RecipientList: []message.AgentTag{{ID: "g1-a1", Name: "Echo"}},
					Priority:      &high,
				},
				RouteTimes: guild.RouteUnlimited,
			}}}
			require.NoError(t, s.Create(ctx, spec))

			got, err := s.Get(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, spec.Routes, got.Routes)
		})
	}
}

func TestStores_ConcurrentUpdatesLeaveOneWinner(t *testing.T) {
	for _, c := range storeCases {
		t.Run(c.name, func(t *testing.T) {
			s := c.open(t)
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, testSpec("g1", 100)))

			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					status := guild.StatusStopped
					if i%2 == 0 {
						status = guild.StatusArchived
					}
					s.UpdateStatus(ctx, "g1", status, int64(i))
				}(i)
			}
			wg.Wait()

			got, err := s.Get(ctx, "g1")
			require.NoError(t, err)
			assert.Contains(t, []guild.Status{guild.StatusStopped, guild.StatusArchived}, got.Status)
		})
	}
}

func TestStores_ListAndDelete(t *testing.T) {
	for _, c := range storeCases {
		t.Run(c.name, func(t *testing.T) {
			s := c.open(t)
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, testSpec("g2", 200)))
			require.NoError(t, s.Create(ctx, testSpec("g1", 100)))
			require.NoError(t, s.Create(ctx, testSpec("g0", 200)))

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, []string{"g1", "g0", "g2"}, []string{list[0].ID, list[1].ID, list[2].ID})

			require.NoError(t, s.Delete(ctx, "g0"))
			list, err = s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 2)
			_, err = s.Get(ctx, "g0")
			assert.True(t, guild.IsNotFound(err))
		})
	}
}

func TestRedis_KeysAndStaleIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testSpec("g1", 100)))
	assert.True(t, mr.Exists("guild:g1"))
	assert.Equal(t, "active", mr.HGet("guild:g1", "status"))
	members, err := mr.Members("guild:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, members)

	mr.Del("guild:g1")
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedis_SurvivesReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	require.NoError(t, first.Create(ctx, testSpec("g1", 100)))
	_, err := first.UpdateStatus(ctx, "g1", guild.StatusStopped, 150)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer second.Close()
	got, err := second.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, guild.StatusStopped, got.Status)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Backend: config.StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(ctx, config.StoreConfig{Backend: config.StoreRedis, RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, s)
	s.Close()

	_, err = Open(ctx, config.StoreConfig{Backend: "etcd"})
	assert.Error(t, err)
}
