package docker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLabels(t *testing.T) {
	cases := []struct {
		name      string
		component string
		want      map[string]string
	}{
		{
			name:      "redis container",
			component: ComponentRedis,
			want: map[string]string{
				LabelProject:   "true",
				LabelEnvName:   "prod",
				LabelEnvRunID:  "run-1",
				LabelComponent: ComponentRedis,
			},
		},
		{
			name: "component omitted",
			want: map[string]string{
				LabelProject:  "true",
				LabelEnvName:  "prod",
				LabelEnvRunID: "run-1",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, BuildLabels("prod", "run-1", tc.component))
		})
	}
}

func TestGenerateRunID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		id := GenerateRunID()
		_, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate run id %s", id)
		seen[id] = true
	}
}

func TestResourceNames(t *testing.T) {
	assert.Equal(t, "guild-network-dev", NetworkName("dev"))
	assert.Equal(t, "guild-redis-dev", RedisContainerName("dev"))
	assert.NotEqual(t, RedisContainerName("a"), RedisContainerName("b"))
}

func TestRedisURL(t *testing.T) {
	assert.Regexp(t, `^redis://(localhost|host\.docker\.internal):6380$`, RedisURL(6380))
}
