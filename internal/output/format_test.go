package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/internal/environment"
	"github.com/dyluth/guild/internal/runtime"
	"github.com/dyluth/guild/pkg/guild"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFormatAge(t *testing.T) {
	tests := []struct {
		name     string
		ago      time.Duration
		expected string
	}{
		{"seconds", 30 * time.Second, "30s ago"},
		{"minutes", 5 * time.Minute, "5m ago"},
		{"hours", 3 * time.Hour, "3h ago"},
		{"days", 50 * time.Hour, "2d ago"},
		{"future clamps to zero", -time.Minute, "0s ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatAge(now.Add(-tt.ago).UnixMilli(), now))
		})
	}
	assert.Equal(t, "-", formatAge(0, now))
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "0b6a1a52", formatID("0b6a1a52-93b4-5c2c-9f5e-2f0d1d6f1a7e"))
	assert.Equal(t, "alpha", formatID("alpha"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "-", truncate("  ", 10))
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcdefg...", truncate(strings.Repeat("abcdefghij", 3), 10))
}

func TestGuildTable(t *testing.T) {
	var buf bytes.Buffer
	guilds := []*guild.GuildSpec{
		{
			ID:          "alpha",
			Name:        "Alpha",
			Status:      guild.StatusActive,
			Agents:      []guild.AgentSpec{{ID: "a1"}, {ID: "a2"}},
			Messaging:   &guild.MessagingConfig{Backend: "redis"},
			CreatedAtMs: now.Add(-2 * time.Hour).UnixMilli(),
		},
		{
			ID:          "beta",
			Name:        "Beta",
			Status:      guild.StatusStopped,
			UpdatedAtMs: now.Add(-90 * time.Second).UnixMilli(),
		},
	}

	n, err := GuildTable(&buf, guilds, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out := buf.String()
	for _, want := range []string{"alpha", "Alpha", "active", "redis", "2h ago", "beta", "stopped", "1m ago", "2 guilds"} {
		assert.Contains(t, out, want)
	}
}

func TestGuildTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	n, err := GuildTable(&buf, nil, now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "No guilds found\n", buf.String())
}

func TestAgentTable(t *testing.T) {
	var buf bytes.Buffer
	err := AgentTable(&buf, []runtime.AgentState{
		{ID: "echo-1", Name: "Echo", Implementation: "echo", State: runtime.AgentRunning, Topics: []string{"default_topic", "guild_status_topic"}},
		{ID: "kv-1", Name: "KV", Implementation: "kv", State: runtime.AgentFailed, Error: "kv requires a store"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "echo-1")
	assert.Contains(t, out, "default_topic,guild_status_topic")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "kv requires a store")
}

func TestEnvironmentTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EnvironmentTable(&buf, []environment.Info{
		{Name: "default-1", Status: environment.StatusRunning, RedisURL: "redis://localhost:6379", Uptime: "5m0s"},
		{Name: "prod", Status: environment.StatusStopped, Uptime: "-"},
	}))
	out := buf.String()
	assert.Contains(t, out, "redis://localhost:6379")
	assert.Contains(t, out, "prod")

	buf.Reset()
	require.NoError(t, EnvironmentTable(&buf, nil))
	assert.Equal(t, "No environments found\n", buf.String())
}

func TestJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONL(&buf, []*guild.GuildSpec{{ID: "a"}, {ID: "b"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var g guild.GuildSpec
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &g))
	assert.Equal(t, "b", g.ID)
}

func TestSingleJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SingleJSON(&buf, map[string]string{"id": "alpha"}))
	assert.Equal(t, "{\n  \"id\": \"alpha\"\n}\n", buf.String())
}
