package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/internal/config"
)

func TestInitialize(t *testing.T) {
	dir := t.TempDir()

	created, err := Initialize(dir, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"guild.yml", filepath.Join("guilds", "echo.yaml")}, created)

	cfg, err := config.Load(filepath.Join(dir, ConfigFile))
	require.NoError(t, err)
	assert.Equal(t, "guilds", cfg.Server.SpecDir)
	assert.Equal(t, config.StoreMemory, cfg.Store.Backend)

	spec, err := config.LoadGuildSpec(filepath.Join(dir, "guilds", "echo.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "echo", spec.Name)
	require.Len(t, spec.Agents, 2)
}

func TestInitialize_RefusesExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("old"), 0o644))

	_, err := Initialize(dir, false)
	assert.EqualError(t, err, "project already initialized: found existing guild.yml")

	content, _ := os.ReadFile(filepath.Join(dir, ConfigFile))
	assert.Equal(t, "old", string(content))
}

func TestInitialize_Force(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("old"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, SpecDir), 0o755))
	stale := filepath.Join(dir, SpecDir, "stale.yaml")
	require.NoError(t, os.WriteFile(stale, []byte("name: ["), 0o644))

	_, err := Initialize(dir, true)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestCheckExisting(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, CheckExisting(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, SpecDir), 0o755))
	assert.EqualError(t, CheckExisting(dir), "project already initialized: found existing guild.yml and guilds/")
}
