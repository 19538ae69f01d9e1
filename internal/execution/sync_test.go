package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/pkg/message"
)

func TestParseSyncConfig(t *testing.T) {
	cfg, err := ParseSyncConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultStopTimeout, cfg.StopTimeout)

	cfg, err = ParseSyncConfig(map[string]any{"stop_timeout": "2s"})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.StopTimeout)

	_, err = ParseSyncConfig(map[string]any{"stop_timeout": "-1s"})
	assert.Error(t, err)
	_, err = ParseSyncConfig(map[string]any{"unknown": true})
	assert.Error(t, err)
}

func TestSync_DispatchRunsHandlerBeforeReturning(t *testing.T) {
	e := NewSync(SyncConfig{}, testOptions(nil))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	var handled bool
	require.NoError(t, e.Register(bob, func(context.Context, *message.Envelope) error {
		handled = true
		return nil
	}, AgentOptions{}))

	require.NoError(t, e.Dispatch(context.Background(), bob.ID, envelope(t)))
	assert.True(t, handled)
}

func TestSync_DispatchHonoursContextWhileWaitingForSlot(t *testing.T) {
	e := NewSync(SyncConfig{}, testOptions(nil))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.Register(bob, func(context.Context, *message.Envelope) error {
		close(started)
		<-release
		return nil
	}, AgentOptions{}))

	go e.Dispatch(context.Background(), bob.ID, envelope(t))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Dispatch(ctx, bob.ID, envelope(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
