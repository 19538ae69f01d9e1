package guild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestParseStatus_Invalid(t *testing.T) {
	_, err := ParseStatus("invalid_status")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "invalid guild status: invalid_status. Must be one of: active, stopped, archived")
}

func TestStatus_IsRunnable(t *testing.T) {
	assert.True(t, StatusActive.IsRunnable())
	assert.False(t, StatusStopped.IsRunnable())
	assert.False(t, StatusArchived.IsRunnable())
}
