package line

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationModeSwitching(t *testing.T) {
	m, err := NewDurationMode(ModeNormal, 24*time.Hour, 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, ModeNormal, m.Mode())
	assert.Equal(t, 24*time.Hour, m.Duration())

	require.NoError(t, m.SetMode(ModeTest))
	assert.Equal(t, ModeTest, m.Mode())
	assert.Equal(t, 5*time.Minute, m.Duration())

	require.NoError(t, m.SetMode(ModeNormal))
	assert.Equal(t, 24*time.Hour, m.Duration())
}

func TestDurationModeRejectsUnknownMode(t *testing.T) {
	_, err := NewDurationMode("fast", 24*time.Hour, 5*time.Minute)
	require.Error(t, err)

	m, err := NewDurationMode(ModeTest, 24*time.Hour, 5*time.Minute)
	require.NoError(t, err)
	require.Error(t, m.SetMode("fast"))
	assert.Equal(t, ModeTest, m.Mode(), "failed switch keeps the current mode")
}
