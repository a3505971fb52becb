package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetup(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	require.NoError(t, Setup(Options{Level: "debug", Format: "json", Service: "livedata"}))
	assert.True(t, Log.Core().Enabled(zap.DebugLevel))

	require.NoError(t, Setup(Options{Format: "console"}))
	assert.False(t, Log.Core().Enabled(zap.DebugLevel))
	assert.True(t, Log.Core().Enabled(zap.InfoLevel))

	assert.Error(t, Setup(Options{Level: "loud"}))
}
