package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewBuildsLoggers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		opts  Options
		level zapcore.Level
	}{
		{name: "production default", opts: Options{}, level: zapcore.InfoLevel},
		{name: "development debug", opts: Options{Development: true, Level: "debug"}, level: zapcore.DebugLevel},
		{name: "quiet", opts: Options{Level: "error"}, level: zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tt.opts)
			require.NoError(t, err)
			defer logger.Sync() //nolint:errcheck // best-effort flush
			assert.True(t, logger.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.level-1))
			}
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestLevelFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "debug", LevelFor(true, false, "info"))
	assert.Equal(t, "error", LevelFor(false, true, "info"))
	assert.Equal(t, "warn", LevelFor(false, false, "warn"))
}
