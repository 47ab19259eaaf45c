package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/celerfi/coin-price-indexer/config"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		l, err := New(config.LogConfig{Level: tt.level, Encoding: "json"})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(tt.want), "level %q", tt.level)
		if tt.want > zapcore.DebugLevel {
			assert.False(t, l.Core().Enabled(tt.want-1), "level %q", tt.level)
		}
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New(config.LogConfig{Level: "nonsense", Encoding: "json"})
	assert.ErrorContains(t, err, "LOG_LEVEL")

	_, err = New(config.LogConfig{Level: "info", Encoding: "xml"})
	assert.ErrorContains(t, err, "LOG_ENCODING")

	l, err := New(config.LogConfig{Level: "info", Encoding: "CONSOLE"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}
