package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/zhouzirui/koder/backend/internal/config"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LogConfig
		want zapcore.Level
	}{
		{name: "default production", cfg: config.LogConfig{}, want: zapcore.InfoLevel},
		{name: "development", cfg: config.LogConfig{Development: true}, want: zapcore.DebugLevel},
		{name: "explicit warn", cfg: config.LogConfig{Level: "warn"}, want: zapcore.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			assert.False(t, logger.Core().Enabled(tt.want-1))
		})
	}
}

func TestDevelopmentFromEnvLogsDebug(t *testing.T) {
	t.Setenv("LOG_DEV", "true")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	logger, err := New(cfg.Logging)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty"})
	assert.Error(t, err)

	assert.NotNil(t, Must(config.LogConfig{Level: "chatty"}))
}
