package app

import (
	"log/slog"
	"testing"
	"time"

	"github.com/you-humble/convhub/internal/infra/config"

	"github.com/stretchr/testify/assert"
)

func TestOrphanAge(t *testing.T) {
	assert.Equal(t, 24*time.Hour, orphanAge(config.Jobs{Retention: time.Hour}))
	assert.Equal(t, 48*time.Hour, orphanAge(config.Jobs{Retention: 24 * time.Hour, MaxRuntime: time.Hour}))
	assert.Equal(t, 60*time.Hour, orphanAge(config.Jobs{Retention: time.Hour, MaxRuntime: 30 * time.Hour}))
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logLevel("warn"))
	assert.Equal(t, slog.LevelInfo, logLevel(""))
}
