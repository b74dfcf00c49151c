package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 1, cfg.MinActiveGPUs)
	assert.Equal(t, 10, cfg.MaxActiveGPUs)
	assert.Equal(t, 3, cfg.TasksPerGPUThreshold)
	assert.Equal(t, 5*time.Minute, cfg.HeartbeatTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SpawnTimeout)
	assert.Equal(t, 10*time.Minute, cfg.StuckTaskTimeout)
	assert.Equal(t, 10*time.Minute, cfg.ErrorCleanupGrace)
	assert.Equal(t, 0.80, cfg.FailureRateCeiling)
	assert.Equal(t, 30*time.Minute, cfg.FailureWindow)
	assert.Equal(t, 5, cfg.MinSamplesForRate)
	assert.Equal(t, 0, cfg.IdleBuffer)
	assert.Equal(t, "cloud", cfg.RunType)
	assert.Equal(t, []string{"_orchestrator"}, cfg.OrchestratorMarkers)
	assert.False(t, cfg.AllowZeroFloor)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MIN_ACTIVE_GPUS", "2")
	t.Setenv("MAX_ACTIVE_GPUS", "20")
	t.Setenv("POLL_INTERVAL_SEC", "15")
	t.Setenv("ALLOW_ZERO_FLOOR", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MinActiveGPUs)
	assert.Equal(t, 20, cfg.MaxActiveGPUs)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.True(t, cfg.AllowZeroFloor)
}

func TestLoadRejectsInvertedBounds(t *testing.T) {
	t.Setenv("MIN_ACTIVE_GPUS", "8")
	t.Setenv("MAX_ACTIVE_GPUS", "4")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadClampsIdleBuffer(t *testing.T) {
	t.Setenv("IDLE_BUFFER", "100")
	t.Setenv("MAX_ACTIVE_GPUS", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.IdleBuffer)
}

func TestValidateRequiresConnectivity(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	cfg.DatabaseURL = "postgres://paddock@localhost/fleet"
	cfg.ProviderAPIKey = "key"
	cfg.ProviderImage = "ghcr.io/acme/gpu-worker:latest"
	assert.NoError(t, cfg.Validate())
}

func TestCycleDeadline(t *testing.T) {
	cfg := &Config{PollInterval: 30 * time.Second}
	assert.Equal(t, 29*time.Second, cfg.CycleDeadline())

	cfg.PollInterval = 2 * time.Second
	assert.Equal(t, time.Second, cfg.CycleDeadline())
}
