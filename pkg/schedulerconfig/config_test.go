package schedulerconfig_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aios/benchscheduler/pkg/schedulerconfig"
)

func TestLoadDefaultsWithNoOverrides(t *testing.T) {
	m := schedulerconfig.NewManager("")
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxModelsPerGPU)
	assert.Equal(t, 2048, cfg.MemorySafetyMarginMiB)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.WebhookMaxRetries)
	assert.Equal(t, 60*time.Second, cfg.AlertCheckInterval)
}

func TestEnvironmentVariableOverridesDefault(t *testing.T) {
	t.Setenv("SCHEDULER_MAX_MODELS_PER_GPU", "5")
	t.Setenv("SCHEDULER_WEBHOOK_MAX_RETRIES", "1")

	m := schedulerconfig.NewManager("")
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxModelsPerGPU)
	assert.Equal(t, 1, cfg.WebhookMaxRetries)
}

func TestInvalidMaxModelsPerGPURejected(t *testing.T) {
	t.Setenv("SCHEDULER_MAX_MODELS_PER_GPU", "0")
	m := schedulerconfig.NewManager("")
	_, err := m.Load()
	require.Error(t, err)
}

func TestMissingConfiguredFileIsAnError(t *testing.T) {
	m := schedulerconfig.NewManager("/nonexistent/scheduler.yaml")
	_, err := m.Load()
	require.Error(t, err)
}

func TestYAMLOverlayIsRead(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/scheduler.yaml"
	require.NoError(t, os.WriteFile(path, []byte("max_models_per_gpu: 4\n"), 0o644))

	m := schedulerconfig.NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxModelsPerGPU)
}
