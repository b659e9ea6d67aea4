package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/care")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.IsTriggerWorkerEnabled())
	assert.Equal(t, time.Minute, cfg.GetTriggerPollInterval())
	assert.Equal(t, 7, cfg.GetLeadStagnantDays())
	assert.Equal(t, 14, cfg.GetDealDecayDays())
	assert.Equal(t, 25, cfg.GetDetectorLimit())
	assert.Equal(t, 7*24*time.Hour, cfg.GetSuggestionCooldown())
	assert.Equal(t, 7*24*time.Hour, cfg.GetSuggestionTTL())
	assert.Equal(t, 1, cfg.GetTenantConcurrency())
	assert.Equal(t, float64(10000), cfg.GetCareActionValueFloor())
	assert.True(t, cfg.GetCareShadowModeDefault())
	assert.False(t, cfg.IsRedisEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/care")
	t.Setenv("TRIGGER_WORKER_ENABLED", "yes")
	t.Setenv("TRIGGER_POLL_INTERVAL_MS", "5000")
	t.Setenv("TRIGGER_TENANT_CONCURRENCY", "4")
	t.Setenv("CARE_WORKFLOW_TIMEOUT_MS", "250")
	t.Setenv("APP_BASE_URL", "https://crm.example.com/")
	t.Setenv("TRIGGER_DETECTOR_LIMIT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsTriggerWorkerEnabled())
	assert.Equal(t, 5*time.Second, cfg.GetTriggerPollInterval())
	assert.Equal(t, 4, cfg.GetTenantConcurrency())
	assert.Equal(t, 250*time.Millisecond, cfg.GetCareWorkflowTimeout())
	assert.Equal(t, "https://crm.example.com", cfg.GetAppBaseURL())
	assert.Equal(t, 25, cfg.GetDetectorLimit())
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("missing database url", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("poll interval below a second", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/care")
		t.Setenv("TRIGGER_POLL_INTERVAL_MS", "10")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLookupBoolRereadsEnvironment(t *testing.T) {
	t.Setenv("CARE_AUTONOMY_ENABLED", "true")
	assert.True(t, LookupBool("CARE_AUTONOMY_ENABLED", false))

	t.Setenv("CARE_AUTONOMY_ENABLED", "off")
	assert.False(t, LookupBool("CARE_AUTONOMY_ENABLED", true))
}
