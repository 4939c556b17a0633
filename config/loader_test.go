// Loader and default configuration tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Default configuration ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 50000, cfg.Discovery.Port)
	assert.Equal(t, "255.255.255.255", cfg.Discovery.BroadcastAddr)
	assert.Equal(t, 5*time.Second, cfg.Discovery.Interval)

	assert.Equal(t, 50001, cfg.Transport.Port)
	assert.Equal(t, 16<<20, cfg.Transport.MaxFrameBytes)

	assert.Equal(t, 12*time.Second, cfg.Membership.SuspectAfter)
	assert.Equal(t, 30*time.Second, cfg.Membership.DeadAfter)
	assert.Equal(t, 2*time.Minute, cfg.Membership.EvictAfter)

	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.DispatchTimeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "intrascale", cfg.Telemetry.ServiceName)
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

// --- Loader ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 50000, cfg.Discovery.Port)
	assert.Equal(t, 50001, cfg.Transport.Port)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "intrascale.yaml")

	yamlContent := `
discovery:
  port: 51000
  interval: 2s

transport:
  port: 51001
  max_frame_bytes: 1048576

membership:
  suspect_after: 6s
  dead_after: 15s
  evict_after: 1m

scheduler:
  max_attempts: 5
  dispatch_timeout: 30s

log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 51000, cfg.Discovery.Port)
	assert.Equal(t, 2*time.Second, cfg.Discovery.Interval)
	assert.Equal(t, 51001, cfg.Transport.Port)
	assert.Equal(t, 1<<20, cfg.Transport.MaxFrameBytes)
	assert.Equal(t, 6*time.Second, cfg.Membership.SuspectAfter)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.DispatchTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.Membership.SweepInterval)
	assert.Equal(t, 50080, cfg.HTTP.Port)
}

func TestLoader_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/intrascale.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 50000, cfg.Discovery.Port)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("INTRASCALE_DISCOVERY_PORT", "52000")
	t.Setenv("INTRASCALE_DISCOVERY_INTERVAL", "1s")
	t.Setenv("INTRASCALE_MEMBERSHIP_SUSPECT_AFTER", "4s")
	t.Setenv("INTRASCALE_MEMBERSHIP_DEAD_AFTER", "10s")
	t.Setenv("INTRASCALE_MEMBERSHIP_EVICT_AFTER", "40s")
	t.Setenv("INTRASCALE_LOG_LEVEL", "warn")
	t.Setenv("INTRASCALE_LOG_OUTPUT_PATHS", "stdout, /tmp/intrascale.log")
	t.Setenv("INTRASCALE_TELEMETRY_ENABLED", "true")
	t.Setenv("INTRASCALE_TELEMETRY_SAMPLE_RATE", "0.5")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 52000, cfg.Discovery.Port)
	assert.Equal(t, time.Second, cfg.Discovery.Interval)
	assert.Equal(t, 4*time.Second, cfg.Membership.SuspectAfter)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"stdout", "/tmp/intrascale.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRate, 0.001)
}

func TestLoader_EnvBeatsFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "intrascale.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("discovery:\n  port: 51000\n"), 0o644))

	t.Setenv("INTRASCALE_DISCOVERY_PORT", "52000")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 52000, cfg.Discovery.Port)
}

func TestLoader_CustomValidator(t *testing.T) {
	called := false
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			called = true
			return nil
		}).
		Load()
	require.NoError(t, err)
	assert.True(t, called)
}

// --- Validation ---

func TestValidate_RejectsBadThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Membership.SuspectAfter = 40 * time.Second
	cfg.Membership.DeadAfter = 30 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspect_after < dead_after < evict_after")
}

func TestValidate_RejectsSharedPorts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.Port = cfg.Discovery.Port

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ports must differ")
}

func TestValidate_RejectsSuspectWithinAnnounceInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Membership.SuspectAfter = cfg.Discovery.Interval

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspect_after must exceed")
}

func TestValidate_RejectsZeroAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.MaxAttempts = 0
	require.Error(t, cfg.Validate())
}
