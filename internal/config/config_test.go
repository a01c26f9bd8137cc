package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, 30, cfg.Window.PastDays)
	assert.Equal(t, 365, cfg.Window.FutureDays)
	assert.Equal(t, 250*time.Millisecond, cfg.Pacing.SteadyDelay)
	assert.Equal(t, filepath.Join(dir, "nested", "sync_state.json"), cfg.State.Path)
	assert.Equal(t, cfg.State.Path+".lock", cfg.State.LockPath)
}

func TestLoadParsesYAMLAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
timezone: Europe/Berlin
calendar_id: team@example.com
sources:
  - path: outbox/export.ics
  - id: holidays
    url: https://example.com/h.ics
window:
  past_days: 7
  future_days: 60
state:
  backend: sqlite
pacing:
  steady_delay: 100ms
  max_attempts: 20
  base_backoff: 2s
  max_backoff: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, "team@example.com", cfg.CalendarID)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "source-1", cfg.Sources[0].ID)
	assert.Equal(t, filepath.Join(dir, "outbox", "export.ics"), cfg.Sources[0].Path)
	assert.Equal(t, "holidays", cfg.Sources[1].ID)
	assert.Equal(t, BackendSQLite, cfg.State.Backend)
	assert.Equal(t, filepath.Join(dir, "sync_state.db"), cfg.State.Path)
	assert.Equal(t, 100*time.Millisecond, cfg.Pacing.SteadyDelay)
	assert.Equal(t, 8, cfg.Pacing.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Pacing.BaseBackoff)
	assert.Equal(t, 10*time.Second, cfg.Pacing.MaxBackoff)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestNormalizeClampsAttemptsAndBackend(t *testing.T) {
	cfg := &Config{State: StateConfig{Backend: "redis"}, Pacing: PacingConfig{MaxAttempts: 2}}
	cfg.Normalize("")

	assert.Equal(t, BackendJSON, cfg.State.Backend)
	assert.Equal(t, 5, cfg.Pacing.MaxAttempts)
	assert.Equal(t, "sync_state.json", cfg.State.Path)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALBRIDGE_TIMEZONE", "UTC")
	t.Setenv("CALBRIDGE_PAST_DAYS", "3")
	t.Setenv("CALBRIDGE_SOURCE_URLS", "https://a.example/x.ics, https://b.example/y.ics")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: Asia/Seoul\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, 3, cfg.Window.PastDays)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "https://b.example/y.ics", cfg.Sources[1].URL)
}

func TestSaveRoundTripsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Pacing.SteadyDelay = 750 * time.Millisecond

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, loaded.Pacing.SteadyDelay)
}

func TestLoadAcceptsIntegerDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `calendar_id: primary
pacing:
  steady_delay: 0
  base_backoff: 2
  max_backoff: 30
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Pacing.SteadyDelay)
	assert.Equal(t, 2*time.Second, cfg.Pacing.BaseBackoff)
	assert.Equal(t, 30*time.Second, cfg.Pacing.MaxBackoff)
	assert.Equal(t, 8, cfg.Pacing.MaxAttempts)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pacing:\n  steady_delay: soon\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pacing.steady_delay")
}

func TestInvalidTimezone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	_, err := cfg.Location()
	assert.Error(t, err)
}
