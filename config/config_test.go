package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roadsided.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "roadside.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Lifecycle.MaxAttempts)
	assert.Equal(t, 50.0, cfg.Lifecycle.BaseRadiusMiles)
	assert.Equal(t, 120*time.Second, cfg.Lifecycle.VendorResponsePoll)
	assert.Equal(t, 7*24*time.Hour, cfg.Lifecycle.PaymentTimeout)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /var/lib/roadside/incidents.db
logging:
  level: debug
  json: false
lifecycle:
  base_radius_miles: 25
  max_attempts: 5
  arrival_timeout: 45m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/roadside/incidents.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.JSON)
	assert.Equal(t, 25.0, cfg.Lifecycle.BaseRadiusMiles)
	assert.Equal(t, 5, cfg.Lifecycle.MaxAttempts)
	assert.Equal(t, 45*time.Minute, cfg.Lifecycle.ArrivalTimeout)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1.25, cfg.Lifecycle.RadiusFactor)
}

func TestEnvironmentBeatsFile(t *testing.T) {
	path := writeConfig(t, "lifecycle:\n  max_attempts: 5\n")
	t.Setenv("ROADSIDE_MAX_ATTEMPTS", "7")
	t.Setenv("ROADSIDE_DB_PATH", "/tmp/override.db")
	t.Setenv("ROADSIDE_ARRIVAL_TIMEOUT", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Lifecycle.MaxAttempts)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Lifecycle.ArrivalTimeout)
}

func TestUnparseableEnvIsIgnored(t *testing.T) {
	t.Setenv("ROADSIDE_MAX_ATTEMPTS", "several")
	t.Setenv("ROADSIDE_ARRIVAL_TIMEOUT", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Lifecycle.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Lifecycle.ArrivalTimeout)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	_, err := Load(writeConfig(t, "logging:\n  level: loud\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "lifecycle:\n  arrival_poll: 2h\n  arrival_timeout: 30m\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "lifecycle:\n  work_timeout: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "database: [not, a, mapping]\n"))
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}
