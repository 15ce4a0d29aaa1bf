package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/synckit"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, synckit.DefaultCoordinatorOptions().MaxAttempts, cfg.CoordinatorOptions().MaxAttempts)
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
storage:
  driver: postgres
  dsn: postgres://localhost/locsync?sslmode=disable
  listen: true
remote:
  base_url: https://api.example.com/v1
  timeout: 10s
sync:
  max_attempts: 8
  base_delay: 2s
  max_delay: 1m
  pull_types: [location, " review "]
maintenance:
  pull_schedule: "@every 5m"
conflicts:
  location: last_write_wins
  review: keep_remote
logging:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.True(t, cfg.Storage.Listen)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "@every 5m", cfg.Maintenance.PullSchedule)
	assert.Equal(t, "@daily", cfg.Maintenance.PurgeSchedule, "unset fields keep defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)

	opts := cfg.CoordinatorOptions()
	assert.Equal(t, 8, opts.MaxAttempts)
	assert.Equal(t, 2*time.Second, opts.BaseDelay)
	assert.Equal(t, time.Minute, opts.MaxDelay)
	assert.Equal(t, []synckit.EntityType{"location", "review"}, opts.PullTypes)

	conflictOpts, err := cfg.ConflictOptions()
	require.NoError(t, err)
	assert.Len(t, conflictOpts, 2)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"missing dsn", func(c *Config) { c.Storage.DSN = "" }},
		{"listen without postgres", func(c *Config) { c.Storage.Listen = true }},
		{"negative cache", func(c *Config) { c.Storage.CacheSize = -1 }},
		{"bad base url", func(c *Config) { c.Remote.BaseURL = "ftp://example.com" }},
		{"zero timeout", func(c *Config) { c.Remote.Timeout = 0 }},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"max below base delay", func(c *Config) { c.Sync.MaxDelay = time.Millisecond }},
		{"jitter out of range", func(c *Config) { c.Sync.Jitter = 1.5 }},
		{"zero probe interval", func(c *Config) { c.Connectivity.Interval = 0 }},
		{"unknown conflict strategy", func(c *Config) { c.Conflicts = map[string]string{"location": "coin_flip"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))
		})
	}
}

func TestMemoryDriverNeedsNoDSN(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = DriverMemory
	cfg.Storage.DSN = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  concurrency: 2\n"), 0o600))

	t.Setenv("LOCSYNC_SYNC_CONCURRENCY", "6")
	t.Setenv("LOCSYNC_SYNC_PULL_TYPES", "location,review")
	t.Setenv("LOCSYNC_REMOTE_BASE_URL", "http://localhost:8080")
	t.Setenv("LOCSYNC_STORAGE_CACHE_SIZE", "0")
	t.Setenv("LOCSYNC_CONFLICTS", "location:keep_local")
	t.Setenv("LOCSYNC_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Sync.Concurrency)
	assert.Equal(t, []string{"location", "review"}, cfg.Sync.PullTypes)
	assert.Equal(t, "http://localhost:8080", cfg.Remote.BaseURL)
	assert.Equal(t, 0, cfg.Storage.CacheSize)
	assert.Equal(t, map[string]string{"location": "keep_local"}, cfg.Conflicts)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locsync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":"memory"},"server":{"addr":":9999"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))
}

func TestCloneDoesNotShareCollections(t *testing.T) {
	cfg := Default()
	cfg.Sync.PullTypes = []string{"location"}
	cfg.Conflicts = map[string]string{"location": "keep_remote"}

	clone, err := cfg.Clone()
	require.NoError(t, err)
	assert.Equal(t, cfg, clone)

	clone.Sync.PullTypes[0] = "profile"
	clone.Conflicts["location"] = "merge"
	assert.Equal(t, "location", cfg.Sync.PullTypes[0])
	assert.Equal(t, "keep_remote", cfg.Conflicts["location"])
}
