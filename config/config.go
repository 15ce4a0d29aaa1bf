// Package config loads the locsync daemon configuration from a YAML or JSON
// file, then applies LOCSYNC_-prefixed environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOCSYNC_"

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the complete daemon configuration.
type Config struct {
	Storage      StorageConfig      `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Remote       RemoteConfig       `json:"remote" yaml:"remote" envPrefix:"REMOTE_"`
	Sync         SyncConfig         `json:"sync" yaml:"sync" envPrefix:"SYNC_"`
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity" envPrefix:"CONNECTIVITY_"`
	Maintenance  MaintenanceConfig  `json:"maintenance" yaml:"maintenance" envPrefix:"MAINTENANCE_"`
	Server       ServerConfig       `json:"server" yaml:"server" envPrefix:"SERVER_"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Logging      logging.Config     `json:"logging" yaml:"logging"`

	// Conflicts maps an entity type to its conflict strategy
	// (keep_local, keep_remote, last_write_wins, manual). Types not listed
	// are left for manual resolution.
	Conflicts map[string]string `json:"conflicts" yaml:"conflicts" env:"CONFLICTS"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver" env:"DRIVER"`
	DSN    string `json:"dsn" yaml:"dsn" env:"DSN"`
	// WAL applies to sqlite only.
	WAL          bool `json:"wal" yaml:"wal" env:"WAL"`
	MaxOpenConns int  `json:"max_open_conns" yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// CacheSize is the number of entities kept in the read cache; 0 disables it.
	CacheSize int `json:"cache_size" yaml:"cache_size" env:"CACHE_SIZE"`
	// Listen enables LISTEN/NOTIFY change delivery (postgres only).
	Listen bool `json:"listen" yaml:"listen" env:"LISTEN"`
}

type RemoteConfig struct {
	BaseURL              string        `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	Token                string        `json:"token" yaml:"token" env:"TOKEN"`
	Timeout              time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
	CompressionThreshold int           `json:"compression_threshold" yaml:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
	MaxResponseSize      int64         `json:"max_response_size" yaml:"max_response_size" env:"MAX_RESPONSE_SIZE"`
}

type SyncConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier" env:"MULTIPLIER"`
	Jitter      float64       `json:"jitter" yaml:"jitter" env:"JITTER"`
	Interval    time.Duration `json:"interval" yaml:"interval" env:"INTERVAL"`
	Concurrency int           `json:"concurrency" yaml:"concurrency" env:"CONCURRENCY"`
	PullTypes   []string      `json:"pull_types" yaml:"pull_types" env:"PULL_TYPES" envSeparator:","`
}

type ConnectivityConfig struct {
	// Targets are probed over HTTP; an empty list probes the remote base URL.
	Targets          []string      `json:"targets" yaml:"targets" env:"TARGETS" envSeparator:","`
	Interval         time.Duration `json:"interval" yaml:"interval" env:"INTERVAL"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
}

// MaintenanceConfig holds cron specs (robfig/cron syntax, including
// descriptors such as "@every 15m"). An empty spec disables the job.
type MaintenanceConfig struct {
	PurgeSchedule string        `json:"purge_schedule" yaml:"purge_schedule" env:"PURGE_SCHEDULE"`
	EvictSchedule string        `json:"evict_schedule" yaml:"evict_schedule" env:"EVICT_SCHEDULE"`
	PullSchedule  string        `json:"pull_schedule" yaml:"pull_schedule" env:"PULL_SCHEDULE"`
	GaugeSchedule string        `json:"gauge_schedule" yaml:"gauge_schedule" env:"GAUGE_SCHEDULE"`
	Retention     time.Duration `json:"retention" yaml:"retention" env:"RETENTION"`
	CacheTTL      time.Duration `json:"cache_ttl" yaml:"cache_ttl" env:"CACHE_TTL"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Path    string `json:"path" yaml:"path" env:"PATH"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:       DriverSQLite,
			DSN:          "file:locsync.db",
			WAL:          true,
			MaxOpenConns: 25,
			CacheSize:    1024,
		},
		Remote: RemoteConfig{
			Timeout:              30 * time.Second,
			CompressionThreshold: 1024,
			MaxResponseSize:      10 * 1024 * 1024,
		},
		Sync: SyncConfig{
			MaxAttempts: synckit.DefaultMaxAttempts,
			BaseDelay:   synckit.DefaultBaseDelay,
			MaxDelay:    synckit.DefaultMaxDelay,
			Multiplier:  synckit.DefaultMultiplier,
			Interval:    synckit.DefaultSyncInterval,
			Concurrency: synckit.DefaultConcurrency,
		},
		Connectivity: ConnectivityConfig{
			Interval:         10 * time.Second,
			Timeout:          3 * time.Second,
			FailureThreshold: 2,
		},
		Maintenance: MaintenanceConfig{
			PurgeSchedule: "@daily",
			EvictSchedule: "@hourly",
			PullSchedule:  "@every 15m",
			GaugeSchedule: "@every 30s",
			Retention:     30 * 24 * time.Hour,
			CacheTTL:      7 * 24 * time.Hour,
		},
		Server:  ServerConfig{Addr: ":8090"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Logging: logging.DefaultConfig,
	}
}

// Load reads path (YAML, or JSON when the extension is .json) over the
// defaults, applies environment overrides and validates the result. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), syncErrors.KindValidation, err)
		}
		if err := cfg.decode(data, strings.EqualFold(filepath.Ext(path), ".json")); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data over the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data, false); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte, isJSON bool) error {
	var err error
	if isJSON {
		err = codec.Unmarshal(data, c)
	} else {
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), syncErrors.KindValidation, fmt.Errorf("decode config: %w", err))
	}
	return nil
}

// ApplyEnv overrides fields from LOCSYNC_* variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), syncErrors.KindValidation, err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), syncErrors.KindValidation,
			syncErrors.ErrCodeValidationFailure, fmt.Errorf(format, args...))
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return invalid("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	case DriverMemory:
	default:
		return invalid("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Listen && c.Storage.Driver != DriverPostgres {
		return invalid("storage.listen requires the postgres driver")
	}
	if c.Storage.CacheSize < 0 {
		return invalid("storage.cache_size must not be negative")
	}

	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("remote.base_url %q is not an http(s) URL", c.Remote.BaseURL)
		}
	}
	if c.Remote.Timeout <= 0 {
		return invalid("remote.timeout must be positive")
	}

	if err := c.CoordinatorOptions().Validate(); err != nil {
		return invalid("sync: %v", err)
	}
	if c.Connectivity.Interval <= 0 || c.Connectivity.FailureThreshold < 1 {
		return invalid("connectivity.interval and failure_threshold must be positive")
	}
	if c.Maintenance.Retention < 0 || c.Maintenance.CacheTTL < 0 {
		return invalid("maintenance durations must not be negative")
	}
	for entityType, strategy := range c.Conflicts {
		if _, err := synckit.ResolverForStrategy(strategy); err != nil {
			return invalid("conflicts.%s: %v", entityType, err)
		}
	}
	return nil
}

// Clone returns a deep copy, so maps and slices are not shared.
func (c *Config) Clone() (*Config, error) {
	out, err := codec.Clone(*c)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), err)
	}
	return &out, nil
}

// CoordinatorOptions converts the sync section.
func (c *Config) CoordinatorOptions() synckit.CoordinatorOptions {
	types := make([]synckit.EntityType, 0, len(c.Sync.PullTypes))
	for _, t := range c.Sync.PullTypes {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, synckit.EntityType(t))
		}
	}
	return synckit.CoordinatorOptions{
		MaxAttempts:  c.Sync.MaxAttempts,
		BaseDelay:    c.Sync.BaseDelay,
		MaxDelay:     c.Sync.MaxDelay,
		Multiplier:   c.Sync.Multiplier,
		Jitter:       c.Sync.Jitter,
		SyncInterval: c.Sync.Interval,
		Concurrency:  c.Sync.Concurrency,
		PullTypes:    types,
	}
}

// ConflictOptions returns one WithConflictResolver option per configured type.
func (c *Config) ConflictOptions() ([]synckit.Option, error) {
	opts := make([]synckit.Option, 0, len(c.Conflicts))
	for entityType, strategy := range c.Conflicts {
		r, err := synckit.ResolverForStrategy(strategy)
		if err != nil {
			return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), syncErrors.KindValidation, err)
		}
		opts = append(opts, synckit.WithConflictResolver(synckit.EntityType(entityType), r))
	}
	return opts, nil
}
