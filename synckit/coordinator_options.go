package synckit

import (
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Defaults for CoordinatorOptions.
const (
	DefaultMaxAttempts  = 5
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 5 * time.Minute
	DefaultMultiplier   = 2.0
	DefaultSyncInterval = 30 * time.Second
	DefaultConcurrency  = 4
)

// CoordinatorOptions holds the coordinator's tunables.
type CoordinatorOptions struct {
	// MaxAttempts is the attempt ceiling; reaching it demotes an action to Failed.
	MaxAttempts int
	// BaseDelay is the first per-entity retry delay; it is multiplied by
	// Multiplier after every retryable failure up to MaxDelay.
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter randomises each delay by +/- the given fraction.
	Jitter float64
	// SyncInterval is the drain period while online.
	SyncInterval time.Duration
	// Concurrency bounds the number of entity chains drained at once.
	Concurrency int
	// PullTypes are fetched from the remote on every interval tick.
	PullTypes []EntityType
}

// DefaultCoordinatorOptions returns the defaults.
func DefaultCoordinatorOptions() CoordinatorOptions {
	return CoordinatorOptions{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		SyncInterval: DefaultSyncInterval,
		Concurrency:  DefaultConcurrency,
	}
}

// Validate checks the options for consistency.
func (o CoordinatorOptions) Validate() error {
	switch {
	case o.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	case o.BaseDelay < 0 || o.MaxDelay < 0:
		return errors.New("retry delays must not be negative")
	case o.MaxDelay < o.BaseDelay:
		return errors.New("max delay must not be below base delay")
	case o.Multiplier < 1:
		return errors.New("backoff multiplier must be at least 1")
	case o.Jitter < 0 || o.Jitter >= 1:
		return errors.New("jitter must be in [0, 1)")
	case o.SyncInterval <= 0:
		return errors.New("sync interval must be positive")
	case o.Concurrency < 1:
		return errors.New("concurrency must be at least 1")
	}
	return nil
}

// Option configures a Coordinator.
type Option func(*Coordinator) error

// WithOptions replaces all tunables at once.
func WithOptions(o CoordinatorOptions) Option {
	return func(c *Coordinator) error {
		c.opts = o
		return nil
	}
}

// WithMaxAttempts sets the attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) error {
		c.opts.MaxAttempts = n
		return nil
	}
}

// WithBackoff sets the per-entity retry schedule.
func WithBackoff(base, max time.Duration, multiplier, jitter float64) Option {
	return func(c *Coordinator) error {
		c.opts.BaseDelay = base
		c.opts.MaxDelay = max
		c.opts.Multiplier = multiplier
		c.opts.Jitter = jitter
		return nil
	}
}

// WithSyncInterval sets the periodic drain interval.
func WithSyncInterval(d time.Duration) Option {
	return func(c *Coordinator) error {
		c.opts.SyncInterval = d
		return nil
	}
}

// WithConcurrency bounds concurrent entity chains.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) error {
		c.opts.Concurrency = n
		return nil
	}
}

// WithPullTypes enables a periodic pull of the given entity types.
func WithPullTypes(types ...EntityType) Option {
	return func(c *Coordinator) error {
		c.opts.PullTypes = append([]EntityType(nil), types...)
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		c.logger = l
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(c *Coordinator) error {
		if m == nil {
			return errors.New("metrics collector is nil")
		}
		c.metrics = m
		return nil
	}
}

// WithTracer sets the tracer used for drain and remote-call spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) error {
		if t == nil {
			return errors.New("tracer is nil")
		}
		c.tracer = t
		return nil
	}
}

// WithBroker publishes changes to b instead of a private broker.
func WithBroker(b *Broker) Option {
	return func(c *Coordinator) error {
		if b == nil {
			return errors.New("broker is nil")
		}
		c.broker = b
		return nil
	}
}

// WithConflictResolver resolves conflicts on entityType automatically once
// they have been surfaced.
func WithConflictResolver(entityType EntityType, r ConflictResolver) Option {
	return func(c *Coordinator) error {
		if r == nil {
			return errors.New("conflict resolver is nil")
		}
		c.resolvers[entityType] = r
		return nil
	}
}
