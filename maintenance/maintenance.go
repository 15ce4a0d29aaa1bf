// Package maintenance runs periodic housekeeping for a sync backend on cron
// schedules: purging settled actions, evicting stale clean entities, pulling
// remote changes and publishing queue depth.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
)

// Puller fetches remote state for one entity type.
type Puller interface {
	Pull(ctx context.Context, entityType synckit.EntityType, filter synckit.RemoteFilter) (int, error)
}

// Config holds the job schedules. An empty schedule disables its job.
type Config struct {
	PurgeSchedule string
	EvictSchedule string
	PullSchedule  string
	GaugeSchedule string

	// Retention is how long settled actions are kept.
	Retention time.Duration
	// CacheTTL is how long a clean entity may go without updates before it
	// is evicted.
	CacheTTL time.Duration

	// EvictTypes are the entity types subject to eviction.
	EvictTypes []synckit.EntityType
	// PullTypes are fetched by the pull job.
	PullTypes []synckit.EntityType
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron    *cron.Cron
	backend synckit.Backend
	puller  Puller
	metrics synckit.MetricsCollector
	config  Config
	logger  *slog.Logger
	now     func() time.Time
	baseCtx context.Context
	cancel  context.CancelFunc
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m synckit.MetricsCollector) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock replaces time.Now for cutoff calculations.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New registers the configured jobs. puller may be nil, which disables the
// pull job.
func New(backend synckit.Backend, puller Puller, config Config, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		backend: backend,
		puller:  puller,
		metrics: synckit.NoOpMetricsCollector{},
		config:  config,
		logger:  logging.WithComponent(logging.Component("maintenance")).Logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	clog := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"purge_settled", config.PurgeSchedule, func(ctx context.Context) error { _, err := s.PurgeSettled(ctx); return err }},
		{"evict_clean", config.EvictSchedule, func(ctx context.Context) error { _, err := s.EvictClean(ctx); return err }},
		{"pull", config.PullSchedule, s.Pull},
		{"queue_depth", config.GaugeSchedule, s.RecordQueueDepth},
	}
	for _, job := range jobs {
		if job.spec == "" || (job.name == "pull" && puller == nil) {
			continue
		}
		if _, err := s.add(job.name, job.spec, job.run); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, run func(context.Context) error) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() { _ = s.runJob(name, run) })
	if err != nil {
		return 0, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("maintenance"), syncErrors.KindValidation, err, "schedule "+name)
	}
	return id, nil
}

// runJob runs one job under the scheduler's context, logging its duration
// and failure.
func (s *Scheduler) runJob(name string, run func(context.Context) error) error {
	log := &logging.Logger{Logger: s.logger}
	return log.LogOperation(s.baseCtx, logging.Operation(name), logging.Component("maintenance"), func() error {
		return run(s.baseCtx)
	})
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() {
	s.logger.Info("Maintenance scheduler started", "jobs", s.Jobs())
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Maintenance scheduler stopped")
}

// PurgeSettled deletes settled actions older than the retention period.
func (s *Scheduler) PurgeSettled(ctx context.Context) (int, error) {
	n, err := s.backend.Queue().PurgeSettled(ctx, s.now().Add(-s.config.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Purged settled actions", "count", n)
	}
	return n, nil
}

// EvictClean removes clean entities not updated within the cache TTL.
// Dirty and conflicted entities are never evicted.
func (s *Scheduler) EvictClean(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.CacheTTL)
	total := 0
	for _, t := range s.config.EvictTypes {
		n, err := s.backend.Store().EvictClean(ctx, t, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		s.logger.Info("Evicted stale entities", "count", total)
	}
	return total, nil
}

// Pull fetches every pull type. Offline failures are skipped quietly; the
// next run tries again.
func (s *Scheduler) Pull(ctx context.Context) error {
	for _, t := range s.config.PullTypes {
		n, err := s.puller.Pull(ctx, t, synckit.RemoteFilter{})
		if err != nil {
			if syncErrors.IsRetryable(err) {
				s.logger.Debug("Pull skipped", "entity_type", t, "error", err)
				continue
			}
			return err
		}
		s.logger.Debug("Pulled entities", "entity_type", t, "changed", n)
	}
	return nil
}

// RecordQueueDepth publishes the number of actions per status.
func (s *Scheduler) RecordQueueDepth(ctx context.Context) error {
	counts, err := s.backend.Queue().Counts(ctx)
	if err != nil {
		return err
	}
	for _, status := range []synckit.ActionStatus{synckit.StatusPending, synckit.StatusInFlight, synckit.StatusSettled, synckit.StatusFailed} {
		s.metrics.RecordQueueDepth(status, counts[status])
	}
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
