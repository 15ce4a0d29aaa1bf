// Package daemon assembles a running sync node from a config.Config: the
// storage backend, the remote client, connectivity probing, the coordinator,
// maintenance jobs and the local HTTP surface.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"

	"github.com/c0deZ3R0/locsync/config"
	"github.com/c0deZ3R0/locsync/connectivity"
	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/maintenance"
	"github.com/c0deZ3R0/locsync/metrics"
	"github.com/c0deZ3R0/locsync/model"
	"github.com/c0deZ3R0/locsync/storage/cache"
	"github.com/c0deZ3R0/locsync/storage/memory"
	"github.com/c0deZ3R0/locsync/storage/postgres"
	"github.com/c0deZ3R0/locsync/storage/sqlite"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/transport/httptransport"
	"github.com/c0deZ3R0/locsync/transport/sse"
	"github.com/c0deZ3R0/locsync/transport/ws"
)

// Daemon is an assembled node. Build wires it; Run serves it.
type Daemon struct {
	Config     *config.Config
	Repository *synckit.Repository
	Metrics    *metrics.Collector
	Scheduler  *maintenance.Scheduler
	Observer   connectivity.Observer

	probe    *connectivity.Probe
	listener *postgres.Listener
	db       *sql.DB
	handler  http.Handler
	logger   *slog.Logger
}

// Option overrides parts of the assembly, mostly for tests.
type Option func(*buildOptions)

type buildOptions struct {
	backend  synckit.Backend
	observer connectivity.Observer
	remote   synckit.RemoteAPI
	logger   *slog.Logger
}

// WithBackend uses b instead of opening the configured driver.
func WithBackend(b synckit.Backend) Option { return func(o *buildOptions) { o.backend = b } }

// WithObserver uses obs instead of probing the configured targets.
func WithObserver(obs connectivity.Observer) Option { return func(o *buildOptions) { o.observer = obs } }

// WithRemote uses api instead of an HTTP client for remote.base_url.
func WithRemote(api synckit.RemoteAPI) Option { return func(o *buildOptions) { o.remote = api } }

func WithLogger(l *slog.Logger) Option { return func(o *buildOptions) { o.logger = l } }

// Build wires a node from cfg without starting anything.
func Build(cfg *config.Config, opts ...Option) (*Daemon, error) {
	const op = syncErrors.Op("daemon.Build")

	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if cfg == nil {
		return nil, syncErrors.E(op, syncErrors.KindValidation, syncErrors.ErrCodeValidationFailure, "config is required")
	}
	cfg, err := cfg.Clone()
	if err != nil {
		return nil, err
	}
	d := &Daemon{Config: cfg, logger: o.logger}
	broker := synckit.NewBroker(synckit.DefaultSubscriptionBuffer, o.logger.With("component", "broker"))

	backend := o.backend
	if backend == nil {
		if backend, err = d.openBackend(broker); err != nil {
			return nil, err
		}
	}
	if cfg.Storage.CacheSize > 0 {
		cached, err := cache.New(backend, cfg.Storage.CacheSize)
		if err != nil {
			_ = backend.Close()
			return nil, syncErrors.E(op, syncErrors.KindStorage, err)
		}
		backend = cached
	}

	api := o.remote
	if api == nil {
		if cfg.Remote.BaseURL == "" {
			_ = backend.Close()
			return nil, syncErrors.E(op, syncErrors.KindValidation, syncErrors.ErrCodeValidationFailure, "remote.base_url is required")
		}
		var tokens oauth2.TokenSource
		if cfg.Remote.Token != "" {
			tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Remote.Token, TokenType: "Bearer"})
		}
		clientOpts := []httptransport.ClientOption{
			httptransport.WithClientLogger(o.logger.With("component", "http-remote")),
		}
		if cfg.Remote.CompressionThreshold > 0 {
			clientOpts = append(clientOpts, httptransport.WithRequestCompressionThreshold(cfg.Remote.CompressionThreshold))
		} else {
			clientOpts = append(clientOpts, httptransport.WithClientCompression(false))
		}
		if cfg.Remote.MaxResponseSize > 0 {
			clientOpts = append(clientOpts, httptransport.WithMaxResponseSize(cfg.Remote.MaxResponseSize))
		}
		api = httptransport.NewClient(cfg.Remote.BaseURL, tokens, clientOpts...)
	}

	d.Observer = o.observer
	if d.Observer == nil {
		targets := cfg.Connectivity.Targets
		if len(targets) == 0 && cfg.Remote.BaseURL != "" {
			targets = []string{cfg.Remote.BaseURL}
		}
		probeOpts := []connectivity.ProbeOption{
			connectivity.WithProbeInterval(cfg.Connectivity.Interval),
			connectivity.WithFailureThreshold(cfg.Connectivity.FailureThreshold),
			connectivity.WithProbeLogger(o.logger.With("component", "connectivity-probe")),
		}
		for _, t := range targets {
			probeOpts = append(probeOpts, connectivity.WithHTTPTarget(t, cfg.Connectivity.Timeout))
		}
		d.probe = connectivity.NewProbe(probeOpts...)
		d.Observer = d.probe
	}

	coordOpts := []synckit.Option{
		synckit.WithOptions(cfg.CoordinatorOptions()),
		synckit.WithLogger(o.logger.With("component", "coordinator")),
		synckit.WithTracer(otel.Tracer("github.com/c0deZ3R0/locsync")),
		synckit.WithBroker(broker),
	}
	if cfg.Metrics.Enabled {
		d.Metrics = metrics.New()
		d.Metrics.WatchBroker(broker)
		coordOpts = append(coordOpts, synckit.WithMetrics(d.Metrics))
	}
	conflictOpts, err := cfg.ConflictOptions()
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	coordOpts = append(coordOpts, conflictOpts...)

	adapter := synckit.NewAdapter(api, synckit.WithCallTimeout(cfg.Remote.Timeout),
		synckit.WithAdapterLogger(o.logger.With("component", "remote-adapter")))
	coord, err := synckit.NewCoordinator(backend, adapter, d.Observer, coordOpts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	d.Repository, err = synckit.NewRepository(backend, coord,
		synckit.WithRegistry(model.NewRegistry()),
		synckit.WithRepositoryLogger(o.logger.With("component", "repository")))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	var maintOpts []maintenance.Option
	maintOpts = append(maintOpts, maintenance.WithLogger(o.logger.With("component", "maintenance")))
	if d.Metrics != nil {
		maintOpts = append(maintOpts, maintenance.WithMetrics(d.Metrics))
	}
	d.Scheduler, err = maintenance.New(backend, coord, maintenance.Config{
		PurgeSchedule: cfg.Maintenance.PurgeSchedule,
		EvictSchedule: cfg.Maintenance.EvictSchedule,
		PullSchedule:  cfg.Maintenance.PullSchedule,
		GaugeSchedule: cfg.Maintenance.GaugeSchedule,
		Retention:     cfg.Maintenance.Retention,
		CacheTTL:      cfg.Maintenance.CacheTTL,
		EvictTypes:    evictTypes(cfg),
		PullTypes:     coord.Options().PullTypes,
	}, maintOpts...)
	if err != nil {
		_ = d.Repository.Close()
		return nil, err
	}

	d.handler = d.routes(broker)
	return d, nil
}

func evictTypes(cfg *config.Config) []synckit.EntityType {
	types := []synckit.EntityType{model.TypeLocation, model.TypeReview}
	for _, t := range cfg.CoordinatorOptions().PullTypes {
		if t != model.TypeLocation && t != model.TypeReview {
			types = append(types, t)
		}
	}
	return types
}

func (d *Daemon) openBackend(broker *synckit.Broker) (synckit.Backend, error) {
	cfg := d.Config.Storage
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(memory.WithLogger(d.logger.With("component", "memory-store"))), nil
	case config.DriverSQLite:
		sc := sqlite.DefaultConfig(cfg.DSN)
		sc.EnableWAL = cfg.WAL
		sc.Logger = d.logger.With("component", "sqlite-store")
		if cfg.MaxOpenConns > 0 {
			sc.MaxOpenConns = cfg.MaxOpenConns
		}
		store, err := sqlite.New(sc)
		if err != nil {
			return nil, err
		}
		d.db = store.DB()
		return store, nil
	case config.DriverPostgres:
		pc := postgres.DefaultConfig(cfg.DSN)
		pc.Logger = d.logger.With("component", "postgres-store")
		if cfg.MaxOpenConns > 0 {
			pc.MaxOpenConns = cfg.MaxOpenConns
		}
		store, err := postgres.New(pc)
		if err != nil {
			return nil, err
		}
		d.db = store.DB()
		if cfg.Listen {
			d.listener = store.NewListener(broker)
		}
		return store, nil
	default:
		return nil, syncErrors.E(syncErrors.Op("daemon.openBackend"), syncErrors.KindValidation,
			fmt.Errorf("unknown storage driver %q", cfg.Driver))
	}
}

func (d *Daemon) routes(broker *synckit.Broker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	if d.db != nil {
		health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(d.db, time.Second))
	}
	r.Get("/live", health.LiveEndpoint)
	r.Get("/ready", health.ReadyEndpoint)

	if d.Metrics != nil {
		r.Method(http.MethodGet, d.Config.Metrics.Path, d.Metrics.Handler())
	}

	streams := ws.NewHandler(broker, d.logger.With("component", "ws"))
	r.Get("/ws", streams.ServeHTTP)
	r.Get("/ws/entities/{id}", streams.ServeHTTP)
	r.Method(http.MethodGet, "/events", sse.NewServer(broker, d.logger.With("component", "sse")).Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		newAPI(d.Repository, d.logger).mount(r)
	})
	return r
}

// Handler returns the node's HTTP surface.
func (d *Daemon) Handler() http.Handler { return d.handler }

// Start starts probing, synchronisation, the postgres listener and the
// maintenance jobs.
func (d *Daemon) Start(ctx context.Context) error {
	if d.probe != nil {
		if err := d.probe.Start(ctx); err != nil {
			return err
		}
	}
	if d.listener != nil {
		if err := d.listener.Start(ctx); err != nil {
			return err
		}
	}
	if err := d.Repository.Start(ctx); err != nil {
		return err
	}
	d.Scheduler.Start()
	return nil
}

// Close stops every component. It is safe to call without Start.
func (d *Daemon) Close() error {
	d.Scheduler.Stop()
	if d.probe != nil {
		d.probe.Stop()
	}
	var errs []error
	if d.listener != nil {
		errs = append(errs, d.listener.Close())
	}
	errs = append(errs, d.Repository.Close())
	return errors.Join(errs...)
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func (d *Daemon) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
