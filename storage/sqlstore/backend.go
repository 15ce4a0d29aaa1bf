package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
)

// ErrBackendClosed is wrapped by errors returned after Close.
var ErrBackendClosed = errors.New("backend is closed")

// Config configures a Backend.
type Config struct {
	// Writer runs every write and transaction. SQLite callers limit it to a
	// single connection.
	Writer *sql.DB

	// Reader runs standalone reads. Defaults to Writer.
	Reader *sql.DB

	Dialect Dialect

	// Component names the backend in errors, e.g. "storage/sqlite".
	Component string

	// Logger defaults to the package component logger.
	Logger *slog.Logger

	// Now overrides the clock.
	Now func() time.Time
}

// Backend is a synckit.Backend over database/sql.
type Backend struct {
	writer    *sql.DB
	reader    *sql.DB
	dialect   Dialect
	component string
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
}

var _ synckit.Backend = (*Backend)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New returns a backend over the configured pools. Call Migrate before use.
func New(cfg Config) (*Backend, error) {
	if cfg.Writer == nil || cfg.Dialect == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("writer and dialect are required"))
	}
	b := &Backend{
		writer:    cfg.Writer,
		reader:    cfg.Reader,
		dialect:   cfg.Dialect,
		component: cfg.Component,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if b.reader == nil {
		b.reader = b.writer
	}
	if b.component == "" {
		b.component = "storage/" + cfg.Dialect.Name()
	}
	if b.logger == nil {
		b.logger = logging.WithComponent(logging.Component(cfg.Dialect.Name() + "-store")).Logger
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Migrate brings the schema up to the dialect's latest version.
func (b *Backend) Migrate(ctx context.Context) error {
	const op = syncErrors.OpConfig
	return b.inTx(ctx, op, func(q querier) error {
		if _, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS locsync_schema (
			version    INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`); err != nil {
			return err
		}
		var current int
		if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM locsync_schema`).Scan(&current); err != nil {
			return err
		}
		for _, m := range b.dialect.Migrations() {
			if m.Version <= current {
				continue
			}
			for _, stmt := range m.Statements {
				if _, err := q.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.Version, err)
				}
			}
			if _, err := q.ExecContext(ctx, b.dialect.Rebind(`INSERT INTO locsync_schema (version, applied_at) VALUES (?, ?)`),
				m.Version, b.now().UnixNano()); err != nil {
				return err
			}
			b.logger.InfoContext(ctx, "Applied schema migration",
				slog.Int("version", m.Version),
				slog.String("dialect", b.dialect.Name()),
			)
		}
		return nil
	})
}

// Ping checks both pools.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.writer.PingContext(ctx); err != nil {
		return b.wrap(syncErrors.OpRead, err)
	}
	if b.reader != b.writer {
		if err := b.reader.PingContext(ctx); err != nil {
			return b.wrap(syncErrors.OpRead, err)
		}
	}
	return nil
}

// DB returns the writer pool, for health checks.
func (b *Backend) DB() *sql.DB { return b.writer }

// Stats returns the writer pool statistics.
func (b *Backend) Stats() sql.DBStats { return b.writer.Stats() }

// Store returns a LocalStore running each call in its own statement or
// transaction.
func (b *Backend) Store() synckit.LocalStore { return &store{b: b} }

// Queue returns an ActionQueue running each call in its own statement or
// transaction.
func (b *Backend) Queue() synckit.ActionQueue { return &queue{b: b} }

// Atomic runs fn in one writer transaction.
func (b *Backend) Atomic(ctx context.Context, fn func(synckit.LocalStore, synckit.ActionQueue) error) error {
	return b.inTx(ctx, syncErrors.OpStore, func(q querier) error {
		o := &ops{b: b, q: q}
		return fn(storeTx{o}, queueTx{o})
	})
}

// Close closes both pools. It is safe to call more than once.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.reader != b.writer {
		errs = append(errs, b.reader.Close())
	}
	errs = append(errs, b.writer.Close())
	if err := errors.Join(errs...); err != nil {
		return b.wrap(syncErrors.OpClose, err)
	}
	b.logger.Info("Backend closed", slog.String("dialect", b.dialect.Name()))
	return nil
}

// acquire holds the close lock for the duration of a call.
func (b *Backend) acquire(op syncErrors.Operation) (release func(), err error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, syncErrors.E(op, syncErrors.Component(b.component), syncErrors.KindClosed,
			syncErrors.ErrCodeClosed, ErrBackendClosed)
	}
	return b.mu.RUnlock, nil
}

// inTx runs fn in a writer transaction and commits when it returns nil.
func (b *Backend) inTx(ctx context.Context, op syncErrors.Operation, fn func(querier) error) (err error) {
	release, err := b.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	tx, err := b.writer.BeginTx(ctx, nil)
	if err != nil {
		return b.wrap(op, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				b.logger.Warn("Rollback failed", slog.String("error", rbErr.Error()))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return b.wrap(op, err)
	}
	if err = tx.Commit(); err != nil {
		return b.wrap(op, err)
	}
	return nil
}

// wrap passes sync errors and context errors through and classifies the rest.
func (b *Backend) wrap(op syncErrors.Operation, err error) error {
	if err == nil {
		return nil
	}
	var se *syncErrors.SyncError
	if errors.As(err, &se) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	out := b.dialect.Classify(op, err)
	if out.Component == "" {
		out.Component = b.component
	}
	return out
}
