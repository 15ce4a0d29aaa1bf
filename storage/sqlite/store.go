// Package sqlite provides the durable SQLite Backend used on devices.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/storage/sqlstore"
)

const component = "storage/sqlite"

// Config configures a SQLite Backend.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled so queries never block the writer
//   - A single writer connection and up to 25 reader connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the database file, e.g. "file:locsync.db".
	// In-memory databases run on a single shared connection.
	DataSourceName string

	// EnableWAL sets the journal mode to WAL. Enabled by default.
	EnableWAL bool

	// BusyTimeout bounds how long a statement waits for a lock.
	BusyTimeout time.Duration

	// Logger defaults to the "sqlite-store" component logger.
	Logger *slog.Logger

	// Reader pool settings. The writer always has one connection.
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("sqlite-store")).Logger
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store is a sqlstore.Backend over SQLite.
type Store struct {
	*sqlstore.Backend
}

// NewWithDataSource is a convenience constructor.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database, configures the pools and migrates the schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("config cannot be nil"))
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("DataSourceName is required"))
	}

	ctx := context.Background()
	logger := config.Logger
	memory := isMemory(config.DataSourceName)
	logger.InfoContext(ctx, "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL && !memory),
	)

	writer, err := sql.Open("sqlite3", config.dsn(true))
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpConfig, err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetConnMaxIdleTime(0)

	reader := writer
	if !memory {
		reader, err = sql.Open("sqlite3", config.dsn(false))
		if err != nil {
			writer.Close()
			return nil, syncErrors.NewStorageError(syncErrors.OpConfig, err)
		}
		reader.SetMaxOpenConns(config.MaxOpenConns)
		reader.SetMaxIdleConns(config.MaxIdleConns)
		reader.SetConnMaxLifetime(config.ConnMaxLifetime)
		reader.SetConnMaxIdleTime(config.ConnMaxIdleTime)

		logger.InfoContext(ctx, "Connection pool configured",
			slog.Int("max_open_conns", config.MaxOpenConns),
			slog.Int("max_idle_conns", config.MaxIdleConns),
			slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
			slog.Duration("conn_max_idle_time", config.ConnMaxIdleTime),
		)
	}

	closeAll := func() {
		if reader != writer {
			reader.Close()
		}
		writer.Close()
	}

	if err := writer.PingContext(ctx); err != nil {
		closeAll()
		return nil, syncErrors.NewStorageError(syncErrors.OpConfig, fmt.Errorf("failed to connect to sqlite database: %w", err))
	}

	backend, err := sqlstore.New(sqlstore.Config{
		Writer:    writer,
		Reader:    reader,
		Dialect:   Dialect{},
		Component: component,
		Logger:    logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	if err := backend.Migrate(ctx); err != nil {
		closeAll()
		return nil, err
	}

	logger.InfoContext(ctx, "SQLite backend successfully initialized")
	return &Store{Backend: backend}, nil
}

// dsn renders the driver connection string. The writer takes its write lock
// at BEGIN so concurrent transactions queue on the busy timeout instead of
// failing on lock upgrade.
func (c *Config) dsn(writer bool) string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()),
	}
	if c.EnableWAL && !isMemory(c.DataSourceName) && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	if writer {
		params = append(params, "_txlock=immediate")
	}
	sep := "?"
	if strings.Contains(c.DataSourceName, "?") {
		sep = "&"
	}
	return c.DataSourceName + sep + strings.Join(params, "&")
}

func isMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// Dialect is the SQLite flavour of the shared schema and error mapping.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Rebind(query string) string { return sqlstore.QuestionMarks(query) }

func (Dialect) Migrations() []sqlstore.Migration {
	return []sqlstore.Migration{
		{Version: 1, Statements: sqlstore.Schema("INTEGER PRIMARY KEY AUTOINCREMENT", "REAL")},
	}
}

// ReadOptions leaves the transaction deferred; in WAL mode its snapshot is
// taken at the first read.
func (Dialect) ReadOptions() *sql.TxOptions { return nil }

// Classify maps sqlite3 result codes. Busy and locked databases are
// retryable; disk, corruption and I/O failures are not.
func (Dialect) Classify(op syncErrors.Operation, err error) *syncErrors.SyncError {
	out := syncErrors.NewStorageError(op, err)
	out.Component = component

	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return out
	}
	out.WithMetadata("sqlite_code", int(sqlErr.Code)).
		WithMetadata("sqlite_extended_code", int(sqlErr.ExtendedCode))
	switch sqlErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		out.Retryable = true
	case sqlite3.ErrFull, sqlite3.ErrCorrupt, sqlite3.ErrIoErr, sqlite3.ErrNotADB, sqlite3.ErrReadonly:
		out.Retryable = false
	}
	return out
}
