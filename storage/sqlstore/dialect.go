// Package sqlstore implements synckit.Backend on database/sql. The SQLite and
// Postgres packages supply a Dialect and own connection setup.
package sqlstore

import (
	"database/sql"
	"strconv"
	"strings"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
)

// Dialect captures what differs between the supported databases.
type Dialect interface {
	// Name identifies the database in logs and errors, e.g. "sqlite".
	Name() string

	// Rebind rewrites '?' placeholders into the dialect's form.
	Rebind(query string) string

	// Migrations returns the schema history in ascending version order.
	Migrations() []Migration

	// ReadOptions are the options of the transaction a lazy Query runs in.
	// Nil uses the driver defaults.
	ReadOptions() *sql.TxOptions

	// Classify turns a driver error into a storage error. It receives
	// non-nil errors that are not already *syncErrors.SyncError.
	Classify(op syncErrors.Operation, err error) *syncErrors.SyncError
}

// Migration is one schema version.
type Migration struct {
	Version    int
	Statements []string
}

// QuestionMarks leaves queries unchanged.
func QuestionMarks(query string) string { return query }

// DollarPlaceholders rewrites '?' into $1, $2, ... Queries built by this
// package never carry '?' inside string literals.
func DollarPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Schema renders the common table layout. idColumn is the auto-increment
// primary key declaration of the action table and real the floating point
// type.
func Schema(idColumn, real string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS entities (
			entity_type    TEXT NOT NULL,
			id             TEXT NOT NULL,
			payload        TEXT,
			version        BIGINT NOT NULL,
			remote_version BIGINT NOT NULL DEFAULT 0,
			sync_state     TEXT NOT NULL,
			deleted        INTEGER NOT NULL DEFAULT 0,
			conflict       TEXT,
			category       TEXT,
			location_id    TEXT,
			latitude       ` + real + `,
			longitude      ` + real + `,
			rating         ` + real + `,
			updated_at     BIGINT NOT NULL,
			PRIMARY KEY (entity_type, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_category ON entities (entity_type, category)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_location ON entities (entity_type, location_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_geo ON entities (entity_type, latitude, longitude)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_state ON entities (entity_type, sync_state, updated_at)`,
		`CREATE TABLE IF NOT EXISTS pending_actions (
			action_id       ` + idColumn + `,
			idempotency_key TEXT NOT NULL UNIQUE,
			entity_type     TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			kind            TEXT NOT NULL,
			payload         TEXT,
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			last_error      TEXT NOT NULL DEFAULT '',
			created_at      BIGINT NOT NULL,
			updated_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_entity ON pending_actions (entity_type, entity_id, status, action_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_status ON pending_actions (status, updated_at)`,
	}
}
