package sqlstore

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/synckit"
)

type testDialect struct{}

func (testDialect) Name() string                { return "test" }
func (testDialect) Rebind(q string) string      { return DollarPlaceholders(q) }
func (testDialect) Migrations() []Migration     { return nil }
func (testDialect) ReadOptions() *sql.TxOptions { return nil }
func (testDialect) Classify(op syncErrors.Operation, err error) *syncErrors.SyncError {
	return syncErrors.NewStorageError(op, err)
}

func TestDollarPlaceholders(t *testing.T) {
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", DollarPlaceholders("a = ? AND b IN (?, ?)"))
	assert.Equal(t, "SELECT 1", DollarPlaceholders("SELECT 1"))
}

func TestQuerySQLPushesDownIndexedPredicates(t *testing.T) {
	o := &ops{b: &Backend{dialect: testDialect{}}}

	query, args := o.querySQL("location", synckit.Filter{Category: "cafe", MinRating: 4, Limit: 10})
	assert.Equal(t, "SELECT "+entityColumns+" FROM entities WHERE entity_type = $1 AND deleted = 0"+
		" AND category = $2 AND rating >= $3 ORDER BY id LIMIT $4", query)
	assert.Equal(t, []any{"location", "cafe", 4.0, 10}, args)

	query, args = o.querySQL("location", synckit.Filter{
		Near:           &synckit.GeoRadius{Lat: 52.5, Lng: 13.4, RadiusKm: 5},
		IncludeDeleted: true,
		Limit:          3,
	})
	assert.Contains(t, query, "latitude BETWEEN $2 AND $3 AND longitude BETWEEN $4 AND $5")
	assert.NotContains(t, query, "deleted = 0")
	assert.NotContains(t, query, "LIMIT", "radius matches are filtered in process before limiting")
	require.Len(t, args, 5)
	assert.Less(t, args[1].(float64), 52.5)
	assert.Greater(t, args[2].(float64), 52.5)
}

func TestNewRequiresWriterAndDialect(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))
}
