package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/storage/storetest"
	"github.com/c0deZ3R0/locsync/synckit"
)

func setupTestDB(t *testing.T, path string) *Store {
	t.Helper()
	config := DefaultConfig("file:" + path)
	config.Logger = logging.Discard().Logger
	store, err := New(config)
	require.NoError(t, err)
	return store
}

func TestBackendConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) synckit.Backend {
		store := setupTestDB(t, filepath.Join(t.TempDir(), "locsync.db"))
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locsync.db")

	store := setupTestDB(t, path)
	_, err := store.Store().Upsert(ctx, &synckit.Entity{
		Type: "location", ID: "loc-1", SyncState: synckit.Dirty,
		Payload: json.RawMessage(`{"name":"Cafe","category":"cafe"}`),
	})
	require.NoError(t, err)
	id, err := store.Queue().Enqueue(ctx, &synckit.PendingAction{
		EntityType: "location", EntityID: "loc-1", Kind: synckit.ActionCreate,
		Payload: json.RawMessage(`{"name":"Cafe","category":"cafe"}`),
	})
	require.NoError(t, err)
	require.NoError(t, store.Queue().MarkInFlight(ctx, id))
	require.NoError(t, store.Close())

	reopened := setupTestDB(t, path)
	defer reopened.Close()

	e, err := reopened.Store().Get(ctx, "location", "loc-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, synckit.Dirty, e.SyncState)

	n, err := reopened.Queue().RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	next, err := reopened.Queue().PeekNext(ctx, synckit.EntityRef{Type: "location", ID: "loc-1"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, id, next.ActionID)
	assert.Zero(t, next.AttemptCount)
}

func TestInMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig(":memory:")
	config.Logger = logging.Discard().Logger
	store, err := New(config)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Store().Upsert(ctx, &synckit.Entity{Type: "settings", ID: "me", Payload: json.RawMessage(`{"language":"en"}`)})
	require.NoError(t, err)
	got, err := store.Store().Get(ctx, "settings", "me")
	require.NoError(t, err)
	require.NotNil(t, got, "reads see writes on the shared connection")
}

func TestStoreContextCancellation(t *testing.T) {
	store := setupTestDB(t, filepath.Join(t.TempDir(), "locsync.db"))
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Store().Upsert(ctx, &synckit.Entity{Type: "location", ID: "x", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))

	_, err = New(&Config{})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))
}

func TestDSN(t *testing.T) {
	c := DefaultConfig("file:data.db")
	assert.Equal(t, "file:data.db?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate", c.dsn(true))
	assert.Equal(t, "file:data.db?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", c.dsn(false))

	c = DefaultConfig("file:data.db?cache=private")
	assert.Contains(t, c.dsn(false), "cache=private&_busy_timeout=5000")

	c = DefaultConfig(":memory:")
	assert.NotContains(t, c.dsn(false), "_journal_mode")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"disk full", sqlite3.Error{Code: sqlite3.ErrFull}, false},
		{"corrupt", sqlite3.Error{Code: sqlite3.ErrCorrupt}, false},
		{"wrapped io", fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrIoErr}), false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dialect{}.Classify(syncErrors.OpUpsert, tt.err)
			assert.Equal(t, syncErrors.KindStorage, got.Kind)
			assert.Equal(t, component, got.Component)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}
