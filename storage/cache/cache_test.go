package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/locsync/storage/memory"
	"github.com/c0deZ3R0/locsync/storage/storetest"
	"github.com/c0deZ3R0/locsync/synckit"
)

func newCached(t *testing.T) *Backend {
	t.Helper()
	b, err := New(memory.New(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func entity(id, body string) *synckit.Entity {
	return &synckit.Entity{Type: "location", ID: id, Payload: json.RawMessage(body)}
}

func TestBackendConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) synckit.Backend { return newCached(t) })
}

func TestGetIsServedFromCache(t *testing.T) {
	ctx := context.Background()
	b := newCached(t)

	_, err := b.Store().Upsert(ctx, entity("a", `{"name":"a"}`))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := b.Store().Get(ctx, "location", "a")
		require.NoError(t, err)
		require.NotNil(t, got)
	}
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, 1, stats.Len)

	got, err := b.Store().Get(ctx, "location", "a")
	require.NoError(t, err)
	got.Payload = json.RawMessage(`{"name":"mutated"}`)
	again, err := b.Store().Get(ctx, "location", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a"}`, string(again.Payload), "cached entries are copied out")
}

func TestWritesInvalidate(t *testing.T) {
	ctx := context.Background()
	b := newCached(t)
	store := b.Store()

	_, err := store.Upsert(ctx, entity("a", `{"name":"v1"}`))
	require.NoError(t, err)
	_, err = store.Get(ctx, "location", "a")
	require.NoError(t, err)

	_, err = store.Upsert(ctx, entity("a", `{"name":"v2"}`))
	require.NoError(t, err)
	got, err := store.Get(ctx, "location", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"v2"}`, string(got.Payload))

	err = b.Atomic(ctx, func(s synckit.LocalStore, _ synckit.ActionQueue) error {
		_, err := s.Upsert(ctx, entity("a", `{"name":"v3"}`))
		return err
	})
	require.NoError(t, err)
	got, err = store.Get(ctx, "location", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"v3"}`, string(got.Payload))

	require.NoError(t, store.Delete(ctx, "location", "a"))
	got, err = store.Get(ctx, "location", "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRolledBackTransactionKeepsCommittedState(t *testing.T) {
	ctx := context.Background()
	b := newCached(t)
	store := b.Store()

	_, err := store.Upsert(ctx, entity("a", `{"name":"v1"}`))
	require.NoError(t, err)
	_, err = store.Get(ctx, "location", "a")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = b.Atomic(ctx, func(s synckit.LocalStore, _ synckit.ActionQueue) error {
		if _, err := s.Upsert(ctx, entity("a", `{"name":"v2"}`)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "location", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"v1"}`, string(got.Payload))
}

func TestEvictCleanPurges(t *testing.T) {
	ctx := context.Background()
	b := newCached(t)
	store := b.Store()

	old := entity("a", `{"name":"old"}`)
	old.UpdatedAt = time.Now().Add(-time.Hour)
	_, err := store.Upsert(ctx, old)
	require.NoError(t, err)
	_, err = store.Get(ctx, "location", "a")
	require.NoError(t, err)

	n, err := store.EvictClean(ctx, "location", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := store.Get(ctx, "location", "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewRequiresInner(t *testing.T) {
	_, err := New(nil, 10)
	assert.Error(t, err)
}
