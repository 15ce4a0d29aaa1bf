package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/locsync/storage/storetest"
	"github.com/c0deZ3R0/locsync/synckit"
)

func TestBackendConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) synckit.Backend {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestReturnedEntitiesAreCopies(t *testing.T) {
	ctx := context.Background()
	b := New()

	stored, err := b.Store().Upsert(ctx, &synckit.Entity{Type: "profile", ID: "p1", Payload: json.RawMessage(`{"username":"ana"}`)})
	require.NoError(t, err)
	stored.Payload[2] = 'X'
	stored.SyncState = synckit.Dirty

	got, err := b.Store().Get(ctx, "profile", "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"ana"}`, string(got.Payload))
	assert.Equal(t, synckit.Clean, got.SyncState)
}

func TestConcurrentEnqueue(t *testing.T) {
	ctx := context.Background()
	b := New()

	var wg sync.WaitGroup
	ids := make(chan int64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := b.Queue().Enqueue(ctx, &synckit.PendingAction{
				EntityType: "profile", EntityID: "p1", Kind: synckit.ActionUpdate,
				Payload: json.RawMessage(`{"bio":"x"}`),
			})
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	out, err := b.Queue().Outstanding(ctx, synckit.EntityRef{Type: "profile", ID: "p1"})
	require.NoError(t, err)
	assert.Len(t, out, 100)
}
