// Package storetest holds the behaviour every synckit.Backend must share.
// Backend packages call Run from their tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/synckit"
)

// Factory returns a fresh, empty backend. It is called once per subtest;
// cleanup is the factory's concern.
type Factory func(t *testing.T) synckit.Backend

const locationType synckit.EntityType = "location"

func location(id, category string, lat, lng, rating float64) *synckit.Entity {
	payload := fmt.Sprintf(`{"name":%q,"category":%q,"latitude":%g,"longitude":%g,"rating":%g}`,
		id, category, lat, lng, rating)
	return &synckit.Entity{Type: locationType, ID: id, Payload: json.RawMessage(payload)}
}

func action(id string, kind synckit.ActionKind) *synckit.PendingAction {
	a := &synckit.PendingAction{EntityType: locationType, EntityID: id, Kind: kind}
	if kind != synckit.ActionDelete {
		a.Payload = json.RawMessage(`{"name":"x"}`)
	}
	return a
}

func ref(id string) synckit.EntityRef {
	return synckit.EntityRef{Type: locationType, ID: id}
}

// Run executes the conformance suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("Store", func(t *testing.T) { runStore(t, newBackend) })
	t.Run("Queue", func(t *testing.T) { runQueue(t, newBackend) })
	t.Run("Atomic", func(t *testing.T) { runAtomic(t, newBackend) })
}

func runStore(t *testing.T, newBackend Factory) {
	ctx := context.Background()

	t.Run("GetAbsent", func(t *testing.T) {
		store := newBackend(t).Store()
		e, err := store.Get(ctx, locationType, "missing")
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("UpsertVersioning", func(t *testing.T) {
		store := newBackend(t).Store()

		first, err := store.Upsert(ctx, location("loc-1", "cafe", 1, 1, 4))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), first.Version)
		assert.Equal(t, synckit.Clean, first.SyncState)

		same, err := store.Upsert(ctx, location("loc-1", "cafe", 1, 1, 4))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), same.Version, "unchanged payload keeps the version")

		changed, err := store.Upsert(ctx, location("loc-1", "bar", 1, 1, 4))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), changed.Version)

		explicit := location("loc-1", "bar", 1, 1, 4)
		explicit.Version = 7
		explicit.RemoteVersion = 7
		stored, err := store.Upsert(ctx, explicit)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), stored.Version)

		got, err := store.Get(ctx, locationType, "loc-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, uint64(7), got.Version)
		assert.Equal(t, uint64(7), got.RemoteVersion)
		assert.JSONEq(t, string(explicit.Payload), string(got.Payload))
	})

	t.Run("UpsertKeepsConflictAndTombstone", func(t *testing.T) {
		store := newBackend(t).Store()
		e := location("loc-1", "cafe", 1, 1, 4)
		e.SyncState = synckit.Conflicted
		e.Deleted = true
		e.Conflict = &synckit.ConflictInfo{
			ActionID:      3,
			ServerVersion: 4,
			ServerPayload: json.RawMessage(`{"name":"server"}`),
			DetectedAt:    time.Now().UTC().Truncate(time.Second),
		}
		_, err := store.Upsert(ctx, e)
		require.NoError(t, err)

		got, err := store.Get(ctx, locationType, "loc-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Deleted)
		assert.Equal(t, synckit.Conflicted, got.SyncState)
		require.NotNil(t, got.Conflict)
		assert.Equal(t, uint64(4), got.Conflict.ServerVersion)
		assert.Equal(t, int64(3), got.Conflict.ActionID)
		assert.JSONEq(t, `{"name":"server"}`, string(got.Conflict.ServerPayload))
	})

	t.Run("UpsertRejectsMissingKey", func(t *testing.T) {
		store := newBackend(t).Store()
		_, err := store.Upsert(ctx, &synckit.Entity{Type: locationType})
		require.Error(t, err)
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		store := newBackend(t).Store()
		_, err := store.Upsert(ctx, location("loc-1", "cafe", 1, 1, 4))
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, locationType, "loc-1"))
		require.NoError(t, store.Delete(ctx, locationType, "loc-1"))
		got, err := store.Get(ctx, locationType, "loc-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("QueryFilters", func(t *testing.T) {
		store := newBackend(t).Store()
		for _, e := range []*synckit.Entity{
			location("a", "cafe", 52.52, 13.40, 4.5),
			location("b", "cafe", 52.53, 13.41, 3.0),
			location("c", "bar", 52.51, 13.39, 4.8),
			location("d", "cafe", 48.85, 2.35, 5.0),
		} {
			_, err := store.Upsert(ctx, e)
			require.NoError(t, err)
		}
		gone := location("e", "cafe", 52.52, 13.40, 5.0)
		gone.Deleted = true
		_, err := store.Upsert(ctx, gone)
		require.NoError(t, err)
		_, err = store.Upsert(ctx, &synckit.Entity{Type: "profile", ID: "a", Payload: json.RawMessage(`{"username":"p"}`)})
		require.NoError(t, err)

		ids := func(f synckit.Filter) []string {
			t.Helper()
			got, err := synckit.Collect(store.Query(ctx, locationType, f))
			require.NoError(t, err)
			var out []string
			for _, e := range got {
				out = append(out, e.ID)
			}
			return out
		}

		assert.Equal(t, []string{"a", "b", "c", "d"}, ids(synckit.Filter{}))
		assert.Equal(t, []string{"a", "b", "d"}, ids(synckit.Filter{Category: "cafe"}))
		assert.Equal(t, []string{"a", "c", "d"}, ids(synckit.Filter{MinRating: 4.5}))
		assert.Equal(t, []string{"a", "b", "c"}, ids(synckit.Filter{
			Bounds: &synckit.GeoBounds{MinLat: 52, MaxLat: 53, MinLng: 13, MaxLng: 14},
		}))
		assert.Equal(t, []string{"a", "b", "c"}, ids(synckit.Filter{
			Near: &synckit.GeoRadius{Lat: 52.52, Lng: 13.40, RadiusKm: 5},
		}))
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(synckit.Filter{IncludeDeleted: true}))
		assert.Equal(t, []string{"a", "b"}, ids(synckit.Filter{Limit: 2}))
		assert.Equal(t, []string{"b"}, ids(synckit.Filter{
			Match: func(e *synckit.Entity) bool { return e.ID == "b" },
		}))
	})

	t.Run("QueryByLocationID", func(t *testing.T) {
		store := newBackend(t).Store()
		for id, body := range map[string]string{
			"cafe:u1":   `{"location_id":"cafe","user_id":"u1","rating":4}`,
			"cafe:u2":   `{"location_id":"cafe","user_id":"u2","rating":2}`,
			"bakery:u1": `{"location_id":"bakery","user_id":"u1","rating":5}`,
		} {
			_, err := store.Upsert(ctx, &synckit.Entity{Type: "review", ID: id, Payload: json.RawMessage(body)})
			require.NoError(t, err)
		}

		got, err := synckit.Collect(store.Query(ctx, "review", synckit.Filter{LocationID: "cafe"}))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "cafe:u1", got[0].ID)
		assert.Equal(t, "cafe:u2", got[1].ID)

		got, err = synckit.Collect(store.Query(ctx, "review", synckit.Filter{LocationID: "cafe", MinRating: 3}))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "cafe:u1", got[0].ID)
	})

	t.Run("QueryIsSnapshotConsistent", func(t *testing.T) {
		store := newBackend(t).Store()
		for _, id := range []string{"a", "b", "c"} {
			_, err := store.Upsert(ctx, location(id, "cafe", 1, 1, 1))
			require.NoError(t, err)
		}

		var seen []string
		for e, err := range store.Query(ctx, locationType, synckit.Filter{}) {
			require.NoError(t, err)
			if len(seen) == 0 {
				_, werr := store.Upsert(ctx, location("z", "cafe", 1, 1, 1))
				require.NoError(t, werr)
			}
			seen = append(seen, e.ID)
		}
		assert.Equal(t, []string{"a", "b", "c"}, seen)

		got, err := store.Get(ctx, locationType, "z")
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("EvictClean", func(t *testing.T) {
		store := newBackend(t).Store()
		old := time.Now().Add(-48 * time.Hour)

		clean := location("clean", "cafe", 1, 1, 1)
		clean.UpdatedAt = old
		dirty := location("dirty", "cafe", 1, 1, 1)
		dirty.UpdatedAt = old
		dirty.SyncState = synckit.Dirty
		fresh := location("fresh", "cafe", 1, 1, 1)
		for _, e := range []*synckit.Entity{clean, dirty, fresh} {
			_, err := store.Upsert(ctx, e)
			require.NoError(t, err)
		}

		n, err := store.EvictClean(ctx, locationType, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		for id, want := range map[string]bool{"clean": false, "dirty": true, "fresh": true} {
			got, err := store.Get(ctx, locationType, id)
			require.NoError(t, err)
			assert.Equal(t, want, got != nil, id)
		}
	})
}

func runQueue(t *testing.T, newBackend Factory) {
	ctx := context.Background()

	t.Run("EnqueueValidation", func(t *testing.T) {
		queue := newBackend(t).Queue()
		for name, a := range map[string]*synckit.PendingAction{
			"nil":       nil,
			"no type":   {EntityID: "x", Kind: synckit.ActionDelete},
			"no id":     {EntityType: locationType, Kind: synckit.ActionDelete},
			"bad kind":  {EntityType: locationType, EntityID: "x", Kind: "patch"},
			"no body":   {EntityType: locationType, EntityID: "x", Kind: synckit.ActionUpdate},
			"bad json":  {EntityType: locationType, EntityID: "x", Kind: synckit.ActionCreate, Payload: json.RawMessage(`{`)},
		} {
			_, err := queue.Enqueue(ctx, a)
			require.Error(t, err, name)
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation), name)
		}
		pending, err := queue.ListByStatus(ctx, synckit.StatusPending)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("EnqueueAssignsMonotonicIDs", func(t *testing.T) {
		queue := newBackend(t).Queue()
		var last int64
		for i := 0; i < 5; i++ {
			id, err := queue.Enqueue(ctx, action("loc-1", synckit.ActionUpdate))
			require.NoError(t, err)
			assert.Greater(t, id, last)
			last = id
		}

		a, err := queue.Get(ctx, last)
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, synckit.StatusPending, a.Status)
		assert.Zero(t, a.AttemptCount)
		assert.NotEmpty(t, a.IdempotencyKey)
		assert.False(t, a.CreatedAt.IsZero())

		missing, err := queue.Get(ctx, last+100)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("ChainsAreKeyedByTypeAndID", func(t *testing.T) {
		queue := newBackend(t).Queue()
		profile := synckit.EntityRef{Type: "profile", ID: "u1"}
		settings := synckit.EntityRef{Type: "settings", ID: "u1"}
		p, err := queue.Enqueue(ctx, &synckit.PendingAction{
			EntityType: profile.Type, EntityID: profile.ID, Kind: synckit.ActionCreate,
			Payload: json.RawMessage(`{"username":"alice"}`),
		})
		require.NoError(t, err)
		s, err := queue.Enqueue(ctx, &synckit.PendingAction{
			EntityType: settings.Type, EntityID: settings.ID, Kind: synckit.ActionCreate,
			Payload: json.RawMessage(`{"language":"en"}`),
		})
		require.NoError(t, err)

		next, err := queue.PeekNext(ctx, settings)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, s, next.ActionID)

		out, err := queue.Outstanding(ctx, profile)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, p, out[0].ActionID)

		refs, err := queue.OutstandingEntities(ctx)
		require.NoError(t, err)
		assert.Equal(t, []synckit.EntityRef{profile, settings}, refs)
	})

	t.Run("PeekNextIsFIFOPerEntity", func(t *testing.T) {
		queue := newBackend(t).Queue()
		first, err := queue.Enqueue(ctx, action("loc-1", synckit.ActionCreate))
		require.NoError(t, err)
		other, err := queue.Enqueue(ctx, action("loc-2", synckit.ActionCreate))
		require.NoError(t, err)
		second, err := queue.Enqueue(ctx, action("loc-1", synckit.ActionUpdate))
		require.NoError(t, err)

		next, err := queue.PeekNext(ctx, ref("loc-1"))
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, first, next.ActionID)

		require.NoError(t, queue.MarkInFlight(ctx, first))
		next, err = queue.PeekNext(ctx, ref("loc-1"))
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, second, next.ActionID, "in-flight actions are not pending")

		out, err := queue.Outstanding(ctx, ref("loc-1"))
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, first, out[0].ActionID)
		assert.Equal(t, second, out[1].ActionID)

		refs, err := queue.OutstandingEntities(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []synckit.EntityRef{
			{Type: locationType, ID: "loc-1"},
			{Type: locationType, ID: "loc-2"},
		}, refs)
		_ = other

		none, err := queue.PeekNext(ctx, ref("loc-9"))
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("Transitions", func(t *testing.T) {
		queue := newBackend(t).Queue()
		id, err := queue.Enqueue(ctx, action("loc-1", synckit.ActionUpdate))
		require.NoError(t, err)

		status := func() *synckit.PendingAction {
			t.Helper()
			a, err := queue.Get(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, a)
			return a
		}

		require.NoError(t, queue.MarkSettled(ctx, id))
		assert.Equal(t, synckit.StatusPending, status().Status, "settle from pending is ignored")

		require.NoError(t, queue.MarkInFlight(ctx, id))
		require.NoError(t, queue.MarkRetry(ctx, id, "503"))
		a := status()
		assert.Equal(t, synckit.StatusPending, a.Status)
		assert.Equal(t, 1, a.AttemptCount)
		assert.Equal(t, "503", a.LastError)

		require.NoError(t, queue.MarkInFlight(ctx, id))
		require.NoError(t, queue.Release(ctx, id))
		assert.Equal(t, 1, status().AttemptCount, "release does not count an attempt")

		require.NoError(t, queue.MarkInFlight(ctx, id))
		require.NoError(t, queue.MarkFailed(ctx, id, "400"))
		a = status()
		assert.Equal(t, synckit.StatusFailed, a.Status)
		assert.Equal(t, 2, a.AttemptCount)

		require.NoError(t, queue.MarkInFlight(ctx, id))
		assert.Equal(t, synckit.StatusFailed, status().Status, "failed actions are not dispatched")

		require.NoError(t, queue.Requeue(ctx, id))
		a = status()
		assert.Equal(t, synckit.StatusPending, a.Status)
		assert.Zero(t, a.AttemptCount)
		assert.Empty(t, a.LastError)

		require.NoError(t, queue.MarkInFlight(ctx, 9999), "unknown ids are ignored")
	})

	t.Run("MarkSettledIsIdempotent", func(t *testing.T) {
		queue := newBackend(t).Queue()
		id, err := queue.Enqueue(ctx, action("loc-1", synckit.ActionCreate))
		require.NoError(t, err)
		require.NoError(t, queue.MarkInFlight(ctx, id))

		require.NoError(t, queue.MarkSettled(ctx, id))
		once, err := queue.Get(ctx, id)
		require.NoError(t, err)
		countsOnce, err := queue.Counts(ctx)
		require.NoError(t, err)

		require.NoError(t, queue.MarkSettled(ctx, id))
		twice, err := queue.Get(ctx, id)
		require.NoError(t, err)
		countsTwice, err := queue.Counts(ctx)
		require.NoError(t, err)

		assert.Equal(t, synckit.StatusSettled, twice.Status)
		assert.Equal(t, once.AttemptCount, twice.AttemptCount)
		assert.Equal(t, countsOnce, countsTwice)

		out, err := queue.Outstanding(ctx, ref("loc-1"))
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("RecoverInFlight", func(t *testing.T) {
		queue := newBackend(t).Queue()
		a, err := queue.Enqueue(ctx, action("loc-1", synckit.ActionCreate))
		require.NoError(t, err)
		b, err := queue.Enqueue(ctx, action("loc-2", synckit.ActionCreate))
		require.NoError(t, err)
		require.NoError(t, queue.MarkInFlight(ctx, a))
		require.NoError(t, queue.MarkInFlight(ctx, b))

		n, err := queue.RecoverInFlight(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		pending, err := queue.ListByStatus(ctx, synckit.StatusPending)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		for _, p := range pending {
			assert.Zero(t, p.AttemptCount)
		}
	})

	t.Run("DiscardAndPurge", func(t *testing.T) {
		queue := newBackend(t).Queue()
		keep, err := queue.Enqueue(ctx, action("loc-1", synckit.ActionCreate))
		require.NoError(t, err)
		drop, err := queue.Enqueue(ctx, action("loc-2", synckit.ActionCreate))
		require.NoError(t, err)

		require.NoError(t, queue.MarkInFlight(ctx, keep))
		require.NoError(t, queue.Discard(ctx, keep))
		got, err := queue.Get(ctx, keep)
		require.NoError(t, err)
		assert.NotNil(t, got, "in-flight actions cannot be discarded")

		require.NoError(t, queue.Discard(ctx, drop))
		require.NoError(t, queue.Discard(ctx, drop))
		got, err = queue.Get(ctx, drop)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, queue.MarkSettled(ctx, keep))
		n, err := queue.PurgeSettled(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n, "recently settled actions are retained")

		n, err = queue.PurgeSettled(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		counts, err := queue.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[synckit.ActionStatus]int{
			synckit.StatusPending:  0,
			synckit.StatusInFlight: 0,
			synckit.StatusSettled:  0,
			synckit.StatusFailed:   0,
		}, counts)
	})
}

func runAtomic(t *testing.T, newBackend Factory) {
	ctx := context.Background()

	t.Run("CommitsTogether", func(t *testing.T) {
		backend := newBackend(t)
		var id int64
		err := backend.Atomic(ctx, func(store synckit.LocalStore, queue synckit.ActionQueue) error {
			e := location("loc-1", "cafe", 1, 1, 1)
			e.SyncState = synckit.Dirty
			if _, err := store.Upsert(ctx, e); err != nil {
				return err
			}
			var err error
			id, err = queue.Enqueue(ctx, action("loc-1", synckit.ActionCreate))
			return err
		})
		require.NoError(t, err)

		e, err := backend.Store().Get(ctx, locationType, "loc-1")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, synckit.Dirty, e.SyncState)
		a, err := backend.Queue().Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, a)
	})

	t.Run("RollsBackOnError", func(t *testing.T) {
		backend := newBackend(t)
		_, err := backend.Store().Upsert(ctx, location("loc-1", "cafe", 1, 1, 1))
		require.NoError(t, err)

		boom := errors.New("boom")
		err = backend.Atomic(ctx, func(store synckit.LocalStore, queue synckit.ActionQueue) error {
			if _, err := store.Upsert(ctx, location("loc-1", "bar", 1, 1, 1)); err != nil {
				return err
			}
			if _, err := store.Upsert(ctx, location("loc-2", "bar", 1, 1, 1)); err != nil {
				return err
			}
			if _, err := queue.Enqueue(ctx, action("loc-1", synckit.ActionUpdate)); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		e, err := backend.Store().Get(ctx, locationType, "loc-1")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, uint64(1), e.Version)
		assert.Contains(t, string(e.Payload), "cafe")

		missing, err := backend.Store().Get(ctx, locationType, "loc-2")
		require.NoError(t, err)
		assert.Nil(t, missing)

		refs, err := backend.Queue().OutstandingEntities(ctx)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("ClosedBackend", func(t *testing.T) {
		backend := newBackend(t)
		require.NoError(t, backend.Close())
		_, err := backend.Store().Get(ctx, locationType, "loc-1")
		require.Error(t, err)
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindClosed))
	})
}
