package synckit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/locsync/connectivity"
	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/model"
	"github.com/c0deZ3R0/locsync/storage/memory"
	"github.com/c0deZ3R0/locsync/synckit"
)

func TestWriteValidation(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	tests := []struct {
		name       string
		entityType synckit.EntityType
		m          synckit.Mutation
		kind       syncErrors.Kind
	}{
		{"missing type", "", synckit.Mutation{Kind: synckit.ActionCreate, Payload: payload(`{}`)}, syncErrors.KindValidation},
		{"unknown kind", loc, synckit.Mutation{Kind: "upsert", ID: "x", Payload: payload(`{}`)}, syncErrors.KindValidation},
		{"update without id", loc, synckit.Mutation{Kind: synckit.ActionUpdate, Payload: payload(`{}`)}, syncErrors.KindValidation},
		{"payload not an object", loc, synckit.Mutation{Kind: synckit.ActionCreate, Payload: payload(`[1]`)}, syncErrors.KindValidation},
		{"update of unknown entity", loc, synckit.Mutation{Kind: synckit.ActionUpdate, ID: "nope", Payload: payload(`{}`)}, syncErrors.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.repo.Write(ctx, tt.entityType, tt.m)
			require.Error(t, err)
			assert.True(t, syncErrors.IsKind(err, tt.kind), "got %v", err)
		})
	}

	status, err := h.repo.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Pending, "rejected writes are never enqueued")
}

func TestWriteThenReadWithoutNetwork(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	created := h.write(t, synckit.ActionCreate, "", payload(`{"name":"Cafe", "rating": 4}`))
	require.NotEmpty(t, created.ID, "an id is generated for creates")

	got, err := h.repo.Read(ctx, loc, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"name":"Cafe","rating":4}`, string(got.Payload))
	assert.Equal(t, synckit.Dirty, got.SyncState)

	h.write(t, synckit.ActionUpdate, created.ID, payload(`{"name":"Bar"}`))
	got, err = h.repo.Read(ctx, loc, created.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Bar"}`, string(got.Payload))
	assert.Equal(t, uint64(2), got.Version)

	_, err = h.repo.Write(ctx, loc, synckit.Mutation{Kind: synckit.ActionCreate, ID: created.ID, Payload: payload(`{"name":"dup"}`)})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation), "create of a live entity is rejected")

	status, err := h.repo.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Online)
	assert.Equal(t, 2, status.Pending)
	assert.Zero(t, h.remote.callCount())
}

func TestDeleteOfAbsentEntityIsNoop(t *testing.T) {
	h := newHarness(t, false)
	e, err := h.repo.Write(context.Background(), loc, synckit.Mutation{Kind: synckit.ActionDelete, ID: "ghost"})
	require.NoError(t, err)
	assert.Nil(t, e)

	status, err := h.repo.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
}

func TestQueryHidesTombstones(t *testing.T) {
	h := newHarness(t, false)
	h.write(t, synckit.ActionCreate, "a", payload(`{"name":"a","category":"cafe"}`))
	h.write(t, synckit.ActionCreate, "b", payload(`{"name":"b","category":"cafe"}`))
	h.write(t, synckit.ActionDelete, "b", nil)

	got, err := synckit.Collect(h.repo.Query(context.Background(), loc, synckit.Filter{Category: "cafe"}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestWriteValidatesTypedPayloads(t *testing.T) {
	logger := logging.Discard().Logger
	backend := memory.New()
	coord, err := synckit.NewCoordinator(backend, newScriptedRemote(), connectivity.NewManual(false, logger), synckit.WithLogger(logger))
	require.NoError(t, err)
	repo, err := synckit.NewRepository(backend, coord, synckit.WithRegistry(model.NewRegistry()))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	_, err = repo.Write(ctx, model.TypeLocation, synckit.Mutation{Kind: synckit.ActionCreate, Payload: payload(`{"latitude":1}`)})
	require.Error(t, err)
	assert.ErrorContains(t, err, "name is required")

	_, err = repo.Write(ctx, model.TypeSettings, synckit.Mutation{Kind: synckit.ActionCreate, ID: "me", Payload: payload(`{"language":"en"}`)})
	require.NoError(t, err)
}

func TestSubscribeToEntityReceivesLocalWrites(t *testing.T) {
	h := newHarness(t, false)
	sub := h.repo.SubscribeToEntity("loc-1")

	h.write(t, synckit.ActionCreate, "loc-1", payload(`{"name":"v1"}`))
	h.write(t, synckit.ActionCreate, "loc-2", payload(`{"name":"other"}`))

	c := <-sub.C
	assert.Equal(t, synckit.ChangeEntity, c.Kind)
	assert.Equal(t, "loc-1", c.Entity.ID)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected change %+v", extra)
	default:
	}

	require.NoError(t, h.repo.Close())
	_, open := <-sub.C
	assert.False(t, open, "closing the repository ends subscriptions")
	assert.NoError(t, h.repo.Close())
}
