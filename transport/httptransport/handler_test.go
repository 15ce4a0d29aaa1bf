package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/c0deZ3R0/locsync/connectivity"
	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/storage/memory"
	"github.com/c0deZ3R0/locsync/synckit"
)

const testToken = "dev-token"

func newTestServer(t *testing.T, opts ...ServerOption) (*Handler, *Client) {
	t.Helper()
	opts = append([]ServerOption{WithBearerTokens(testToken), WithServerLogger(logging.Discard().Logger)}, opts...)
	h := NewHandler(opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: testToken}),
		WithClientLogger(logging.Discard().Logger))
	return h, client
}

func req(id, body string, base uint64, key string) synckit.RemoteRequest {
	return synckit.RemoteRequest{
		EntityType:     "location",
		EntityID:       id,
		Payload:        json.RawMessage(body),
		BaseVersion:    base,
		IdempotencyKey: key,
	}
}

func TestHandlerVersionsMutations(t *testing.T) {
	h, c := newTestServer(t)
	ctx := context.Background()

	created, err := c.CreateEntity(ctx, req("loc-1", `{"name":"Cafe"}`, 0, "k1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.Version)

	updated, err := c.UpdateEntity(ctx, req("loc-1", `{"name":"Bar"}`, 1, "k2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)
	assert.JSONEq(t, `{"name":"Bar"}`, string(updated.Payload))

	_, err = c.UpdateEntity(ctx, req("loc-1", `{"name":"Stale"}`, 1, "k3"))
	require.Error(t, err)
	require.True(t, syncErrors.IsKind(err, syncErrors.KindConflict))
	state, ok := syncErrors.ServerState(err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), state.(*synckit.Entity).Version)

	require.NoError(t, c.DeleteEntity(ctx, req("loc-1", "", 2, "k4")))
	doc, ok := h.Lookup("location", "loc-1")
	require.True(t, ok)
	assert.True(t, doc.Deleted)
	assert.Equal(t, uint64(3), doc.Version)

	require.NoError(t, c.DeleteEntity(ctx, req("loc-1", "", 0, "k5")), "deleting an absent entity succeeds")
	require.NoError(t, c.DeleteEntity(ctx, req("never", "", 0, "k6")))

	recreated, err := c.CreateEntity(ctx, req("loc-1", `{"name":"Again"}`, 0, "k7"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), recreated.Version, "versions keep growing across a tombstone")
}

func TestHandlerReplaysIdempotentRequests(t *testing.T) {
	h, c := newTestServer(t)
	ctx := context.Background()

	first, err := c.CreateEntity(ctx, req("loc-1", `{"name":"Cafe"}`, 0, "same-key"))
	require.NoError(t, err)
	again, err := c.CreateEntity(ctx, req("loc-1", `{"name":"Cafe"}`, 0, "same-key"))
	require.NoError(t, err, "a resent create is not a conflict")
	assert.Equal(t, first.Version, again.Version)

	_, err = c.UpdateEntity(ctx, req("loc-1", `{"name":"Bar"}`, 1, "update-key"))
	require.NoError(t, err)
	_, err = c.UpdateEntity(ctx, req("loc-1", `{"name":"Bar"}`, 1, "update-key"))
	require.NoError(t, err)

	doc, _ := h.Lookup("location", "loc-1")
	assert.Equal(t, uint64(2), doc.Version, "the replayed update was applied once")

	_, err = c.CreateEntity(ctx, req("loc-1", `{"name":"Other"}`, 0, "fresh-key"))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindConflict), "a new create of a live entity conflicts")
}

func TestHandlerRejectsUnknownAndInvalid(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	_, err := c.UpdateEntity(ctx, req("missing", `{"name":"x"}`, 0, ""))
	assert.Equal(t, syncErrors.KindPermanentRemote, syncErrors.KindOf(err))

	_, err = c.CreateEntity(ctx, req("bad", `[1,2]`, 0, ""))
	assert.Equal(t, syncErrors.KindPermanentRemote, syncErrors.KindOf(err))
}

func TestHandlerRequiresBearerToken(t *testing.T) {
	h := NewHandler(WithBearerTokens(testToken), WithServerLogger(logging.Discard().Logger))
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewClient(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "wrong"}), WithClientLogger(logging.Discard().Logger))
	_, err := c.FetchEntities(context.Background(), "location", synckit.RemoteFilter{})
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindPermanentRemote, syncErrors.KindOf(err))

	resp, err := http.Get(srv.URL + "/locations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
}

func TestHandlerFiltersCollections(t *testing.T) {
	h, c := newTestServer(t)
	h.Seed(
		EntityDocument{Type: "location", ID: "a", Payload: json.RawMessage(`{"name":"A","category":"cafe","rating":4.8,"latitude":52.52,"longitude":13.40}`)},
		EntityDocument{Type: "location", ID: "b", Payload: json.RawMessage(`{"name":"B","category":"cafe","rating":3.1,"latitude":52.52,"longitude":13.41}`)},
		EntityDocument{Type: "location", ID: "c", Payload: json.RawMessage(`{"name":"C","category":"bar","rating":4.9,"latitude":48.13,"longitude":11.58}`)},
		EntityDocument{Type: "location", ID: "d", Payload: json.RawMessage(`{"name":"D","category":"cafe"}`), Deleted: true},
		EntityDocument{Type: "profile", ID: "me", Payload: json.RawMessage(`{"name":"Me"}`)},
	)
	ctx := context.Background()

	all, err := c.FetchEntities(ctx, "location", synckit.RemoteFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3, "tombstones and other types are not listed")

	cafes, err := c.FetchEntities(ctx, "location", synckit.RemoteFilter{Category: "cafe", MinRating: 4})
	require.NoError(t, err)
	require.Len(t, cafes, 1)
	assert.Equal(t, "a", cafes[0].ID)

	near, err := c.FetchEntities(ctx, "location", synckit.RemoteFilter{Near: &synckit.GeoRadius{Lat: 52.52, Lng: 13.40, RadiusKm: 5}})
	require.NoError(t, err)
	assert.Len(t, near, 2)

	limited, err := c.FetchEntities(ctx, "location", synckit.RemoteFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a", limited[0].ID)

	withTombstones, err := c.FetchEntities(ctx, "location", synckit.RemoteFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, withTombstones, 4)
	assert.Equal(t, "d", withTombstones[3].ID)
	assert.True(t, withTombstones[3].Deleted)
}

func TestHandlerFiltersReviewsByLocation(t *testing.T) {
	h, c := newTestServer(t)
	h.Seed(
		EntityDocument{Type: "review", ID: "cafe:u1", Payload: json.RawMessage(`{"location_id":"cafe","user_id":"u1","rating":4}`)},
		EntityDocument{Type: "review", ID: "cafe:u2", Payload: json.RawMessage(`{"location_id":"cafe","user_id":"u2","rating":3}`)},
		EntityDocument{Type: "review", ID: "bar:u1", Payload: json.RawMessage(`{"location_id":"bar","user_id":"u1","rating":5}`)},
	)

	got, err := c.FetchEntities(context.Background(), "review", synckit.RemoteFilter{LocationID: "cafe"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cafe:u1", got[0].ID)
	assert.Equal(t, "cafe:u2", got[1].ID)
}

func TestHandlerRejectsInvalidIncludeDeleted(t *testing.T) {
	h := NewHandler(WithServerLogger(logging.Discard().Logger))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/locations?include_deleted=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerPagesLongListings(t *testing.T) {
	h, c := newTestServer(t, WithMaxPageSize(2))
	for _, id := range []string{"e", "a", "d", "b", "c"} {
		h.Seed(EntityDocument{Type: "location", ID: id, Payload: json.RawMessage(`{"name":"` + id + `"}`)})
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/locations", nil)
	r.Header.Set("Authorization", "Bearer "+testToken)
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	var first EntityList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Entities, 2)
	assert.Equal(t, "b", first.Entities[1].ID)
	require.NotEmpty(t, first.NextCursor)

	all, err := c.FetchEntities(context.Background(), "location", synckit.RemoteFilter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, e := range all {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)

	limited, err := c.FetchEntities(context.Background(), "location", synckit.RemoteFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)
}

func TestHandlerRejectsInvalidCursor(t *testing.T) {
	h := NewHandler(WithServerLogger(logging.Discard().Logger))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/locations?cursor=garbage", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerRejectsPartialGeoFilter(t *testing.T) {
	h := NewHandler(WithServerLogger(logging.Discard().Logger))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/locations?latitude=1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerAcceptsGzipBodiesAndCompressesResponses(t *testing.T) {
	h, c := newTestServer(t, WithCompressionThreshold(64))
	c.options.CompressionThreshold = 64
	ctx := context.Background()

	long := strings.Repeat("flat white ", 50)
	created, err := c.CreateEntity(ctx, req("loc-1", `{"name":"`+long+`"}`, 0, ""))
	require.NoError(t, err)
	assert.Contains(t, string(created.Payload), long)

	doc, ok := h.Lookup("location", "loc-1")
	require.True(t, ok)
	assert.Contains(t, string(doc.Payload), long)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/locations", nil)
	r.Header.Set("Authorization", "Bearer "+testToken)
	r.Header.Set("Accept-Encoding", "gzip")
	h.ServeHTTP(w, r)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestCoordinatorSyncsAgainstHandler(t *testing.T) {
	h, c := newTestServer(t)
	logger := logging.Discard().Logger
	ctx := context.Background()

	backend := memory.New(memory.WithLogger(logger))
	coord, err := synckit.NewCoordinator(backend,
		synckit.NewAdapter(c, synckit.WithCallTimeout(5*time.Second), synckit.WithAdapterLogger(logger)),
		connectivity.NewManual(true, logger),
		synckit.WithLogger(logger), synckit.WithBackoff(0, 0, 2, 0))
	require.NoError(t, err)
	repo, err := synckit.NewRepository(backend, coord, synckit.WithRepositoryLogger(logger))
	require.NoError(t, err)
	defer repo.Close()

	read := func() *synckit.Entity {
		t.Helper()
		e, err := backend.Store().Get(ctx, "location", "loc-1")
		require.NoError(t, err)
		return e
	}

	_, err = repo.Write(ctx, "location", synckit.Mutation{Kind: synckit.ActionCreate, ID: "loc-1", Payload: json.RawMessage(`{"name":"Cafe"}`)})
	require.NoError(t, err)
	_, err = repo.Write(ctx, "location", synckit.Mutation{Kind: synckit.ActionUpdate, ID: "loc-1", Payload: json.RawMessage(`{"name":"Cafe Central"}`)})
	require.NoError(t, err)
	require.NoError(t, coord.Drain(ctx))

	local := read()
	require.NotNil(t, local)
	assert.Equal(t, synckit.Clean, local.SyncState)
	assert.Equal(t, uint64(2), local.Version)
	assert.Equal(t, uint64(2), local.RemoteVersion)
	server, _ := h.Lookup("location", "loc-1")
	assert.JSONEq(t, `{"name":"Cafe Central"}`, string(server.Payload))

	// Another device moves the server ahead.
	h.Seed(EntityDocument{Type: "location", ID: "loc-1", Payload: json.RawMessage(`{"name":"Remote"}`), Version: 5})
	_, err = repo.Write(ctx, "location", synckit.Mutation{Kind: synckit.ActionUpdate, ID: "loc-1", Payload: json.RawMessage(`{"name":"Local"}`)})
	require.NoError(t, err)
	require.NoError(t, coord.Drain(ctx))

	local = read()
	require.Equal(t, synckit.Conflicted, local.SyncState)
	require.NotNil(t, local.Conflict)
	assert.Equal(t, uint64(5), local.Conflict.ServerVersion)
	assert.JSONEq(t, `{"name":"Remote"}`, string(local.Conflict.ServerPayload))

	_, err = repo.ResolveConflict(ctx, "location", "loc-1", synckit.Resolution{Strategy: synckit.KeepLocal})
	require.NoError(t, err)
	require.NoError(t, coord.Drain(ctx))

	local = read()
	assert.Equal(t, synckit.Clean, local.SyncState)
	assert.Equal(t, uint64(6), local.Version)
	server, _ = h.Lookup("location", "loc-1")
	assert.Equal(t, uint64(6), server.Version)
	assert.JSONEq(t, `{"name":"Local"}`, string(server.Payload))

	_, err = repo.Write(ctx, "location", synckit.Mutation{Kind: synckit.ActionDelete, ID: "loc-1"})
	require.NoError(t, err)
	require.NoError(t, coord.Drain(ctx))
	assert.Nil(t, read())
	server, _ = h.Lookup("location", "loc-1")
	assert.True(t, server.Deleted)

	status, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
	assert.Zero(t, status.Failed)
}

func TestCoordinatorPullsFromHandler(t *testing.T) {
	h, c := newTestServer(t)
	logger := logging.Discard().Logger
	h.Seed(
		EntityDocument{Type: "location", ID: "a", Payload: json.RawMessage(`{"name":"A"}`), Version: 3},
		EntityDocument{Type: "location", ID: "b", Payload: json.RawMessage(`{"name":"B"}`), Version: 1},
	)

	backend := memory.New(memory.WithLogger(logger))
	coord, err := synckit.NewCoordinator(backend, synckit.NewAdapter(c), connectivity.NewManual(true, logger), synckit.WithLogger(logger))
	require.NoError(t, err)
	defer coord.Close()

	n, err := coord.Pull(context.Background(), "location", synckit.RemoteFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, err := backend.Store().Get(context.Background(), "location", "a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, uint64(3), a.RemoteVersion)
	assert.Equal(t, synckit.Clean, a.SyncState)

	h.Seed(EntityDocument{Type: "location", ID: "b", Payload: json.RawMessage(`{"name":"B"}`), Version: 2, Deleted: true})
	n, err = coord.Pull(context.Background(), "location", synckit.RemoteFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b, err := backend.Store().Get(context.Background(), "location", "b")
	require.NoError(t, err)
	assert.Nil(t, b, "remote deletions reach clean local copies")
}
