package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/locsync/config"
	"github.com/c0deZ3R0/locsync/connectivity"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/transport/httptransport"
)

type node struct {
	daemon *Daemon
	remote *httptransport.Handler
	online *connectivity.Manual
	server *httptest.Server
}

func newNode(t *testing.T) *node {
	t.Helper()
	logger := logging.Discard().Logger

	remote := httptransport.NewHandler(httptransport.WithServerLogger(logger))
	remoteServer := httptest.NewServer(remote)
	t.Cleanup(remoteServer.Close)

	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Storage.CacheSize = 16
	cfg.Remote.BaseURL = remoteServer.URL
	cfg.Maintenance = config.MaintenanceConfig{}
	require.NoError(t, cfg.Validate())

	online := connectivity.NewManual(true, logger)
	d, err := Build(cfg,
		WithObserver(online),
		WithRemote(httptransport.NewClient(remoteServer.URL, nil,
			httptransport.WithHTTPClient(remoteServer.Client()),
			httptransport.WithClientLogger(logger))),
		WithLogger(logger))
	require.NoError(t, err)

	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, d.Close())
	})
	return &node{daemon: d, remote: remote, online: online, server: srv}
}

func (n *node) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, n.server.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := n.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestWriteSyncRead(t *testing.T) {
	n := newNode(t)
	n.online.SetOnline(false)

	status, body := n.do(t, http.MethodPost, "/entities/location",
		`{"id":"cafe-1","payload":{"name":"Cafe","latitude":52.5,"longitude":13.4,"category":"cafe","rating":4}}`)
	require.Equal(t, http.StatusCreated, status, string(body))

	var created synckit.Entity
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, synckit.Dirty, created.SyncState)

	status, body = n.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"online":false,"pending":1,"in_flight":0,"failed":0,"settled":0,"idle":false}`, string(body))

	n.online.SetOnline(true)
	status, body = n.do(t, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"online":true,"pending":0,"in_flight":0,"failed":0,"settled":1,"idle":true}`, string(body))

	doc, ok := n.remote.Lookup("location", "cafe-1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), doc.Version)

	status, body = n.do(t, http.MethodGet, "/entities/location/cafe-1", "")
	require.Equal(t, http.StatusOK, status)
	var read synckit.Entity
	require.NoError(t, json.Unmarshal(body, &read))
	assert.Equal(t, synckit.Clean, read.SyncState)
	assert.Equal(t, uint64(1), read.RemoteVersion)

	status, body = n.do(t, http.MethodGet, "/entities/location/?category=cafe&min_rating=3", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"cafe-1"`)
}

func TestAPIRejectsInvalidInput(t *testing.T) {
	n := newNode(t)

	status, _ := n.do(t, http.MethodPost, "/entities/location", `{"payload":{"latitude":200}}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = n.do(t, http.MethodPut, "/entities/location/missing", `{"payload":{"name":"x"}}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = n.do(t, http.MethodGet, "/entities/location/missing", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = n.do(t, http.MethodGet, "/entities/location/?latitude=1", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = n.do(t, http.MethodPost, "/actions/abc/retry", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestConflictResolutionOverAPI(t *testing.T) {
	n := newNode(t)

	status, body := n.do(t, http.MethodPost, "/entities/location",
		`{"id":"park","payload":{"name":"Park","latitude":1,"longitude":1,"rating":3}}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	status, _ = n.do(t, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, status)

	n.remote.Seed(httptransport.EntityDocument{
		Type: "location", ID: "park", Version: 4,
		Payload: json.RawMessage(`{"name":"Park (server)","latitude":1,"longitude":1,"rating":5}`),
	})

	status, _ = n.do(t, http.MethodPut, "/entities/location/park",
		`{"payload":{"name":"Park (local)","latitude":1,"longitude":1,"rating":2}}`)
	require.Equal(t, http.StatusOK, status)
	status, _ = n.do(t, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, status)

	status, body = n.do(t, http.MethodGet, "/entities/location/park", "")
	require.Equal(t, http.StatusOK, status)
	var conflicted synckit.Entity
	require.NoError(t, json.Unmarshal(body, &conflicted))
	require.Equal(t, synckit.Conflicted, conflicted.SyncState)

	status, body = n.do(t, http.MethodPost, "/entities/location/park/resolve", `{"strategy":"keep_remote"}`)
	require.Equal(t, http.StatusOK, status, string(body))
	var resolved synckit.Entity
	require.NoError(t, json.Unmarshal(body, &resolved))
	assert.Equal(t, synckit.Clean, resolved.SyncState)
	assert.True(t, bytes.Contains(resolved.Payload, []byte("Park (server)")))
}

func TestReviewsOverAPI(t *testing.T) {
	n := newNode(t)
	n.online.SetOnline(false)

	for _, body := range []string{
		`{"user_id":"u1","rating":2}`,
		`{"user_id":"u1","rating":4,"text":"better now"}`,
		`{"user_id":"u2","rating":5}`,
	} {
		status, resp := n.do(t, http.MethodPut, "/locations/cafe/reviews", body)
		require.Equal(t, http.StatusOK, status, string(resp))
	}
	status, _ := n.do(t, http.MethodPut, "/locations/cafe/reviews", `{"user_id":"u3","rating":9}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := n.do(t, http.MethodGet, "/locations/cafe/reviews", "")
	require.Equal(t, http.StatusOK, status)
	var got reviewsResponse
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Reviews, 2)
	assert.Equal(t, "better now", got.Reviews[0].Text)
	assert.Equal(t, 2, got.Stats.Count)
	assert.InDelta(t, 4.5, got.Stats.Average, 1e-9)

	n.online.SetOnline(true)
	status, _ = n.do(t, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, status)
	doc, ok := n.remote.Lookup("review", "cafe:u1")
	require.True(t, ok)
	assert.Contains(t, string(doc.Payload), "better now")
}

func TestOperationalEndpoints(t *testing.T) {
	n := newNode(t)

	status, _ := n.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = n.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, status)

	t.Cleanup(func() { logging.SetLevel("info") })
	status, _ = n.do(t, http.MethodPut, "/log/level", `{"level":"debug"}`)
	assert.Equal(t, http.StatusNoContent, status)
	assert.True(t, logging.Default().Enabled(context.Background(), slog.LevelDebug))
	status, _ = n.do(t, http.MethodPut, "/log/level", `{"level":"loud"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := n.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "locsync_sync_dropped_changes_total")
}

func TestBuildRequiresRemote(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	_, err := Build(cfg, WithObserver(connectivity.NewManual(true, nil)), WithLogger(logging.Discard().Logger))
	require.Error(t, err)
}
