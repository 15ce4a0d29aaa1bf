package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kiterr "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
)

func newServer(t *testing.T) (*synckit.Broker, *Handler, string) {
	t.Helper()
	broker := synckit.NewBroker(16, logging.Discard().Logger)
	h := NewHandler(broker, logging.Discard().Logger)
	r := chi.NewRouter()
	r.Get("/ws/entities/{id}", h.ServeHTTP)
	r.Get("/ws/changes", h.ServeHTTP)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		broker.Close()
		ts.Close()
	})
	return broker, h, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitConnected(t *testing.T, h *Handler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ConnectionCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestEntityStreamReceivesOnlyItsEntity(t *testing.T) {
	broker, h, base := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, base+"/ws/entities/cafe-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	waitConnected(t, h, 1)

	broker.Publish(synckit.Change{Kind: synckit.ChangeEntity, Ref: synckit.EntityRef{Type: "location", ID: "other"}})
	broker.Publish(synckit.Change{
		Kind:   synckit.ChangeActionSettled,
		Ref:    synckit.EntityRef{Type: "location", ID: "cafe-1"},
		Entity: &synckit.Entity{Type: "location", ID: "cafe-1", Version: 2},
	})

	f, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, "cafe-1", f.ID)
	assert.Equal(t, synckit.ChangeActionSettled, f.Kind)
	require.NotNil(t, f.Entity)
	assert.Equal(t, uint64(2), f.Entity.Version)
}

func TestClientCloseReleasesSubscription(t *testing.T) {
	_, h, base := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, base+"/ws/changes?type=location", nil)
	require.NoError(t, err)
	waitConnected(t, h, 1)

	require.NoError(t, conn.Close())
	waitConnected(t, h, 0)
}

func TestBrokerCloseEndsStream(t *testing.T) {
	broker, h, base := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, base+"/ws/changes", nil)
	require.NoError(t, err)
	defer conn.Close()
	waitConnected(t, h, 1)

	broker.Close()
	_, err = conn.Next()
	assert.Error(t, err)
}

func TestDialRejectedUpgradeIsPermanent(t *testing.T) {
	ts := httptest.NewServer(chi.NewRouter())
	defer ts.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http")+"/missing", nil)
	require.Error(t, err)
	assert.True(t, kiterr.IsKind(err, kiterr.KindPermanentRemote))
}
