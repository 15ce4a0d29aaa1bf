package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/storage/memory"
	"github.com/c0deZ3R0/locsync/synckit"
)

type fakePuller struct {
	mu    sync.Mutex
	calls []synckit.EntityType
	err   map[synckit.EntityType]error
}

func (p *fakePuller) Pull(ctx context.Context, t synckit.EntityType, _ synckit.RemoteFilter) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, t)
	return 1, p.err[t]
}

func (p *fakePuller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type depthRecorder struct {
	synckit.NoOpMetricsCollector
	mu    sync.Mutex
	depth map[synckit.ActionStatus]int
}

func (r *depthRecorder) RecordQueueDepth(status synckit.ActionStatus, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth[status] = n
}

func newBackend() *memory.Backend {
	return memory.New(memory.WithLogger(logging.Discard().Logger))
}

func enqueue(t *testing.T, b synckit.Backend, id string) int64 {
	t.Helper()
	actionID, err := b.Queue().Enqueue(context.Background(), &synckit.PendingAction{
		EntityType: "location", EntityID: id, Kind: synckit.ActionCreate,
		Payload: json.RawMessage(`{"name":"cafe"}`),
	})
	require.NoError(t, err)
	return actionID
}

func TestPurgeSettledRespectsRetention(t *testing.T) {
	ctx := context.Background()
	backend := newBackend()

	settled := enqueue(t, backend, "a")
	require.NoError(t, backend.Queue().MarkInFlight(ctx, settled))
	require.NoError(t, backend.Queue().MarkSettled(ctx, settled))
	enqueue(t, backend, "b")

	now := time.Now()
	s, err := New(backend, nil, Config{Retention: time.Hour}, WithLogger(logging.Discard().Logger),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	n, err := s.PurgeSettled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Hour)
	n, err = s.PurgeSettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := backend.Queue().ListByStatus(ctx, synckit.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "pending actions are never purged")
}

func TestEvictCleanSkipsDirtyEntities(t *testing.T) {
	ctx := context.Background()
	backend := newBackend()
	old := time.Now().Add(-72 * time.Hour)

	for _, e := range []*synckit.Entity{
		{Type: "location", ID: "clean", Payload: json.RawMessage(`{}`), SyncState: synckit.Clean, UpdatedAt: old},
		{Type: "location", ID: "dirty", Payload: json.RawMessage(`{}`), SyncState: synckit.Dirty, UpdatedAt: old},
		{Type: "review", ID: "other", Payload: json.RawMessage(`{}`), SyncState: synckit.Clean, UpdatedAt: old},
	} {
		_, err := backend.Store().Upsert(ctx, e)
		require.NoError(t, err)
	}

	s, err := New(backend, nil, Config{CacheTTL: 24 * time.Hour, EvictTypes: []synckit.EntityType{"location"}},
		WithLogger(logging.Discard().Logger))
	require.NoError(t, err)

	n, err := s.EvictClean(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dirty, err := backend.Store().Get(ctx, "location", "dirty")
	require.NoError(t, err)
	assert.NotNil(t, dirty)
	other, err := backend.Store().Get(ctx, "review", "other")
	require.NoError(t, err)
	assert.NotNil(t, other, "types not listed are kept")
}

func TestPullSkipsRetryableFailures(t *testing.T) {
	offline := syncErrors.E(syncErrors.Op("synckit.Pull"), syncErrors.KindRetryableRemote, "offline")
	puller := &fakePuller{err: map[synckit.EntityType]error{"location": offline}}

	s, err := New(newBackend(), puller, Config{PullTypes: []synckit.EntityType{"location", "review"}},
		WithLogger(logging.Discard().Logger))
	require.NoError(t, err)

	require.NoError(t, s.Pull(context.Background()))
	assert.Equal(t, []synckit.EntityType{"location", "review"}, puller.calls)

	puller.err["review"] = errors.New("boom")
	assert.Error(t, s.Pull(context.Background()))
}

func TestRecordQueueDepth(t *testing.T) {
	ctx := context.Background()
	backend := newBackend()
	enqueue(t, backend, "a")
	failed := enqueue(t, backend, "b")
	require.NoError(t, backend.Queue().MarkInFlight(ctx, failed))
	require.NoError(t, backend.Queue().MarkFailed(ctx, failed, "rejected"))

	rec := &depthRecorder{depth: map[synckit.ActionStatus]int{}}
	s, err := New(backend, nil, Config{}, WithMetrics(rec), WithLogger(logging.Discard().Logger))
	require.NoError(t, err)

	require.NoError(t, s.RecordQueueDepth(ctx))
	assert.Equal(t, map[synckit.ActionStatus]int{
		synckit.StatusPending:  1,
		synckit.StatusInFlight: 0,
		synckit.StatusSettled:  0,
		synckit.StatusFailed:   1,
	}, rec.depth)
}

func TestSchedulerRegistersAndRunsJobs(t *testing.T) {
	puller := &fakePuller{}
	s, err := New(newBackend(), puller, Config{
		PurgeSchedule: "@daily",
		PullSchedule:  "@every 1s",
		PullTypes:     []synckit.EntityType{"location"},
	}, WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Jobs())

	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return puller.count() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestJobRunsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerTo(&buf, logging.Config{Level: "info", Format: "json"}).Logger
	s, err := New(newBackend(), nil, Config{}, WithLogger(logger))
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.runJob("queue_depth", s.RecordQueueDepth))
	err = s.runJob("evict_clean", func(context.Context) error { return errors.New("disk full") })
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, `"operation":"queue_depth"`)
	assert.Contains(t, out, `"msg":"operation completed"`)
	assert.Contains(t, out, `"operation":"evict_clean"`)
	assert.Contains(t, out, `"msg":"operation failed"`)
	assert.Contains(t, out, "disk full")
}

func TestInvalidScheduleIsRejected(t *testing.T) {
	_, err := New(newBackend(), nil, Config{PurgeSchedule: "every tuesday"}, WithLogger(logging.Discard().Logger))
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))
}

func TestPullJobNeedsPuller(t *testing.T) {
	s, err := New(newBackend(), nil, Config{PullSchedule: "@hourly"}, WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	assert.Zero(t, s.Jobs())
}
