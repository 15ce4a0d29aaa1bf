package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
)

func TestCollectorRecordsCounters(t *testing.T) {
	c := NewWithRegistry(prometheus.NewRegistry())

	c.RecordRemoteCall("location", synckit.ActionCreate, synckit.OutcomeSuccess, 20*time.Millisecond)
	c.RecordRemoteCall("location", synckit.ActionCreate, synckit.OutcomeRetryable, time.Second)
	c.RecordRemoteCall("location", synckit.ActionCreate, synckit.OutcomeRetryable, time.Second)
	c.RecordActionSettled("location")
	c.RecordActionFailed("review", "permanent")
	c.RecordConflict("location")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.remoteCalls.WithLabelValues("location", "create", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.remoteCalls.WithLabelValues("location", "create", "retryable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.settled.WithLabelValues("location")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failed.WithLabelValues("review", "permanent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conflicts.WithLabelValues("location")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.remoteDuration))
}

func TestQueueDepthGauge(t *testing.T) {
	c := NewWithRegistry(prometheus.NewRegistry())

	c.RecordQueueDepth(synckit.StatusPending, 4)
	c.RecordQueueDepth(synckit.StatusFailed, 1)
	c.RecordQueueDepth(synckit.StatusPending, 2)

	expected := `
# HELP locsync_sync_queue_depth Pending actions by status
# TYPE locsync_sync_queue_depth gauge
locsync_sync_queue_depth{status="failed"} 1
locsync_sync_queue_depth{status="pending"} 2
`
	require.NoError(t, testutil.CollectAndCompare(c.queueDepth, strings.NewReader(expected)))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	broker := synckit.NewBroker(1, logging.Discard().Logger)
	defer broker.Close()
	c.WatchBroker(broker)

	c.RecordDrainDuration(30 * time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "locsync_sync_drain_duration_seconds_count 1")
	assert.Contains(t, string(body), "locsync_sync_dropped_changes_total 0")
	assert.Contains(t, string(body), "go_goroutines")
}
