package synckit

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySchedulerDoublesUpToCap(t *testing.T) {
	opts := DefaultCoordinatorOptions()
	opts.BaseDelay = 100 * time.Millisecond
	opts.MaxDelay = 500 * time.Millisecond
	s := newRetryScheduler(opts)

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, s.schedule("loc-1", nil))
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, got)
}

func TestRetrySchedulerGatesPerEntity(t *testing.T) {
	now := time.Unix(1000, 0)
	opts := DefaultCoordinatorOptions()
	opts.BaseDelay = time.Second
	s := newRetryScheduler(opts)
	s.now = func() time.Time { return now }

	s.schedule("loc-1", nil)
	assert.False(t, s.ready("loc-1"))
	assert.True(t, s.ready("loc-2"), "other entities are not blocked")

	now = now.Add(time.Second)
	assert.True(t, s.ready("loc-1"))

	s.reset("loc-1")
	assert.Zero(t, s.pending())
	assert.Equal(t, time.Second, s.schedule("loc-1", nil), "reset restarts the schedule")
}

func TestRetrySchedulerWakeAndPause(t *testing.T) {
	opts := DefaultCoordinatorOptions()
	opts.BaseDelay = 10 * time.Millisecond
	s := newRetryScheduler(opts)

	var woke atomic.Int32
	s.schedule("loc-1", func() { woke.Add(1) })
	s.pause()
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, woke.Load(), "paused timers must not fire")

	s.resume(func() { woke.Add(1) })
	require.Eventually(t, func() bool { return woke.Load() == 1 }, time.Second, 5*time.Millisecond)
}
