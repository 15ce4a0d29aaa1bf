package synckit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from  ActionStatus
		event string
		want  ActionStatus
		ok    bool
	}{
		{StatusPending, EventDispatch, StatusInFlight, true},
		{StatusInFlight, EventSettle, StatusSettled, true},
		{StatusInFlight, EventRetry, StatusPending, true},
		{StatusInFlight, EventFail, StatusFailed, true},
		{StatusInFlight, EventRelease, StatusPending, true},
		{StatusFailed, EventRequeue, StatusPending, true},

		{StatusSettled, EventSettle, StatusSettled, false},
		{StatusPending, EventSettle, StatusPending, false},
		{StatusSettled, EventDispatch, StatusSettled, false},
		{StatusFailed, EventDispatch, StatusFailed, false},
		{StatusPending, EventFail, StatusPending, false},
		{StatusPending, "explode", StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.event, func(t *testing.T) {
			got, err := NextStatus(tt.from, tt.event)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanTransitionApply(t *testing.T) {
	a := &PendingAction{Status: StatusInFlight, AttemptCount: 2}

	u, err := PlanTransition(a.Status, EventRetry)
	require.NoError(t, err)
	u.Apply(a, "503")
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, 3, a.AttemptCount)
	assert.Equal(t, "503", a.LastError)

	a.Status = StatusInFlight
	u, err = PlanTransition(a.Status, EventRelease)
	require.NoError(t, err)
	u.Apply(a, "")
	assert.Equal(t, 3, a.AttemptCount, "release does not count an attempt")

	a.Status = StatusInFlight
	u, err = PlanTransition(a.Status, EventFail)
	require.NoError(t, err)
	u.Apply(a, "422")
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, 4, a.AttemptCount)

	u, err = PlanTransition(a.Status, EventRequeue)
	require.NoError(t, err)
	u.Apply(a, "")
	assert.Equal(t, StatusPending, a.Status)
	assert.Zero(t, a.AttemptCount)
	assert.Empty(t, a.LastError)
}
