package synckit

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// Action lifecycle events.
const (
	EventDispatch = "dispatch" // Pending -> InFlight
	EventSettle   = "settle"   // InFlight -> Settled
	EventRetry    = "retry"    // InFlight -> Pending, counts an attempt
	EventFail     = "fail"     // InFlight -> Failed, counts an attempt
	EventRelease  = "release"  // InFlight -> Pending, no attempt counted
	EventRequeue  = "requeue"  // Failed -> Pending, attempts reset
)

var actionEvents = fsm.Events{
	{Name: EventDispatch, Src: []string{string(StatusPending)}, Dst: string(StatusInFlight)},
	{Name: EventSettle, Src: []string{string(StatusInFlight)}, Dst: string(StatusSettled)},
	{Name: EventRetry, Src: []string{string(StatusInFlight)}, Dst: string(StatusPending)},
	{Name: EventFail, Src: []string{string(StatusInFlight)}, Dst: string(StatusFailed)},
	{Name: EventRelease, Src: []string{string(StatusInFlight)}, Dst: string(StatusPending)},
	{Name: EventRequeue, Src: []string{string(StatusFailed)}, Dst: string(StatusPending)},
}

// ErrInvalidTransition is returned by NextStatus when the event is not
// allowed from the current status. Queue backends treat it as a logged no-op.
var ErrInvalidTransition = errors.New("invalid action transition")

// NextStatus returns the status reached by applying event to an action in
// status from.
func NextStatus(from ActionStatus, event string) (ActionStatus, error) {
	m := fsm.NewFSM(string(from), actionEvents, fsm.Callbacks{})
	if err := m.Event(context.Background(), event); err != nil {
		return from, fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, event, from, err)
	}
	return ActionStatus(m.Current()), nil
}

// TransitionUpdate describes the field changes a backend applies for event.
type TransitionUpdate struct {
	Status        ActionStatus
	CountAttempt  bool
	ResetAttempts bool
	SetError      bool
}

// PlanTransition validates event against the current status and returns the
// resulting update.
func PlanTransition(from ActionStatus, event string) (TransitionUpdate, error) {
	next, err := NextStatus(from, event)
	if err != nil {
		return TransitionUpdate{Status: from}, err
	}
	return TransitionUpdate{
		Status:        next,
		CountAttempt:  event == EventRetry || event == EventFail,
		ResetAttempts: event == EventRequeue,
		SetError:      event == EventRetry || event == EventFail,
	}, nil
}

// Apply mutates a in place according to the update.
func (u TransitionUpdate) Apply(a *PendingAction, reason string) {
	a.Status = u.Status
	if u.CountAttempt {
		a.AttemptCount++
	}
	if u.ResetAttempts {
		a.AttemptCount = 0
		a.LastError = ""
	}
	if u.SetError {
		a.LastError = reason
	}
}
