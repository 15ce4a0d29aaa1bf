package synckit

import (
	"context"
	"iter"
	"time"
)

// LocalStore is durable storage for entities. It has no remote awareness.
type LocalStore interface {
	// Get returns the entity or nil if absent. Tombstones are returned with
	// Deleted set.
	Get(ctx context.Context, entityType EntityType, id string) (*Entity, error)

	// Upsert writes e by (Type, ID). With Version == 0 the store assigns the
	// version, bumping it only when the payload or tombstone flag changed.
	// A non-zero Version is stored as given. The stored entity is returned.
	Upsert(ctx context.Context, e *Entity) (*Entity, error)

	// Query returns a lazy, snapshot-consistent sequence of matching entities.
	// Iteration stops at the first error.
	Query(ctx context.Context, entityType EntityType, filter Filter) iter.Seq2[*Entity, error]

	// Delete removes the entity. Deleting an absent entity is not an error.
	Delete(ctx context.Context, entityType EntityType, id string) error

	// EvictClean removes Clean entities of the type not updated since olderThan.
	EvictClean(ctx context.Context, entityType EntityType, olderThan time.Time) (int, error)
}

// ActionQueue is the durable, ordered record of unsettled mutations.
// Transition methods are idempotent: unknown ids and transitions that are
// not allowed from the current status are logged and ignored.
type ActionQueue interface {
	// Enqueue validates and stores a new Pending action and returns its id.
	Enqueue(ctx context.Context, a *PendingAction) (int64, error)

	// Get returns the action or nil if absent.
	Get(ctx context.Context, actionID int64) (*PendingAction, error)

	// PeekNext returns the oldest Pending action for the entity, or nil.
	PeekNext(ctx context.Context, ref EntityRef) (*PendingAction, error)

	// Outstanding returns the entity's Pending, InFlight and Failed actions
	// in apply order.
	Outstanding(ctx context.Context, ref EntityRef) ([]*PendingAction, error)

	// OutstandingEntities returns every entity with Pending or InFlight actions.
	OutstandingEntities(ctx context.Context) ([]EntityRef, error)

	MarkInFlight(ctx context.Context, actionID int64) error
	MarkSettled(ctx context.Context, actionID int64) error
	MarkFailed(ctx context.Context, actionID int64, reason string) error
	MarkRetry(ctx context.Context, actionID int64, reason string) error
	Release(ctx context.Context, actionID int64) error
	Requeue(ctx context.Context, actionID int64) error

	// Discard removes a non-InFlight action. Discarding an absent action is
	// not an error.
	Discard(ctx context.Context, actionID int64) error

	ListByStatus(ctx context.Context, status ActionStatus) ([]*PendingAction, error)

	// RecoverInFlight returns InFlight actions left by a previous process to
	// Pending without counting an attempt.
	RecoverInFlight(ctx context.Context) (int, error)

	// PurgeSettled deletes Settled actions last updated before the cutoff.
	PurgeSettled(ctx context.Context, before time.Time) (int, error)

	// Counts returns the number of actions per status.
	Counts(ctx context.Context) (map[ActionStatus]int, error)
}

// Backend bundles a LocalStore and ActionQueue over one storage medium and
// lets callers mutate both atomically.
type Backend interface {
	Store() LocalStore
	Queue() ActionQueue

	// Atomic runs fn inside one storage transaction. Changes become durable
	// together when fn returns nil and are discarded otherwise.
	Atomic(ctx context.Context, fn func(LocalStore, ActionQueue) error) error

	Close() error
}

// Collect drains a Query sequence into a slice.
func Collect(seq iter.Seq2[*Entity, error]) ([]*Entity, error) {
	var out []*Entity
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}
