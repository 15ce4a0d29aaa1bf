package sqlstore

import (
	"context"
	"iter"
	"time"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/synckit"
)

// store runs reads on the reader pool and writes in their own transaction.
type store struct{ b *Backend }

func (s *store) read(ctx context.Context, op syncErrors.Operation, fn func(*ops) error) error {
	release, err := s.b.acquire(op)
	if err != nil {
		return err
	}
	defer release()
	return s.b.wrap(op, fn(&ops{b: s.b, q: s.b.reader}))
}

func (s *store) write(ctx context.Context, op syncErrors.Operation, fn func(*ops) error) error {
	return s.b.inTx(ctx, op, func(q querier) error { return fn(&ops{b: s.b, q: q}) })
}

func (s *store) Get(ctx context.Context, entityType synckit.EntityType, id string) (e *synckit.Entity, err error) {
	err = s.read(ctx, syncErrors.OpRead, func(o *ops) error {
		e, err = o.getEntity(ctx, entityType, id)
		return err
	})
	return e, err
}

func (s *store) Upsert(ctx context.Context, in *synckit.Entity) (e *synckit.Entity, err error) {
	err = s.write(ctx, syncErrors.OpUpsert, func(o *ops) error {
		e, err = o.upsertEntity(ctx, in)
		return err
	})
	return e, err
}

// Query reads inside a read-only transaction on the reader pool, opened on
// first iteration and closed when iteration ends.
func (s *store) Query(ctx context.Context, entityType synckit.EntityType, filter synckit.Filter) iter.Seq2[*synckit.Entity, error] {
	const op = syncErrors.OpQuery
	return iterate(func(yield func(*synckit.Entity) bool) error {
		release, err := s.b.acquire(op)
		if err != nil {
			return err
		}
		tx, err := s.b.reader.BeginTx(ctx, s.b.dialect.ReadOptions())
		release()
		if err != nil {
			return s.b.wrap(op, err)
		}
		defer func() { _ = tx.Rollback() }()

		o := &ops{b: s.b, q: tx}
		return s.b.wrap(op, o.eachEntity(ctx, entityType, filter, yield))
	})
}

func (s *store) Delete(ctx context.Context, entityType synckit.EntityType, id string) error {
	return s.write(ctx, syncErrors.OpDelete, func(o *ops) error {
		return o.deleteEntity(ctx, entityType, id)
	})
}

func (s *store) EvictClean(ctx context.Context, entityType synckit.EntityType, olderThan time.Time) (n int, err error) {
	err = s.write(ctx, syncErrors.OpDelete, func(o *ops) error {
		n, err = o.evictClean(ctx, entityType, olderThan)
		return err
	})
	return n, err
}

// queue mirrors store for the action table.
type queue struct{ b *Backend }

func (q *queue) read(ctx context.Context, fn func(*ops) error) error {
	return (&store{b: q.b}).read(ctx, syncErrors.OpRead, fn)
}

func (q *queue) write(ctx context.Context, op syncErrors.Operation, fn func(*ops) error) error {
	return (&store{b: q.b}).write(ctx, op, fn)
}

func (q *queue) Enqueue(ctx context.Context, a *synckit.PendingAction) (id int64, err error) {
	err = q.write(ctx, syncErrors.OpEnqueue, func(o *ops) error {
		id, err = o.enqueue(ctx, a)
		return err
	})
	return id, err
}

func (q *queue) Get(ctx context.Context, actionID int64) (a *synckit.PendingAction, err error) {
	err = q.read(ctx, func(o *ops) error {
		a, err = o.getAction(ctx, actionID)
		return err
	})
	return a, err
}

func (q *queue) PeekNext(ctx context.Context, ref synckit.EntityRef) (a *synckit.PendingAction, err error) {
	err = q.read(ctx, func(o *ops) error {
		a, err = o.peekNext(ctx, ref)
		return err
	})
	return a, err
}

func (q *queue) Outstanding(ctx context.Context, ref synckit.EntityRef) (out []*synckit.PendingAction, err error) {
	err = q.read(ctx, func(o *ops) error {
		out, err = o.outstanding(ctx, ref)
		return err
	})
	return out, err
}

func (q *queue) OutstandingEntities(ctx context.Context) (refs []synckit.EntityRef, err error) {
	err = q.read(ctx, func(o *ops) error {
		refs, err = o.outstandingEntities(ctx)
		return err
	})
	return refs, err
}

func (q *queue) transition(ctx context.Context, actionID int64, event, reason string) error {
	return q.write(ctx, syncErrors.OpTransition, func(o *ops) error {
		return o.transition(ctx, actionID, event, reason)
	})
}

func (q *queue) MarkInFlight(ctx context.Context, actionID int64) error {
	return q.transition(ctx, actionID, synckit.EventDispatch, "")
}

func (q *queue) MarkSettled(ctx context.Context, actionID int64) error {
	return q.transition(ctx, actionID, synckit.EventSettle, "")
}

func (q *queue) MarkFailed(ctx context.Context, actionID int64, reason string) error {
	return q.transition(ctx, actionID, synckit.EventFail, reason)
}

func (q *queue) MarkRetry(ctx context.Context, actionID int64, reason string) error {
	return q.transition(ctx, actionID, synckit.EventRetry, reason)
}

func (q *queue) Release(ctx context.Context, actionID int64) error {
	return q.transition(ctx, actionID, synckit.EventRelease, "")
}

func (q *queue) Requeue(ctx context.Context, actionID int64) error {
	return q.transition(ctx, actionID, synckit.EventRequeue, "")
}

func (q *queue) Discard(ctx context.Context, actionID int64) error {
	return q.write(ctx, syncErrors.OpDelete, func(o *ops) error {
		return o.discard(ctx, actionID)
	})
}

func (q *queue) ListByStatus(ctx context.Context, status synckit.ActionStatus) (out []*synckit.PendingAction, err error) {
	err = q.read(ctx, func(o *ops) error {
		out, err = o.listActions(ctx, `status = ?`, string(status))
		return err
	})
	return out, err
}

func (q *queue) RecoverInFlight(ctx context.Context) (n int, err error) {
	err = q.write(ctx, syncErrors.OpTransition, func(o *ops) error {
		n, err = o.recoverInFlight(ctx)
		return err
	})
	return n, err
}

func (q *queue) PurgeSettled(ctx context.Context, before time.Time) (n int, err error) {
	err = q.write(ctx, syncErrors.OpDelete, func(o *ops) error {
		n, err = o.purgeSettled(ctx, before)
		return err
	})
	return n, err
}

func (q *queue) Counts(ctx context.Context) (counts map[synckit.ActionStatus]int, err error) {
	err = q.read(ctx, func(o *ops) error {
		counts, err = o.counts(ctx)
		return err
	})
	return counts, err
}

// storeTx and queueTx run on the transaction handed to Atomic.
type storeTx struct{ o *ops }

type queueTx struct{ o *ops }

func (t storeTx) Get(ctx context.Context, entityType synckit.EntityType, id string) (*synckit.Entity, error) {
	return t.o.getEntity(ctx, entityType, id)
}

func (t storeTx) Upsert(ctx context.Context, e *synckit.Entity) (*synckit.Entity, error) {
	return t.o.upsertEntity(ctx, e)
}

// Query collects the rows before returning; the transaction may be gone by
// the time the caller iterates.
func (t storeTx) Query(ctx context.Context, entityType synckit.EntityType, filter synckit.Filter) iter.Seq2[*synckit.Entity, error] {
	var rows []*synckit.Entity
	err := t.o.eachEntity(ctx, entityType, filter, func(e *synckit.Entity) bool {
		rows = append(rows, e)
		return true
	})
	return func(yield func(*synckit.Entity, error) bool) {
		for _, e := range rows {
			if !yield(e, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

func (t storeTx) Delete(ctx context.Context, entityType synckit.EntityType, id string) error {
	return t.o.deleteEntity(ctx, entityType, id)
}

func (t storeTx) EvictClean(ctx context.Context, entityType synckit.EntityType, olderThan time.Time) (int, error) {
	return t.o.evictClean(ctx, entityType, olderThan)
}

func (t queueTx) Enqueue(ctx context.Context, a *synckit.PendingAction) (int64, error) {
	return t.o.enqueue(ctx, a)
}

func (t queueTx) Get(ctx context.Context, actionID int64) (*synckit.PendingAction, error) {
	return t.o.getAction(ctx, actionID)
}

func (t queueTx) PeekNext(ctx context.Context, ref synckit.EntityRef) (*synckit.PendingAction, error) {
	return t.o.peekNext(ctx, ref)
}

func (t queueTx) Outstanding(ctx context.Context, ref synckit.EntityRef) ([]*synckit.PendingAction, error) {
	return t.o.outstanding(ctx, ref)
}

func (t queueTx) OutstandingEntities(ctx context.Context) ([]synckit.EntityRef, error) {
	return t.o.outstandingEntities(ctx)
}

func (t queueTx) MarkInFlight(ctx context.Context, actionID int64) error {
	return t.o.transition(ctx, actionID, synckit.EventDispatch, "")
}

func (t queueTx) MarkSettled(ctx context.Context, actionID int64) error {
	return t.o.transition(ctx, actionID, synckit.EventSettle, "")
}

func (t queueTx) MarkFailed(ctx context.Context, actionID int64, reason string) error {
	return t.o.transition(ctx, actionID, synckit.EventFail, reason)
}

func (t queueTx) MarkRetry(ctx context.Context, actionID int64, reason string) error {
	return t.o.transition(ctx, actionID, synckit.EventRetry, reason)
}

func (t queueTx) Release(ctx context.Context, actionID int64) error {
	return t.o.transition(ctx, actionID, synckit.EventRelease, "")
}

func (t queueTx) Requeue(ctx context.Context, actionID int64) error {
	return t.o.transition(ctx, actionID, synckit.EventRequeue, "")
}

func (t queueTx) Discard(ctx context.Context, actionID int64) error {
	return t.o.discard(ctx, actionID)
}

func (t queueTx) ListByStatus(ctx context.Context, status synckit.ActionStatus) ([]*synckit.PendingAction, error) {
	return t.o.listActions(ctx, `status = ?`, string(status))
}

func (t queueTx) RecoverInFlight(ctx context.Context) (int, error) {
	return t.o.recoverInFlight(ctx)
}

func (t queueTx) PurgeSettled(ctx context.Context, before time.Time) (int, error) {
	return t.o.purgeSettled(ctx, before)
}

func (t queueTx) Counts(ctx context.Context) (map[synckit.ActionStatus]int, error) {
	return t.o.counts(ctx)
}
