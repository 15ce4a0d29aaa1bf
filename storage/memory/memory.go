// Package memory provides an in-process Backend. It keeps no state across
// restarts and is meant for tests and ephemeral caches.
package memory

import (
	"cmp"
	"context"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit"
)

type entityKey struct {
	typ synckit.EntityType
	id  string
}

// state is the unlocked data set. Stored records are never mutated in place;
// every change stores a fresh copy, so a shallow map copy is a snapshot.
type state struct {
	entities map[entityKey]*synckit.Entity
	actions  map[int64]*synckit.PendingAction
	nextID   int64
}

func (s *state) snapshot() state {
	return state{
		entities: maps.Clone(s.entities),
		actions:  maps.Clone(s.actions),
		nextID:   s.nextID,
	}
}

// Backend is a mutex-guarded in-memory Backend.
type Backend struct {
	mu     sync.Mutex
	data   state
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

var _ synckit.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// New returns an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		data: state{
			entities: make(map[entityKey]*synckit.Entity),
			actions:  make(map[int64]*synckit.PendingAction),
		},
		logger: logging.WithComponent(logging.Component("memory-store")).Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store returns a LocalStore whose calls each run under the backend lock.
func (b *Backend) Store() synckit.LocalStore { return lockedStore{b} }

// Queue returns an ActionQueue whose calls each run under the backend lock.
func (b *Backend) Queue() synckit.ActionQueue { return lockedQueue{b} }

// Atomic runs fn with exclusive access. When fn fails every change it made
// is rolled back.
func (b *Backend) Atomic(ctx context.Context, fn func(synckit.LocalStore, synckit.ActionQueue) error) error {
	unlock, err := b.guard(syncErrors.OpStore)
	if err != nil {
		return err
	}
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	saved := b.data.snapshot()
	if err := fn(storeTx{b}, queueTx{b}); err != nil {
		b.data = saved
		return err
	}
	return nil
}

// Close releases the data set. Further calls fail.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.data = state{}
	return nil
}

func (b *Backend) guard(op syncErrors.Operation) (unlock func(), err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, syncErrors.E(op, syncErrors.Component("storage/memory"), syncErrors.KindClosed,
			syncErrors.ErrCodeClosed, "store is closed")
	}
	return b.mu.Unlock, nil
}

// storeTx and queueTx implement the store interfaces on the unlocked state.
// They are only reachable while the backend lock is held.
type storeTx struct{ b *Backend }

type queueTx struct{ b *Backend }

func (t storeTx) Get(ctx context.Context, entityType synckit.EntityType, id string) (*synckit.Entity, error) {
	return t.b.data.entities[entityKey{entityType, id}].Clone(), nil
}

func (t storeTx) Upsert(ctx context.Context, e *synckit.Entity) (*synckit.Entity, error) {
	if e == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpUpsert, syncErrors.Errorf("entity is nil"))
	}
	key := entityKey{e.Type, e.ID}
	out, err := synckit.PrepareUpsert(t.b.data.entities[key], e, t.b.now())
	if err != nil {
		return nil, err
	}
	t.b.data.entities[key] = out
	return out.Clone(), nil
}

func (t storeTx) Query(ctx context.Context, entityType synckit.EntityType, filter synckit.Filter) iter.Seq2[*synckit.Entity, error] {
	return yieldAll(t.matching(entityType, filter))
}

// matching returns the stored records that satisfy filter, ordered by id.
func (t storeTx) matching(entityType synckit.EntityType, filter synckit.Filter) []*synckit.Entity {
	var out []*synckit.Entity
	for k, e := range t.b.data.entities {
		if k.typ == entityType && filter.Matches(e) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *synckit.Entity) int { return cmp.Compare(a.ID, b.ID) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func yieldAll(snap []*synckit.Entity) iter.Seq2[*synckit.Entity, error] {
	return func(yield func(*synckit.Entity, error) bool) {
		for _, e := range snap {
			if !yield(e.Clone(), nil) {
				return
			}
		}
	}
}

func (t storeTx) Delete(ctx context.Context, entityType synckit.EntityType, id string) error {
	delete(t.b.data.entities, entityKey{entityType, id})
	return nil
}

func (t storeTx) EvictClean(ctx context.Context, entityType synckit.EntityType, olderThan time.Time) (int, error) {
	n := 0
	for k, e := range t.b.data.entities {
		if k.typ == entityType && e.SyncState == synckit.Clean && !e.Deleted && e.UpdatedAt.Before(olderThan) {
			delete(t.b.data.entities, k)
			n++
		}
	}
	return n, nil
}

func (t queueTx) Enqueue(ctx context.Context, a *synckit.PendingAction) (int64, error) {
	out, err := synckit.PrepareAction(a, t.b.now())
	if err != nil {
		return 0, err
	}
	t.b.data.nextID++
	out.ActionID = t.b.data.nextID
	t.b.data.actions[out.ActionID] = out
	return out.ActionID, nil
}

func (t queueTx) Get(ctx context.Context, actionID int64) (*synckit.PendingAction, error) {
	return t.b.data.actions[actionID].Clone(), nil
}

// ordered returns copies of the actions accepted by keep in apply order.
func (t queueTx) ordered(keep func(*synckit.PendingAction) bool) []*synckit.PendingAction {
	var out []*synckit.PendingAction
	for _, a := range t.b.data.actions {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, func(x, y *synckit.PendingAction) int { return cmp.Compare(x.ActionID, y.ActionID) })
	return out
}

func (t queueTx) PeekNext(ctx context.Context, ref synckit.EntityRef) (*synckit.PendingAction, error) {
	next := t.ordered(func(a *synckit.PendingAction) bool {
		return a.Ref() == ref && a.Status == synckit.StatusPending
	})
	if len(next) == 0 {
		return nil, nil
	}
	return next[0], nil
}

func (t queueTx) Outstanding(ctx context.Context, ref synckit.EntityRef) ([]*synckit.PendingAction, error) {
	return t.ordered(func(a *synckit.PendingAction) bool {
		return a.Ref() == ref && a.Status != synckit.StatusSettled
	}), nil
}

func (t queueTx) OutstandingEntities(ctx context.Context) ([]synckit.EntityRef, error) {
	seen := make(map[synckit.EntityRef]bool)
	var refs []synckit.EntityRef
	for _, a := range t.ordered(func(a *synckit.PendingAction) bool {
		return a.Status == synckit.StatusPending || a.Status == synckit.StatusInFlight
	}) {
		if ref := a.Ref(); !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (t queueTx) transition(actionID int64, event, reason string) {
	a, ok := t.b.data.actions[actionID]
	if !ok {
		t.b.logger.Debug("Ignoring transition of unknown action", "action_id", actionID, "event", event)
		return
	}
	update, err := synckit.PlanTransition(a.Status, event)
	if err != nil {
		t.b.logger.Debug("Ignoring invalid action transition", "action_id", actionID, "error", err)
		return
	}
	next := a.Clone()
	update.Apply(next, reason)
	next.UpdatedAt = t.b.now()
	t.b.data.actions[actionID] = next
}

func (t queueTx) MarkInFlight(ctx context.Context, actionID int64) error {
	t.transition(actionID, synckit.EventDispatch, "")
	return nil
}

func (t queueTx) MarkSettled(ctx context.Context, actionID int64) error {
	t.transition(actionID, synckit.EventSettle, "")
	return nil
}

func (t queueTx) MarkFailed(ctx context.Context, actionID int64, reason string) error {
	t.transition(actionID, synckit.EventFail, reason)
	return nil
}

func (t queueTx) MarkRetry(ctx context.Context, actionID int64, reason string) error {
	t.transition(actionID, synckit.EventRetry, reason)
	return nil
}

func (t queueTx) Release(ctx context.Context, actionID int64) error {
	t.transition(actionID, synckit.EventRelease, "")
	return nil
}

func (t queueTx) Requeue(ctx context.Context, actionID int64) error {
	t.transition(actionID, synckit.EventRequeue, "")
	return nil
}

func (t queueTx) Discard(ctx context.Context, actionID int64) error {
	a, ok := t.b.data.actions[actionID]
	if !ok {
		return nil
	}
	if a.Status == synckit.StatusInFlight {
		t.b.logger.Debug("Refusing to discard in-flight action", "action_id", actionID)
		return nil
	}
	delete(t.b.data.actions, actionID)
	return nil
}

func (t queueTx) ListByStatus(ctx context.Context, status synckit.ActionStatus) ([]*synckit.PendingAction, error) {
	return t.ordered(func(a *synckit.PendingAction) bool { return a.Status == status }), nil
}

func (t queueTx) RecoverInFlight(ctx context.Context) (int, error) {
	stuck := t.ordered(func(a *synckit.PendingAction) bool { return a.Status == synckit.StatusInFlight })
	for _, a := range stuck {
		t.transition(a.ActionID, synckit.EventRelease, "")
	}
	return len(stuck), nil
}

func (t queueTx) PurgeSettled(ctx context.Context, before time.Time) (int, error) {
	n := 0
	for id, a := range t.b.data.actions {
		if a.Status == synckit.StatusSettled && a.UpdatedAt.Before(before) {
			delete(t.b.data.actions, id)
			n++
		}
	}
	return n, nil
}

func (t queueTx) Counts(ctx context.Context) (map[synckit.ActionStatus]int, error) {
	counts := map[synckit.ActionStatus]int{
		synckit.StatusPending:  0,
		synckit.StatusInFlight: 0,
		synckit.StatusSettled:  0,
		synckit.StatusFailed:   0,
	}
	for _, a := range t.b.data.actions {
		counts[a.Status]++
	}
	return counts, nil
}

// lockedStore and lockedQueue take the backend lock around each call.
type lockedStore struct{ b *Backend }

type lockedQueue struct{ b *Backend }

func (s lockedStore) Get(ctx context.Context, entityType synckit.EntityType, id string) (*synckit.Entity, error) {
	unlock, err := s.b.guard(syncErrors.OpRead)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return storeTx(s).Get(ctx, entityType, id)
}

func (s lockedStore) Upsert(ctx context.Context, e *synckit.Entity) (*synckit.Entity, error) {
	unlock, err := s.b.guard(syncErrors.OpUpsert)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return storeTx(s).Upsert(ctx, e)
}

// Query copies the matching set under the lock; iteration does not observe
// later writes.
func (s lockedStore) Query(ctx context.Context, entityType synckit.EntityType, filter synckit.Filter) iter.Seq2[*synckit.Entity, error] {
	unlock, err := s.b.guard(syncErrors.OpQuery)
	if err != nil {
		return func(yield func(*synckit.Entity, error) bool) { yield(nil, err) }
	}
	defer unlock()
	return yieldAll(storeTx(s).matching(entityType, filter))
}

func (s lockedStore) Delete(ctx context.Context, entityType synckit.EntityType, id string) error {
	unlock, err := s.b.guard(syncErrors.OpDelete)
	if err != nil {
		return err
	}
	defer unlock()
	return storeTx(s).Delete(ctx, entityType, id)
}

func (s lockedStore) EvictClean(ctx context.Context, entityType synckit.EntityType, olderThan time.Time) (int, error) {
	unlock, err := s.b.guard(syncErrors.OpDelete)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return storeTx(s).EvictClean(ctx, entityType, olderThan)
}

func (q lockedQueue) Enqueue(ctx context.Context, a *synckit.PendingAction) (int64, error) {
	unlock, err := q.b.guard(syncErrors.OpEnqueue)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return queueTx(q).Enqueue(ctx, a)
}

func (q lockedQueue) Get(ctx context.Context, actionID int64) (*synckit.PendingAction, error) {
	unlock, err := q.b.guard(syncErrors.OpRead)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return queueTx(q).Get(ctx, actionID)
}

func (q lockedQueue) PeekNext(ctx context.Context, ref synckit.EntityRef) (*synckit.PendingAction, error) {
	unlock, err := q.b.guard(syncErrors.OpRead)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return queueTx(q).PeekNext(ctx, ref)
}

func (q lockedQueue) Outstanding(ctx context.Context, ref synckit.EntityRef) ([]*synckit.PendingAction, error) {
	unlock, err := q.b.guard(syncErrors.OpRead)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return queueTx(q).Outstanding(ctx, ref)
}

func (q lockedQueue) OutstandingEntities(ctx context.Context) ([]synckit.EntityRef, error) {
	unlock, err := q.b.guard(syncErrors.OpRead)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return queueTx(q).OutstandingEntities(ctx)
}

func (q lockedQueue) mutate(fn func(queueTx) error) error {
	unlock, err := q.b.guard(syncErrors.OpTransition)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(queueTx(q))
}

func (q lockedQueue) MarkInFlight(ctx context.Context, actionID int64) error {
	return q.mutate(func(t queueTx) error { return t.MarkInFlight(ctx, actionID) })
}

func (q lockedQueue) MarkSettled(ctx context.Context, actionID int64) error {
	return q.mutate(func(t queueTx) error { return t.MarkSettled(ctx, actionID) })
}

func (q lockedQueue) MarkFailed(ctx context.Context, actionID int64, reason string) error {
	return q.mutate(func(t queueTx) error { return t.MarkFailed(ctx, actionID, reason) })
}

func (q lockedQueue) MarkRetry(ctx context.Context, actionID int64, reason string) error {
	return q.mutate(func(t queueTx) error { return t.MarkRetry(ctx, actionID, reason) })
}

func (q lockedQueue) Release(ctx context.Context, actionID int64) error {
	return q.mutate(func(t queueTx) error { return t.Release(ctx, actionID) })
}

func (q lockedQueue) Requeue(ctx context.Context, actionID int64) error {
	return q.mutate(func(t queueTx) error { return t.Requeue(ctx, actionID) })
}

func (q lockedQueue) Discard(ctx context.Context, actionID int64) error {
	return q.mutate(func(t queueTx) error { return t.Discard(ctx, actionID) })
}

func (q lockedQueue) ListByStatus(ctx context.Context, status synckit.ActionStatus) ([]*synckit.PendingAction, error) {
	unlock, err := q.b.guard(syncErrors.OpRead)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return queueTx(q).ListByStatus(ctx, status)
}

func (q lockedQueue) RecoverInFlight(ctx context.Context) (int, error) {
	unlock, err := q.b.guard(syncErrors.OpTransition)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return queueTx(q).RecoverInFlight(ctx)
}

func (q lockedQueue) PurgeSettled(ctx context.Context, before time.Time) (int, error) {
	unlock, err := q.b.guard(syncErrors.OpDelete)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return queueTx(q).PurgeSettled(ctx, before)
}

func (q lockedQueue) Counts(ctx context.Context) (map[synckit.ActionStatus]int, error) {
	unlock, err := q.b.guard(syncErrors.OpRead)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return queueTx(q).Counts(ctx)
}
