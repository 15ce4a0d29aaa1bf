package synckit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/locsync/connectivity"
	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
)

const tracerName = "github.com/c0deZ3R0/locsync/synckit"

// Coordinator drives reconciliation: it drains every entity's outstanding
// actions through the remote adapter in FIFO order and applies the outcomes
// to the local store. Chains of different entities run concurrently; a chain
// never runs concurrently with itself.
type Coordinator struct {
	backend   Backend
	remote    RemoteAdapter
	observer  connectivity.Observer
	broker    *Broker
	metrics   MetricsCollector
	logger    *slog.Logger
	tracer    trace.Tracer
	resolvers map[EntityType]ConflictResolver
	opts      CoordinatorOptions

	locks   *mapmutex.Mutex
	retries *retryScheduler
	trigger chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup
}

// NewCoordinator wires a coordinator. It does nothing until Start, except
// for explicit Drain, Pull and ResolveConflict calls.
func NewCoordinator(backend Backend, remote RemoteAdapter, observer connectivity.Observer, opts ...Option) (*Coordinator, error) {
	const op = "synckit.NewCoordinator"

	if backend == nil || remote == nil || observer == nil {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("synckit"), syncErrors.KindValidation,
			"backend, remote adapter and connectivity observer are required")
	}

	c := &Coordinator{
		backend:   backend,
		remote:    remote,
		observer:  observer,
		metrics:   NoOpMetricsCollector{},
		logger:    logging.WithComponent(logging.Component("coordinator")).Logger,
		tracer:    otel.Tracer(tracerName),
		resolvers: make(map[EntityType]ConflictResolver),
		opts:      DefaultCoordinatorOptions(),
		trigger:   make(chan struct{}, 1),
		// one quick try per call; chains that find their entity locked skip it
		locks: mapmutex.NewCustomizedMapMutex(1, float64(time.Millisecond), float64(10*time.Microsecond), 1.1, 0.2),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("synckit"), syncErrors.KindValidation, err)
		}
	}
	if err := c.opts.Validate(); err != nil {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("synckit"), syncErrors.KindValidation, err)
	}
	if c.broker == nil {
		c.broker = NewBroker(DefaultSubscriptionBuffer, c.logger)
	}
	c.retries = newRetryScheduler(c.opts)
	return c, nil
}

// Broker returns the broker changes are published to.
func (c *Coordinator) Broker() *Broker { return c.broker }

// Options returns the effective tunables.
func (c *Coordinator) Options() CoordinatorOptions { return c.opts }

// Start recovers actions left InFlight by a previous process, subscribes to
// connectivity transitions and runs the drain loop until Close or ctx ends.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return syncErrors.E(syncErrors.OpDrain, syncErrors.KindClosed, syncErrors.ErrCodeClosed, "coordinator is closed")
	}
	if c.started {
		return syncErrors.New(syncErrors.OpDrain, fmt.Errorf("coordinator already started"))
	}

	recovered, err := c.backend.Queue().RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		c.logger.Info("Recovered in-flight actions from previous run", "count", recovered)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	c.unsub = c.observer.Subscribe(c.onTransition)

	c.wg.Add(1)
	go c.loop(runCtx)

	c.logger.Info("Coordinator started", "interval", c.opts.SyncInterval, "max_attempts", c.opts.MaxAttempts,
		"online", c.observer.IsOnline())
	if c.observer.IsOnline() {
		c.Trigger()
	}
	return nil
}

// Close stops the drain loop and waits for running chains. Calls in flight
// are cancelled; their actions return to Pending without counting an attempt.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, unsub := c.cancel, c.unsub
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	c.retries.pause()
	c.wg.Wait()
	c.logger.Info("Coordinator closed")
	return nil
}

// Trigger requests a drain pass. Requests made while a pass runs coalesce
// into one follow-up pass.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Coordinator) onTransition(t connectivity.Transition) {
	if t.Online() {
		c.logger.Info("Connectivity restored, draining queue")
		c.retries.resume(c.Trigger)
		c.Trigger()
		return
	}
	c.logger.Info("Connectivity lost, suspending retries")
	c.retries.pause()
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
			_ = c.Drain(ctx)
		case <-ticker.C:
			if !c.observer.IsOnline() {
				continue
			}
			_ = c.Drain(ctx)
			for _, t := range c.opts.PullTypes {
				if _, err := c.Pull(ctx, t, RemoteFilter{}); err != nil {
					c.logger.Warn("Periodic pull failed", "entity_type", t, "error", err)
				}
			}
		}
	}
}

// Drain runs one pass over every entity with outstanding actions. It returns
// without doing anything while offline. Per-entity failures are absorbed;
// only a failure to list the outstanding entities is returned.
func (c *Coordinator) Drain(ctx context.Context) error {
	if !c.observer.IsOnline() {
		c.logger.Debug("Skipping drain while offline")
		return nil
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "synckit.Drain")
	defer span.End()

	refs, err := c.backend.Queue().OutstandingEntities(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list outstanding entities")
		c.logger.Error("Failed to list outstanding entities", "error", err)
		return err
	}
	span.SetAttributes(attribute.Int("entities", len(refs)))

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for _, ref := range refs {
		if !c.retries.ready(ref.String()) {
			continue
		}
		g.Go(func() error {
			c.drainEntity(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	c.metrics.RecordDrainDuration(time.Since(start))
	return nil
}

// drainEntity applies the entity's actions one by one until the chain is
// empty, blocked, backing off or the process went offline.
func (c *Coordinator) drainEntity(ctx context.Context, ref EntityRef) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Entity chain panicked", "entity", ref.String(), "panic", r)
		}
	}()

	if !c.locks.TryLock(ref.String()) {
		return
	}
	defer c.locks.Unlock(ref.String())

	for ctx.Err() == nil && c.observer.IsOnline() && c.retries.ready(ref.String()) {
		if !c.step(ctx, ref) {
			return
		}
	}
}

// step attempts the head of the entity's chain and reports whether the chain
// should continue.
func (c *Coordinator) step(ctx context.Context, ref EntityRef) bool {
	queue := c.backend.Queue()

	actions, err := queue.Outstanding(ctx, ref)
	if err != nil {
		c.reportStorage(ctx, ref, nil, err)
		return false
	}
	if len(actions) == 0 {
		return false
	}
	head := actions[0]

	switch head.Status {
	case StatusFailed:
		c.logger.Debug("Chain blocked by failed action", "entity", ref.String(), "action_id", head.ActionID)
		return false
	case StatusInFlight:
		if err := queue.Release(ctx, head.ActionID); err != nil {
			c.reportStorage(ctx, ref, head, err)
			return false
		}
		head.Status = StatusPending
	}

	entity, err := c.backend.Store().Get(ctx, ref.Type, ref.ID)
	if err != nil {
		c.reportStorage(ctx, ref, head, err)
		return false
	}
	if entity != nil && entity.SyncState == Conflicted {
		c.logger.Debug("Chain halted on conflicted entity", "entity", ref.String())
		return false
	}

	return c.attempt(ctx, ref, entity, head)
}

func (c *Coordinator) attempt(ctx context.Context, ref EntityRef, entity *Entity, action *PendingAction) bool {
	if err := c.backend.Queue().MarkInFlight(ctx, action.ActionID); err != nil {
		c.reportStorage(ctx, ref, action, err)
		return false
	}

	send := action.Clone()
	if entity != nil {
		send.BaseVersion = entity.RemoteVersion
	}

	callCtx, span := c.tracer.Start(ctx, "synckit.RemoteApply", trace.WithAttributes(
		attribute.String("entity.type", string(ref.Type)),
		attribute.String("entity.id", ref.ID),
		attribute.String("action.kind", string(action.Kind)),
		attribute.Int64("action.id", action.ActionID),
		attribute.Int("action.attempt", action.AttemptCount+1),
	))
	start := time.Now()
	outcome := c.remote.Apply(callCtx, send)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.String("outcome", outcome.Kind.String()))
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		if outcome.Kind != OutcomeSuccess {
			span.SetStatus(codes.Error, outcome.Kind.String())
		}
	}
	span.End()
	c.metrics.RecordRemoteCall(ref.Type, action.Kind, outcome.Kind, elapsed)

	// The result of a call that completed is recorded even if the run
	// context was cancelled meanwhile.
	applyCtx := context.WithoutCancel(ctx)

	switch outcome.Kind {
	case OutcomeSuccess:
		return c.applyConfirmed(applyCtx, ref, action, outcome.Value)
	case OutcomeConflict:
		return c.applyConflict(applyCtx, ref, action, outcome)
	case OutcomePermanent:
		c.fail(applyCtx, ref, action, outcome.Reason())
		return false
	default:
		if ctx.Err() != nil {
			if err := c.backend.Queue().Release(applyCtx, action.ActionID); err != nil {
				c.reportStorage(ctx, ref, action, err)
			}
			return false
		}
		c.retry(applyCtx, ref, action, outcome.Reason())
		return false
	}
}

func (c *Coordinator) applyConfirmed(ctx context.Context, ref EntityRef, action *PendingAction, server *Entity) bool {
	var (
		result  *Entity
		removed bool
	)
	err := c.backend.Atomic(ctx, func(store LocalStore, queue ActionQueue) error {
		if err := queue.MarkSettled(ctx, action.ActionID); err != nil {
			return err
		}
		rest, err := queue.Outstanding(ctx, ref)
		if err != nil {
			return err
		}
		current, err := store.Get(ctx, ref.Type, ref.ID)
		if err != nil {
			return err
		}

		if len(rest) > 0 {
			// Later local writes are still queued; keep their payload and
			// only advance the confirmed server version.
			if current == nil || server == nil {
				return nil
			}
			current.RemoteVersion = server.Version
			result, err = store.Upsert(ctx, current)
			return err
		}

		if action.Kind == ActionDelete || (server != nil && server.Deleted) {
			removed = true
			return store.Delete(ctx, ref.Type, ref.ID)
		}

		next := &Entity{Type: ref.Type, ID: ref.ID, SyncState: Clean, UpdatedAt: time.Now()}
		switch {
		case server != nil:
			next.Payload = server.Payload
			next.Version = server.Version
			next.RemoteVersion = server.Version
			if !server.UpdatedAt.IsZero() {
				next.UpdatedAt = server.UpdatedAt
			}
		case current != nil:
			next.Payload = current.Payload
			next.Version = current.Version
			next.RemoteVersion = current.RemoteVersion
		default:
			return nil
		}
		result, err = store.Upsert(ctx, next)
		return err
	})
	if err != nil {
		c.reportStorage(ctx, ref, action, err)
		return false
	}

	c.retries.reset(ref.String())
	c.metrics.RecordActionSettled(ref.Type)
	settled := action.Clone()
	settled.Status = StatusSettled
	c.broker.Publish(Change{Kind: ChangeActionSettled, Ref: ref, Action: settled})
	if removed || result != nil {
		c.broker.Publish(Change{Kind: ChangeEntity, Ref: ref, Entity: result.Clone()})
	}
	c.logger.Debug("Action settled", "entity", ref.String(), "action_id", action.ActionID, "kind", action.Kind)
	return true
}

func (c *Coordinator) applyConflict(ctx context.Context, ref EntityRef, action *PendingAction, outcome Outcome[*Entity]) bool {
	server := outcome.Value
	var result *Entity
	err := c.backend.Atomic(ctx, func(store LocalStore, queue ActionQueue) error {
		if err := queue.Release(ctx, action.ActionID); err != nil {
			return err
		}
		current, err := store.Get(ctx, ref.Type, ref.ID)
		if err != nil || current == nil {
			return err
		}
		info := &ConflictInfo{ActionID: action.ActionID, DetectedAt: time.Now(), ServerUnknown: server == nil}
		if server != nil {
			info.ServerVersion = server.Version
			info.ServerPayload = server.Payload
			info.ServerDeleted = server.Deleted
			info.ServerUpdated = server.UpdatedAt
		}
		current.SyncState = Conflicted
		current.Conflict = info
		result, err = store.Upsert(ctx, current)
		return err
	})
	if err != nil {
		c.reportStorage(ctx, ref, action, err)
		return false
	}

	c.retries.reset(ref.String())
	c.metrics.RecordConflict(ref.Type)
	c.logger.Warn("Conflict detected", "entity", ref.String(), "action_id", action.ActionID,
		"local_version", versionOf(result), "server_version", versionOf(server))
	c.broker.Publish(Change{Kind: ChangeConflict, Ref: ref, Entity: result.Clone(), Action: action.Clone(), Err: outcome.Err})

	resolver, ok := c.resolvers[ref.Type]
	if !ok || result == nil {
		return false
	}
	cc, _ := NewConflictCase(result)
	res, err := resolver.Resolve(ctx, cc)
	if err != nil {
		c.log().LogError(ctx, err, "Conflict resolver failed", slog.String("entity", ref.String()))
		return false
	}
	if res.Strategy == Manual {
		return false
	}
	if _, err := c.resolveLocked(ctx, ref, res); err != nil {
		c.log().LogError(ctx, err, "Automatic conflict resolution failed", slog.String("entity", ref.String()))
		return false
	}
	return true
}

func (c *Coordinator) retry(ctx context.Context, ref EntityRef, action *PendingAction, reason string) {
	if action.AttemptCount+1 >= c.opts.MaxAttempts {
		c.logger.Warn("Attempt ceiling reached", "entity", ref.String(), "action_id", action.ActionID,
			"attempts", action.AttemptCount+1)
		c.fail(ctx, ref, action, reason)
		return
	}
	if err := c.backend.Queue().MarkRetry(ctx, action.ActionID, reason); err != nil {
		c.reportStorage(ctx, ref, action, err)
		return
	}

	var wake func()
	c.mu.Lock()
	if c.started && !c.closed {
		wake = c.Trigger
	}
	c.mu.Unlock()
	delay := c.retries.schedule(ref.String(), wake)
	c.logger.Info("Retry scheduled", "entity", ref.String(), "action_id", action.ActionID,
		"attempt", action.AttemptCount+1, "delay", delay, "reason", reason)
}

func (c *Coordinator) fail(ctx context.Context, ref EntityRef, action *PendingAction, reason string) {
	if err := c.backend.Queue().MarkFailed(ctx, action.ActionID, reason); err != nil {
		c.reportStorage(ctx, ref, action, err)
		return
	}
	c.retries.reset(ref.String())
	c.metrics.RecordActionFailed(ref.Type, reason)

	failed, err := c.backend.Queue().Get(ctx, action.ActionID)
	if err != nil || failed == nil {
		failed = action.Clone()
		failed.Status = StatusFailed
		failed.LastError = reason
	}
	c.logger.Warn("Action failed", "entity", ref.String(), "action_id", action.ActionID, "reason", reason)
	c.broker.Publish(Change{
		Kind:   ChangeActionFailed,
		Ref:    ref,
		Action: failed,
		Err:    syncErrors.NewPermanentRemoteError(syncErrors.OpApply, fmt.Errorf("%s", reason)),
	})
}

func (c *Coordinator) log() *logging.Logger {
	return &logging.Logger{Logger: c.logger}
}

func (c *Coordinator) reportStorage(ctx context.Context, ref EntityRef, action *PendingAction, err error) {
	if !syncErrors.IsKind(err, syncErrors.KindStorage) {
		err = syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	c.log().LogError(ctx, err, "Storage failure while draining", slog.String("entity", ref.String()))
	c.broker.Publish(Change{Kind: ChangeActionFailed, Ref: ref, Action: action.Clone(), Err: err})
}

// ResolveConflict applies a resolution to a Conflicted entity and resumes
// draining it. It waits for any chain currently holding the entity.
func (c *Coordinator) ResolveConflict(ctx context.Context, ref EntityRef, res Resolution) (*Entity, error) {
	if err := c.lockEntity(ctx, ref); err != nil {
		return nil, err
	}
	defer c.locks.Unlock(ref.String())
	return c.resolveLocked(ctx, ref, res)
}

const lockPollInterval = 5 * time.Millisecond

// lockEntity waits for the entity's lock until ctx is done.
func (c *Coordinator) lockEntity(ctx context.Context, ref EntityRef) error {
	key := ref.String()
	if c.locks.TryLock(key) {
		return nil
	}
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.locks.TryLock(key) {
				return nil
			}
		}
	}
}

func (c *Coordinator) resolveLocked(ctx context.Context, ref EntityRef, res Resolution) (*Entity, error) {
	const op = "synckit.ResolveConflict"

	var (
		result  *Entity
		removed bool
		applied ResolutionStrategy
	)
	err := c.backend.Atomic(ctx, func(store LocalStore, queue ActionQueue) error {
		current, err := store.Get(ctx, ref.Type, ref.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return syncErrors.E(syncErrors.Op(op), syncErrors.KindNotFound, syncErrors.ErrCodeNotFound,
				fmt.Errorf("entity %s not found", ref))
		}
		if current.SyncState != Conflicted || current.Conflict == nil {
			return syncErrors.NewValidationError(syncErrors.OpResolve, fmt.Errorf("entity %s is not conflicted", ref))
		}
		conflict := *current.Conflict
		if conflict.ServerUnknown && (res.Strategy == KeepRemote || res.Strategy == LastWriteWins) {
			return syncErrors.NewValidationError(syncErrors.OpResolve,
				fmt.Errorf("server state of %s is unknown; refresh it before adopting the remote side", ref))
		}

		strategy := res.Strategy
		if strategy == LastWriteWins {
			strategy = KeepRemote
			if current.UpdatedAt.After(conflict.ServerUpdated) {
				strategy = KeepLocal
			}
		}
		switch strategy {
		case KeepLocal, KeepRemote:
		case Merge:
			if len(res.Payload) == 0 {
				return syncErrors.NewValidationError(syncErrors.OpResolve, fmt.Errorf("merge requires a payload"))
			}
		default:
			return syncErrors.NewValidationError(syncErrors.OpResolve, fmt.Errorf("unsupported resolution %q", res.Strategy))
		}
		applied = strategy

		outstanding, err := queue.Outstanding(ctx, ref)
		if err != nil {
			return err
		}
		for _, a := range outstanding {
			if err := queue.Discard(ctx, a.ActionID); err != nil {
				return err
			}
		}

		now := time.Now()
		if strategy == KeepRemote {
			if conflict.ServerDeleted {
				removed = true
				return store.Delete(ctx, ref.Type, ref.ID)
			}
			version := conflict.ServerVersion
			if version == 0 {
				version = current.Version + 1
			}
			updated := conflict.ServerUpdated
			if updated.IsZero() {
				updated = now
			}
			result, err = store.Upsert(ctx, &Entity{
				Type: ref.Type, ID: ref.ID,
				Payload:       conflict.ServerPayload,
				Version:       version,
				RemoteVersion: conflict.ServerVersion,
				SyncState:     Clean,
				UpdatedAt:     updated,
			})
			return err
		}

		payload, deleted := current.Payload, current.Deleted
		if strategy == Merge {
			payload, deleted = res.Payload, false
		}
		if deleted && conflict.ServerDeleted {
			removed = true
			return store.Delete(ctx, ref.Type, ref.ID)
		}

		kind := ActionUpdate
		switch {
		case deleted:
			kind = ActionDelete
		case conflict.ServerDeleted:
			kind = ActionCreate
		}
		if _, err := queue.Enqueue(ctx, &PendingAction{
			EntityType: ref.Type,
			EntityID:   ref.ID,
			Kind:       kind,
			Payload:    payload,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		version := current.Version
		if conflict.ServerVersion > version {
			version = conflict.ServerVersion
		}
		remoteVersion := conflict.ServerVersion
		if conflict.ServerUnknown {
			remoteVersion = current.RemoteVersion
		}
		result, err = store.Upsert(ctx, &Entity{
			Type: ref.Type, ID: ref.ID,
			Payload:       payload,
			Version:       version + 1,
			RemoteVersion: remoteVersion,
			SyncState:     Dirty,
			Deleted:       deleted,
			UpdatedAt:     now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	c.retries.reset(ref.String())
	c.logger.Info("Conflict resolved", "entity", ref.String(), "strategy", applied, "reasons", res.Reasons)
	c.broker.Publish(Change{Kind: ChangeConflictResolved, Ref: ref, Entity: result.Clone()})
	if removed || result != nil {
		c.broker.Publish(Change{Kind: ChangeEntity, Ref: ref, Entity: result.Clone()})
	}
	c.Trigger()
	return result, nil
}

// Pull fetches entities from the remote and merges them into the local
// store. Missing entities are inserted, Clean ones are replaced when the
// server holds a newer version, and Clean ones the server has since deleted
// are removed. Entities with local changes are left for the push side to
// reconcile, except that a conflict recorded without server state learns it
// here. It returns the number of entities changed.
func (c *Coordinator) Pull(ctx context.Context, entityType EntityType, filter RemoteFilter) (int, error) {
	const op = "synckit.Pull"

	if !c.observer.IsOnline() {
		return 0, syncErrors.E(syncErrors.Op(op), syncErrors.KindRetryableRemote, "offline")
	}

	ctx, span := c.tracer.Start(ctx, "synckit.Pull", trace.WithAttributes(attribute.String("entity.type", string(entityType))))
	defer span.End()

	filter.IncludeDeleted = true
	remote, err := c.remote.Fetch(ctx, entityType, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch")
		return 0, err
	}

	changed := 0
	for _, server := range remote {
		if server == nil || server.ID == "" {
			continue
		}
		ref := EntityRef{Type: entityType, ID: server.ID}
		var (
			result  *Entity
			removed bool
		)
		err := c.backend.Atomic(ctx, func(store LocalStore, _ ActionQueue) error {
			current, err := store.Get(ctx, entityType, server.ID)
			if err != nil {
				return err
			}
			if current != nil && current.SyncState == Conflicted && current.Conflict != nil && current.Conflict.ServerUnknown {
				info := *current.Conflict
				info.ServerUnknown = false
				info.ServerVersion = server.Version
				info.ServerPayload = server.Payload
				info.ServerDeleted = server.Deleted
				info.ServerUpdated = server.UpdatedAt
				current.Conflict = &info
				result, err = store.Upsert(ctx, current)
				return err
			}
			if current != nil && (current.SyncState != Clean || current.Deleted || server.Version <= current.RemoteVersion) {
				return nil
			}
			if server.Deleted {
				if current == nil {
					return nil
				}
				removed = true
				return store.Delete(ctx, entityType, server.ID)
			}
			version := server.Version
			if version == 0 {
				version = 1
			}
			updated := server.UpdatedAt
			if updated.IsZero() {
				updated = time.Now()
			}
			result, err = store.Upsert(ctx, &Entity{
				Type: entityType, ID: server.ID,
				Payload:       server.Payload,
				Version:       version,
				RemoteVersion: server.Version,
				SyncState:     Clean,
				UpdatedAt:     updated,
			})
			return err
		})
		if err != nil {
			span.RecordError(err)
			return changed, err
		}
		if result != nil || removed {
			changed++
			c.broker.Publish(Change{Kind: ChangeEntity, Ref: ref, Entity: result.Clone()})
		}
	}

	c.logger.Debug("Pull completed", "entity_type", entityType, "fetched", len(remote), "changed", changed)
	return changed, nil
}

// RetryAction returns a Failed action to Pending with a fresh attempt budget.
func (c *Coordinator) RetryAction(ctx context.Context, actionID int64) error {
	a, err := c.backend.Queue().Get(ctx, actionID)
	if err != nil {
		return err
	}
	if a == nil {
		return syncErrors.E(syncErrors.Op("synckit.RetryAction"), syncErrors.KindNotFound, syncErrors.ErrCodeNotFound,
			fmt.Errorf("action %d not found", actionID))
	}
	if err := c.backend.Queue().Requeue(ctx, actionID); err != nil {
		return err
	}
	c.retries.reset(a.Ref().String())
	c.Trigger()
	return nil
}

// DiscardAction drops an action that will not be delivered. When it was the
// entity's last outstanding action the entity stops being Dirty: an entity
// the server never confirmed is removed, any other is marked Clean with an
// unknown server version so that the next pull restores the server copy.
func (c *Coordinator) DiscardAction(ctx context.Context, actionID int64) error {
	a, err := c.backend.Queue().Get(ctx, actionID)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	ref := a.Ref()
	if err := c.lockEntity(ctx, ref); err != nil {
		return err
	}
	defer c.locks.Unlock(ref.String())

	var (
		result  *Entity
		changed bool
	)
	err = c.backend.Atomic(ctx, func(store LocalStore, queue ActionQueue) error {
		if err := queue.Discard(ctx, actionID); err != nil {
			return err
		}
		rest, err := queue.Outstanding(ctx, ref)
		if err != nil || len(rest) > 0 {
			return err
		}
		current, err := store.Get(ctx, ref.Type, ref.ID)
		if err != nil || current == nil || current.SyncState != Dirty {
			return err
		}
		changed = true
		if current.RemoteVersion == 0 {
			return store.Delete(ctx, ref.Type, ref.ID)
		}
		current.SyncState = Clean
		current.Deleted = false
		current.RemoteVersion = 0
		result, err = store.Upsert(ctx, current)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		c.broker.Publish(Change{Kind: ChangeEntity, Ref: ref, Entity: result.Clone()})
	}
	return nil
}

func versionOf(e *Entity) uint64 {
	if e == nil {
		return 0
	}
	return e.Version
}
