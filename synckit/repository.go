package synckit

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

// Mutation is a caller write. ID may be empty for ActionCreate; one is
// generated. Payload is ignored for ActionDelete.
type Mutation struct {
	Kind    ActionKind
	ID      string
	Payload json.RawMessage
}

// SyncStatus is a snapshot of the sync backlog, suitable for a "sync
// pending" indicator.
type SyncStatus struct {
	Online   bool
	Pending  int
	InFlight int
	Failed   int
	Settled  int
}

// Idle reports whether nothing awaits delivery.
func (s SyncStatus) Idle() bool {
	return s.Pending == 0 && s.InFlight == 0
}

// Repository is the caller-facing API. Writes land in the local store
// immediately and are queued for delivery; reads never touch the network.
type Repository struct {
	backend  Backend
	coord    *Coordinator
	registry *codec.Registry
	logger   *slog.Logger
	now      func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithRegistry validates payloads with the codecs in r.
func WithRegistry(r *codec.Registry) RepositoryOption {
	return func(repo *Repository) {
		if r != nil {
			repo.registry = r
		}
	}
}

// WithRepositoryLogger sets the repository's logger.
func WithRepositoryLogger(l *slog.Logger) RepositoryOption {
	return func(repo *Repository) {
		if l != nil {
			repo.logger = l
		}
	}
}

// NewRepository returns a repository over backend whose queue is drained by
// coord. The repository owns both and closes them in Close.
func NewRepository(backend Backend, coord *Coordinator, opts ...RepositoryOption) (*Repository, error) {
	if backend == nil || coord == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("backend and coordinator are required"))
	}
	r := &Repository{
		backend:  backend,
		coord:    coord,
		registry: codec.NewRegistry(),
		logger:   logging.WithComponent(logging.Component("repository")).Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start starts background synchronisation.
func (r *Repository) Start(ctx context.Context) error {
	return r.coord.Start(ctx)
}

// Coordinator returns the coordinator driving synchronisation.
func (r *Repository) Coordinator() *Coordinator { return r.coord }

// Read returns the local state of an entity, or nil when it is absent or
// locally deleted.
func (r *Repository) Read(ctx context.Context, entityType EntityType, id string) (*Entity, error) {
	if entityType == "" || id == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpRead, fmt.Errorf("entity type and id are required"))
	}
	e, err := r.backend.Store().Get(ctx, entityType, id)
	if err != nil || e == nil || e.Deleted {
		return nil, err
	}
	return e, nil
}

// Query returns matching local entities.
func (r *Repository) Query(ctx context.Context, entityType EntityType, filter Filter) iter.Seq2[*Entity, error] {
	return r.backend.Store().Query(ctx, entityType, filter)
}

// Write applies m locally and queues it for delivery. The returned entity is
// the new local state (a tombstone for deletes).
func (r *Repository) Write(ctx context.Context, entityType EntityType, m Mutation) (*Entity, error) {
	const op = syncErrors.OpWrite

	if entityType == "" {
		return nil, syncErrors.NewValidationError(op, fmt.Errorf("entity type is required"))
	}
	if !m.Kind.Valid() {
		return nil, syncErrors.NewValidationError(op, fmt.Errorf("unknown mutation kind %q", m.Kind))
	}
	if m.ID == "" {
		if m.Kind != ActionCreate {
			return nil, syncErrors.NewValidationError(op, fmt.Errorf("entity id is required for %s", m.Kind))
		}
		m.ID = uuid.NewString()
	}
	if m.Kind != ActionDelete {
		if err := r.registry.Validate(string(entityType), m.Payload); err != nil {
			return nil, syncErrors.NewValidationError(op, err)
		}
	}

	ref := EntityRef{Type: entityType, ID: m.ID}
	var stored *Entity
	err := r.backend.Atomic(ctx, func(store LocalStore, queue ActionQueue) error {
		current, err := store.Get(ctx, entityType, m.ID)
		if err != nil {
			return err
		}
		live := current != nil && !current.Deleted

		switch m.Kind {
		case ActionCreate:
			if live {
				return syncErrors.NewValidationError(op, fmt.Errorf("entity %s already exists", ref))
			}
		case ActionUpdate, ActionDelete:
			if !live {
				if m.Kind == ActionDelete {
					return nil
				}
				return syncErrors.E(syncErrors.Op("synckit.Write"), syncErrors.KindNotFound, syncErrors.ErrCodeNotFound,
					fmt.Errorf("entity %s not found", ref))
			}
		}

		next := &Entity{
			Type:      entityType,
			ID:        m.ID,
			Payload:   m.Payload,
			SyncState: Dirty,
			UpdatedAt: r.now(),
		}
		if current != nil {
			next.RemoteVersion = current.RemoteVersion
			if current.SyncState == Conflicted {
				next.SyncState = Conflicted
				next.Conflict = current.Conflict
			}
		}
		if m.Kind == ActionDelete {
			next.Payload = current.Payload
			next.Deleted = true
		}

		stored, err = store.Upsert(ctx, next)
		if err != nil {
			return err
		}
		_, err = queue.Enqueue(ctx, &PendingAction{
			EntityType: entityType,
			EntityID:   m.ID,
			Kind:       m.Kind,
			Payload:    stored.Payload,
			CreatedAt:  r.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}

	r.coord.Broker().Publish(Change{Kind: ChangeEntity, Ref: ref, Entity: stored.Clone()})
	r.coord.Trigger()
	r.logger.Debug("Local write queued", "entity", ref.String(), "kind", m.Kind, "version", stored.Version)
	return stored, nil
}

// SubscribeToEntity streams every change of the entity with the given id.
func (r *Repository) SubscribeToEntity(id string) *Subscription {
	return r.coord.Broker().SubscribeEntity(id)
}

// Subscribe streams changes accepted by filter; nil accepts all.
func (r *Repository) Subscribe(filter func(Change) bool) *Subscription {
	return r.coord.Broker().Subscribe(filter)
}

// ResolveConflict applies a resolution to a Conflicted entity.
func (r *Repository) ResolveConflict(ctx context.Context, entityType EntityType, id string, res Resolution) (*Entity, error) {
	if entityType == "" || id == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpResolve, fmt.Errorf("entity type and id are required"))
	}
	if res.Strategy == Merge {
		if err := r.registry.Validate(string(entityType), res.Payload); err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpResolve, err)
		}
		payload, err := codec.Canonicalize(res.Payload)
		if err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpResolve, err)
		}
		res.Payload = payload
	}
	return r.coord.ResolveConflict(ctx, EntityRef{Type: entityType, ID: id}, res)
}

// Refresh pulls entities of a type from the remote into the local store.
func (r *Repository) Refresh(ctx context.Context, entityType EntityType, filter RemoteFilter) (int, error) {
	return r.coord.Pull(ctx, entityType, filter)
}

// RetryAction gives a Failed action a fresh attempt budget.
func (r *Repository) RetryAction(ctx context.Context, actionID int64) error {
	return r.coord.RetryAction(ctx, actionID)
}

// DiscardAction drops an undeliverable action.
func (r *Repository) DiscardAction(ctx context.Context, actionID int64) error {
	return r.coord.DiscardAction(ctx, actionID)
}

// FailedActions lists actions awaiting a retry or discard decision.
func (r *Repository) FailedActions(ctx context.Context) ([]*PendingAction, error) {
	return r.backend.Queue().ListByStatus(ctx, StatusFailed)
}

// Status summarises the sync backlog.
func (r *Repository) Status(ctx context.Context) (SyncStatus, error) {
	counts, err := r.backend.Queue().Counts(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		Online:   r.coord.observer.IsOnline(),
		Pending:  counts[StatusPending],
		InFlight: counts[StatusInFlight],
		Failed:   counts[StatusFailed],
		Settled:  counts[StatusSettled],
	}, nil
}

// Close stops synchronisation, closes every subscription and the backend.
func (r *Repository) Close() error {
	r.closeOnce.Do(func() {
		_ = r.coord.Close()
		r.coord.Broker().Close()
		r.closeErr = r.backend.Close()
		r.logger.Info("Repository closed")
	})
	return r.closeErr
}
