package synckit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/logging"
)

// DefaultCallTimeout bounds a single remote call.
const DefaultCallTimeout = 30 * time.Second

// RemoteRequest carries one mutation to the remote service.
type RemoteRequest struct {
	EntityType     EntityType
	EntityID       string
	Payload        json.RawMessage
	BaseVersion    uint64
	IdempotencyKey string
}

// RemoteFilter narrows FetchEntities.
type RemoteFilter struct {
	Category   string
	LocationID string
	MinRating  float64
	Near       *GeoRadius
	Limit      int

	// IncludeDeleted asks for server tombstones as well, so that pulls can
	// learn about remote deletions.
	IncludeDeleted bool
}

// RemoteAPI is the remote service's capability interface. Errors should be
// *errors.SyncError values of kind RetryableRemote, PermanentRemote or
// Conflict; a Conflict error carries the server's *Entity as its server state.
type RemoteAPI interface {
	CreateEntity(ctx context.Context, req RemoteRequest) (*Entity, error)
	UpdateEntity(ctx context.Context, req RemoteRequest) (*Entity, error)
	DeleteEntity(ctx context.Context, req RemoteRequest) error
	FetchEntities(ctx context.Context, entityType EntityType, filter RemoteFilter) ([]*Entity, error)
}

// RemoteAdapter turns pending actions into remote outcomes. It never touches
// the local store or the queue.
type RemoteAdapter interface {
	Apply(ctx context.Context, action *PendingAction) Outcome[*Entity]
	Fetch(ctx context.Context, entityType EntityType, filter RemoteFilter) ([]*Entity, error)
}

// Adapter is the RemoteAdapter over a RemoteAPI. Every call runs under a
// bounded timeout; a timeout is classified as retryable.
type Adapter struct {
	api     RemoteAPI
	timeout time.Duration
	logger  *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAdapterLogger sets the adapter's logger.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdapter wraps api.
func NewAdapter(api RemoteAPI, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		api:     api,
		timeout: DefaultCallTimeout,
		logger:  logging.WithComponent(logging.Component("remote-adapter")).Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ RemoteAdapter = (*Adapter)(nil)

// Apply performs the single remote call for action and classifies the result.
func (a *Adapter) Apply(ctx context.Context, action *PendingAction) (out Outcome[*Entity]) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("remote call panicked", "action_id", action.ActionID, "panic", r)
			out = Permanent[*Entity](syncErrors.NewPermanentRemoteError(syncErrors.OpApply, fmt.Errorf("panic: %v", r)))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := RemoteRequest{
		EntityType:     action.EntityType,
		EntityID:       action.EntityID,
		Payload:        action.Payload,
		BaseVersion:    action.BaseVersion,
		IdempotencyKey: action.IdempotencyKey,
	}

	var (
		server *Entity
		err    error
	)
	switch action.Kind {
	case ActionCreate:
		server, err = a.api.CreateEntity(ctx, req)
	case ActionUpdate:
		server, err = a.api.UpdateEntity(ctx, req)
	case ActionDelete:
		err = a.api.DeleteEntity(ctx, req)
	default:
		return Permanent[*Entity](syncErrors.NewValidationError(syncErrors.OpApply, fmt.Errorf("unknown action kind %q", action.Kind)))
	}

	if err == nil {
		return Success(server)
	}
	return Classify[*Entity](err, func(v interface{}) *Entity {
		e, _ := v.(*Entity)
		return e
	})
}

// Fetch reads entities from the remote under the call timeout.
func (a *Adapter) Fetch(ctx context.Context, entityType EntityType, filter RemoteFilter) ([]*Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	entities, err := a.api.FetchEntities(ctx, entityType, filter)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, syncErrors.E(syncErrors.OpFetch, syncErrors.KindRetryableRemote, syncErrors.ErrCodeTimeout, err)
		}
		return nil, err
	}
	return entities, nil
}

// Classify maps a remote error onto an Outcome. server converts the state
// attached to a conflict error. Timeouts and network errors are retryable;
// errors carrying no classification are treated as retryable and are bounded
// by the attempt ceiling.
func Classify[T any](err error, server func(interface{}) T) Outcome[T] {
	switch syncErrors.KindOf(err) {
	case syncErrors.KindConflict:
		var zero T
		if state, ok := syncErrors.ServerState(err); ok && server != nil {
			return ConflictWith(server(state), err)
		}
		return ConflictWith(zero, err)
	case syncErrors.KindPermanentRemote, syncErrors.KindValidation, syncErrors.KindNotFound:
		return Permanent[T](err)
	case syncErrors.KindRetryableRemote:
		return Retryable[T](err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable[T](syncErrors.E(syncErrors.OpApply, syncErrors.KindRetryableRemote, syncErrors.ErrCodeTimeout, err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable[T](syncErrors.NewNetworkError(syncErrors.OpApply, err))
	}
	return Retryable[T](err)
}
