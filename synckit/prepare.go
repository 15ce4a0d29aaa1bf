package synckit

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

// ValidateAction checks the fields every queue backend requires on enqueue.
func ValidateAction(a *PendingAction) error {
	switch {
	case a == nil:
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("action is nil"))
	case a.EntityType == "":
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("entity type is required"))
	case a.EntityID == "":
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("entity id is required"))
	case !a.Kind.Valid():
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("unknown action kind %q", a.Kind))
	case a.Kind != ActionDelete && len(a.Payload) == 0:
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("%s action requires a payload", a.Kind))
	}
	return nil
}

// PrepareAction validates a and returns the copy a backend should persist:
// Pending, zero attempts, canonical payload, idempotency key and timestamps set.
func PrepareAction(a *PendingAction, now time.Time) (*PendingAction, error) {
	if err := ValidateAction(a); err != nil {
		return nil, err
	}
	out := a.Clone()
	payload, err := codec.Canonicalize(out.Payload)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpEnqueue, err)
	}
	out.Payload = payload
	out.ActionID = 0
	out.Status = StatusPending
	out.AttemptCount = 0
	out.LastError = ""
	if out.IdempotencyKey == "" {
		out.IdempotencyKey = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	return out, nil
}

// PrepareUpsert returns the entity a store should persist when writing
// incoming over existing (nil when absent). See LocalStore.Upsert for the
// version rules.
func PrepareUpsert(existing, incoming *Entity, now time.Time) (*Entity, error) {
	if incoming == nil || incoming.Type == "" || incoming.ID == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpUpsert, fmt.Errorf("entity type and id are required"))
	}
	out := incoming.Clone()
	payload, err := codec.Canonicalize(out.Payload)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpUpsert, err)
	}
	out.Payload = payload
	if out.SyncState == "" {
		out.SyncState = Clean
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = now
	}
	if out.Version == 0 {
		switch {
		case existing == nil:
			out.Version = 1
		case existing.Deleted != out.Deleted || !samePayload(existing.Payload, out.Payload):
			out.Version = existing.Version + 1
		default:
			out.Version = existing.Version
		}
	}
	return out, nil
}

func samePayload(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return codec.Hash(a) == codec.Hash(b) && bytes.Equal(a, b)
}
