package synckit

import (
	"context"
	"encoding/json"
)

// ResolutionStrategy selects how a conflicted entity is reconciled.
type ResolutionStrategy string

const (
	// KeepLocal re-submits the local state on top of the server version.
	KeepLocal ResolutionStrategy = "keep_local"
	// KeepRemote adopts the server state and discards outstanding actions.
	KeepRemote ResolutionStrategy = "keep_remote"
	// Merge submits a caller-supplied payload on top of the server version.
	Merge ResolutionStrategy = "merge"
	// LastWriteWins picks KeepLocal or KeepRemote by comparing update times.
	LastWriteWins ResolutionStrategy = "last_write_wins"
	// Manual leaves the entity Conflicted for an explicit decision.
	Manual ResolutionStrategy = "manual"
)

// Resolution is a decision supplied through ResolveConflict.
type Resolution struct {
	Strategy ResolutionStrategy
	// Payload is required for Merge and ignored otherwise.
	Payload json.RawMessage
	Reasons []string
}

// ConflictCase carries both sides of a conflict to a resolver.
type ConflictCase struct {
	Ref    EntityRef
	Local  *Entity
	Server ConflictInfo
}

// NewConflictCase builds the case for a Conflicted entity.
func NewConflictCase(e *Entity) (ConflictCase, bool) {
	if e == nil || e.Conflict == nil {
		return ConflictCase{}, false
	}
	return ConflictCase{Ref: e.Ref(), Local: e.Clone(), Server: *e.Conflict}, true
}

// ConflictResolver is the Strategy interface for automatic conflict
// resolution. Returning Manual leaves the conflict for the caller.
type ConflictResolver interface {
	Resolve(ctx context.Context, c ConflictCase) (Resolution, error)
}

// ConflictResolverFunc adapts a function to ConflictResolver.
type ConflictResolverFunc func(ctx context.Context, c ConflictCase) (Resolution, error)

func (f ConflictResolverFunc) Resolve(ctx context.Context, c ConflictCase) (Resolution, error) {
	return f(ctx, c)
}
