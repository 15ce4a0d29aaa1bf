package synckit

import (
	"encoding/json"
	"time"
)

// EntityType names a family of entities (location, profile, settings, ...).
type EntityType string

// SyncState describes how an entity relates to the last known server state.
type SyncState string

const (
	// Clean entities match the last known server state.
	Clean SyncState = "clean"
	// Dirty entities carry local changes that are not yet confirmed.
	Dirty SyncState = "dirty"
	// Conflicted entities diverged from the server and need a resolution.
	Conflicted SyncState = "conflicted"
)

// ConflictInfo records the server side of a detected conflict. The local side
// is the entity's own payload. ServerUnknown is set when the remote reported
// a conflict without its current state; resolutions that adopt the server
// side are refused until a pull fills the server fields in.
type ConflictInfo struct {
	ActionID      int64           `json:"action_id"`
	ServerVersion uint64          `json:"server_version"`
	ServerPayload json.RawMessage `json:"server_payload,omitempty"`
	ServerDeleted bool            `json:"server_deleted,omitempty"`
	ServerUnknown bool            `json:"server_unknown,omitempty"`
	ServerUpdated time.Time       `json:"server_updated_at,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
}

// Entity is a domain record subject to local-first reads and writes.
type Entity struct {
	Type          EntityType      `json:"type"`
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	Version       uint64          `json:"version"`
	RemoteVersion uint64          `json:"remote_version"`
	SyncState     SyncState       `json:"sync_state"`
	Deleted       bool            `json:"deleted,omitempty"`
	Conflict      *ConflictInfo   `json:"conflict,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Ref returns the entity's reference.
func (e *Entity) Ref() EntityRef {
	return EntityRef{Type: e.Type, ID: e.ID}
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = cloneRaw(e.Payload)
	if e.Conflict != nil {
		ci := *e.Conflict
		ci.ServerPayload = cloneRaw(e.Conflict.ServerPayload)
		c.Conflict = &ci
	}
	return &c
}

// EntityRef identifies an entity.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Type) + "/" + r.ID
}

// ActionKind is the kind of mutation recorded by a PendingAction.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of a PendingAction.
type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusInFlight ActionStatus = "in_flight"
	StatusSettled  ActionStatus = "settled"
	StatusFailed   ActionStatus = "failed"
)

// PendingAction is a durable record of a mutation awaiting remote confirmation.
type PendingAction struct {
	ActionID       int64           `json:"action_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Kind           ActionKind      `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	Status         ActionStatus    `json:"status"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// BaseVersion is the server version this mutation applies on top of. It
	// is filled in at send time and is not part of the stored snapshot.
	BaseVersion uint64 `json:"-"`
}

// Ref returns the reference of the targeted entity.
func (a *PendingAction) Ref() EntityRef {
	return EntityRef{Type: a.EntityType, ID: a.EntityID}
}

// Clone returns a deep copy of the action.
func (a *PendingAction) Clone() *PendingAction {
	if a == nil {
		return nil
	}
	c := *a
	c.Payload = cloneRaw(a.Payload)
	return &c
}

// GeoBounds is an inclusive latitude/longitude box.
type GeoBounds struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Contains reports whether the point lies inside the box.
func (b GeoBounds) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// GeoRadius selects points within RadiusKm of a center.
type GeoRadius struct {
	Lat, Lng float64
	RadiusKm float64
}

// Filter is the predicate accepted by LocalStore.Query. Zero fields do not
// filter. Category, MinRating, Bounds and Near apply to entities that carry
// geo/category index fields (locations).
type Filter struct {
	Category       string
	LocationID     string
	MinRating      float64
	Bounds         *GeoBounds
	Near           *GeoRadius
	SyncState      SyncState
	IncludeDeleted bool
	Limit          int

	// Match is evaluated in process after the indexed predicates.
	Match func(*Entity) bool
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
