// Package transport holds the wire form shared by the change-stream bridges.
package transport

import (
	"time"

	"github.com/c0deZ3R0/locsync/synckit"
)

// Frame is the JSON form of a synckit.Change sent to stream subscribers.
type Frame struct {
	Kind   synckit.ChangeKind     `json:"kind"`
	Type   synckit.EntityType     `json:"type"`
	ID     string                 `json:"id"`
	Entity *synckit.Entity        `json:"entity,omitempty"`
	Action *synckit.PendingAction `json:"action,omitempty"`
	Error  string                 `json:"error,omitempty"`
	At     time.Time              `json:"at"`
}

// NewFrame converts a change for the wire.
func NewFrame(c synckit.Change) Frame {
	f := Frame{
		Kind:   c.Kind,
		Type:   c.Ref.Type,
		ID:     c.Ref.ID,
		Entity: c.Entity,
		Action: c.Action,
		At:     c.At,
	}
	if c.Err != nil {
		f.Error = c.Err.Error()
	}
	return f
}

// Ref returns the entity the frame is about.
func (f Frame) Ref() synckit.EntityRef {
	return synckit.EntityRef{Type: f.Type, ID: f.ID}
}
