package connectivity

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Manual is an Observer driven by explicit SetOnline calls, typically fed by
// a platform reachability callback.
type Manual struct {
	transMu  sync.Mutex
	online   atomic.Bool
	notifier *notifier
}

// NewManual returns an observer in the given initial state.
func NewManual(online bool, logger *slog.Logger) *Manual {
	m := &Manual{notifier: newNotifier(logger)}
	m.online.Store(online)
	return m
}

var _ Observer = (*Manual)(nil)

// SetOnline records the state and notifies subscribers when it changed.
// Transitions are delivered in the order SetOnline was called.
func (m *Manual) SetOnline(online bool) {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	if m.online.Swap(online) == online {
		return
	}
	m.notifier.notify(transition(online))
}

// IsOnline returns the last state set.
func (m *Manual) IsOnline() bool {
	return m.online.Load()
}

// Subscribe registers fn for future transitions.
func (m *Manual) Subscribe(fn func(Transition)) func() {
	return m.notifier.subscribe(fn)
}
