// Package connectivity reports online/offline transitions to the sync engine.
// Observers are passive signal sources; they never look at the action queue.
package connectivity

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TransitionKind is the direction of a connectivity change.
type TransitionKind string

const (
	BecameOnline  TransitionKind = "online"
	BecameOffline TransitionKind = "offline"
)

// Transition is emitted when connectivity changes.
type Transition struct {
	Kind TransitionKind
	At   time.Time
}

// Online reports whether the transition went online.
func (t Transition) Online() bool { return t.Kind == BecameOnline }

// Observer is the contract the coordinator consumes. IsOnline is a
// best-effort instantaneous answer and may be contradicted by the next call.
type Observer interface {
	Subscribe(fn func(Transition)) (unsubscribe func())
	IsOnline() bool
}

func transition(online bool) Transition {
	t := Transition{Kind: BecameOffline, At: time.Now()}
	if online {
		t.Kind = BecameOnline
	}
	return t
}

// notifier keeps subscribers and calls them in subscription order.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Transition)
	logger *slog.Logger
}

func newNotifier(logger *slog.Logger) *notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &notifier{subs: make(map[int]func(Transition)), logger: logger}
}

func (n *notifier) subscribe(fn func(Transition)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) notify(t Transition) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Transition), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		n.call(fn, t)
	}
}

func (n *notifier) call(fn func(Transition), t Transition) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("connectivity subscriber panicked", "panic", r, "transition", t.Kind)
		}
	}()
	fn(t)
}
