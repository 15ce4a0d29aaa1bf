package synckit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeKind identifies what a Change reports.
type ChangeKind string

const (
	// ChangeEntity reports a new local state of an entity (write, settle,
	// pull, resolution). Entity is nil when the entity was removed.
	ChangeEntity ChangeKind = "entity"
	// ChangeActionSettled reports a confirmed action.
	ChangeActionSettled ChangeKind = "action_settled"
	// ChangeActionFailed reports an action demoted to Failed or a storage
	// failure while applying it.
	ChangeActionFailed ChangeKind = "action_failed"
	// ChangeConflict reports an entity that became Conflicted.
	ChangeConflict ChangeKind = "conflict"
	// ChangeConflictResolved reports a resolution applied to an entity.
	ChangeConflictResolved ChangeKind = "conflict_resolved"
)

// Change is published to subscribers after the underlying state is durable.
type Change struct {
	Kind   ChangeKind
	Ref    EntityRef
	Entity *Entity
	Action *PendingAction
	Err    error
	At     time.Time
}

// DefaultSubscriptionBuffer is the channel capacity of a subscription.
const DefaultSubscriptionBuffer = 64

// Broker fans changes out to subscribers. Publishing never blocks: a full
// subscriber misses the change and the drop is counted.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewBroker returns a broker whose subscriptions buffer up to buffer changes.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription is a stream of changes. C is closed by Close or when the
// broker shuts down.
type Subscription struct {
	C <-chan Change

	ch     chan Change
	id     uint64
	filter func(Change) bool
	broker *Broker
}

// Subscribe registers a subscription receiving changes accepted by filter.
// A nil filter accepts everything.
func (b *Broker) Subscribe(filter func(Change) bool) *Subscription {
	ch := make(chan Change, b.buffer)
	s := &Subscription{C: ch, ch: ch, filter: filter, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// SubscribeEntity subscribes to changes of a single entity id.
func (b *Broker) SubscribeEntity(id string) *Subscription {
	return b.Subscribe(func(c Change) bool { return c.Ref.ID == id })
}

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// Publish delivers c to every matching subscriber without blocking.
func (b *Broker) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber too slow, change dropped",
				"kind", c.Kind, "entity", c.Ref.String())
		}
	}
}

// Dropped returns the number of changes dropped because a subscriber was full.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later subscriptions are returned closed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
