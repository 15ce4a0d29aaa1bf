package synckit

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// retryScheduler keeps one exponential backoff per entity. An entity is not
// attempted again before its gate opens; other entities are unaffected.
type retryScheduler struct {
	mu      sync.Mutex
	opts    CoordinatorOptions
	entries map[string]*retryEntry
	now     func() time.Time
}

type retryEntry struct {
	backoff   *backoff.ExponentialBackOff
	notBefore time.Time
	timer     *time.Timer
}

func newRetryScheduler(opts CoordinatorOptions) *retryScheduler {
	return &retryScheduler{
		opts:    opts,
		entries: make(map[string]*retryEntry),
		now:     time.Now,
	}
}

func (s *retryScheduler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BaseDelay
	b.MaxInterval = s.opts.MaxDelay
	b.Multiplier = s.opts.Multiplier
	b.RandomizationFactor = s.opts.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// schedule records a retryable failure for id and returns the delay before
// the next attempt. When wake is non-nil it is called once the gate opens.
func (s *retryScheduler) schedule(id string, wake func()) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		e = &retryEntry{backoff: s.newBackOff()}
		s.entries[id] = e
	}
	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop || delay > s.opts.MaxDelay {
		delay = s.opts.MaxDelay
	}
	e.notBefore = s.now().Add(delay)

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if wake != nil {
		e.timer = time.AfterFunc(delay, wake)
	}
	return delay
}

// ready reports whether id may be attempted now.
func (s *retryScheduler) ready(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return !ok || !s.now().Before(e.notBefore)
}

// reset forgets id's backoff after a success or a terminal outcome.
func (s *retryScheduler) reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
}

// pause stops every pending wake-up timer but keeps the gates.
func (s *retryScheduler) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// resume re-arms wake-ups for every gated entity.
func (s *retryScheduler) resume(wake func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delay := e.notBefore.Sub(now)
		if delay < 0 {
			delay = 0
		}
		e.timer = time.AfterFunc(delay, wake)
	}
}

// pending returns the number of gated entities.
func (s *retryScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
