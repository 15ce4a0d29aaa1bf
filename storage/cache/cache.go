// Package cache wraps a Backend with an in-process ARC cache of entity reads.
package cache

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/synckit"
)

// DefaultSize is the number of entities cached when New is given size 0.
const DefaultSize = 4096

type key struct {
	typ synckit.EntityType
	id  string
}

// Stats counts cache lookups.
type Stats struct {
	Hits   uint64
	Misses uint64
	Len    int
}

// Backend caches LocalStore.Get results of the wrapped backend. Every write
// path through the wrapper invalidates the keys it touched.
type Backend struct {
	inner synckit.Backend
	arc   *lru.ARCCache

	// gen is bumped by every invalidation. A read-through only fills the
	// cache when no invalidation happened while it read.
	mu  sync.Mutex
	gen uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ synckit.Backend = (*Backend)(nil)

// New wraps inner with a cache of size entries.
func New(inner synckit.Backend, size int) (*Backend, error) {
	if inner == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("inner backend is required"))
	}
	if size <= 0 {
		size = DefaultSize
	}
	arc, err := lru.NewARC(size)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, err)
	}
	return &Backend{inner: inner, arc: arc}, nil
}

// Inner returns the wrapped backend.
func (b *Backend) Inner() synckit.Backend { return b.inner }

// Stats returns lookup counters.
func (b *Backend) Stats() Stats {
	return Stats{Hits: b.hits.Load(), Misses: b.misses.Load(), Len: b.arc.Len()}
}

func (b *Backend) Store() synckit.LocalStore { return &store{b: b, inner: b.inner.Store()} }

func (b *Backend) Queue() synckit.ActionQueue { return b.inner.Queue() }

// Atomic invalidates every key written by fn once the transaction ends,
// whether it committed or not.
func (b *Backend) Atomic(ctx context.Context, fn func(synckit.LocalStore, synckit.ActionQueue) error) error {
	tx := &txStore{}
	defer func() {
		if tx.purge {
			b.purge()
			return
		}
		b.invalidate(tx.touched...)
	}()
	return b.inner.Atomic(ctx, func(s synckit.LocalStore, q synckit.ActionQueue) error {
		tx.inner = s
		return fn(tx, q)
	})
}

func (b *Backend) Close() error {
	b.purge()
	return b.inner.Close()
}

func (b *Backend) lookup(k key) (*synckit.Entity, bool) {
	v, ok := b.arc.Get(k)
	if !ok {
		b.misses.Add(1)
		return nil, false
	}
	b.hits.Add(1)
	return v.(*synckit.Entity).Clone(), true
}

func (b *Backend) generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

func (b *Backend) fill(k key, e *synckit.Entity, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.gen && e != nil {
		b.arc.Add(k, e.Clone())
	}
}

func (b *Backend) invalidate(keys ...key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	for _, k := range keys {
		b.arc.Remove(k)
	}
}

func (b *Backend) purge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.arc.Purge()
}

// store is the standalone LocalStore view.
type store struct {
	b     *Backend
	inner synckit.LocalStore
}

func (s *store) Get(ctx context.Context, entityType synckit.EntityType, id string) (*synckit.Entity, error) {
	k := key{entityType, id}
	if e, ok := s.b.lookup(k); ok {
		return e, nil
	}
	gen := s.b.generation()
	e, err := s.inner.Get(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	s.b.fill(k, e, gen)
	return e, nil
}

func (s *store) Upsert(ctx context.Context, e *synckit.Entity) (*synckit.Entity, error) {
	defer func() {
		if e != nil {
			s.b.invalidate(key{e.Type, e.ID})
		}
	}()
	return s.inner.Upsert(ctx, e)
}

func (s *store) Query(ctx context.Context, entityType synckit.EntityType, filter synckit.Filter) iter.Seq2[*synckit.Entity, error] {
	return s.inner.Query(ctx, entityType, filter)
}

func (s *store) Delete(ctx context.Context, entityType synckit.EntityType, id string) error {
	defer s.b.invalidate(key{entityType, id})
	return s.inner.Delete(ctx, entityType, id)
}

func (s *store) EvictClean(ctx context.Context, entityType synckit.EntityType, olderThan time.Time) (int, error) {
	defer s.b.purge()
	return s.inner.EvictClean(ctx, entityType, olderThan)
}

// txStore records the keys a transaction writes. Reads go to the
// transaction so they observe its uncommitted writes.
type txStore struct {
	inner   synckit.LocalStore
	touched []key
	purge   bool
}

func (t *txStore) Get(ctx context.Context, entityType synckit.EntityType, id string) (*synckit.Entity, error) {
	return t.inner.Get(ctx, entityType, id)
}

func (t *txStore) Upsert(ctx context.Context, e *synckit.Entity) (*synckit.Entity, error) {
	if e != nil {
		t.touched = append(t.touched, key{e.Type, e.ID})
	}
	return t.inner.Upsert(ctx, e)
}

func (t *txStore) Query(ctx context.Context, entityType synckit.EntityType, filter synckit.Filter) iter.Seq2[*synckit.Entity, error] {
	return t.inner.Query(ctx, entityType, filter)
}

func (t *txStore) Delete(ctx context.Context, entityType synckit.EntityType, id string) error {
	t.touched = append(t.touched, key{entityType, id})
	return t.inner.Delete(ctx, entityType, id)
}

func (t *txStore) EvictClean(ctx context.Context, entityType synckit.EntityType, olderThan time.Time) (int, error) {
	t.purge = true
	return t.inner.EvictClean(ctx, entityType, olderThan)
}
