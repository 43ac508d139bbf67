package cache

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Snapshot is a lock-free, read-optimized container
// holding any immutable structure.
type Snapshot[T any] struct{ v atomic.Value }

// Load returns the stored value, or the zero value if none is stored yet.
func (s *Snapshot[T]) Load() T {
	v := s.v.Load()
	if v == nil {
		var z T
		return z
	}
	return v.(box[T]).v
}

// Store atomically swaps in the new value.
func (s *Snapshot[T]) Store(v T) {
	s.v.Store(box[T]{v: v})
}

// box keeps atomic.Value happy when T is an interface or varies in concrete type.
type box[T any] struct{ v T }

// Store is a push-notify / pull-value container. Producers replace or merge
// the snapshot; subscribers are told something changed and re-read it.
type Store[T any] struct {
	snap     Snapshot[T]
	def      func() T
	mu       sync.Mutex
	nextID   int
	subs     map[int]func()
	writeMu  sync.Mutex
	notifies atomic.Int64
}

// NewStore builds a store whose initial and reset value comes from def.
func NewStore[T any](def func() T) *Store[T] {
	s := &Store[T]{def: def, subs: map[int]func(){}}
	s.snap.Store(def())
	return s
}

// Snapshot returns the current value. Callers must treat it as read-only.
func (s *Store[T]) Snapshot() T { return s.snap.Load() }

// Set replaces the snapshot and notifies subscribers unless v is
// deep-equal to the current value.
func (s *Store[T]) Set(v T) bool {
	return s.Update(func(T) T { return v })
}

// Update merges into the current snapshot through fn. Concurrent updates
// are serialized, so fn always sees the latest value. fn must not write
// to s.
func (s *Store[T]) Update(fn func(T) T) bool {
	s.writeMu.Lock()
	cur := s.snap.Load()
	v := fn(cur)
	if reflect.DeepEqual(cur, v) {
		s.writeMu.Unlock()
		return false
	}
	s.snap.Store(v)
	s.writeMu.Unlock()
	s.notify()
	return true
}

// Reset restores the default snapshot.
func (s *Store[T]) Reset() bool { return s.Set(s.def()) }

// Subscribe registers fn to be called after every change and returns the
// function that unregisters it.
func (s *Store[T]) Subscribe(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Notifications counts how many change notifications have been sent.
func (s *Store[T]) Notifications() int64 { return s.notifies.Load() }

func (s *Store[T]) notify() {
	s.notifies.Add(1)
	s.mu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
