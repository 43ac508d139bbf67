package eventbus

import "sync"

// Handle identifies a registered listener so it can be removed with Off.
type Handle uint64

type listener[E any] struct {
	id   Handle
	fn   func(E)
	once bool
}

// Bus is a small pub/sub keyed by a closed set of event kinds.
// Listeners run synchronously on the goroutine calling Trigger, in
// registration order.
type Bus[K comparable, E any] struct {
	mu        sync.Mutex
	next      Handle
	listeners map[K][]listener[E]
	closed    bool
}

func New[K comparable, E any]() *Bus[K, E] {
	return &Bus[K, E]{listeners: map[K][]listener[E]{}}
}

// On registers fn for every event of kind k.
func (b *Bus[K, E]) On(k K, fn func(E)) Handle {
	return b.add(k, fn, false)
}

// Once registers fn for the next event of kind k only.
func (b *Bus[K, E]) Once(k K, fn func(E)) Handle {
	return b.add(k, fn, true)
}

func (b *Bus[K, E]) add(k K, fn func(E), once bool) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.next++
	b.listeners[k] = append(b.listeners[k], listener[E]{id: b.next, fn: fn, once: once})
	return b.next
}

// Off removes the listener registered under h. Unknown handles are ignored.
func (b *Bus[K, E]) Off(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, ls := range b.listeners {
		for i, l := range ls {
			if l.id == h {
				b.listeners[k] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Trigger delivers e to the listeners of kind k and reports whether any
// listener was called.
func (b *Bus[K, E]) Trigger(k K, e E) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	ls := b.listeners[k]
	keep := ls[:0:0]
	for _, l := range ls {
		if !l.once {
			keep = append(keep, l)
		}
	}
	b.listeners[k] = keep
	b.mu.Unlock()

	for _, l := range ls {
		l.fn(e)
	}
	return len(ls) > 0
}

// Len returns the number of listeners registered for kind k.
func (b *Bus[K, E]) Len(k K) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[k])
}

// Close drops every listener; later registrations and triggers are no-ops.
func (b *Bus[K, E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.listeners = map[K][]listener[E]{}
}
