// Package event provides typed publish/subscribe buses for session and
// transfer notifications.
package event

import "sync"

// Bus delivers values of type T to every subscribed handler synchronously,
// in subscription order, on the publishing goroutine.
type Bus[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Subscription identifies one registered handler.
type Subscription struct {
	unsubscribe func()
	once        sync.Once
}

// Unsubscribe removes the handler. It is safe to call more than once and
// from inside a handler during dispatch.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.unsubscribe)
}

// Subscribe registers fn and returns its handle.
func (b *Bus[T]) Subscribe(fn func(T)) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, entry[T]{id: id, fn: fn})
	b.mu.Unlock()

	return &Subscription{unsubscribe: func() { b.remove(id) }}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.handlers {
		if e.id == id {
			// copy so a snapshot taken by Publish stays intact
			next := make([]entry[T], 0, len(b.handlers)-1)
			next = append(next, b.handlers[:i]...)
			b.handlers = append(next, b.handlers[i+1:]...)
			return
		}
	}
}

// Publish calls every handler registered at the time of the call.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	snapshot := b.handlers
	b.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len returns the number of registered handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
