// Package event provides typed publish/subscribe fan-out with explicit
// per-subscription cancellation.
//
// Each component declares one Emitter per event kind it publishes:
//
//	var progress event.Emitter[Progress]
//	sub := progress.Subscribe(func(p Progress) { render(p) })
//	defer sub.Cancel()
//
// Handlers run synchronously on the goroutine that calls Emit, in
// subscription order. Long-running handlers should hand work off to their
// own goroutine.
package event

import (
	"sort"
	"sync"
)

// Subscription is the cancellation token returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the handler. It is safe to call more than once and on a nil
// subscription.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type handler[T any] struct {
	fn   func(T)
	once bool
}

// Emitter fans one event type out to its subscribers. The zero value is
// ready to use.
type Emitter[T any] struct {
	mu       sync.RWMutex
	handlers map[uint64]handler[T]
	nextID   uint64
	closed   bool
}

// Subscribe registers fn and returns its cancellation token. Subscribing to
// a closed emitter returns an already cancelled subscription.
func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription {
	return e.add(fn, false)
}

// Once registers fn for the next event only.
func (e *Emitter[T]) Once(fn func(T)) *Subscription {
	return e.add(fn, true)
}

func (e *Emitter[T]) add(fn func(T), once bool) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || fn == nil {
		return &Subscription{cancel: func() {}}
	}
	if e.handlers == nil {
		e.handlers = make(map[uint64]handler[T])
	}

	id := e.nextID
	e.nextID++
	e.handlers[id] = handler[T]{fn: fn, once: once}

	return &Subscription{cancel: func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}}
}

// Emit delivers value to every current subscriber.
func (e *Emitter[T]) Emit(value T) {
	e.mu.Lock()
	if e.closed || len(e.handlers) == 0 {
		e.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		h := e.handlers[id]
		fns = append(fns, h.fn)
		if h.once {
			delete(e.handlers, id)
		}
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Len returns the number of active subscriptions.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

// Close drops every subscriber. Later Emit calls are no-ops.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.handlers = nil
}
