package events

import (
	"sync"
)

// Feed is a typed pub/sub point. Callbacks run synchronously on the
// publishing goroutine, so a subscriber sees every value in publish order.
type Feed[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]func(T)
	nextID  uint64
	replay  bool
	last    T
	hasLast bool
}

// NewFeed creates a Feed. With replayLast set, new subscribers immediately
// receive the most recently published value, if any.
func NewFeed[T any](replayLast bool) *Feed[T] {
	return &Feed[T]{
		subs:   make(map[uint64]func(T)),
		replay: replayLast,
	}
}

// Subscribe registers a callback and returns the function that removes it.
func (f *Feed[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		panic("events: callback cannot be nil")
	}
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	last, replay := f.last, f.replay && f.hasLast
	f.mu.Unlock()

	// outside the lock so a callback may publish or unsubscribe
	if replay {
		fn(last)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish delivers value to every current subscriber.
func (f *Feed[T]) Publish(value T) {
	f.mu.Lock()
	if f.replay {
		f.last = value
		f.hasLast = true
	}
	targets := make([]func(T), 0, len(f.subs))
	for _, fn := range f.subs {
		targets = append(targets, fn)
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(value)
	}
}
