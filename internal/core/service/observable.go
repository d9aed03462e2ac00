package service

import (
	"reflect"
	"sync"
)

// Observable is a minimal "publish on change, replay last value" cell.
// Subscribers receive the current value immediately and every change after
// that. It is independent of any UI framework; the websocket layer and the
// headless client both consume it.
type Observable[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[int]func(T)
	next  int
}

func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{
		value: initial,
		subs:  make(map[int]func(T)),
	}
}

// Get returns the current value.
func (o *Observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Set publishes v to all subscribers unless it equals the current value.
// Subscribers run synchronously on the calling goroutine, outside the
// internal lock, so a subscriber may call back into Get or Subscribe.
func (o *Observable[T]) Set(v T) {
	o.mu.Lock()
	if reflect.DeepEqual(o.value, v) {
		o.mu.Unlock()
		return
	}
	o.value = v
	subs := make([]func(T), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Subscribe registers fn, replays the current value to it, and returns an
// unsubscribe func.
func (o *Observable[T]) Subscribe(fn func(T)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = fn
	current := o.value
	o.mu.Unlock()

	fn(current)

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}
