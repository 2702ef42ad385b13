package events

import (
	"fmt"
	"sync"
)

// Subscribers is a registry of typed callbacks.
// Publish iterates the registered callbacks synchronously; a callback that
// panics is recovered and reported to the panic handler so the remaining
// subscribers still receive the value.
type Subscribers[T any] struct {
	mu          sync.RWMutex
	callbacks   map[uint64]func(T)
	order       []uint64
	nextID      uint64
	replayLast  bool
	last        T
	hasLast     bool
	panicHandle func(recovered any)
}

// NewSubscribers creates an empty registry.
// replayLast: when true, a new subscriber is immediately called with the most
// recently published value (if any).
func NewSubscribers[T any](replayLast bool) *Subscribers[T] {
	return &Subscribers[T]{
		callbacks:  make(map[uint64]func(T)),
		replayLast: replayLast,
	}
}

// OnPanic installs the handler that receives values recovered from panicking subscribers.
func (s *Subscribers[T]) OnPanic(handler func(recovered any)) {
	s.mu.Lock()
	s.panicHandle = handler
	s.mu.Unlock()
}

// Subscribe registers cb and returns its unsubscribe function.
// Unsubscribing more than once is harmless.
func (s *Subscribers[T]) Subscribe(cb func(T)) func() {
	if cb == nil {
		panic("events: callback cannot be nil")
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.callbacks[id] = cb
	s.order = append(s.order, id)
	replay, value := s.replayLast && s.hasLast, s.last
	s.mu.Unlock()

	if replay {
		s.call(cb, value)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.callbacks, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
}

// Publish delivers value to every subscriber in subscription order.
func (s *Subscribers[T]) Publish(value T) {
	s.mu.Lock()
	if s.replayLast {
		s.last = value
		s.hasLast = true
	}
	snapshot := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		snapshot = append(snapshot, s.callbacks[id])
	}
	s.mu.Unlock()

	for _, cb := range snapshot {
		s.call(cb, value)
	}
}

// Len returns the number of registered subscribers.
func (s *Subscribers[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.callbacks)
}

// Clear removes every subscriber.
func (s *Subscribers[T]) Clear() {
	s.mu.Lock()
	s.callbacks = make(map[uint64]func(T))
	s.order = nil
	s.mu.Unlock()
}

func (s *Subscribers[T]) call(cb func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.RLock()
			handler := s.panicHandle
			s.mu.RUnlock()
			if handler != nil {
				handler(fmt.Errorf("subscriber panic: %v", r))
			}
		}
	}()
	cb(value)
}
