package events

import (
	"sync"
)

// Channels fans values out to registered channels.
// Sends never block: a listener whose buffer is full misses that value.
type Channels[T any] struct {
	mu         sync.RWMutex
	channels   map[uint64]chan<- T
	nextID     uint64
	replayLast bool
	last       T
	hasLast    bool
}

// NewChannels creates an empty fan-out.
// replayLast: when true, a newly registered channel immediately receives the
// most recently notified value (if any).
func NewChannels[T any](replayLast bool) *Channels[T] {
	return &Channels[T]{
		channels:   make(map[uint64]chan<- T),
		replayLast: replayLast,
	}
}

// Listen registers ch and returns its deregistration function.
func (c *Channels[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("events: channel cannot be nil")
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.channels[id] = ch
	replay, value := c.replayLast && c.hasLast, c.last
	c.mu.Unlock()

	if replay {
		select {
		case ch <- value:
		default:
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.channels, id)
		c.mu.Unlock()
	}
}

// Notify sends value to every registered channel.
func (c *Channels[T]) Notify(value T) {
	c.mu.Lock()
	if c.replayLast {
		c.last = value
		c.hasLast = true
	}
	targets := make([]chan<- T, 0, len(c.channels))
	for _, ch := range c.channels {
		targets = append(targets, ch)
	}
	c.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// ListenerCount returns the number of registered channels.
func (c *Channels[T]) ListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}
