package util

import (
	"sync"
)

// Cell holds a single, latest value and provides non-blocking updates.
// Only the most recent value is retained; a waiter selecting on
// Channel sees one notification per burst of publishes.
type Cell[T any] struct {
	mu     sync.Mutex    // Protects access to 'value'
	value  T             // The latest value
	notify chan struct{} // Buffered channel of size 1 for notification
}

// NewCell creates a new Cell instance.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{
		notify: make(chan struct{}, 1),
	}
}

// Publish replaces the stored value with the latest one. It is
// non-blocking.
func (c *Cell[T]) Publish(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = value

	select {
	case c.notify <- struct{}{}:
		// Notification sent successfully.
	default:
		// Channel was already full, notification is already pending.
	}
}

// Channel returns the notification channel for use in select statements.
func (c *Cell[T]) Channel() <-chan struct{} {
	return c.notify
}

// Latest returns the most recently published value.
func (c *Cell[T]) Latest() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
