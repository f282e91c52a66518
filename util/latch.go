package util

import (
	"sync/atomic"
)

// Latch is a one-shot request flag. The setting side (edge handlers,
// interrupt context) calls Set; the consuming side (main loop) calls
// Consume. Repeated Sets while the latch is pending coalesce into a
// single request - nothing is queued or counted.
type Latch struct {
	pending atomic.Bool
}

// Set marks the request pending. Setting an already pending latch is a
// no-op. It is non-blocking and safe from any goroutine.
func (l *Latch) Set() {
	l.pending.Store(true)
}

// Consume clears the latch and reports whether it was pending.
func (l *Latch) Consume() bool {
	return l.pending.Swap(false)
}

// Peek reports whether the latch is pending without clearing it.
func (l *Latch) Peek() bool {
	return l.pending.Load()
}

// Signal is a coalescing wake-up for a single waiter. Notify never
// blocks; while a notification is already pending, further Notify
// calls are absorbed.
type Signal struct {
	notify chan struct{} // Buffered channel of size 1 for notification
}

// NewSignal creates a new Signal instance.
func NewSignal() *Signal {
	return &Signal{
		notify: make(chan struct{}, 1), // Buffered channel with capacity 1
	}
}

// Notify wakes the waiter. It is non-blocking.
func (s *Signal) Notify() {
	select {
	case s.notify <- struct{}{}:
		// Notification sent successfully.
	default:
		// Channel was already full, notification is already pending.
	}
}

// Channel returns the notification channel for use in select statements.
func (s *Signal) Channel() <-chan struct{} {
	return s.notify
}

// HasPending checks if a notification is waiting to be consumed.
// This is a non-destructive check.
func (s *Signal) HasPending() bool {
	return len(s.notify) > 0
}
