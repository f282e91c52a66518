package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatchSetAndConsume(t *testing.T) {
	var l Latch
	assert.False(t, l.Peek(), "a fresh latch should not be pending")
	assert.False(t, l.Consume(), "consuming a clear latch should report false")

	l.Set()
	assert.True(t, l.Peek(), "latch should be pending after Set")
	assert.True(t, l.Consume(), "first consume should report true")
	assert.False(t, l.Consume(), "second consume should report false")
}

func TestLatchCoalesces(t *testing.T) {
	var l Latch

	// A burst of Sets must collapse into a single pending request.
	for i := 0; i < 10; i++ {
		l.Set()
	}
	assert.True(t, l.Consume(), "one consume should succeed after a burst")
	assert.False(t, l.Consume(), "nothing should remain after the burst is consumed")
}

func TestLatchPeekIsNonDestructive(t *testing.T) {
	var l Latch
	l.Set()
	assert.True(t, l.Peek())
	assert.True(t, l.Peek(), "Peek must not clear the latch")
	assert.True(t, l.Consume())
}

func TestLatchConcurrentSetters(t *testing.T) {
	var l Latch
	var wg sync.WaitGroup

	wg.Add(8)
	for i := 0; i < 8; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.Set()
			}
		}()
	}
	wg.Wait()

	assert.True(t, l.Consume(), "latch should be pending after concurrent Sets")
	assert.False(t, l.Consume(), "only one request should have been latched")
}

func TestSignalNotify(t *testing.T) {
	s := NewSignal()
	assert.NotNil(t, s, "NewSignal should not return nil")
	assert.False(t, s.HasPending())

	s.Notify()
	select {
	case <-s.Channel():
		// Good, got notification
	default:
		t.Fatal("should have received a notification")
	}

	// The channel should be empty now
	select {
	case <-s.Channel():
		t.Fatal("channel should be empty")
	default:
		// Good, channel is empty
	}
}

func TestSignalCoalesces(t *testing.T) {
	s := NewSignal()

	s.Notify()
	s.Notify()
	s.Notify()
	assert.True(t, s.HasPending())

	select {
	case <-s.Channel():
		// Good, got notification
	default:
		t.Fatal("should have received a notification")
	}

	select {
	case <-s.Channel():
		t.Fatal("repeated Notify must coalesce into one notification")
	default:
		// Good
	}
}

func TestSignalNeverBlocks(t *testing.T) {
	s := NewSignal()
	done := make(chan struct{})

	go func() {
		for i := 0; i < 10000; i++ {
			s.Notify()
		}
		close(done)
	}()

	<-done
	assert.True(t, s.HasPending(), "a notification should be pending after the burst")
}
