package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCellPublishAndLatest(t *testing.T) {
	c := NewCell[string]()
	assert.NotNil(t, c, "NewCell should not return nil")

	c.Publish("first")
	assert.Equal(t, "first", c.Latest())

	c.Publish("second")
	assert.Equal(t, "second", c.Latest(), "Latest should return the most recent value")
}

func TestCellNotificationCoalesces(t *testing.T) {
	c := NewCell[int]()

	c.Publish(1)
	c.Publish(2)
	c.Publish(3)

	select {
	case <-c.Channel():
		// Good, got notification
	default:
		t.Fatal("should have received a notification")
	}

	select {
	case <-c.Channel():
		t.Fatal("a publish burst must yield a single notification")
	default:
		// Good
	}

	assert.Equal(t, 3, c.Latest(), "Latest should be the last value published")
}

func TestCellConcurrentPublish(t *testing.T) {
	c := NewCell[int]()
	done := make(chan struct{})

	go func() {
		for i := 0; i <= 1000; i++ {
			c.Publish(i)
		}
		close(done)
	}()

	lastRead := -1
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		for {
			select {
			case <-c.Channel():
				val := c.Latest()
				if val < lastRead {
					t.Errorf("read a stale value: got %d, last was %d", val, lastRead)
				}
				lastRead = val
			case <-done:
				return
			}
		}
	}()

	readerWg.Wait()
	assert.Equal(t, 1000, c.Latest(), "final value should be the last published")
}
