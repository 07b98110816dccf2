package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// clock hands out strictly increasing UTC timestamps at microsecond
// precision, so records created back to back keep their creation order
// on backends that only store microseconds.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

func newID() string {
	return uuid.NewString()
}
