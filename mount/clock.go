package mount

import (
	"sync"
	"time"
)

// Clock is a wall clock shifted by a settable offset. Setting it to a
// future instant lets a pass be prepared as if that instant were now while
// real time keeps running.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
	now    func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the virtual time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.offset)
}

// Set makes the virtual time equal t as of this moment.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = t.Sub(c.now())
}

// Offset returns the difference between virtual and wall clock time.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// deviceTime converts t to mount clock units, milliseconds since the Unix
// epoch, truncated.
func deviceTime(t time.Time) int64 {
	return t.UnixMilli()
}
