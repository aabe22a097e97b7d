// Package clocktest provides a manually advanced scheduler.Clock.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/texlink/texlink/internal/scheduler"
)

// Clock fires timers only when Advance is called. Callbacks run on the
// goroutine calling Advance.
type Clock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*timer
	seq    int
}

type timer struct {
	c       *Clock
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

var _ scheduler.Clock = (*Clock)(nil)

// New returns a clock at time zero.
func New() *Clock {
	return &Clock{}
}

func (c *Clock) AfterFunc(d time.Duration, f func()) scheduler.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{c: c, at: c.now + d, seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d, firing due timers in deadline
// order.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()

		next.fn()
	}
}

// Pending counts timers that are neither stopped nor fired.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *Clock) nextDueLocked(target time.Duration) *timer {
	var due []*timer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at != due[j].at {
			return due[i].at < due[j].at
		}
		return due[i].seq < due[j].seq
	})
	return due[0]
}
