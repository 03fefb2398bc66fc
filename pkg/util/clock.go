package util

import (
	"sync"
	"time"
)

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// OrReal returns c, or RealClock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return RealClock{}
	}
	return c
}

// ManualClock is a Clock for tests. Now returns the set time and After fires
// immediately after advancing it by d. With Hold set, After instead waits
// until Advance or Set moves the clock past the deadline.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []manualTimer
	Waited []time.Duration
	Hold   bool
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

func NewManualClock(now time.Time) *ManualClock { return &ManualClock{now: now} }

// NewHeldClock returns a ManualClock whose timers only fire on Advance.
func NewHeldClock(now time.Time) *ManualClock { return &ManualClock{now: now, Hold: true} }

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.fire()
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.fire()
	c.mu.Unlock()
}

// Pending is the number of held timers that have not fired.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Waited = append(c.Waited, d)
	ch := make(chan time.Time, 1)
	if c.Hold {
		c.timers = append(c.timers, manualTimer{at: c.now.Add(d), ch: ch})
		return ch
	}
	c.now = c.now.Add(d)
	ch <- c.now
	return ch
}

// fire must be called with mu held.
func (c *ManualClock) fire() {
	kept := c.timers[:0]
	for _, t := range c.timers {
		if t.at.After(c.now) {
			kept = append(kept, t)
			continue
		}
		t.ch <- c.now
	}
	c.timers = kept
}
