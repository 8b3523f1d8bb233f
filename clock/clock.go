package clock

import (
	"sync"
	"time"
)

// DefaultSpinThreshold is how close to a deadline Precise stops sleeping and
// starts spinning. OS sleep wake-up is usually late by well under 1ms on Linux.
const DefaultSpinThreshold = time.Millisecond

// Clock is the time source every stimulus schedule is computed against.
type Clock interface {
	// Now is monotonic. It never goes backward.
	Now() time.Time
	// WaitUntil blocks the calling goroutine until Now() >= deadline.
	WaitUntil(deadline time.Time)
}

// WaitFor waits d measured from c.Now().
func WaitFor(c Clock, d time.Duration) {
	c.WaitUntil(c.Now().Add(d))
}

// WaitOrPoll waits until deadline, calling poll at least every interval.
// It returns true as soon as poll does, false once the deadline passes.
func WaitOrPoll(c Clock, deadline time.Time, interval time.Duration, poll func() bool) bool {
	for {
		if poll() {
			return true
		}
		now := c.Now()
		if !now.Before(deadline) {
			return false
		}
		next := now.Add(interval)
		if next.After(deadline) {
			next = deadline
		}
		c.WaitUntil(next)
	}
}

// Precise is the hybrid waiter: coarse time.Sleep down to SpinThreshold,
// then a busy loop on the monotonic clock.
type Precise struct {
	SpinThreshold time.Duration
}

// New returns a Precise clock. A non-positive threshold selects the default.
func New(spinThreshold time.Duration) *Precise {
	if spinThreshold <= 0 {
		spinThreshold = DefaultSpinThreshold
	}
	return &Precise{SpinThreshold: spinThreshold}
}

func (p *Precise) Now() time.Time {
	return time.Now()
}

func (p *Precise) WaitUntil(deadline time.Time) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining <= p.SpinThreshold {
			break
		}
		time.Sleep(remaining - p.SpinThreshold)
	}
	for time.Now().Before(deadline) {
	}
}

// Manual is a deterministic clock for tests. WaitUntil jumps time forward
// to the deadline instead of blocking.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	waits int

	// OnWait, if set, runs after every WaitUntil with the new time.
	OnWait func(now time.Time)
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) WaitUntil(deadline time.Time) {
	m.mu.Lock()
	if deadline.After(m.now) {
		m.now = deadline
	}
	m.waits++
	now, hook := m.now, m.OnWait
	m.mu.Unlock()

	if hook != nil {
		hook(now)
	}
}

// Advance moves the clock forward by d, simulating work that takes time.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Waits reports how many times WaitUntil was called.
func (m *Manual) Waits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits
}
