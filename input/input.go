package input

import (
	"sync"
	"time"

	"go-stimulus/clock"
)

// Event is one response from a subject device.
type Event struct {
	At     time.Time
	Source string
	Line   string
}

// Poller is a non-blocking response reader. Poll returns immediately; no
// event is an ordinary result, not an error.
type Poller interface {
	Poll() (Event, bool)
	Connected() bool
}

// None is a poller with no device behind it.
type None struct{}

func (None) Poll() (Event, bool) { return Event{}, false }
func (None) Connected() bool     { return false }

// Any polls several devices and reports the first pending event.
type Any []Poller

func (a Any) Poll() (Event, bool) {
	for _, p := range a {
		if ev, ok := p.Poll(); ok {
			return ev, true
		}
	}
	return Event{}, false
}

func (a Any) Connected() bool {
	for _, p := range a {
		if p.Connected() {
			return true
		}
	}
	return false
}

// Chan turns a channel fed by some other goroutine (console key, MIDI pad)
// into a Poller.
type Chan struct {
	C    <-chan Event
	Live bool
}

func (c Chan) Poll() (Event, bool) {
	select {
	case ev, ok := <-c.C:
		return ev, ok
	default:
		return Event{}, false
	}
}

func (c Chan) Connected() bool { return c.Live }

// Script delivers events once a clock passes preset times. Used to simulate
// button presses in tests.
type Script struct {
	Clock clock.Clock

	mu    sync.Mutex
	at    []time.Time
	polls int
}

// NewScript returns a Script firing at each of at, in order.
func NewScript(c clock.Clock, at ...time.Time) *Script {
	return &Script{Clock: c, at: at}
}

func (s *Script) Poll() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if len(s.at) == 0 {
		return Event{}, false
	}
	now := s.Clock.Now()
	if now.Before(s.at[0]) {
		return Event{}, false
	}
	s.at = s.at[1:]
	return Event{At: now, Source: "script", Line: "press"}, true
}

func (s *Script) Connected() bool { return true }

// Polls reports how many times Poll was called.
func (s *Script) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// Drainer pollers can discard responses queued before a cancellable wait.
type Drainer interface {
	Drain() int
}

// Drain empties p if it supports it.
func Drain(p Poller) int {
	if d, ok := p.(Drainer); ok {
		return d.Drain()
	}
	n := 0
	for {
		if _, ok := p.Poll(); !ok {
			return n
		}
		n++
	}
}
