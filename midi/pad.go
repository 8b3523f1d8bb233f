package midi

import (
	"fmt"
	"sync"
	"time"

	"go-stimulus/input"
)

// Responder turns presses on attached controllers into response events.
// Controllers are attached from the device manager's goroutine while the
// timing loop polls.
type Responder struct {
	now    func() time.Time
	events chan input.Event

	mu       sync.Mutex
	attached map[string]func()
}

// NewResponder returns a Responder stamping events with now.
func NewResponder(now func() time.Time) *Responder {
	if now == nil {
		now = time.Now
	}
	return &Responder{
		now:      now,
		events:   make(chan input.Event, 32),
		attached: make(map[string]func()),
	}
}

// Attach forwards c's pads and keys until c closes or Detach is called.
func (r *Responder) Attach(c Controller) {
	done := make(chan struct{})
	r.mu.Lock()
	if stop, ok := r.attached[c.ID()]; ok {
		stop()
	}
	var once sync.Once
	r.attached[c.ID()] = func() { once.Do(func() { close(done) }) }
	r.mu.Unlock()

	go func() {
		pads, notes := c.PadEvents(), c.NoteEvents()
		for pads != nil || notes != nil {
			var line string
			select {
			case <-done:
				return
			case p, ok := <-pads:
				if !ok {
					pads = nil
					continue
				}
				line = fmt.Sprintf("pad %d,%d", p.Row, p.Col)
			case n, ok := <-notes:
				if !ok {
					notes = nil
					continue
				}
				line = fmt.Sprintf("note %d", n.Note)
			}
			select {
			case r.events <- input.Event{At: r.now(), Source: c.ID(), Line: line}:
			default:
			}
		}
	}()
}

// Detach stops forwarding from the controller with id.
func (r *Responder) Detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stop, ok := r.attached[id]; ok {
		stop()
		delete(r.attached, id)
	}
}

func (r *Responder) Poll() (input.Event, bool) {
	select {
	case ev := <-r.events:
		return ev, true
	default:
		return input.Event{}, false
	}
}

func (r *Responder) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attached) > 0
}

func (r *Responder) Drain() int {
	n := 0
	for {
		select {
		case <-r.events:
			n++
		default:
			return n
		}
	}
}
