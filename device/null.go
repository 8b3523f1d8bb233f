package device

import (
	"errors"
	"sync"
)

// Null is an actuator with no hardware behind it.
type Null struct {
	N     int
	Label string
}

func (n Null) Actuate(v BitVector) error { return checkWidth(n, v) }
func (n Null) Channels() int             { return n.N }
func (n Null) Connected() bool           { return false }

func (n Null) Name() string {
	if n.Label == "" {
		return "null"
	}
	return n.Label
}

// Recorder keeps a copy of every vector it is given.
type Recorder struct {
	N int

	// OnActuate runs after each recorded write, e.g. to advance a fake clock.
	OnActuate func(v BitVector)

	mu     sync.Mutex
	writes []BitVector
	target int
}

func (r *Recorder) Channels() int         { return r.N }
func (r *Recorder) Connected() bool       { return true }
func (r *Recorder) Name() string          { return "recorder" }
func (r *Recorder) SetTarget(channel int) { r.target = channel }

func (r *Recorder) Actuate(v BitVector) error {
	if err := checkWidth(r, v); err != nil {
		return err
	}
	r.mu.Lock()
	r.writes = append(r.writes, append(BitVector(nil), v...))
	r.mu.Unlock()
	if r.OnActuate != nil {
		r.OnActuate(v)
	}
	return nil
}

// Writes returns the recorded vectors in order.
func (r *Recorder) Writes() []BitVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BitVector(nil), r.writes...)
}

// Last returns the most recent vector, nil if none.
func (r *Recorder) Last() BitVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.writes) == 0 {
		return nil
	}
	return r.writes[len(r.writes)-1]
}

// Target returns the last channel passed to SetTarget.
func (r *Recorder) Target() int { return r.target }

// Tee fans a write out to a primary actuator and any monitors (e.g. a MIDI
// pad mirroring the light state). Width and name come from the primary.
type Tee struct {
	Primary  Actuator
	Monitors []Actuator
}

func (t *Tee) Channels() int   { return t.Primary.Channels() }
func (t *Tee) Connected() bool { return t.Primary.Connected() }
func (t *Tee) Name() string    { return t.Primary.Name() }

func (t *Tee) Actuate(v BitVector) error {
	err := t.Primary.Actuate(v)
	for _, m := range t.Monitors {
		if merr := m.Actuate(v); merr != nil {
			err = errors.Join(err, merr)
		}
	}
	return err
}

func (t *Tee) SetTarget(channel int) {
	if ta, ok := t.Primary.(TargetAware); ok {
		ta.SetTarget(channel)
	}
	for _, m := range t.Monitors {
		if ta, ok := m.(TargetAware); ok {
			ta.SetTarget(channel)
		}
	}
}

// As finds an optional interface on a, looking through Tees to their
// primary.
func As[T any](a Actuator) (T, bool) {
	for {
		if t, ok := a.(T); ok {
			return t, true
		}
		tee, ok := a.(*Tee)
		if !ok {
			var zero T
			return zero, false
		}
		a = tee.Primary
	}
}
