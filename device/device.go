package device

import (
	"errors"
	"fmt"
)

// Channel intents. Anything else in a codebook is a data error and is
// passed through untouched so callers can classify it.
const (
	Off uint8 = 0
	On  uint8 = 1
)

// MaxChannels bounds the width of one step vector.
const MaxChannels = 16

// BitVector is one codebook step: one intent per channel.
type BitVector []uint8

// Valid reports whether v is a binary intent.
func Valid(v uint8) bool {
	return v == Off || v == On
}

// Actuator drives one set of output channels.
type Actuator interface {
	// Actuate issues the write or flip for v and returns. It does not wait
	// out any stimulus duration. A disconnected actuator returns nil.
	Actuate(v BitVector) error
	Channels() int
	Connected() bool
	Name() string
}

// TargetAware actuators react to the trial target (e.g. a photodiode patch
// that follows the target channel).
type TargetAware interface {
	SetTarget(channel int)
}

// FrameSynced actuators present on vertical refresh.
type FrameSynced interface {
	RefreshRate() float64
}

// ErrWidth is returned when a vector does not match the channel count.
var ErrWidth = errors.New("vector width does not match channel count")

func checkWidth(a Actuator, v BitVector) error {
	if len(v) != a.Channels() {
		return fmt.Errorf("%s: %w: got %d, want %d", a.Name(), ErrWidth, len(v), a.Channels())
	}
	return nil
}

// AllOff writes the zero vector to a.
func AllOff(a Actuator) error {
	return a.Actuate(make(BitVector, a.Channels()))
}

// AllOn writes the all-on vector to a. Used for hardware alignment.
func AllOn(a Actuator) error {
	v := make(BitVector, a.Channels())
	for i := range v {
		v[i] = On
	}
	return a.Actuate(v)
}
