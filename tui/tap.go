package tui

import (
	"sync"

	"go-stimulus/device"
)

// Tap remembers the last vector and target of an actuator so the console
// can draw it. Use it as a device.Tee monitor; Actuate only copies.
type Tap struct {
	mu     sync.Mutex
	n      int
	v      [device.MaxChannels]uint8
	target int
}

func NewTap(n int) *Tap { return &Tap{n: min(n, device.MaxChannels), target: -1} }

func (t *Tap) Name() string    { return "console" }
func (t *Tap) Channels() int   { return t.n }
func (t *Tap) Connected() bool { return true }

func (t *Tap) SetTarget(channel int) {
	t.mu.Lock()
	t.target = channel
	t.mu.Unlock()
}

func (t *Tap) Actuate(v device.BitVector) error {
	t.mu.Lock()
	copy(t.v[:t.n], v)
	t.mu.Unlock()
	return nil
}

// Snapshot returns the last vector and target.
func (t *Tap) Snapshot() (device.BitVector, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(device.BitVector(nil), t.v[:t.n]...), t.target
}
