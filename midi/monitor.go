package midi

import (
	"fmt"
	"sync"

	"go-stimulus/device"
)

var (
	monitorOn     = [3]uint8{255, 255, 255}
	monitorTarget = [3]uint8{0, 255, 0}
	monitorBad    = [3]uint8{255, 0, 0}
)

// Monitor mirrors stimulus vectors onto a row of Launchpad pads so the
// operator can see what the subject sees; the target pad is green. Use it
// as a device.Tee monitor.
//
// Actuate only records the latest vector. A goroutine pushes it to the
// controller, so a slow or stalled MIDI port never delays a step; vectors
// that arrive while a push is in flight coalesce into the next one. Pads
// only change when the vector does.
type Monitor struct {
	Row int

	mu      sync.Mutex
	ctrl    Controller
	n       int
	target  int
	latest  device.BitVector
	dirty   bool
	last    device.BitVector
	updates []LEDUpdate

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMonitor returns a monitor for n channels with no controller yet and
// starts its output goroutine. Close stops it.
func NewMonitor(n, row int) *Monitor {
	m := &Monitor{
		Row:    row,
		n:      n,
		target: -1,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

// SetController swaps the controller, e.g. on hot-plug. nil detaches.
func (m *Monitor) SetController(c Controller) {
	m.mu.Lock()
	m.ctrl = c
	m.last = nil
	m.repaint()
	m.mu.Unlock()
}

func (m *Monitor) Name() string  { return "launchpad" }
func (m *Monitor) Channels() int { return m.n }

func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl != nil
}

func (m *Monitor) SetTarget(channel int) {
	m.mu.Lock()
	m.target = channel
	m.last = nil
	m.repaint()
	m.mu.Unlock()
}

// Actuate stores v for the output goroutine and returns at once.
func (m *Monitor) Actuate(v device.BitVector) error {
	if len(v) != m.n {
		return fmt.Errorf("launchpad: %w: got %d, want %d", device.ErrWidth, len(v), m.n)
	}
	m.mu.Lock()
	if m.ctrl == nil {
		m.mu.Unlock()
		return nil
	}
	m.latest = append(m.latest[:0], v...)
	m.dirty = true
	m.mu.Unlock()
	m.signal()
	return nil
}

// Close stops the output goroutine.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

// repaint marks the whole row for the next push. Callers hold mu.
func (m *Monitor) repaint() {
	if m.latest != nil {
		m.dirty = true
		m.signal()
	}
}

func (m *Monitor) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Monitor) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
			m.push()
		}
	}
}

// push sends the pads that differ from what the controller shows. Only the
// loop goroutine calls it, so updates is not shared.
func (m *Monitor) push() {
	m.mu.Lock()
	ctrl := m.ctrl
	if ctrl == nil || !m.dirty {
		m.mu.Unlock()
		return
	}
	m.dirty = false
	m.updates = m.updates[:0]
	for i, b := range m.latest {
		if m.last != nil && m.last[i] == b {
			continue
		}
		var rgb [3]uint8
		switch {
		case !device.Valid(b):
			rgb = monitorBad
		case b == device.On && i == m.target:
			rgb = monitorTarget
		case b == device.On:
			rgb = monitorOn
		}
		m.updates = append(m.updates, LEDUpdate{Row: m.Row, Col: i, Color: rgb})
	}
	m.last = append(m.last[:0], m.latest...)
	m.mu.Unlock()

	if len(m.updates) == 0 {
		return
	}
	// the mirror is best effort; a failed batch is repainted on the next
	// controller swap
	_ = ctrl.SetLEDBatch(m.updates)
}
