package midi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver
)

// ScanTimeout bounds a port scan; CoreMIDI can hang.
const ScanTimeout = 3 * time.Second

// ErrScanTimeout is returned when the MIDI driver does not list ports in
// time.
var ErrScanTimeout = errors.New("midi port scan timed out")

// Ports is a snapshot of the system's MIDI ports.
type Ports struct {
	In  []drivers.In
	Out []drivers.Out
}

// ListPorts lists ports, giving up after timeout.
func ListPorts(timeout time.Duration) (Ports, error) {
	ch := make(chan Ports, 1)
	go func() {
		ch <- Ports{In: gomidi.GetInPorts(), Out: gomidi.GetOutPorts()}
	}()
	select {
	case p := <-ch:
		return p, nil
	case <-time.After(timeout):
		return Ports{}, ErrScanTimeout
	}
}

// FindOut returns the first output port whose name contains name,
// case-insensitively.
func (p Ports) FindOut(name string) (drivers.Out, bool) {
	name = strings.ToLower(name)
	for _, op := range p.Out {
		if strings.Contains(strings.ToLower(op.String()), name) {
			return op, true
		}
	}
	return nil, false
}

// FindIn is FindOut for inputs.
func (p Ports) FindIn(name string) (drivers.In, bool) {
	name = strings.ToLower(name)
	for _, ip := range p.In {
		if strings.Contains(strings.ToLower(ip.String()), name) {
			return ip, true
		}
	}
	return nil, false
}

// DeviceEvent is emitted when controllers connect/disconnect
type DeviceEvent struct {
	Type       DeviceEventType
	Controller Controller
	ID         string
}

type DeviceEventType int

const (
	DeviceConnected DeviceEventType = iota
	DeviceDisconnected
)

// DeviceManager handles hot-plug detection of MIDI controllers. Ports
// whose name contains one of the Ignore strings are skipped, so the
// trigger output's loopback never turns into a response device.
type DeviceManager struct {
	Ignore []string

	controllers map[string]Controller
	mu          sync.RWMutex
	events      chan DeviceEvent
	pollRate    time.Duration
	log         *slog.Logger
}

// NewDeviceManager creates a new device manager
func NewDeviceManager(log *slog.Logger) *DeviceManager {
	return &DeviceManager{
		controllers: make(map[string]Controller),
		events:      make(chan DeviceEvent, 16),
		pollRate:    time.Second,
		log:         log,
	}
}

// Events returns a channel of device connect/disconnect events
func (dm *DeviceManager) Events() <-chan DeviceEvent {
	return dm.events
}

// Controllers returns a snapshot of connected controllers
func (dm *DeviceManager) Controllers() map[string]Controller {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make(map[string]Controller, len(dm.controllers))
	for k, v := range dm.controllers {
		out[k] = v
	}
	return out
}

// GetLaunchpad returns the first connected Launchpad (or nil)
func (dm *DeviceManager) GetLaunchpad() Controller {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	for _, c := range dm.controllers {
		if c.Type() == ControllerLaunchpad {
			return c
		}
	}
	return nil
}

// Run starts the polling loop (blocking - run in goroutine)
func (dm *DeviceManager) Run(ctx context.Context) {
	ticker := time.NewTicker(dm.pollRate)
	defer ticker.Stop()

	dm.scan()

	for {
		select {
		case <-ctx.Done():
			dm.closeAll()
			close(dm.events)
			return
		case <-ticker.C:
			dm.scan()
		}
	}
}

func (dm *DeviceManager) ignored(name string) bool {
	for _, s := range dm.Ignore {
		if s != "" && strings.Contains(name, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func (dm *DeviceManager) scan() {
	ports, err := ListPorts(ScanTimeout)
	if err != nil {
		// CoreMIDI is hung - skip this scan
		dm.log.Warn("midi scan skipped", "err", err)
		return
	}

	seenIDs := make(map[string]bool)
	for i, inPort := range ports.In {
		name := strings.ToLower(inPort.String())
		if dm.ignored(name) {
			continue
		}
		id := inPort.String()
		seenIDs[id] = true

		dm.mu.RLock()
		_, exists := dm.controllers[id]
		dm.mu.RUnlock()
		if exists {
			continue
		}

		var (
			c   Controller
			err error
		)
		if isLaunchpad(name) {
			var outPort drivers.Out
			for j, op := range ports.Out {
				if strings.ToLower(op.String()) == name {
					outPort = ports.Out[j]
					break
				}
			}
			c, err = NewLaunchpadController(id, ports.In[i], outPort)
		} else {
			c, err = NewKeyboardController(id, ports.In[i])
		}
		if err != nil {
			dm.log.Warn("midi controller not opened", "port", id, "err", err)
			continue
		}

		dm.mu.Lock()
		dm.controllers[id] = c
		dm.mu.Unlock()
		dm.log.Info("midi controller connected", "port", id, "type", c.Type().String())

		dm.notify(DeviceEvent{Type: DeviceConnected, Controller: c, ID: id})
	}

	// Check for disconnects
	dm.mu.Lock()
	var toRemove []string
	for id := range dm.controllers {
		if !seenIDs[id] {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		c := dm.controllers[id]
		c.Close()
		delete(dm.controllers, id)
		dm.notify(DeviceEvent{Type: DeviceDisconnected, ID: id})
	}
	dm.mu.Unlock()
}

// notify drops the event when nobody is listening.
func (dm *DeviceManager) notify(ev DeviceEvent) {
	select {
	case dm.events <- ev:
	default:
	}
}

func (dm *DeviceManager) closeAll() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for _, c := range dm.controllers {
		c.Close()
	}
	dm.controllers = make(map[string]Controller)
}

func isLaunchpad(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "launchpad") && strings.Contains(name, "midi")
}
