package midi

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"go-stimulus/marker"
)

// DefaultNotes maps marker tags to trigger notes. Step markers carry the
// target flag in the velocity so an amplifier's trigger input can tell
// target from non-target steps.
var DefaultNotes = map[marker.Tag]uint8{
	marker.TrialStart:      60,
	marker.TrialEnd:        61,
	marker.Target:          62,
	marker.NonTarget:       63,
	marker.Invalid:         64,
	marker.StepOff:         65,
	marker.RunStart:        66,
	marker.RunEnd:          67,
	marker.BlockStart:      68,
	marker.BlockEnd:        69,
	marker.AudioStart:      70,
	marker.AudioEnd:        71,
	marker.ButtonPress:     72,
	marker.EyesOpenStart:   73,
	marker.EyesOpenEnd:     74,
	marker.EyesClosedStart: 75,
	marker.EyesClosedEnd:   76,
}

// Trigger sends a short NoteOn/NoteOff pair per marker to a MIDI output,
// e.g. a USB-MIDI trigger box on the recording amplifier. It is a
// marker.Sink and runs on the bus goroutine.
type Trigger struct {
	Channel uint8
	Notes   map[marker.Tag]uint8

	port string
	send func(msg gomidi.Message) error
}

// OpenTrigger opens the first output port matching name.
func OpenTrigger(name string, channel uint8) (*Trigger, error) {
	ports, err := ListPorts(ScanTimeout)
	if err != nil {
		return nil, err
	}
	out, ok := ports.FindOut(name)
	if !ok {
		return nil, fmt.Errorf("no midi output matching %q", name)
	}
	return NewTrigger(out, channel)
}

// NewTrigger sends to an already located port.
func NewTrigger(out drivers.Out, channel uint8) (*Trigger, error) {
	send, err := gomidi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", out.String(), err)
	}
	return &Trigger{Channel: channel, Notes: DefaultNotes, port: out.String(), send: send}, nil
}

func (t *Trigger) Name() string { return "midi:" + t.port }

func (t *Trigger) Write(m *marker.Marker) error {
	note, ok := t.Notes[m.Tag]
	if !ok {
		return nil
	}
	velocity := uint8(100)
	if m.Tag == marker.Target {
		velocity = 127
	}
	if err := t.send(gomidi.NoteOn(t.Channel, note, velocity)); err != nil {
		return err
	}
	return t.send(gomidi.NoteOff(t.Channel, note))
}
