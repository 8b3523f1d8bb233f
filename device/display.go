package device

import (
	"log/slog"

	"go-stimulus/debug"
)

// Fill is the state of one on-screen region.
type Fill uint8

const (
	FillOff      Fill = iota // black
	FillOn                   // white
	FillDisabled             // grey, stimulus hidden
)

// FillFor maps a step intent to a region fill.
func FillFor(v uint8) Fill {
	switch v {
	case On:
		return FillOn
	case Off:
		return FillOff
	default:
		return FillDisabled
	}
}

// Frame is everything a Surface draws for one flip.
type Frame struct {
	Regions    []Fill
	Sensor     Fill
	Pictograms bool
	Text       string
}

// Surface is a vsync-locked screen. Present draws f and swaps buffers,
// blocking until the swap, which is the sync point for screen stimuli.
type Surface interface {
	Present(f *Frame) error
	RefreshRate() float64
}

// SensorMode selects what the photodiode patch shows.
type SensorMode int

const (
	// SensorStep lights the patch whenever any region is on.
	SensorStep SensorMode = iota
	// SensorTarget lights the patch iff the target region is on.
	SensorTarget
)

// Display drives N on-screen regions plus a photodiode patch.
type Display struct {
	surface    Surface
	frame      Frame
	mode       SensorMode
	target     int
	pictograms bool
	log        *slog.Logger
}

// NewDisplay returns a display over surface. A nil surface gives a
// disconnected display.
func NewDisplay(surface Surface, channels int, mode SensorMode, log *slog.Logger) *Display {
	return &Display{
		surface:    surface,
		frame:      Frame{Regions: make([]Fill, channels), Pictograms: true},
		mode:       mode,
		target:     -1,
		pictograms: true,
		log:        log,
	}
}

func (d *Display) Name() string    { return "screen" }
func (d *Display) Channels() int   { return len(d.frame.Regions) }
func (d *Display) Connected() bool { return d.surface != nil }

// SetTarget selects the region the sensor follows in SensorTarget mode.
func (d *Display) SetTarget(channel int) { d.target = channel }

// ShowPictograms toggles drawing pictograms over the regions.
func (d *Display) ShowPictograms(on bool) { d.pictograms = on }

// RefreshRate reports the surface refresh rate, 0 when disconnected.
func (d *Display) RefreshRate() float64 {
	if d.surface == nil {
		return 0
	}
	return d.surface.RefreshRate()
}

func (d *Display) Actuate(v BitVector) error {
	if err := checkWidth(d, v); err != nil {
		return err
	}
	lit := false
	for i, b := range v {
		d.frame.Regions[i] = FillFor(b)
		if b == On {
			lit = true
		}
	}
	d.frame.Sensor = FillOff
	switch d.mode {
	case SensorStep:
		if lit {
			d.frame.Sensor = FillOn
		}
	case SensorTarget:
		if d.target >= 0 && d.target < len(v) && v[d.target] == On {
			d.frame.Sensor = FillOn
		}
	}
	d.frame.Pictograms = d.pictograms
	d.frame.Text = ""
	return d.present()
}

// Hide greys out every region and the sensor patch.
func (d *Display) Hide() error {
	for i := range d.frame.Regions {
		d.frame.Regions[i] = FillDisabled
	}
	d.frame.Sensor = FillDisabled
	d.frame.Pictograms = false
	d.frame.Text = ""
	return d.present()
}

// Message hides the stimuli and shows text.
func (d *Display) Message(text string) error {
	for i := range d.frame.Regions {
		d.frame.Regions[i] = FillDisabled
	}
	d.frame.Sensor = FillOff
	d.frame.Pictograms = false
	d.frame.Text = text
	return d.present()
}

// SensorOn shows only the lit sensor patch, for photodiode placement.
func (d *Display) SensorOn(text string) error {
	for i := range d.frame.Regions {
		d.frame.Regions[i] = FillDisabled
	}
	d.frame.Sensor = FillOn
	d.frame.Pictograms = false
	d.frame.Text = text
	return d.present()
}

func (d *Display) present() error {
	if d.surface == nil {
		debug.LogEvery(d.log, 500, "display not connected, frame not presented")
		return nil
	}
	return d.surface.Present(&d.frame)
}
