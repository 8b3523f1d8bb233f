package codebook

import (
	"errors"
	"fmt"
	"math"

	"go-stimulus/device"
)

// ErrShapeMismatch is returned when a codebook does not have the expected
// number of channels or targets.
var ErrShapeMismatch = errors.New("codebook shape mismatch")

// Bad marks a cell that could not be read as a small non-negative integer.
const Bad uint8 = 0xFF

// Codebook is an immutable steps x channels matrix of stimulus intents.
type Codebook struct {
	steps   int
	width   int
	data    []uint8
	invalid int
}

// New builds a codebook from step rows. Every row must have the same width.
func New(rows [][]uint8) (*Codebook, error) {
	c := &Codebook{steps: len(rows)}
	if len(rows) > 0 {
		c.width = len(rows[0])
	}
	if c.width > device.MaxChannels {
		return nil, fmt.Errorf("%w: %d channels exceeds %d", ErrShapeMismatch, c.width, device.MaxChannels)
	}
	c.data = make([]uint8, 0, c.steps*c.width)
	for i, row := range rows {
		if len(row) != c.width {
			return nil, fmt.Errorf("%w: step %d has %d channels, want %d", ErrShapeMismatch, i, len(row), c.width)
		}
		for _, v := range row {
			if !device.Valid(v) {
				c.invalid++
			}
		}
		c.data = append(c.data, row...)
	}
	return c, nil
}

// FromChannels builds a codebook from a channels x steps matrix, the file
// orientation, by transposing it.
func FromChannels(channels [][]float64) (*Codebook, error) {
	if len(channels) == 0 {
		return New(nil)
	}
	steps := len(channels[0])
	rows := make([][]uint8, steps)
	for s := range rows {
		rows[s] = make([]uint8, len(channels))
	}
	for ch, values := range channels {
		if len(values) != steps {
			return nil, fmt.Errorf("%w: channel %d has %d steps, want %d", ErrShapeMismatch, ch, len(values), steps)
		}
		for s, v := range values {
			rows[s][ch] = cell(v)
		}
	}
	return New(rows)
}

func cell(v float64) uint8 {
	if v < 0 || v >= float64(Bad) || v != math.Trunc(v) {
		return Bad
	}
	return uint8(v)
}

// Len is the number of steps.
func (c *Codebook) Len() int { return c.steps }

// Width is the number of channels per step.
func (c *Codebook) Width() int { return c.width }

// Invalid counts cells holding anything but 0 or 1.
func (c *Codebook) Invalid() int { return c.invalid }

// Step returns step i. The slice aliases the codebook and must not be
// modified.
func (c *Codebook) Step(i int) device.BitVector {
	return c.data[i*c.width : (i+1)*c.width : (i+1)*c.width]
}

// Check fails with ErrShapeMismatch unless the codebook has width channels.
// An empty codebook matches any width.
func (c *Codebook) Check(width int) error {
	if c.steps > 0 && c.width != width {
		return fmt.Errorf("%w: %d channels, want %d", ErrShapeMismatch, c.width, width)
	}
	return nil
}

// Repeat returns the codebook tiled n times along the step axis.
func (c *Codebook) Repeat(n int) *Codebook {
	if n < 1 {
		n = 1
	}
	out := &Codebook{
		steps:   c.steps * n,
		width:   c.width,
		data:    make([]uint8, 0, len(c.data)*n),
		invalid: c.invalid * n,
	}
	for i := 0; i < n; i++ {
		out.data = append(out.data, c.data...)
	}
	return out
}

// Rows returns a copy of the matrix as step rows.
func (c *Codebook) Rows() [][]uint8 {
	rows := make([][]uint8, c.steps)
	for i := range rows {
		rows[i] = append([]uint8(nil), c.Step(i)...)
	}
	return rows
}

// Duty returns, per channel, the fraction of steps that are on.
func (c *Codebook) Duty() []float64 {
	duty := make([]float64, c.width)
	if c.steps == 0 {
		return duty
	}
	for i := 0; i < c.steps; i++ {
		for ch, v := range c.Step(i) {
			if v == device.On {
				duty[ch]++
			}
		}
	}
	for ch := range duty {
		duty[ch] /= float64(c.steps)
	}
	return duty
}
