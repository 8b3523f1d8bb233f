package screen

import (
	"fmt"
	"slices"
)

// Rect is a pixel rectangle, origin top-left.
type Rect struct {
	X, Y, W, H float32
}

// Layout places N stimulus boxes in one evenly spaced row across the
// middle of the screen, a photodiode sensor patch in the top-left corner,
// and one pictogram per object over the boxes.
type Layout struct {
	width, height int
	box, sensor   float32
	space         float32
	slots         []int // slots[object] = box the pictogram sits on
}

// NewLayout returns the canonical layout: object i over box i.
func NewLayout(width, height, n int, boxSize, sensorSize int) (*Layout, error) {
	if n <= 0 {
		return nil, fmt.Errorf("layout needs at least one box")
	}
	space := (width - boxSize*n) / (n + 1)
	if space < 0 {
		return nil, fmt.Errorf("%d boxes of %dpx do not fit in %dpx", n, boxSize, width)
	}
	l := &Layout{
		width:  width,
		height: height,
		box:    float32(boxSize),
		sensor: float32(sensorSize),
		space:  float32(space),
		slots:  make([]int, n),
	}
	l.DefaultOrder()
	return l, nil
}

func (l *Layout) N() int { return len(l.slots) }

// Box is the rectangle of region i.
func (l *Layout) Box(i int) Rect {
	return Rect{
		X: l.space + float32(i)*(l.box+l.space),
		Y: (float32(l.height) - l.box) / 2,
		W: l.box,
		H: l.box,
	}
}

// Sensor is the photodiode patch.
func (l *Layout) Sensor() Rect {
	return Rect{W: l.sensor, H: l.sensor}
}

// Pictogram is where object's icon is drawn.
func (l *Layout) Pictogram(object int) Rect {
	return l.Box(l.slots[object])
}

// SlotOf returns the region currently under object's pictogram.
func (l *Layout) SlotOf(object int) int { return l.slots[object] }

// Order returns a copy of the object-to-region mapping.
func (l *Layout) Order() []int { return slices.Clone(l.slots) }

// Reorder moves pictograms so that object j takes the position object
// order[j] had. Successive reorders compose; DefaultOrder undoes them all.
func (l *Layout) Reorder(order []int) error {
	if err := checkPermutation(order, len(l.slots)); err != nil {
		return err
	}
	next := make([]int, len(order))
	for j, i := range order {
		next[j] = l.slots[i]
	}
	l.slots = next
	return nil
}

// DefaultOrder restores object i over box i.
func (l *Layout) DefaultOrder() {
	for i := range l.slots {
		l.slots[i] = i
	}
}

func checkPermutation(order []int, n int) error {
	if len(order) != n {
		return fmt.Errorf("pictogram order has %d entries, want %d", len(order), n)
	}
	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			return fmt.Errorf("pictogram order %v is not a permutation of 0..%d", order, n-1)
		}
		seen[i] = true
	}
	return nil
}
