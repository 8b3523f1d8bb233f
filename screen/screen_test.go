package screen

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"go-stimulus/clock"
	"go-stimulus/device"
)

func TestLayoutGeometry(t *testing.T) {
	l, err := NewLayout(1920, 1080, 8, 150, 150)
	if err != nil {
		t.Fatal(err)
	}
	// (1920 - 8*150) / 9 = 80
	if got := l.Box(0); got != (Rect{X: 80, Y: 465, W: 150, H: 150}) {
		t.Fatalf("box 0 = %+v", got)
	}
	if got := l.Box(7); got.X != 80+7*230 {
		t.Fatalf("box 7 x = %v", got.X)
	}
	if got := l.Sensor(); got != (Rect{W: 150, H: 150}) {
		t.Fatalf("sensor = %+v", got)
	}
	if _, err := NewLayout(800, 600, 8, 150, 150); err == nil {
		t.Fatal("oversized row accepted")
	}
}

func TestReorderComposesAndRestores(t *testing.T) {
	l, err := NewLayout(1920, 1080, 8, 150, 150)
	if err != nil {
		t.Fatal(err)
	}
	before := make([]Rect, 8)
	for i := range before {
		before[i] = l.Pictogram(i)
	}

	if err := l.Reorder([]int{1, 2, 3, 4, 5, 6, 7, 0}); err != nil {
		t.Fatal(err)
	}
	if l.SlotOf(0) != 1 || l.Pictogram(7) != before[0] {
		t.Fatalf("after one reorder: %v", l.Order())
	}
	if err := l.Reorder([]int{1, 2, 3, 4, 5, 6, 7, 0}); err != nil {
		t.Fatal(err)
	}
	if l.SlotOf(0) != 2 {
		t.Fatalf("reorders did not compose: %v", l.Order())
	}

	l.DefaultOrder()
	for i := range before {
		if l.Pictogram(i) != before[i] {
			t.Fatalf("pictogram %d at %+v after restore, want %+v", i, l.Pictogram(i), before[i])
		}
	}
}

func TestReorderRoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	l, err := NewLayout(1920, 1080, 8, 150, 150)
	if err != nil {
		t.Fatal(err)
	}
	canonical := l.Order()
	for range 200 {
		for range 1 + rng.IntN(4) {
			order := rng.Perm(8)
			if err := l.Reorder(order); err != nil {
				t.Fatal(err)
			}
		}
		l.DefaultOrder()
		if !slices.Equal(l.Order(), canonical) {
			t.Fatalf("order %v after restore", l.Order())
		}
	}
}

func TestReorderRejectsNonPermutation(t *testing.T) {
	l, _ := NewLayout(1920, 1080, 4, 150, 150)
	for _, bad := range [][]int{{0, 1, 2}, {0, 1, 1, 2}, {0, 1, 2, 4}} {
		if err := l.Reorder(bad); err == nil {
			t.Fatalf("%v accepted", bad)
		}
	}
	if !slices.Equal(l.Order(), []int{0, 1, 2, 3}) {
		t.Fatalf("rejected order changed layout: %v", l.Order())
	}
}

type fakeSurface struct {
	clock  *clock.Manual
	frames int
	stall  int // frame index that takes three periods
}

func (s *fakeSurface) RefreshRate() float64 { return 60 }

func (s *fakeSurface) Present(*device.Frame) error {
	s.frames++
	d := time.Second / 60
	if s.frames == s.stall {
		d *= 3
	}
	s.clock.Advance(d)
	return nil
}

func TestTimingTestCountsDrops(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	s := &fakeSurface{clock: c, stall: 50}
	st, err := TimingTest(c, s, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	if st.Frames != 240 || st.Dropped != 1 {
		t.Fatalf("stats: %v", st)
	}
	if st.Max != 3*(time.Second/60) {
		t.Fatalf("max = %v", st.Max)
	}
}

func TestMeasure(t *testing.T) {
	frame := time.Second / 60
	st := Measure([]time.Duration{frame, frame, frame * 2, frame}, 60)
	if st.Dropped != 1 || st.Mean != frame*5/4 {
		t.Fatalf("stats: %+v", st)
	}
	if Measure(nil, 60).Frames != 0 {
		t.Fatal("empty measurement")
	}
}
