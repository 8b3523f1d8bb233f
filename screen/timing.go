package screen

import (
	"fmt"
	"time"

	"go-stimulus/clock"
	"go-stimulus/device"
)

// DropFactor is how many nominal frame periods an interval must exceed to
// count as a dropped frame.
const DropFactor = 1.5

// FrameStats summarizes measured flip intervals.
type FrameStats struct {
	Frames   int
	Expected time.Duration
	Mean     time.Duration
	Max      time.Duration
	Dropped  int
	Measured float64 // Hz
}

func (s FrameStats) String() string {
	return fmt.Sprintf("%d frames, mean %v, max %v, %d dropped, %.2f Hz measured (%.2f Hz expected)",
		s.Frames, s.Mean, s.Max, s.Dropped, s.Measured, float64(time.Second)/float64(s.Expected))
}

// Measure computes stats of intervals against a nominal refresh rate.
func Measure(intervals []time.Duration, refresh float64) FrameStats {
	st := FrameStats{Frames: len(intervals)}
	if refresh > 0 {
		st.Expected = time.Duration(float64(time.Second) / refresh)
	}
	if len(intervals) == 0 {
		return st
	}
	limit := time.Duration(DropFactor * float64(st.Expected))
	var sum time.Duration
	for _, iv := range intervals {
		sum += iv
		if iv > st.Max {
			st.Max = iv
		}
		if st.Expected > 0 && iv > limit {
			st.Dropped++
		}
	}
	st.Mean = sum / time.Duration(len(intervals))
	if st.Mean > 0 {
		st.Measured = float64(time.Second) / float64(st.Mean)
	}
	return st
}

// TimingTest flips surface through the patterns of the lab's screen check:
// every-frame alternation, then one-second blocks of on and off, and
// measures the flip intervals. cycles scales the length of each pattern.
func TimingTest(c clock.Clock, surface device.Surface, regions, cycles int) (FrameStats, error) {
	refresh := surface.RefreshRate()
	perSecond := int(refresh + 0.5)
	if perSecond <= 0 {
		return FrameStats{}, fmt.Errorf("surface reports refresh rate %v", refresh)
	}

	on := device.Frame{Regions: make([]device.Fill, regions), Sensor: device.FillOn, Pictograms: true}
	off := device.Frame{Regions: make([]device.Fill, regions), Sensor: device.FillOff, Pictograms: true}
	for i := range on.Regions {
		on.Regions[i] = device.FillOn
	}

	intervals := make([]time.Duration, 0, cycles*perSecond*4)
	last := c.Now()
	flip := func(f *device.Frame) error {
		if err := surface.Present(f); err != nil {
			return err
		}
		now := c.Now()
		intervals = append(intervals, now.Sub(last))
		last = now
		return nil
	}

	// prime the pipeline so the first interval is a real one
	if err := surface.Present(&off); err != nil {
		return FrameStats{}, err
	}
	last = c.Now()

	for range cycles * perSecond {
		if err := flip(&on); err != nil {
			return Measure(intervals, refresh), err
		}
		if err := flip(&off); err != nil {
			return Measure(intervals, refresh), err
		}
	}
	for range cycles {
		for _, f := range []*device.Frame{&on, &off} {
			for range perSecond {
				if err := flip(f); err != nil {
					return Measure(intervals, refresh), err
				}
			}
		}
	}
	return Measure(intervals, refresh), nil
}
