package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go-stimulus/clock"
	"go-stimulus/codebook"
	"go-stimulus/debug"
	"go-stimulus/device"
	"go-stimulus/marker"
)

// ErrShapeMismatch is returned when a codebook's width disagrees with the
// actuator's channel count.
var ErrShapeMismatch = codebook.ErrShapeMismatch

// Window is the on/off timing of one step. Off may be zero: the step value
// then holds until the next step overwrites it.
type Window struct {
	On  time.Duration
	Off time.Duration
}

// Standard protocol windows.
var (
	ERP  = Window{On: 100 * time.Millisecond, Off: 150 * time.Millisecond}
	CVEP = Window{On: time.Second / 60}
)

// Period is the nominal step length.
func (w Window) Period() time.Duration { return w.On + w.Off }

// Frames counts the whole frames each phase spans at rate Hz. A positive
// phase spans at least one frame.
func (w Window) Frames(rate float64) (on, off int) {
	return frameCount(w.On, rate), frameCount(w.Off, rate)
}

// AtRefresh quantizes w to whole frames at rate Hz. A non-positive rate
// leaves w as is.
func (w Window) AtRefresh(rate float64) Window {
	if rate <= 0 {
		return w
	}
	on, off := w.Frames(rate)
	frame := float64(time.Second) / rate
	return Window{
		On:  time.Duration(math.Round(float64(on) * frame)),
		Off: time.Duration(math.Round(float64(off) * frame)),
	}
}

func frameCount(d time.Duration, rate float64) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return max(1, int(math.Round(d.Seconds()*rate)))
}

func (w Window) Validate() error {
	if w.On <= 0 || w.Off < 0 {
		return fmt.Errorf("invalid timing window on=%v off=%v", w.On, w.Off)
	}
	return nil
}

// State of the sequencer.
type State int32

const (
	Idle State = iota
	Running
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Done:
		return "done"
	}
	return "unknown"
}

// Trial is one codebook playback.
type Trial struct {
	Codebook *codebook.Codebook
	Target   int
	Window   Window
	Scope    marker.Scope
}

// Result is the timing QC of a played trial.
type Result struct {
	Steps       int
	Invalid     int
	Overruns    int           // deadlines found already passed after actuate+emit
	MaxLateness time.Duration // worst of those
	Lateness    time.Duration // sum of those
	Slips       int           // times the baseline moved by whole periods
	WriteErrors int
	Start       time.Time
	Elapsed     time.Duration
	Aborted     bool
}

// Sequencer plays codebooks through one actuator. It owns the timing loop
// and must run on a single goroutine.
type Sequencer struct {
	clock   clock.Clock
	act     device.Actuator
	markers marker.Emitter
	log     *slog.Logger
	zeros   device.BitVector

	state atomic.Int32
	step  atomic.Int64
	total atomic.Int64
}

// New returns a sequencer driving act.
func New(c clock.Clock, act device.Actuator, em marker.Emitter, log *slog.Logger) *Sequencer {
	return &Sequencer{
		clock:   c,
		act:     act,
		markers: em,
		log:     log,
		zeros:   make(device.BitVector, act.Channels()),
	}
}

// Actuator returns the driven actuator.
func (s *Sequencer) Actuator() device.Actuator { return s.act }

// State returns the current state. Safe from any goroutine.
func (s *Sequencer) State() State { return State(s.state.Load()) }

// Progress returns the running step and the trial length.
func (s *Sequencer) Progress() (step, total int) {
	return int(s.step.Load()), int(s.total.Load())
}

// Check validates a trial against the actuator without touching hardware.
func (s *Sequencer) Check(t Trial) error {
	if t.Codebook == nil {
		return fmt.Errorf("%s: nil codebook", s.act.Name())
	}
	if err := t.Window.Validate(); err != nil {
		return err
	}
	if err := t.Codebook.Check(s.act.Channels()); err != nil {
		return fmt.Errorf("%s: %w", s.act.Name(), err)
	}
	if t.Codebook.Len() > 0 && (t.Target < 0 || t.Target >= t.Codebook.Width()) {
		return fmt.Errorf("%s: target %d out of range 0..%d", s.act.Name(), t.Target, t.Codebook.Width()-1)
	}
	return nil
}

// Run plays t. Step k starts at start+k*period regardless of how long the
// previous steps took; a step that begins more than a whole period late
// moves the baseline forward by whole periods instead of compressing the
// following steps. Cancelling ctx stops between steps; the actuator is
// left all-off and the trial-end marker is still emitted.
func (s *Sequencer) Run(ctx context.Context, t Trial) (Result, error) {
	if err := s.Check(t); err != nil {
		return Result{}, err
	}
	if ta, ok := s.act.(device.TargetAware); ok {
		ta.SetTarget(t.Target)
	}

	cb := t.Codebook
	n := cb.Len()
	period := t.Window.Period()
	s.total.Store(int64(n))
	s.step.Store(0)
	s.state.Store(int32(Running))
	defer s.state.Store(int32(Done))

	start := s.clock.Now()
	res := Result{Start: start}

	begin := marker.New(marker.TrialStart, t.Scope)
	begin.Target = t.Target
	begin.At = start
	s.markers.Emit(begin)

	base := start
	for k := 0; k < n; k++ {
		if ctx.Err() != nil {
			res.Aborted = true
			break
		}
		s.step.Store(int64(k))

		stepStart := base.Add(time.Duration(k) * period)
		if late := s.clock.Now().Sub(stepStart); late > period {
			skip := late / period
			base = base.Add(skip * period)
			stepStart = stepStart.Add(skip * period)
			res.Slips++
			debug.LogEvery(s.log, 10, "step began more than a period late, schedule moved",
				"step", k, "late", late, "periods", int(skip))
		}

		v := cb.Step(k)
		s.actuate(v, &res)
		m := marker.New(s.classify(v, t.Target, &res), t.Scope)
		m.Target = t.Target
		m.Step = k
		m.SetVector(v)
		s.markers.Emit(m)

		onDeadline := stepStart.Add(t.Window.On)
		s.checkDeadline(onDeadline, &res)
		s.clock.WaitUntil(onDeadline)

		if t.Window.Off > 0 {
			s.actuate(s.zeros, &res)
			off := marker.New(marker.StepOff, t.Scope)
			off.Target = t.Target
			off.Step = k
			off.SetVector(s.zeros)
			s.markers.Emit(off)

			offDeadline := stepStart.Add(period)
			s.checkDeadline(offDeadline, &res)
			s.clock.WaitUntil(offDeadline)
		}
		res.Steps++
	}

	if n > 0 {
		s.actuate(s.zeros, &res)
	}
	end := marker.New(marker.TrialEnd, t.Scope)
	end.Target = t.Target
	s.markers.Emit(end)

	res.Elapsed = s.clock.Now().Sub(start)
	s.log.Debug("trial played",
		"steps", res.Steps, "elapsed", res.Elapsed, "overruns", res.Overruns,
		"max_late", res.MaxLateness, "slips", res.Slips)
	if res.Aborted {
		return res, ctx.Err()
	}
	return res, nil
}

func (s *Sequencer) actuate(v device.BitVector, res *Result) {
	if err := s.act.Actuate(v); err != nil {
		res.WriteErrors++
		debug.LogEvery(s.log, 50, "actuator write failed", "actuator", s.act.Name(), "err", err)
	}
}

func (s *Sequencer) classify(v device.BitVector, target int, res *Result) marker.Tag {
	switch v[target] {
	case device.On:
		return marker.Target
	case device.Off:
		return marker.NonTarget
	default:
		res.Invalid++
		debug.LogEvery(s.log, 10, "codebook step holds a non-binary value at the target channel",
			"target", target, "value", v[target])
		return marker.Invalid
	}
}

func (s *Sequencer) checkDeadline(deadline time.Time, res *Result) {
	late := s.clock.Now().Sub(deadline)
	if late <= 0 {
		return
	}
	res.Overruns++
	res.Lateness += late
	if late > res.MaxLateness {
		res.MaxLateness = late
	}
	debug.LogEvery(s.log, 50, "step deadline overrun", "late", late)
}
