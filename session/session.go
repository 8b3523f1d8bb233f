// Package session runs a whole recording: blocks of runs of trials taken
// from the order tables, with operator gates, pictogram shuffles and the
// setup and resting-state phases around them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-stimulus/clock"
	"go-stimulus/device"
	"go-stimulus/marker"
	"go-stimulus/sequencer"
	"go-stimulus/trial"
)

// Pictograms is the screen layout the session shuffles per block.
type Pictograms interface {
	Reorder(order []int) error
	DefaultOrder()
}

// Messenger shows operator and subject text on the stimulus screen.
type Messenger interface {
	Message(text string) error
	SensorOn(text string) error
}

// Status is a snapshot for the operator console.
type Status struct {
	Context  trial.SessionContext
	Message  string
	Paused   bool
	Overruns int
	Trials   int
}

// Config holds the session shape and its fixed waits.
type Config struct {
	Shape   Shape
	Resting time.Duration
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Orchestrator *trial.Orchestrator
	Orders       *Orders
	Gate         Gate
	Pictograms   Pictograms // optional
	Screen       Messenger  // optional
	Log          *slog.Logger
}

// Controller sequences blocks, runs and trials. Run, Familiarize,
// SetupCheck and RestingState run on the timing goroutine; Pause, Resume,
// Abort and Status are safe from any goroutine.
type Controller struct {
	Deps
	cfg Config

	status chan Status

	mu      sync.Mutex
	paused  bool
	resume  chan struct{}
	cancel  context.CancelFunc
	aborted bool
	current Status
}

// New returns a controller. Gate defaults to AutoGate.
func New(deps Deps, cfg Config) *Controller {
	if deps.Gate == nil {
		deps.Gate = AutoGate{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	c := &Controller{
		Deps:   deps,
		cfg:    cfg,
		status: make(chan Status, 64),
		resume: make(chan struct{}),
	}
	o := deps.Orchestrator
	observe, record, between := o.Observe, o.Record, o.Between
	o.Observe = func(sc trial.SessionContext) {
		if observe != nil {
			observe(sc)
		}
		c.publish(func(s *Status) { s.Context = sc })
	}
	o.Record = func(sc trial.SessionContext, r sequencer.Result) {
		if record != nil {
			record(sc, r)
		}
		c.publish(func(s *Status) {
			s.Trials++
			s.Overruns += r.Overruns
		})
	}
	o.Between = func(ctx context.Context, sc trial.SessionContext) error {
		if between != nil {
			if err := between(ctx, sc); err != nil {
				return err
			}
		}
		return c.hold(ctx)
	}
	return c
}

// Status delivers snapshots. Slow readers miss intermediate ones.
func (c *Controller) Status() <-chan Status { return c.status }

func (c *Controller) publish(update func(*Status)) {
	c.mu.Lock()
	update(&c.current)
	c.current.Paused = c.paused
	s := c.current
	c.mu.Unlock()
	select {
	case c.status <- s:
	default:
	}
}

func (c *Controller) say(text string) {
	c.Log.Info(text)
	c.publish(func(s *Status) { s.Message = text })
}

// Pause holds the session before the next trial.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.say("paused, session holds before the next trial")
}

// Resume releases a held session.
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.paused {
		c.paused = false
		close(c.resume)
		c.resume = make(chan struct{})
	}
	c.mu.Unlock()
	c.say("resumed")
}

// Paused reports whether a pause is pending or held.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Abort stops the running phase between steps. Every actuator ends all-off.
func (c *Controller) Abort() {
	c.mu.Lock()
	c.aborted = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// hold blocks while paused.
func (c *Controller) hold(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused, resume := c.paused, c.resume
		c.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// phase runs fn under a cancellable context and maps an operator abort to
// ErrAborted. Actuators are forced all-off whenever fn fails.
func (c *Controller) phase(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.aborted = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
	}()

	err := fn(ctx)
	if err != nil {
		c.Orchestrator.AllOff()
		c.mu.Lock()
		aborted := c.aborted
		c.mu.Unlock()
		if aborted && errors.Is(err, context.Canceled) {
			err = ErrAborted
		}
	}
	return err
}

func (c *Controller) message(text string) {
	if c.Screen == nil {
		return
	}
	if err := c.Screen.Message(text); err != nil {
		c.Log.Warn("screen message failed", "err", err)
	}
}

func (c *Controller) emit(m marker.Marker) { c.Orchestrator.Markers.Emit(m) }

// Run plays every block of the orders.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Orders.Check(c.cfg.Shape); err != nil {
		return err
	}
	for b := range c.cfg.Shape.Blocks {
		for r := range c.cfg.Shape.Runs {
			plan, _ := c.Orders.Plan(b, r)
			if err := c.Orchestrator.Check(plan); err != nil {
				return fmt.Errorf("block %d run %d: %w", b, r, err)
			}
		}
	}
	return c.phase(ctx, func(ctx context.Context) error {
		started := c.Orchestrator.Clock.Now()
		sc := trial.Begin()
		for b := range c.cfg.Shape.Blocks {
			var err error
			if sc, err = c.runBlock(ctx, sc.WithBlock(b)); err != nil {
				return err
			}
		}
		c.message("Thank you! You have successfully completed the experiment!")
		c.say(fmt.Sprintf("session complete in %v", c.Orchestrator.Clock.Now().Sub(started).Round(time.Second)))
		return nil
	})
}

func (c *Controller) runBlock(ctx context.Context, sc trial.SessionContext) (trial.SessionContext, error) {
	o := c.Orchestrator
	scope := sc.Scope()
	if c.Pictograms != nil {
		if err := c.Pictograms.Reorder(c.Orders.Pictograms[sc.Block]); err != nil {
			return sc, err
		}
		defer c.Pictograms.DefaultOrder()
		c.emit(marker.Text(marker.Note, scope, fmt.Sprintf("pictogram order %v", c.Orders.Pictograms[sc.Block])))
	}
	c.emit(marker.New(marker.BlockStart, scope))
	c.publish(func(s *Status) { s.Context = sc })

	for r := range c.cfg.Shape.Runs {
		run := sc.WithRun(r)
		if err := c.Gate.Confirm(ctx, fmt.Sprintf("Start block %d, run %d?", sc.Block, r)); err != nil {
			return sc, err
		}
		if err := c.hold(ctx); err != nil {
			return sc, err
		}
		o.RunRest(run)
		plan, _ := c.Orders.Plan(sc.Block, r)
		runStart := o.Clock.Now()
		if _, _, err := o.RunRun(ctx, run, plan); err != nil {
			return run, err
		}
		c.Log.Info("run complete", "block", sc.Block, "run", r, "took", o.Clock.Now().Sub(runStart))
	}

	c.emit(marker.New(marker.BlockEnd, scope))
	c.message(fmt.Sprintf("Block %d complete!\nWait for the researcher to continue.", sc.Block))
	o.BlockRest(sc)
	return sc, nil
}

// Familiarize plays one run of condition over every object in random order,
// outside any block.
func (c *Controller) Familiarize(ctx context.Context, condition int) error {
	o := c.Orchestrator
	n := len(o.Config().Objects)
	plan := make([]trial.Planned, n)
	for i, t := range o.Rand().Perm(n) {
		plan[i] = trial.Planned{Condition: condition, Target: t}
	}
	return c.phase(ctx, func(ctx context.Context) error {
		_, _, err := o.RunRun(ctx, trial.Begin(), plan)
		return err
	})
}

// SetupCheck turns every light on until the operator has aligned them,
// then shows the lit sensor patch until the photodiode is placed.
func (c *Controller) SetupCheck(ctx context.Context) error {
	o := c.Orchestrator
	return c.phase(ctx, func(ctx context.Context) error {
		if err := device.AllOn(o.Lights); err != nil {
			c.Log.Warn("lights on failed", "err", err)
		}
		err := c.Gate.Confirm(ctx, "Finished setting up the lights?")
		if offErr := device.AllOff(o.Lights); offErr != nil {
			c.Log.Warn("lights off failed", "err", offErr)
		}
		if err != nil {
			return err
		}
		if c.Screen == nil {
			return nil
		}
		if err := c.Screen.SensorOn("Initializing VSync Sensor."); err != nil {
			c.Log.Warn("sensor patch failed", "err", err)
		}
		return c.Gate.Confirm(ctx, "Finished setting up the vsync sensor?")
	})
}

// RestingState records eyes-open then eyes-closed baselines. Declining a
// gate skips that recording.
func (c *Controller) RestingState(ctx context.Context) error {
	return c.phase(ctx, func(ctx context.Context) error {
		c.message(".")
		segments := []struct {
			prompt     string
			start, end marker.Tag
		}{
			{"Start eyes open recording?", marker.EyesOpenStart, marker.EyesOpenEnd},
			{"Start eyes closed recording?", marker.EyesClosedStart, marker.EyesClosedEnd},
		}
		for _, seg := range segments {
			err := c.Gate.Confirm(ctx, seg.prompt)
			if errors.Is(err, ErrAborted) {
				continue
			}
			if err != nil {
				return err
			}
			if err := c.record(ctx, seg.start, seg.end); err != nil {
				return err
			}
		}
		c.message("Resting state recording finished")
		return nil
	})
}

// record brackets a cancellable wait with start and end markers.
func (c *Controller) record(ctx context.Context, start, end marker.Tag) error {
	o := c.Orchestrator
	c.emit(marker.New(start, marker.NoScope))
	deadline := o.Clock.Now().Add(c.cfg.Resting)
	clock.WaitOrPoll(o.Clock, deadline, 10*time.Millisecond, func() bool { return ctx.Err() != nil })
	c.emit(marker.New(end, marker.NoScope))
	return ctx.Err()
}
