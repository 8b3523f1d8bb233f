package trial

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go-stimulus/audio"
	"go-stimulus/clock"
	"go-stimulus/device"
	"go-stimulus/input"
	"go-stimulus/marker"
	"go-stimulus/sequencer"
)

// Layout maps objects to screen regions when pictograms are shuffled.
type Layout interface {
	SlotOf(object int) int
}

// Blanker actuators can hide all stimuli, e.g. a grey screen during light
// conditions.
type Blanker interface {
	Hide() error
}

// Config holds the orchestration timings.
type Config struct {
	Objects         []string
	Cue             CueConfig
	Warmup          time.Duration
	TrialRest       time.Duration
	RunRest         time.Duration
	BlockRest       time.Duration
	DescriptionTail time.Duration
	Seed            uint64
}

// DefaultObjects are the eight objects of the lab scene, in light order.
var DefaultObjects = []string{"bottle", "bandage", "remote", "can", "candle", "box", "book", "cup"}

func DefaultConfig() Config {
	return Config{
		Objects:         DefaultObjects,
		Cue:             DefaultCue(),
		Warmup:          time.Second,
		TrialRest:       3 * time.Second,
		RunRest:         3 * time.Second,
		BlockRest:       3 * time.Second,
		DescriptionTail: time.Second,
		Seed:            42,
	}
}

// Deps are the collaborators of an Orchestrator. Nil optional ones are
// replaced with absent devices.
type Deps struct {
	Clock   clock.Clock
	Markers marker.Emitter
	Log     *slog.Logger
	Lights  device.Actuator
	Screen  device.Actuator
	Layout  Layout
	Buttons input.Poller
	Player  audio.Player

	// Observe, if set, sees every context change. It runs on the timing
	// goroutine and must not block.
	Observe func(SessionContext)
	// Record, if set, receives every played trial.
	Record func(SessionContext, sequencer.Result)
	// Between, if set, runs before every trial of a run and may block,
	// e.g. while the operator holds the session. An error ends the run.
	Between func(ctx context.Context, sc SessionContext) error
}

// Planned is one row of a run plan.
type Planned struct {
	Condition int
	Target    int
}

// RunResult summarizes a run.
type RunResult struct {
	Trials []sequencer.Result
}

// Orchestrator composes sequencer trials with cues, warmups and rests.
type Orchestrator struct {
	Deps
	cfg        Config
	rng        *rand.Rand
	conditions [NumConditions]*Condition
	lightSeq   *sequencer.Sequencer
	screenSeq  *sequencer.Sequencer
	active     Modality
	zeros      device.BitVector
}

// New returns an orchestrator over deps.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.New(0)
	}
	if deps.Markers == nil {
		deps.Markers = marker.Discard{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	n := len(cfg.Objects)
	if deps.Lights == nil {
		deps.Lights = device.Null{N: n, Label: "lights"}
	}
	if deps.Screen == nil {
		deps.Screen = device.Null{N: n, Label: "screen"}
	}
	if deps.Buttons == nil {
		deps.Buttons = input.None{}
	}
	if deps.Player == nil {
		deps.Player = audio.Silent{}
	}
	if cfg.Cue.Poll <= 0 {
		cfg.Cue.Poll = time.Millisecond
	}
	o := &Orchestrator{
		Deps:   deps,
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed)),
		active: -1,
	}
	o.lightSeq = sequencer.New(deps.Clock, deps.Lights, deps.Markers, deps.Log)
	o.screenSeq = sequencer.New(deps.Clock, deps.Screen, deps.Markers, deps.Log)
	return o
}

// Install makes c available to plans. Its codebooks are checked against
// the actuator of its modality now, so a shape error surfaces before any
// trial starts.
func (o *Orchestrator) Install(c *Condition) error {
	if c.ID < 0 || c.ID >= NumConditions {
		return fmt.Errorf("unknown condition %d", c.ID)
	}
	if c.Codebooks == nil {
		return fmt.Errorf("condition %s: no codebooks loaded", c.Name)
	}
	act := o.actuatorFor(c.Modality)
	if fs, ok := device.As[device.FrameSynced](act); ok && fs.RefreshRate() > 0 {
		// screen steps last whole frames of the actual display
		c.Window = c.Window.AtRefresh(fs.RefreshRate())
		on, off := c.Window.Frames(fs.RefreshRate())
		o.Log.Info("window in frames", "condition", c.Name, "hz", fs.RefreshRate(), "on_frames", on, "off_frames", off)
	}
	if err := c.Window.Validate(); err != nil {
		return fmt.Errorf("condition %s: %w", c.Name, err)
	}
	if err := c.Codebooks.Check(act.Channels(), len(o.cfg.Objects)); err != nil {
		return fmt.Errorf("condition %s on %s: %w", c.Name, act.Name(), err)
	}
	o.conditions[c.ID] = c
	return nil
}

// Condition returns an installed condition or nil.
func (o *Orchestrator) Condition(id int) *Condition {
	if id < 0 || id >= NumConditions {
		return nil
	}
	return o.conditions[id]
}

// Check verifies a plan only refers to installed conditions and known
// objects.
func (o *Orchestrator) Check(plan []Planned) error {
	for i, p := range plan {
		if o.Condition(p.Condition) == nil {
			return fmt.Errorf("trial %d: condition %d not installed", i, p.Condition)
		}
		if p.Target < 0 || p.Target >= len(o.cfg.Objects) {
			return fmt.Errorf("trial %d: target %d out of range", i, p.Target)
		}
	}
	return nil
}

// Config returns the orchestration config.
func (o *Orchestrator) Config() Config { return o.cfg }

// Rand returns the seeded generator shared by every randomized choice of
// the session.
func (o *Orchestrator) Rand() *rand.Rand { return o.rng }

func (o *Orchestrator) actuatorFor(m Modality) device.Actuator {
	if m == Screen {
		return o.Screen
	}
	return o.Lights
}

func (o *Orchestrator) sequencerFor(m Modality) *sequencer.Sequencer {
	if m == Screen {
		return o.screenSeq
	}
	return o.lightSeq
}

func (o *Orchestrator) object(i int) string {
	if i < 0 || i >= len(o.cfg.Objects) {
		return fmt.Sprint(i)
	}
	return o.cfg.Objects[i]
}

func (o *Orchestrator) observe(sc SessionContext) SessionContext {
	if o.Observe != nil {
		o.Observe(sc)
	}
	return sc
}

// Activate switches the stimulus surface: every actuator goes all-off and
// the screen is blanked while light conditions run.
func (o *Orchestrator) Activate(m Modality) {
	if o.active == m {
		return
	}
	o.active = m
	o.AllOff()
	if m == Scene {
		if b, ok := device.As[Blanker](o.Screen); ok {
			if err := b.Hide(); err != nil {
				o.Log.Warn("screen blank failed", "err", err)
			}
		}
	}
}

// AllOff forces every actuator to the all-off state.
func (o *Orchestrator) AllOff() {
	for _, a := range []device.Actuator{o.Lights, o.Screen} {
		if err := device.AllOff(a); err != nil {
			o.Log.Warn("all-off failed", "actuator", a.Name(), "err", err)
		}
	}
}

// reference picks the object named in the cue: any object but the target.
func (o *Orchestrator) reference(target int) int {
	n := len(o.cfg.Objects)
	if n < 2 {
		return target
	}
	ref := o.rng.IntN(n - 1)
	if ref >= target {
		ref++
	}
	return ref
}

// channel maps the target object to the channel classifying it.
func (o *Orchestrator) channel(c *Condition, target int) int {
	if c.Modality == Screen && o.Layout != nil {
		return o.Layout.SlotOf(target)
	}
	return target
}

// RunTrial plays one trial: cue, warmup, sequence, rest. The returned
// context is advanced to Done.
func (o *Orchestrator) RunTrial(ctx context.Context, sc SessionContext, p Planned) (SessionContext, sequencer.Result, error) {
	c := o.Condition(p.Condition)
	if c == nil {
		return sc, sequencer.Result{}, fmt.Errorf("condition %d not installed", p.Condition)
	}
	sc = o.observe(sc.WithTrial(sc.Trial, p.Condition, p.Target, o.reference(p.Target)))
	o.Activate(c.Modality)
	scope := sc.Scope()
	o.Markers.Emit(marker.Text(marker.Selection, scope,
		fmt.Sprintf("target=%s ref=%s", o.object(sc.Target), o.object(sc.Reference))))

	sc = o.observe(sc.WithPhase(CueAudio))
	if _, err := o.Cue(ctx, sc, c.Modality); err != nil {
		return sc, sequencer.Result{}, err
	}

	sc = o.observe(sc.WithPhase(Warmup))
	o.warmup(c.Modality)

	sc = o.observe(sc.WithPhase(Sequencing))
	seq := o.sequencerFor(c.Modality)
	res, err := seq.Run(ctx, sequencer.Trial{
		Codebook: c.Codebooks.For(p.Target),
		Target:   o.channel(c, p.Target),
		Window:   c.Window,
		Scope:    scope,
	})
	if o.Record != nil {
		o.Record(sc, res)
	}
	if err != nil {
		return sc, res, err
	}
	if res.Overruns > 0 {
		o.Log.Warn("trial overran step deadlines",
			"trial", sc.Trial, "overruns", res.Overruns, "max_late", res.MaxLateness)
	}

	sc = o.observe(sc.WithPhase(Rest))
	o.rest(seq.Actuator(), marker.TrialRest, scope, o.cfg.TrialRest)
	return o.observe(sc.WithPhase(Done)), res, nil
}

// RunRun plays the trials of one run. sc must already carry the block and
// run ids.
func (o *Orchestrator) RunRun(ctx context.Context, sc SessionContext, plan []Planned) (SessionContext, RunResult, error) {
	var out RunResult
	if err := o.Check(plan); err != nil {
		return sc, out, err
	}
	scope := sc.Scope()
	targets := make([]int, len(plan))
	for i, p := range plan {
		targets[i] = p.Target
	}
	o.Markers.Emit(marker.Text(marker.Objects, scope, fmt.Sprint(targets)))
	o.Markers.Emit(marker.New(marker.RunStart, scope))
	if len(plan) > 0 {
		c := o.Condition(plan[0].Condition)
		o.Activate(c.Modality)
		o.Describe(c.Modality)
	}

	for i, p := range plan {
		if err := ctx.Err(); err != nil {
			return sc, out, err
		}
		sc = sc.WithTrial(i, p.Condition, p.Target, -1)
		if o.Between != nil {
			if err := o.Between(ctx, sc); err != nil {
				return sc, out, err
			}
		}
		var (
			res sequencer.Result
			err error
		)
		sc, res, err = o.RunTrial(ctx, sc, p)
		out.Trials = append(out.Trials, res)
		if err != nil {
			return sc, out, err
		}
	}
	o.Markers.Emit(marker.New(marker.RunEnd, scope))
	return sc, out, nil
}

// RunRest is the fixed wait between runs.
func (o *Orchestrator) RunRest(sc SessionContext) {
	o.rest(nil, marker.RunRest, sc.Scope(), o.cfg.RunRest)
}

// BlockRest is the fixed wait after a block.
func (o *Orchestrator) BlockRest(sc SessionContext) {
	o.rest(nil, marker.BlockRest, sc.Scope(), o.cfg.BlockRest)
}

// rest is not interruptible: inter-trial intervals must stay constant.
func (o *Orchestrator) rest(act device.Actuator, tag marker.Tag, scope marker.Scope, d time.Duration) {
	if act != nil {
		if err := device.AllOff(act); err != nil {
			o.Log.Warn("rest reset failed", "actuator", act.Name(), "err", err)
		}
	}
	m := marker.New(tag, scope)
	if act != nil {
		m.SetVector(make([]uint8, act.Channels()))
	}
	o.Markers.Emit(m)
	clock.WaitFor(o.Clock, d)
}

// warmup settles the surface before the first step. Frame-synced
// surfaces present blank frames, which also keeps the flip pipeline hot.
func (o *Orchestrator) warmup(m Modality) {
	act := o.actuatorFor(m)
	if fs, ok := device.As[device.FrameSynced](act); ok && act.Connected() && fs.RefreshRate() > 0 {
		if len(o.zeros) != act.Channels() {
			o.zeros = make(device.BitVector, act.Channels())
		}
		frames := int(o.cfg.Warmup.Seconds() * fs.RefreshRate())
		for range frames {
			if err := act.Actuate(o.zeros); err != nil {
				o.Log.Warn("warmup frame failed", "err", err)
				break
			}
		}
		return
	}
	clock.WaitFor(o.Clock, o.cfg.Warmup)
}
