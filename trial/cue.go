package trial

import (
	"context"
	"time"

	"go-stimulus/audio"
	"go-stimulus/clock"
	"go-stimulus/debug"
	"go-stimulus/input"
	"go-stimulus/marker"
)

// CueConfig controls the query cue before each trial.
type CueConfig struct {
	// Single plays the cue once, uncancellable, followed by Tail.
	Single bool
	// Pause is the response window after each playback.
	Pause time.Duration
	// RandomMin and RandomMax bound the uniform pause after a response.
	RandomMin time.Duration
	RandomMax time.Duration
	// Tail follows a single-shot cue.
	Tail time.Duration
	// Poll is the button polling interval inside cancellable waits.
	Poll time.Duration
	// MaxRepeats bounds replays when no response device is connected.
	// Zero means no bound.
	MaxRepeats int
}

// DefaultCue mirrors the lab protocol: 3s response window, 3 to 4s random
// pause after a press.
func DefaultCue() CueConfig {
	return CueConfig{
		Pause:      3 * time.Second,
		RandomMin:  3 * time.Second,
		RandomMax:  4 * time.Second,
		Tail:       2 * time.Second,
		Poll:       time.Millisecond,
		MaxRepeats: 2,
	}
}

// CueResult reports how a cue ended.
type CueResult struct {
	Plays     int
	Pressed   bool
	Response  input.Event
	PauseTook time.Duration // randomized pause after the press
}

// Cue plays the query audio for the trial in sc. The first playback always
// runs to completion. It is followed by a response window and replays,
// both cut short by a button event; a press emits one button_press marker,
// stops the audio and inserts the randomized pause.
func (o *Orchestrator) Cue(ctx context.Context, sc SessionContext, mode Modality) (CueResult, error) {
	name := audio.CueName(mode.String(), o.object(sc.Reference), o.object(sc.Target))
	scope := sc.Scope()
	cfg := o.cfg.Cue

	o.Markers.Emit(marker.Text(marker.AudioStart, scope, name))
	defer o.Markers.Emit(marker.Text(marker.AudioEnd, scope, name))

	res := CueResult{}
	pb, err := o.play(name)
	if err != nil {
		return res, nil
	}
	res.Plays++
	start := o.Clock.Now()
	o.Clock.WaitUntil(start.Add(pb.Duration()))

	if cfg.Single {
		clock.WaitFor(o.Clock, cfg.Tail)
		return res, nil
	}

	input.Drain(o.Buttons)
	for {
		if ev, ok := o.waitPress(o.Clock.Now().Add(cfg.Pause)); ok {
			o.respond(&res, ev, pb, scope)
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if cfg.MaxRepeats > 0 && !o.Buttons.Connected() && res.Plays > cfg.MaxRepeats {
			debug.LogEvery(o.Log, 1, "no response device, cue repeats exhausted", "cue", name, "plays", res.Plays)
			return res, nil
		}

		if pb, err = o.play(name); err != nil {
			return res, nil
		}
		res.Plays++
		if ev, ok := o.waitPress(o.Clock.Now().Add(pb.Duration())); ok {
			o.respond(&res, ev, pb, scope)
			return res, nil
		}
	}
}

func (o *Orchestrator) respond(res *CueResult, ev input.Event, pb audio.Playback, scope marker.Scope) {
	res.Pressed = true
	res.Response = ev
	o.Markers.Emit(marker.Text(marker.ButtonPress, scope, ev.Line))
	pb.Stop()
	o.Markers.Emit(marker.New(marker.AudioStop, scope))
	res.PauseTook = o.randomPause()
}

func (o *Orchestrator) waitPress(deadline time.Time) (input.Event, bool) {
	var ev input.Event
	pressed := clock.WaitOrPoll(o.Clock, deadline, o.cfg.Cue.Poll, func() bool {
		var ok bool
		ev, ok = o.Buttons.Poll()
		return ok
	})
	return ev, pressed
}

// randomPause waits a uniform random duration in [RandomMin, RandomMax].
func (o *Orchestrator) randomPause() time.Duration {
	lo, hi := o.cfg.Cue.RandomMin, o.cfg.Cue.RandomMax
	d := lo
	if hi > lo {
		d += time.Duration(o.rng.Int64N(int64(hi-lo) + 1))
	}
	clock.WaitFor(o.Clock, d)
	return d
}

func (o *Orchestrator) play(name string) (audio.Playback, error) {
	pb, err := o.Player.Play(name)
	if err != nil {
		debug.LogEvery(o.Log, 1, "cue not played", "cue", name, "err", err)
		return nil, err
	}
	return pb, nil
}

// CueNames lists every cue the installed conditions can play: the
// description of each modality and a query for every reference/target pair.
func (o *Orchestrator) CueNames() []string {
	var names []string
	seen := map[Modality]bool{}
	for id := range NumConditions {
		c := o.Condition(id)
		if c == nil || seen[c.Modality] {
			continue
		}
		seen[c.Modality] = true
		names = append(names, audio.DescriptionName(c.Modality.String()))
		for ref := range o.cfg.Objects {
			for target := range o.cfg.Objects {
				if ref != target {
					names = append(names, audio.CueName(c.Modality.String(), o.object(ref), o.object(target)))
				}
			}
		}
	}
	return names
}

// Describe plays the description of a modality, uncancellable.
func (o *Orchestrator) Describe(mode Modality) {
	pb, err := o.play(audio.DescriptionName(mode.String()))
	if err != nil {
		return
	}
	clock.WaitFor(o.Clock, pb.Duration()+o.cfg.DescriptionTail)
}
