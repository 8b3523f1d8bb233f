package trial

import (
	"fmt"

	"go-stimulus/marker"
)

// Phase of the trial state machine.
type Phase int

const (
	Setup Phase = iota
	CueAudio
	Warmup
	Sequencing
	Rest
	Done
)

var phaseNames = [...]string{"setup", "cue", "warmup", "sequencing", "rest", "done"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// SessionContext is where the session currently is. It is a value: the
// With methods return an advanced copy and never modify the receiver.
type SessionContext struct {
	Block     int
	Run       int
	Trial     int
	Condition int
	Target    int // object index
	Reference int // object index named in the cue
	Phase     Phase
}

// Begin is the context before the first block.
func Begin() SessionContext {
	return SessionContext{Block: -1, Run: -1, Trial: -1, Condition: -1, Target: -1, Reference: -1}
}

func (c SessionContext) WithBlock(block int) SessionContext {
	c.Block = block
	c.Run, c.Trial, c.Condition, c.Target, c.Reference = -1, -1, -1, -1, -1
	c.Phase = Setup
	return c
}

func (c SessionContext) WithRun(run int) SessionContext {
	c.Run = run
	c.Trial, c.Condition, c.Target, c.Reference = -1, -1, -1, -1
	c.Phase = Setup
	return c
}

func (c SessionContext) WithTrial(trial, condition, target, reference int) SessionContext {
	c.Trial = trial
	c.Condition = condition
	c.Target = target
	c.Reference = reference
	c.Phase = Setup
	return c
}

func (c SessionContext) WithPhase(p Phase) SessionContext {
	c.Phase = p
	return c
}

// Scope is the marker scope of the context.
func (c SessionContext) Scope() marker.Scope {
	return marker.Scope{Block: c.Block, Run: c.Run, Trial: c.Trial, Condition: c.Condition}
}

func (c SessionContext) String() string {
	return fmt.Sprintf("block %d run %d trial %d cond %d target %d [%s]",
		c.Block, c.Run, c.Trial, c.Condition, c.Target, c.Phase)
}
