package marker

import (
	"strconv"
	"time"
)

// MaxWidth is the largest step vector a marker can carry.
const MaxWidth = 16

// Tag names the event a marker records.
type Tag uint8

const (
	None Tag = iota
	TrialStart
	TrialEnd
	TrialRest
	Target    // step with the target channel on
	NonTarget // step with the target channel off
	Invalid   // step whose target channel holds a non-binary value
	StepOff   // off phase between steps
	RunStart
	RunEnd
	RunRest
	BlockStart
	BlockEnd
	BlockRest
	AudioStart
	AudioEnd
	AudioStop
	ButtonPress
	Selection // target and reference object for a trial
	Objects   // object order for a run
	Condition
	EyesOpenStart
	EyesOpenEnd
	EyesClosedStart
	EyesClosedEnd
	TestStart
	TestEnd
	Note
)

var tagNames = [...]string{
	None:            "none",
	TrialStart:      "trial_start",
	TrialEnd:        "trial_end",
	TrialRest:       "trial_rest",
	Target:          "target",
	NonTarget:       "non_target",
	Invalid:         "invalid",
	StepOff:         "off",
	RunStart:        "run_start",
	RunEnd:          "run_end",
	RunRest:         "run_rest",
	BlockStart:      "block_start",
	BlockEnd:        "block_end",
	BlockRest:       "block_rest",
	AudioStart:      "audio_start",
	AudioEnd:        "audio_end",
	AudioStop:       "audio_stop",
	ButtonPress:     "button_press",
	Selection:       "selection",
	Objects:         "objects_order",
	Condition:       "condition",
	EyesOpenStart:   "eyes_open_start",
	EyesOpenEnd:     "eyes_open_end",
	EyesClosedStart: "eyes_closed_start",
	EyesClosedEnd:   "eyes_closed_end",
	TestStart:       "test_start",
	TestEnd:         "test_end",
	Note:            "note",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "tag(" + strconv.Itoa(int(t)) + ")"
}

// ParseTag is the inverse of Tag.String.
func ParseTag(s string) (Tag, bool) {
	for i, name := range tagNames {
		if name == s {
			return Tag(i), true
		}
	}
	return None, false
}

// Classified reports whether t is a per-step target classification.
func (t Tag) Classified() bool {
	return t == Target || t == NonTarget || t == Invalid
}

// Stream is the outlet a marker belongs to on the recording side.
type Stream string

const (
	StreamSequence Stream = "sequence" // per-step channel vectors
	StreamTarget   Stream = "target"   // target/non-target classification
	StreamMarker   Stream = "marker"   // trial/run/block/audio/button boundaries
	StreamRest     Stream = "rest"     // resting-state boundaries
)

// Stream maps the tag to the outlet carrying it. Every step marker, on or
// off, carries its vector on the sequence stream.
func (t Tag) Stream() Stream {
	switch t {
	case Target, NonTarget, Invalid, StepOff:
		return StreamSequence
	case EyesOpenStart, EyesOpenEnd, EyesClosedStart, EyesClosedEnd:
		return StreamRest
	default:
		return StreamMarker
	}
}

var (
	sequenceAndTarget = []Stream{StreamSequence, StreamTarget}
	streamsOf         = map[Stream][]Stream{
		StreamSequence: {StreamSequence},
		StreamRest:     {StreamRest},
		StreamMarker:   {StreamMarker},
	}
)

// Streams lists every outlet the tag is published on: a classified step
// also posts its classification on the target stream. The slice is shared
// and must not be modified.
func (t Tag) Streams() []Stream {
	if t.Classified() {
		return sequenceAndTarget
	}
	return streamsOf[t.Stream()]
}

// Scope locates a marker in the session. -1 means not applicable.
type Scope struct {
	Block     int
	Run       int
	Trial     int
	Condition int
}

// NoScope is the scope of markers outside any block.
var NoScope = Scope{Block: -1, Run: -1, Trial: -1, Condition: -1}

// Marker is one synchronization event. It is a plain value so emitting it
// does not allocate.
type Marker struct {
	Tag    Tag
	At     time.Time
	Scope  Scope
	Target int // target channel, -1 if none
	Step   int // step index within the trial, -1 if none
	Width  uint8
	Vector [MaxWidth]uint8
	Text   string
}

// New returns a marker with no target or step.
func New(tag Tag, scope Scope) Marker {
	return Marker{Tag: tag, Scope: scope, Target: -1, Step: -1}
}

// Text returns a free-form marker, e.g. "Objects order: [3 1 ...]".
func Text(tag Tag, scope Scope, text string) Marker {
	m := New(tag, scope)
	m.Text = text
	return m
}

// SetVector copies v into the marker.
func (m *Marker) SetVector(v []uint8) {
	n := copy(m.Vector[:], v)
	m.Width = uint8(n)
}

// Bits returns the carried vector.
func (m *Marker) Bits() []uint8 {
	return m.Vector[:m.Width]
}

// IsTarget reports whether the marker classifies a target step.
func (m Marker) IsTarget() bool {
	return m.Tag == Target
}

func (m Marker) Stream() Stream {
	return m.Tag.Stream()
}

// AppendRecord appends the single-line record form of m to dst:
//
//	target block=0 run=2 trial=5 cond=1 target=3 step=7 vec=0,0,0,1,0,0,0,0
func (m *Marker) AppendRecord(dst []byte) []byte {
	dst = append(dst, m.Tag.String()...)
	dst = appendField(dst, " block=", m.Scope.Block)
	dst = appendField(dst, " run=", m.Scope.Run)
	dst = appendField(dst, " trial=", m.Scope.Trial)
	dst = appendField(dst, " cond=", m.Scope.Condition)
	dst = appendField(dst, " target=", m.Target)
	dst = appendField(dst, " step=", m.Step)
	if m.Width > 0 {
		dst = append(dst, " vec="...)
		for i, v := range m.Bits() {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = strconv.AppendUint(dst, uint64(v), 10)
		}
	}
	if m.Text != "" {
		dst = append(dst, " text="...)
		dst = strconv.AppendQuote(dst, m.Text)
	}
	return dst
}

func (m Marker) String() string {
	return string(m.AppendRecord(nil))
}

func appendField(dst []byte, key string, v int) []byte {
	if v < 0 {
		return dst
	}
	dst = append(dst, key...)
	return strconv.AppendInt(dst, int64(v), 10)
}

// Emitter publishes markers. Emit must never block the caller and never
// report failure.
type Emitter interface {
	Emit(m Marker)
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(Marker) {}
