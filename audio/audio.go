package audio

import (
	"sync"
	"time"
)

// Playback is one playing cue.
type Playback interface {
	Duration() time.Duration
	// Stop silences the cue. Stopping twice is harmless.
	Stop()
}

// Player plays named cues (e.g. "scene_cup2book").
type Player interface {
	Play(name string) (Playback, error)
	Available() bool
}

// CueName builds the file stem of a target/reference query cue.
func CueName(mode, ref, target string) string {
	return mode + "_" + ref + "2" + target
}

// DescriptionName builds the file stem of a condition description.
func DescriptionName(condition string) string {
	return "description_" + condition
}

// Silent stands in for a missing audio device. Every cue "plays" for Length
// without making a sound so the cue timeline is unchanged.
type Silent struct {
	Length time.Duration
}

func (s Silent) Play(string) (Playback, error) { return silent(s.Length), nil }
func (s Silent) Available() bool               { return false }

type silent time.Duration

func (d silent) Duration() time.Duration { return time.Duration(d) }
func (silent) Stop()                     {}

// Recorder is a Player for tests: every cue lasts Length and calls are
// logged.
type Recorder struct {
	Length time.Duration

	mu      sync.Mutex
	played  []string
	stopped int
}

func (r *Recorder) Available() bool { return true }

func (r *Recorder) Play(name string) (Playback, error) {
	r.mu.Lock()
	r.played = append(r.played, name)
	r.mu.Unlock()
	return &recorded{r: r, length: r.Length}, nil
}

// Played returns the cue names in play order.
func (r *Recorder) Played() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.played...)
}

// Stopped counts Stop calls on live playbacks.
func (r *Recorder) Stopped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

type recorded struct {
	r       *Recorder
	length  time.Duration
	stopped bool
}

func (p *recorded) Duration() time.Duration { return p.length }

func (p *recorded) Stop() {
	if p.stopped {
		return
	}
	p.stopped = true
	p.r.mu.Lock()
	p.r.stopped++
	p.r.mu.Unlock()
}
