package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"github.com/Zyko0/go-sdl3/sdl"
)

const (
	maxVoices    = 8
	scratchBytes = 4096
)

var outputSpec = sdl.AudioSpec{Format: sdl.AUDIO_S16, Channels: 2, Freq: 44100}

var errNoSamples = errors.New("no samples")

type clip struct {
	data     []byte
	duration time.Duration
}

// newClip wraps converted samples, dropping a trailing partial frame. A
// clip without a whole frame is rejected.
func newClip(data []byte) (*clip, error) {
	frameBytes := int(outputSpec.Channels) * 2
	frames := len(data) / frameBytes
	if frames == 0 {
		return nil, errNoSamples
	}
	seconds := float64(frames) / float64(outputSpec.Freq)
	return &clip{
		data:     data[:frames*frameBytes],
		duration: time.Duration(seconds * float64(time.Second)),
	}, nil
}

type voice struct {
	clip   *clip
	pos    int
	active bool
	gen    uint64
}

// SDLPlayer mixes cue WAV files into the default playback device. SDL must
// already be initialized with INIT_AUDIO.
type SDLPlayer struct {
	dir    string
	log    *slog.Logger
	stream *sdl.AudioStream

	mu      sync.Mutex
	voices  [maxVoices]voice
	gen     uint64
	scratch []byte
	clips   map[string]*clip
}

// OpenSDL opens the default playback device for cues in dir.
func OpenSDL(dir string, log *slog.Logger) (*SDLPlayer, error) {
	p := &SDLPlayer{
		dir:     dir,
		log:     log,
		scratch: make([]byte, scratchBytes),
		clips:   make(map[string]*clip),
	}
	spec := outputSpec
	cb := sdl.NewAudioStreamCallback(p.callback)
	stream := sdl.AUDIO_DEVICE_DEFAULT_PLAYBACK.OpenAudioDeviceStream(&spec, cb)
	if stream == nil {
		return nil, fmt.Errorf("audio: open default playback device")
	}
	stream.ResumeDevice()
	p.stream = stream
	return p, nil
}

func (p *SDLPlayer) Available() bool { return p.stream != nil }

// Preload decodes cues ahead of the session so Play never touches the disk.
// Cues that fail to load are reported together; the rest stay loaded.
func (p *SDLPlayer) Preload(names ...string) error {
	var errs []error
	for _, name := range names {
		if _, err := p.load(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *SDLPlayer) load(name string) (*clip, error) {
	p.mu.Lock()
	c, ok := p.clips[name]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	path := filepath.Join(p.dir, name+".wav")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio cue %s: %w", name, err)
	}
	spec := &sdl.AudioSpec{}
	data, err := sdl.LoadWAV(path, spec)
	if err != nil {
		return nil, fmt.Errorf("audio cue %s: %w", path, err)
	}
	if spec.Format != outputSpec.Format || spec.Channels != outputSpec.Channels || spec.Freq != outputSpec.Freq {
		target := outputSpec
		converted, err := sdl.ConvertAudioSamples(spec, data, &target)
		if err != nil {
			return nil, fmt.Errorf("audio cue %s: convert: %w", path, err)
		}
		data = converted
	}

	c, err = newClip(data)
	if err != nil {
		return nil, fmt.Errorf("audio cue %s: %w", path, err)
	}

	p.mu.Lock()
	p.clips[name] = c
	p.mu.Unlock()
	return c, nil
}

func (p *SDLPlayer) Play(name string) (Playback, error) {
	c, err := p.load(name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.voices {
		v := &p.voices[i]
		if !v.active {
			p.gen++
			*v = voice{clip: c, active: true, gen: p.gen}
			return &sdlPlayback{p: p, slot: i, gen: p.gen, dur: c.duration}, nil
		}
	}
	return nil, fmt.Errorf("audio: all %d voices busy", maxVoices)
}

func (p *SDLPlayer) callback(stream *sdl.AudioStream, additional, total int32) {
	remaining := int(additional)
	for remaining > 0 {
		chunk := min(remaining, scratchBytes)
		p.mix(p.scratch[:chunk])
		stream.PutData(p.scratch[:chunk])
		remaining -= chunk
	}
}

// mix sums the active voices into buf and advances them.
func (p *SDLPlayer) mix(buf []byte) {
	clear(buf)
	if len(buf) < 2 {
		return
	}
	dst := unsafe.Slice((*int16)(unsafe.Pointer(&buf[0])), len(buf)/2)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.voices {
		v := &p.voices[i]
		if !v.active {
			continue
		}
		n := min(len(buf), len(v.clip.data)-v.pos) &^ 1
		if n > 0 {
			src := unsafe.Slice((*int16)(unsafe.Pointer(&v.clip.data[v.pos])), n/2)
			for j, s := range src {
				dst[j] = clamp16(int32(dst[j]) + int32(s))
			}
			v.pos += n
		}
		if n <= 0 || v.pos >= len(v.clip.data) {
			v.active = false
		}
	}
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func (p *SDLPlayer) stop(slot int, gen uint64) {
	p.mu.Lock()
	if v := &p.voices[slot]; v.gen == gen {
		v.active = false
	}
	p.mu.Unlock()
}

func (p *SDLPlayer) Close() {
	if p.stream != nil {
		p.stream.Destroy()
		p.stream = nil
	}
}

type sdlPlayback struct {
	p    *SDLPlayer
	slot int
	gen  uint64
	dur  time.Duration
}

func (s *sdlPlayback) Duration() time.Duration { return s.dur }
func (s *sdlPlayback) Stop()                   { s.p.stop(s.slot, s.gen) }
