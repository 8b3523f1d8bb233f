package marker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"
)

// LogSink writes every marker to a logger. Per-step markers go out at debug
// level so they only show up when asked for.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Write(m *Marker) error {
	level := slog.LevelInfo
	if m.Tag.Classified() || m.Tag == StepOff {
		level = slog.LevelDebug
	}
	s.Log.Log(context.Background(), level, "marker", "record", string(m.AppendRecord(nil)))
	return nil
}

// record is the datagram layout of UDPSink.
type record struct {
	Stream    Stream  `json:"stream"`
	Tag       string  `json:"tag"`
	Time      float64 `json:"t"`
	Block     int     `json:"block"`
	Run       int     `json:"run"`
	Trial     int     `json:"trial"`
	Condition int     `json:"condition"`
	Target    int     `json:"target"`
	IsTarget  bool    `json:"is_target"`
	Step      int     `json:"step"`
	Vector    []int   `json:"vector,omitempty"`
	Text      string  `json:"text,omitempty"`
}

// UDPSink publishes one JSON object per datagram, for a relay that forwards
// markers onto the recording network (e.g. an LSL outlet per stream).
type UDPSink struct {
	conn net.Conn
	buf  []byte
	vec  []int
}

// DialUDP connects a UDPSink to addr ("host:port").
func DialUDP(addr string) (*UDPSink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("marker udp %s: %w", addr, err)
	}
	return &UDPSink{conn: conn}, nil
}

func (s *UDPSink) Name() string { return "udp" }

// Write sends one datagram per stream of the marker. The sequence record
// carries the step vector, the target record only its classification.
func (s *UDPSink) Write(m *Marker) error {
	r := record{
		Tag:       m.Tag.String(),
		Time:      float64(m.At.UnixNano()) / float64(time.Second),
		Block:     m.Scope.Block,
		Run:       m.Scope.Run,
		Trial:     m.Scope.Trial,
		Condition: m.Scope.Condition,
		Target:    m.Target,
		IsTarget:  m.IsTarget(),
		Step:      m.Step,
		Text:      m.Text,
	}
	s.vec = s.vec[:0]
	for _, v := range m.Bits() {
		s.vec = append(s.vec, int(v))
	}
	var errs []error
	for _, stream := range m.Tag.Streams() {
		r.Stream = stream
		r.Vector = nil
		if stream != StreamTarget && len(s.vec) > 0 {
			r.Vector = s.vec
		}
		if err := s.send(&r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *UDPSink) send(r *record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.buf = append(append(s.buf[:0], data...), '\n')
	_, err = s.conn.Write(s.buf)
	return err
}

func (s *UDPSink) Close() error {
	return s.conn.Close()
}

// Recorder keeps every marker in memory. It is both an Emitter (synchronous,
// for tests) and a Sink.
type Recorder struct {
	mu      sync.Mutex
	markers []Marker
	now     func() time.Time
}

// NewRecorder returns a Recorder stamping markers with now.
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{now: now}
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Emit(m Marker) {
	if m.At.IsZero() {
		m.At = r.now()
	}
	r.mu.Lock()
	r.markers = append(r.markers, m)
	r.mu.Unlock()
}

func (r *Recorder) Write(m *Marker) error {
	r.Emit(*m)
	return nil
}

// Markers returns a copy of everything recorded.
func (r *Recorder) Markers() []Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.markers)
}

// Tags returns the recorded tags in order, keeping only the given tags when
// any are passed.
func (r *Recorder) Tags(only ...Tag) []Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	var tags []Tag
	for _, m := range r.markers {
		if len(only) == 0 || slices.Contains(only, m.Tag) {
			tags = append(tags, m.Tag)
		}
	}
	return tags
}

// Count returns how many markers carry tag.
func (r *Recorder) Count(tag Tag) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.markers {
		if m.Tag == tag {
			n++
		}
	}
	return n
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.markers = nil
	r.mu.Unlock()
}
