package marker

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go-stimulus/debug"
)

// DefaultQueue is the bus queue length. At one marker per 16ms frame this
// holds several seconds of backlog.
const DefaultQueue = 1024

// Sink receives markers on the bus goroutine.
type Sink interface {
	Name() string
	Write(m *Marker) error
}

// Bus is the asynchronous Emitter: Emit stamps the marker, tries to queue it
// and returns. A single goroutine fans queued markers out to the sinks.
type Bus struct {
	ch    chan Marker
	sinks []Sink
	log   *slog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	emitted atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueue sets the queue length.
func WithQueue(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ch = make(chan Marker, n)
		}
	}
}

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus starts a bus delivering to sinks.
func NewBus(log *slog.Logger, sinks []Sink, opts ...Option) *Bus {
	b := &Bus{
		ch:    make(chan Marker, DefaultQueue),
		sinks: sinks,
		log:   log,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Emit never blocks. A full queue or a closed bus drops the marker.
func (b *Bus) Emit(m Marker) {
	if m.At.IsZero() {
		m.At = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}
	select {
	case b.ch <- m:
		b.emitted.Add(1)
	default:
		b.dropped.Add(1)
		debug.LogEvery(b.log, 100, "marker queue full, dropping")
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for m := range b.ch {
		for _, s := range b.sinks {
			if err := s.Write(&m); err != nil {
				b.failed.Add(1)
				debug.LogEvery(b.log, 100, "marker sink failed", "sink", s.Name(), "err", err)
			}
		}
	}
}

// Emitted, Dropped and Failed are bus counters for QC.
func (b *Bus) Emitted() uint64 { return b.emitted.Load() }
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
func (b *Bus) Failed() uint64  { return b.failed.Load() }

// Close stops accepting markers, drains the queue and closes every sink
// that implements io.Closer.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return nil
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()

	<-b.done

	var errs []error
	for _, s := range b.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	b.log.Info("marker bus closed",
		"emitted", b.Emitted(), "dropped", b.Dropped(), "sink_failures", b.Failed())
	return errors.Join(errs...)
}
