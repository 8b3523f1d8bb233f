package input

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Button box defaults (BITSI protocol).
const (
	ButtonBaud        = 115200
	ButtonMode        = "A1"
	ButtonReady       = "BITSI mode, Ready!\r\n"
	ButtonReadBudget  = 100
	ButtonReadTimeout = time.Second
)

// ButtonConfig describes the serial response box.
type ButtonConfig struct {
	Port        string
	Baud        int
	Mode        string
	Ready       string
	ReadBudget  int
	ReadTimeout time.Duration
}

func (c *ButtonConfig) defaults() {
	if c.Baud <= 0 {
		c.Baud = ButtonBaud
	}
	if c.Mode == "" {
		c.Mode = ButtonMode
	}
	if c.Ready == "" {
		c.Ready = ButtonReady
	}
	if c.ReadBudget <= 0 {
		c.ReadBudget = ButtonReadBudget
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = ButtonReadTimeout
	}
}

// ButtonBox reads responses from a serial button box. After a successful
// handshake a reader goroutine turns received data into events; Poll only
// looks at that queue.
type ButtonBox struct {
	rw     io.ReadWriteCloser
	cfg    ButtonConfig
	log    *slog.Logger
	events chan Event
	live   atomic.Bool
	done   chan struct{}
}

// OpenButtonBox opens and initializes the box on cfg.Port. Failure leaves
// the box disconnected; it is never fatal.
func OpenButtonBox(cfg ButtonConfig, log *slog.Logger) *ButtonBox {
	cfg.defaults()
	if cfg.Port == "" {
		log.Warn("button box not configured, running without responses")
		return NewButtonBox(nil, cfg, log)
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		log.Warn("button box not connected", "port", cfg.Port, "err", err)
		return NewButtonBox(nil, cfg, log)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		log.Warn("button box read timeout", "err", err)
	}
	return NewButtonBox(port, cfg, log)
}

type inputResetter interface {
	ResetInputBuffer() error
}

// NewButtonBox runs the handshake on rw (nil gives a disconnected box).
// Reads on rw are expected to time out with (0, nil) like a serial port.
func NewButtonBox(rw io.ReadWriteCloser, cfg ButtonConfig, log *slog.Logger) *ButtonBox {
	cfg.defaults()
	b := &ButtonBox{
		cfg:    cfg,
		log:    log,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	if rw == nil {
		close(b.done)
		return b
	}
	if err := handshake(rw, cfg); err != nil {
		log.Warn("button box not ready", "port", cfg.Port, "err", err)
		rw.Close()
		close(b.done)
		return b
	}

	log.Info("button box ready", "port", cfg.Port)
	b.rw = rw
	b.live.Store(true)
	go b.readLoop()
	return b
}

type notReady struct{ got string }

func (e notReady) Error() string { return "no ready string, got " + strings.TrimSpace(e.got) }

func handshake(rw io.ReadWriter, cfg ButtonConfig) error {
	if _, err := rw.Write([]byte(cfg.Mode)); err != nil {
		return err
	}
	if r, ok := rw.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return err
		}
	}

	var text []byte
	one := make([]byte, 1)
	for i := 0; i < cfg.ReadBudget; i++ {
		n, err := rw.Read(one)
		if err != nil {
			return err
		}
		text = append(text, one[:n]...)
		if bytes.Contains(text, []byte(cfg.Ready)) {
			return nil
		}
	}
	return notReady{got: string(text)}
}

func (b *ButtonBox) readLoop() {
	defer close(b.done)
	buf := make([]byte, 64)
	var line []byte
	for {
		n, err := b.rw.Read(buf)
		if err != nil {
			if b.live.Swap(false) {
				b.log.Warn("button box read failed, marking disconnected", "err", err)
			}
			return
		}
		if n == 0 {
			// read timeout: whatever arrived so far is one response
			line = b.flush(line)
			continue
		}
		for _, c := range buf[:n] {
			if c == '\n' {
				line = b.flush(line)
				continue
			}
			line = append(line, c)
		}
	}
}

func (b *ButtonBox) flush(line []byte) []byte {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return line[:0]
	}
	select {
	case b.events <- Event{At: time.Now(), Source: "buttonbox", Line: text}:
	default:
	}
	return line[:0]
}

func (b *ButtonBox) Poll() (Event, bool) {
	select {
	case ev := <-b.events:
		return ev, true
	default:
		return Event{}, false
	}
}

func (b *ButtonBox) Connected() bool { return b.live.Load() }

// Drain discards queued responses, e.g. presses made before a cue started.
func (b *ButtonBox) Drain() int {
	n := 0
	for {
		select {
		case <-b.events:
			n++
		default:
			return n
		}
	}
}

func (b *ButtonBox) Close() error {
	if b.rw == nil {
		return nil
	}
	b.live.Store(false)
	err := b.rw.Close()
	<-b.done
	return err
}
