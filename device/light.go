package device

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"go.bug.st/serial"

	"go-stimulus/debug"
)

// Light defaults for the serial light controller.
const (
	LightBaud   = 115200
	LightSettle = 2 * time.Second
)

// LightConfig describes the serial light controller.
type LightConfig struct {
	Port       string
	Baud       int
	Channels   int
	Wiring     Wiring
	Brightness int           // value sent for an on channel, 1 for binary hardware
	Settle     time.Duration // controller reset delay after open
}

// Light drives a bank of lights (lasers or LEDs) over a serial link with the
// text protocol "v0,v1,...,vN\n".
type Light struct {
	w      io.WriteCloser
	cfg    LightConfig
	log    *slog.Logger
	wire   BitVector
	buf    []byte
	writes uint64
}

// OpenLight opens the serial port in cfg. A failed open is not an error:
// the light is returned disconnected and every Actuate is a logged no-op.
func OpenLight(cfg LightConfig, log *slog.Logger) (*Light, error) {
	if err := normalizeLight(&cfg); err != nil {
		return nil, err
	}
	if cfg.Port == "" {
		log.Warn("light controller not configured, running without lights")
		return NewLight(nil, cfg, log)
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		log.Warn("light controller not connected", "port", cfg.Port, "err", err)
		return NewLight(nil, cfg, log)
	}

	// Opening the port resets the microcontroller.
	if cfg.Settle > 0 {
		time.Sleep(cfg.Settle)
	}
	log.Info("light controller connected", "port", cfg.Port, "baud", cfg.Baud)
	return NewLight(port, cfg, log)
}

// NewLight wraps an already open link. w may be nil for a disconnected light.
func NewLight(w io.WriteCloser, cfg LightConfig, log *slog.Logger) (*Light, error) {
	if err := normalizeLight(&cfg); err != nil {
		return nil, err
	}
	return &Light{
		w:    w,
		cfg:  cfg,
		log:  log,
		wire: make(BitVector, cfg.Channels),
		buf:  make([]byte, 0, cfg.Channels*4+1),
	}, nil
}

func normalizeLight(cfg *LightConfig) error {
	if cfg.Channels <= 0 {
		cfg.Channels = 8
	}
	if cfg.Channels > MaxChannels {
		return fmt.Errorf("light: %d channels exceeds %d", cfg.Channels, MaxChannels)
	}
	if cfg.Baud <= 0 {
		cfg.Baud = LightBaud
	}
	if cfg.Brightness <= 0 {
		cfg.Brightness = 1
	}
	if cfg.Brightness > 255 {
		return fmt.Errorf("light: brightness %d out of range 1..255", cfg.Brightness)
	}
	if len(cfg.Wiring.Order) == 0 {
		mirror := cfg.Wiring.Mirror
		cfg.Wiring = Identity(cfg.Channels)
		cfg.Wiring.Mirror = mirror
	}
	return cfg.Wiring.Validate(cfg.Channels)
}

func (l *Light) Name() string    { return "lights" }
func (l *Light) Channels() int   { return l.cfg.Channels }
func (l *Light) Connected() bool { return l.w != nil }
func (l *Light) Wiring() Wiring  { return l.cfg.Wiring }
func (l *Light) Writes() uint64  { return l.writes }

// Actuate encodes v in wire order and writes it. Channels holding anything
// other than 0 or 1 are sent dark.
func (l *Light) Actuate(v BitVector) error {
	if err := checkWidth(l, v); err != nil {
		return err
	}
	if l.w == nil {
		debug.LogEvery(l.log, 500, "light controller not connected, values not sent")
		return nil
	}

	l.cfg.Wiring.Apply(l.wire, v)
	l.buf = l.encode(l.buf[:0], l.wire)
	if _, err := l.w.Write(l.buf); err != nil {
		return fmt.Errorf("light write: %w", err)
	}
	l.writes++
	return nil
}

func (l *Light) encode(dst []byte, wire BitVector) []byte {
	for i, v := range wire {
		if i > 0 {
			dst = append(dst, ',')
		}
		level := 0
		if v == On {
			level = l.cfg.Brightness
		}
		dst = strconv.AppendInt(dst, int64(level), 10)
	}
	return append(dst, '\n')
}

// Close turns every channel off and releases the port.
func (l *Light) Close() error {
	if l.w == nil {
		return nil
	}
	if err := AllOff(l); err != nil {
		l.log.Warn("light reset on close failed", "err", err)
	}
	err := l.w.Close()
	l.w = nil
	return err
}
