// Package config loads the experiment configuration from a TOML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"go-stimulus/device"
	"go-stimulus/input"
	"go-stimulus/screen"
	"go-stimulus/trial"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Seconds is a duration written as float seconds in the file.
type Seconds float64

func (s Seconds) D() time.Duration { return time.Duration(float64(s) * float64(time.Second)) }

type SessionConfig struct {
	Subject      string   `toml:"subject"`
	Blocks       int      `toml:"blocks"`
	Runs         int      `toml:"runs"`
	Trials       int      `toml:"trials"`
	Seed         uint64   `toml:"seed"`
	Conditions   []string `toml:"conditions"`
	Objects      []string `toml:"objects"`
	OrdersDir    string   `toml:"orders_dir"`
	CodebookRoot string   `toml:"codebook_root"`
	AudioDir     string   `toml:"audio_dir"`
	Store        string   `toml:"store"`
}

type LightsConfig struct {
	Port       string  `toml:"port"`
	Baud       int     `toml:"baud"`
	Channels   int     `toml:"channels"`
	Wiring     []int   `toml:"wiring"`
	Mirror     bool    `toml:"mirror"`
	Brightness int     `toml:"brightness"`
	Settle     Seconds `toml:"settle"`
}

type ButtonsConfig struct {
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
	Mode string `toml:"mode"`
}

type ScreenConfig struct {
	Enabled    bool    `toml:"enabled"`
	Width      int     `toml:"width"`
	Height     int     `toml:"height"`
	Fullscreen bool    `toml:"fullscreen"`
	Box        int     `toml:"box"`
	Sensor     int     `toml:"sensor"`
	SensorMode string  `toml:"sensor_mode"` // "target" or "step"
	IconDir    string  `toml:"icon_dir"`
	Font       string  `toml:"font"`
	FontSize   float32 `toml:"font_size"`
	Refresh    float64 `toml:"refresh"`
}

type TimingConfig struct {
	SpinThresholdMS float64 `toml:"spin_threshold_ms"`
	Warmup          Seconds `toml:"warmup"`
	TrialRest       Seconds `toml:"trial_rest"`
	RunRest         Seconds `toml:"run_rest"`
	BlockRest       Seconds `toml:"block_rest"`
	DescriptionTail Seconds `toml:"description_tail"`
	Resting         Seconds `toml:"resting"`
}

type CueConfig struct {
	Single     bool    `toml:"single"`
	Pause      Seconds `toml:"pause"`
	RandomMin  Seconds `toml:"random_min"`
	RandomMax  Seconds `toml:"random_max"`
	Tail       Seconds `toml:"tail"`
	MaxRepeats int     `toml:"max_repeats"`
}

type MarkersConfig struct {
	UDP string `toml:"udp"`
	Log bool   `toml:"log"`
}

type MIDIConfig struct {
	Trigger        string   `toml:"trigger"`
	TriggerChannel uint8    `toml:"trigger_channel"`
	Controllers    bool     `toml:"controllers"`
	Ignore         []string `toml:"ignore"`
	MonitorRow     int      `toml:"monitor_row"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// ConsoleConfig styles the operator console. An empty palette selects the
// built-in one.
type ConsoleConfig struct {
	Palette string `toml:"palette"`
}

// Config is the whole file.
type Config struct {
	Session SessionConfig           `toml:"session"`
	Lights  LightsConfig            `toml:"lights"`
	Buttons ButtonsConfig           `toml:"buttons"`
	Screen  ScreenConfig            `toml:"screen"`
	Timing  TimingConfig            `toml:"timing"`
	Cue     CueConfig               `toml:"cue"`
	Markers MarkersConfig           `toml:"markers"`
	MIDI    MIDIConfig              `toml:"midi"`
	Log     LogConfig               `toml:"log"`
	Console ConsoleConfig           `toml:"console"`
	Sources map[string]trial.Source `toml:"sources"`
}

// DefaultConfig returns the lab protocol.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Blocks:       3,
			Runs:         8,
			Trials:       10,
			Seed:         42,
			Objects:      append([]string(nil), trial.DefaultObjects...),
			OrdersDir:    "config",
			CodebookRoot: "codebooks",
			AudioDir:     "tts/queries",
		},
		Lights: LightsConfig{
			Baud:       device.LightBaud,
			Channels:   8,
			Brightness: 1,
			Settle:     Seconds(device.LightSettle.Seconds()),
		},
		Buttons: ButtonsConfig{
			Baud: input.ButtonBaud,
			Mode: input.ButtonMode,
		},
		Screen: ScreenConfig{
			Enabled:    true,
			Width:      1920,
			Height:     1080,
			Fullscreen: true,
			Box:        150,
			Sensor:     150,
			SensorMode: "target",
			IconDir:    "icons",
			FontSize:   48,
		},
		Timing: TimingConfig{
			SpinThresholdMS: 2,
			Warmup:          1,
			TrialRest:       3,
			RunRest:         3,
			BlockRest:       3,
			DescriptionTail: 1,
			Resting:         150,
		},
		Cue: CueConfig{
			Pause:      3,
			RandomMin:  3,
			RandomMax:  4,
			Tail:       2,
			MaxRepeats: 2,
		},
		Markers: MarkersConfig{Log: true},
		MIDI:    MIDIConfig{Controllers: true},
		Log:     LogConfig{Level: "info"},
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "go-stimulus"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "go-stimulus"), nil
}

// ConfigPath returns the full path to config.toml
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads path over the defaults. An empty path means ConfigPath; a
// missing file gives the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return DefaultConfig(), nil
		}
		path = p
	}
	cfg := DefaultConfig()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("stat config: %w", err)
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s in %s", ErrInvalid, undec[0], path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Validate fails on values that would only surface mid-session.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	s := c.Session
	if s.Blocks <= 0 || s.Runs <= 0 || s.Trials <= 0 {
		return invalid("session needs positive blocks, runs and trials, got %d/%d/%d", s.Blocks, s.Runs, s.Trials)
	}
	if len(s.Objects) < 2 {
		return invalid("need at least two objects, got %d", len(s.Objects))
	}
	if len(s.Objects) > device.MaxChannels {
		return invalid("%d objects exceeds %d channels", len(s.Objects), device.MaxChannels)
	}
	for _, name := range s.Conditions {
		if _, err := trial.ParseCondition(name); err != nil {
			return invalid("session.conditions: %v", err)
		}
	}
	if c.Lights.Channels != len(s.Objects) {
		return invalid("lights.channels %d does not match %d objects", c.Lights.Channels, len(s.Objects))
	}
	if len(c.Lights.Wiring) > 0 {
		if err := (device.Wiring{Order: c.Lights.Wiring}).Validate(c.Lights.Channels); err != nil {
			return invalid("%v", err)
		}
	}
	if c.Lights.Brightness < 1 || c.Lights.Brightness > 255 {
		return invalid("lights.brightness %d out of range 1..255", c.Lights.Brightness)
	}
	switch c.Screen.SensorMode {
	case "target", "step":
	default:
		return invalid("screen.sensor_mode %q, want target or step", c.Screen.SensorMode)
	}
	if c.Screen.Enabled && c.Screen.Box*len(s.Objects) > c.Screen.Width {
		return invalid("%d boxes of %dpx do not fit a %dpx screen", len(s.Objects), c.Screen.Box, c.Screen.Width)
	}
	if c.Cue.RandomMax < c.Cue.RandomMin {
		return invalid("cue.random_max %v below cue.random_min %v", c.Cue.RandomMax, c.Cue.RandomMin)
	}
	for name, d := range map[string]Seconds{
		"timing.warmup": c.Timing.Warmup, "timing.trial_rest": c.Timing.TrialRest,
		"timing.run_rest": c.Timing.RunRest, "timing.block_rest": c.Timing.BlockRest,
		"timing.resting": c.Timing.Resting, "cue.pause": c.Cue.Pause, "cue.tail": c.Cue.Tail,
	} {
		if d < 0 {
			return invalid("%s is negative", name)
		}
	}
	for name, src := range c.Sources {
		if _, err := trial.ParseCondition(name); err != nil {
			return invalid("sources: %v", err)
		}
		if src.Path == "" && src.Pattern == "" {
			return invalid("sources.%s needs a path or a pattern", name)
		}
	}
	return nil
}

// SpinThreshold is the clock's busy-wait threshold.
func (c *Config) SpinThreshold() time.Duration {
	return time.Duration(c.Timing.SpinThresholdMS * float64(time.Millisecond))
}

// StorePath is the QC database path; relative paths resolve against dir.
func (c *Config) StorePath(dir string) string {
	if c.Session.Store == "" {
		return filepath.Join(dir, "qc.db")
	}
	if filepath.IsAbs(c.Session.Store) {
		return c.Session.Store
	}
	return filepath.Join(dir, c.Session.Store)
}

func (c *Config) LightConfig() device.LightConfig {
	return device.LightConfig{
		Port:       c.Lights.Port,
		Baud:       c.Lights.Baud,
		Channels:   c.Lights.Channels,
		Wiring:     device.Wiring{Order: c.Lights.Wiring, Mirror: c.Lights.Mirror},
		Brightness: c.Lights.Brightness,
		Settle:     c.Lights.Settle.D(),
	}
}

func (c *Config) ButtonConfig() input.ButtonConfig {
	return input.ButtonConfig{Port: c.Buttons.Port, Baud: c.Buttons.Baud, Mode: c.Buttons.Mode}
}

func (c *Config) WindowConfig() screen.Config {
	return screen.Config{
		Title:      "go-stimulus",
		Width:      c.Screen.Width,
		Height:     c.Screen.Height,
		Fullscreen: c.Screen.Fullscreen,
		BoxSize:    c.Screen.Box,
		SensorSize: c.Screen.Sensor,
		IconDir:    c.Screen.IconDir,
		Objects:    c.Session.Objects,
		FontPath:   c.Screen.Font,
		FontSize:   c.Screen.FontSize,
		Refresh:    c.Screen.Refresh,
	}
}

func (c *Config) SensorMode() device.SensorMode {
	if c.Screen.SensorMode == "step" {
		return device.SensorStep
	}
	return device.SensorTarget
}

func (c *Config) TrialConfig() trial.Config {
	return trial.Config{
		Objects: c.Session.Objects,
		Cue: trial.CueConfig{
			Single:     c.Cue.Single,
			Pause:      c.Cue.Pause.D(),
			RandomMin:  c.Cue.RandomMin.D(),
			RandomMax:  c.Cue.RandomMax.D(),
			Tail:       c.Cue.Tail.D(),
			Poll:       time.Millisecond,
			MaxRepeats: c.Cue.MaxRepeats,
		},
		Warmup:          c.Timing.Warmup.D(),
		TrialRest:       c.Timing.TrialRest.D(),
		RunRest:         c.Timing.RunRest.D(),
		BlockRest:       c.Timing.BlockRest.D(),
		DescriptionTail: c.Timing.DescriptionTail.D(),
		Seed:            c.Session.Seed,
	}
}

// ConditionList returns the session's conditions with configured sources
// applied. An empty list selects all of them.
func (c *Config) ConditionList() ([]*trial.Condition, error) {
	names := c.Session.Conditions
	var ids []int
	if len(names) == 0 {
		for id := range trial.NumConditions {
			ids = append(ids, id)
		}
	}
	for _, name := range names {
		id, err := trial.ParseCondition(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		ids = append(ids, id)
	}
	out := make([]*trial.Condition, 0, len(ids))
	for _, id := range ids {
		cond, err := trial.Standard(id)
		if err != nil {
			return nil, err
		}
		if src, ok := c.Sources[cond.Name]; ok {
			cond.Source = src
		}
		out = append(out, &cond)
	}
	return out, nil
}
