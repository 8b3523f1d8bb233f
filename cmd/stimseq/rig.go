package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/Zyko0/go-sdl3/sdl"

	"go-stimulus/audio"
	"go-stimulus/clock"
	"go-stimulus/config"
	"go-stimulus/debug"
	"go-stimulus/device"
	"go-stimulus/input"
	"go-stimulus/marker"
	"go-stimulus/midi"
	"go-stimulus/screen"
	"go-stimulus/store"
	"go-stimulus/trial"
	"go-stimulus/tui"
)

// silentCue stands in for cue audio when no playback device opens.
const silentCue = 2 * time.Second

// rig is every device of the lab, opened from the config.
type rig struct {
	cfg *config.Config
	log *slog.Logger

	clock     *clock.Precise
	window    *screen.Window
	display   *device.Display
	light     *device.Light
	buttons   *input.ButtonBox
	responder *midi.Responder
	monitor   *midi.Monitor
	tap       *tui.Tap
	player    audio.Player
	bus       *marker.Bus
	store     *store.Store
	session   int64
	devices   *midi.DeviceManager
	orch      *trial.Orchestrator

	sdlAudio bool
	logFile  *os.File
	console  *consoleLog
	udp      string
	trigger  string
}

// openRig opens the devices. console, if non-nil, receives log lines for
// the operator console instead of stderr.
func openRig(ctx context.Context, cfg *config.Config, dir string, console *consoleLog) (*rig, error) {
	var w io.Writer = os.Stderr
	if console != nil {
		w = console
	}
	log, f, err := debug.Open(dir, cfg.Log.Level, w)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	r := &rig{cfg: cfg, log: log, logFile: f, console: console}
	if err := r.open(ctx, dir); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *rig) open(ctx context.Context, dir string) error {
	cfg, log := r.cfg, r.log
	n := len(cfg.Session.Objects)
	r.clock = clock.New(cfg.SpinThreshold())

	var surface device.Surface
	if cfg.Screen.Enabled {
		w, err := screen.Open(cfg.WindowConfig(), log)
		if err != nil {
			return err
		}
		r.window = w
		surface = w
	} else if err := sdl.Init(sdl.INIT_AUDIO); err != nil {
		log.Warn("sdl audio init failed", "err", err)
	} else {
		r.sdlAudio = true
	}
	r.display = device.NewDisplay(surface, n, cfg.SensorMode(), log)

	light, err := device.OpenLight(cfg.LightConfig(), log)
	if err != nil {
		return err
	}
	r.light = light
	r.tap = tui.NewTap(n)
	r.monitor = midi.NewMonitor(n, cfg.MIDI.MonitorRow)

	r.buttons = input.OpenButtonBox(cfg.ButtonConfig(), log)
	r.responder = midi.NewResponder(r.clock.Now)
	buttons := input.Any{r.buttons, r.responder}
	if r.window != nil {
		buttons = append(buttons, r.window)
	}

	if player, err := audio.OpenSDL(cfg.Session.AudioDir, log); err != nil {
		log.Warn("audio not available, cues will be silent", "err", err)
		r.player = audio.Silent{Length: silentCue}
	} else {
		r.player = player
	}

	st, err := store.Open(cfg.StorePath(dir))
	if err != nil {
		return fmt.Errorf("failed to open qc store: %w", err)
	}
	r.store = st
	if r.session, err = st.Begin(ctx, cfg.Session.Subject, time.Now()); err != nil {
		return err
	}

	sinks := []marker.Sink{st}
	if cfg.Markers.Log {
		sinks = append(sinks, marker.LogSink{Log: log})
	}
	if cfg.Markers.UDP != "" {
		udp, err := marker.DialUDP(cfg.Markers.UDP)
		if err != nil {
			log.Warn("udp markers disabled", "err", err)
		} else {
			sinks = append(sinks, udp)
			r.udp = cfg.Markers.UDP
		}
	}
	if cfg.MIDI.Trigger != "" {
		trig, err := midi.OpenTrigger(cfg.MIDI.Trigger, cfg.MIDI.TriggerChannel)
		if err != nil {
			log.Warn("midi trigger disabled", "err", err)
		} else {
			sinks = append(sinks, trig)
			r.trigger = trig.Name()
		}
	}
	r.bus = marker.NewBus(log, sinks, marker.WithClock(r.clock.Now))

	deps := trial.Deps{
		Clock:   r.clock,
		Markers: r.bus,
		Log:     log,
		Lights:  &device.Tee{Primary: light, Monitors: []device.Actuator{r.tap, r.monitor}},
		Screen:  &device.Tee{Primary: r.display, Monitors: []device.Actuator{r.tap}},
		Buttons: buttons,
		Player:  r.player,
		Record:  st.RecordTrial,
	}
	if r.window != nil {
		deps.Layout = r.window.Layout()
	}
	r.orch = trial.New(deps, cfg.TrialConfig())

	conds, err := cfg.ConditionList()
	if err != nil {
		return err
	}
	for _, c := range conds {
		if c.Modality == trial.Screen && r.window == nil {
			log.Warn("screen disabled, skipping condition", "condition", c.Name)
			continue
		}
		if err := c.Load(cfg.Session.CodebookRoot, n); err != nil {
			return err
		}
		if err := r.orch.Install(c); err != nil {
			return err
		}
		log.Info("condition installed", "condition", c.Name, "invalid_cells", c.Codebooks.Invalid())
	}
	if p, ok := r.player.(*audio.SDLPlayer); ok {
		if err := p.Preload(r.orch.CueNames()...); err != nil {
			log.Warn("some cues could not be preloaded", "err", err)
		}
	}

	if cfg.MIDI.Controllers {
		r.devices = midi.NewDeviceManager(log)
		r.devices.Ignore = cfg.MIDI.Ignore
	}
	return nil
}

// Installed lists the ids of the conditions the rig can play.
func (r *rig) Installed() []int {
	var ids []int
	for id := range trial.NumConditions {
		if r.orch.Condition(id) != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// watchDevices attaches hot-plugged controllers and, every second and on
// every change, reports device state to report.
func (r *rig) watchDevices(ctx context.Context, report func([]tui.Device)) {
	if r.devices != nil {
		go r.devices.Run(ctx)
	}
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var events <-chan midi.DeviceEvent
	if r.devices != nil {
		events = r.devices.Events()
	}
	report(r.deviceList())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case midi.DeviceConnected:
				r.responder.Attach(ev.Controller)
			case midi.DeviceDisconnected:
				r.responder.Detach(ev.ID)
			}
			r.monitor.SetController(r.devices.GetLaunchpad())
			report(r.deviceList())
		case <-t.C:
			report(r.deviceList())
		}
	}
}

func (r *rig) deviceList() []tui.Device {
	list := []tui.Device{
		{Name: "lights", Connected: r.light.Connected()},
		{Name: "buttons", Connected: r.buttons.Connected()},
		{Name: "screen", Connected: r.window != nil},
		{Name: "audio", Connected: r.player.Available()},
	}
	if r.udp != "" {
		list = append(list, tui.Device{Name: "udp " + r.udp, Connected: true})
	}
	if r.trigger != "" {
		list = append(list, tui.Device{Name: r.trigger, Connected: true})
	}
	if r.devices != nil {
		for _, id := range slices.Sorted(maps.Keys(r.devices.Controllers())) {
			list = append(list, tui.Device{Name: "midi " + id, Connected: true})
		}
	}
	return list
}

// Close turns everything off and releases the devices. Closing the marker
// bus flushes and closes the store.
func (r *rig) Close() {
	if r.orch != nil {
		r.orch.AllOff()
	}
	if r.bus != nil {
		if err := r.bus.Close(); err != nil {
			r.log.Warn("marker sinks did not close cleanly", "err", err)
		}
	} else if r.store != nil {
		r.store.Close()
	}
	if p, ok := r.player.(*audio.SDLPlayer); ok {
		p.Close()
	}
	if r.monitor != nil {
		r.monitor.Close()
	}
	if r.buttons != nil {
		r.buttons.Close()
	}
	if r.light != nil {
		r.light.Close()
	}
	if r.window != nil {
		r.window.Close()
	}
	if r.sdlAudio {
		sdl.Quit()
	}
	if r.logFile != nil {
		r.logFile.Close()
	}
}
