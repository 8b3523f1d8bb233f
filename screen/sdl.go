package screen

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Zyko0/go-sdl3/img"
	"github.com/Zyko0/go-sdl3/sdl"
	"github.com/Zyko0/go-sdl3/ttf"

	"go-stimulus/device"
	"go-stimulus/input"
)

// Config describes the stimulus window.
type Config struct {
	Title      string
	Width      int
	Height     int
	Fullscreen bool
	BoxSize    int
	SensorSize int
	IconDir    string
	Objects    []string
	FontPath   string
	FontSize   float32
	// Refresh overrides the display-reported refresh rate when > 0.
	Refresh float64
}

var (
	black = sdl.Color{R: 0, G: 0, B: 0, A: 255}
	white = sdl.Color{R: 255, G: 255, B: 255, A: 255}
	grey  = sdl.Color{R: 128, G: 128, B: 128, A: 255}
)

func fillColor(f device.Fill) sdl.Color {
	switch f {
	case device.FillOn:
		return white
	case device.FillOff:
		return black
	default:
		return grey
	}
}

// Window is a vsync-locked SDL window drawing stimulus frames. It, and
// every call on it, must stay on the goroutine that created it.
type Window struct {
	cfg      Config
	log      *slog.Logger
	window   *sdl.Window
	renderer *sdl.Renderer
	layout   *Layout
	icons    []*sdl.Texture
	font     *ttf.Font
	refresh  float64

	text  string
	lines []textLine

	keys chan input.Event
	quit atomic.Bool
}

type textLine struct {
	tex  *sdl.Texture
	w, h float32
}

// Open initializes SDL video and opens the stimulus window. Missing icons
// and fonts are logged and skipped.
func Open(cfg Config, log *slog.Logger) (*Window, error) {
	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_AUDIO | sdl.INIT_EVENTS); err != nil {
		return nil, fmt.Errorf("sdl init: %w", err)
	}
	if err := ttf.Init(); err != nil {
		sdl.Quit()
		return nil, fmt.Errorf("ttf init: %w", err)
	}

	var flags sdl.WindowFlags
	if cfg.Fullscreen {
		flags |= sdl.WINDOW_FULLSCREEN
	}
	window, renderer, err := sdl.CreateWindowAndRenderer(cfg.Title, cfg.Width, cfg.Height, flags)
	if err != nil {
		ttf.Quit()
		sdl.Quit()
		return nil, fmt.Errorf("create window: %w", err)
	}
	renderer.SetVSync(1)

	layout, err := NewLayout(cfg.Width, cfg.Height, len(cfg.Objects), cfg.BoxSize, cfg.SensorSize)
	if err != nil {
		renderer.Destroy()
		window.Destroy()
		ttf.Quit()
		sdl.Quit()
		return nil, err
	}

	w := &Window{
		cfg:      cfg,
		log:      log,
		window:   window,
		renderer: renderer,
		layout:   layout,
		refresh:  60,
		keys:     make(chan input.Event, 16),
	}
	if cfg.Refresh > 0 {
		w.refresh = cfg.Refresh
	} else if mode, err := sdl.GetDisplayForWindow(window).CurrentDisplayMode(); err == nil && mode.RefreshRate > 0 {
		w.refresh = float64(mode.RefreshRate)
	}

	w.icons = make([]*sdl.Texture, len(cfg.Objects))
	for i, name := range cfg.Objects {
		path := filepath.Join(cfg.IconDir, name+".png")
		tex, err := img.LoadTexture(renderer, path)
		if err != nil {
			log.Warn("pictogram not loaded", "path", path, "err", err)
			continue
		}
		w.icons[i] = tex
	}
	if cfg.FontPath != "" {
		if w.font, err = ttf.OpenFont(cfg.FontPath, cfg.FontSize); err != nil {
			log.Warn("font not loaded, messages will not be drawn", "path", cfg.FontPath, "err", err)
			w.font = nil
		}
	}

	log.Info("stimulus window open",
		"width", cfg.Width, "height", cfg.Height, "fullscreen", cfg.Fullscreen, "refresh_hz", w.refresh)
	return w, nil
}

// Layout is the window's box and pictogram layout.
func (w *Window) Layout() *Layout { return w.layout }

func (w *Window) RefreshRate() float64 { return w.refresh }

// Poll makes the window a response device: space or enter counts as a
// press. It pumps window events, so it must be called from the window's
// goroutine.
func (w *Window) Poll() (input.Event, bool) {
	w.pump()
	select {
	case ev := <-w.keys:
		return ev, true
	default:
		return input.Event{}, false
	}
}

func (w *Window) Connected() bool { return true }

// Quit reports whether the operator closed the window or pressed escape.
func (w *Window) Quit() bool { return w.quit.Load() }

// Present draws f and flips; with vsync on it returns at the swap.
func (w *Window) Present(f *device.Frame) error {
	w.pump()

	r := w.renderer
	r.SetDrawColor(grey.R, grey.G, grey.B, grey.A)
	r.Clear()

	for i, fill := range f.Regions {
		if i >= w.layout.N() {
			break
		}
		c := fillColor(fill)
		r.SetDrawColor(c.R, c.G, c.B, c.A)
		box := frect(w.layout.Box(i))
		r.RenderFillRect(&box)
	}
	if f.Pictograms {
		for obj, tex := range w.icons {
			if tex == nil {
				continue
			}
			dst := frect(w.layout.Pictogram(obj))
			r.RenderTexture(tex, nil, &dst)
		}
	}

	c := fillColor(f.Sensor)
	r.SetDrawColor(c.R, c.G, c.B, c.A)
	sensor := frect(w.layout.Sensor())
	r.RenderFillRect(&sensor)

	if f.Text != "" {
		w.drawText(f.Text)
	}
	return r.Present()
}

func frect(rc Rect) sdl.FRect {
	return sdl.FRect{X: rc.X, Y: rc.Y, W: rc.W, H: rc.H}
}

// drawText centers text, one texture per line, cached until the text
// changes.
func (w *Window) drawText(text string) {
	if w.font == nil {
		return
	}
	if text != w.text {
		w.dropText()
		w.text = text
		for _, line := range strings.Split(text, "\n") {
			if line == "" {
				w.lines = append(w.lines, textLine{h: w.cfg.FontSize})
				continue
			}
			surf, err := w.font.RenderTextBlended(line, white)
			if err != nil {
				continue
			}
			tex, err := w.renderer.CreateTextureFromSurface(surf)
			surf.Destroy()
			if err != nil {
				continue
			}
			tw, th, _ := tex.Size()
			w.lines = append(w.lines, textLine{tex: tex, w: tw, h: th})
		}
	}

	var total float32
	for _, l := range w.lines {
		total += l.h
	}
	y := (float32(w.cfg.Height) - total) / 2
	for _, l := range w.lines {
		if l.tex != nil {
			dst := sdl.FRect{X: (float32(w.cfg.Width) - l.w) / 2, Y: y, W: l.w, H: l.h}
			w.renderer.RenderTexture(l.tex, nil, &dst)
		}
		y += l.h
	}
}

func (w *Window) dropText() {
	for _, l := range w.lines {
		if l.tex != nil {
			l.tex.Destroy()
		}
	}
	w.lines = w.lines[:0]
	w.text = ""
}

// pump drains pending window events without blocking.
func (w *Window) pump() {
	for {
		var ev sdl.Event
		if !sdl.PollEvent(&ev) {
			return
		}
		switch ev.Type {
		case sdl.EVENT_QUIT:
			w.quit.Store(true)
		case sdl.EVENT_KEY_DOWN:
			switch ev.KeyboardEvent().Key {
			case sdl.K_ESCAPE:
				w.quit.Store(true)
			case sdl.K_SPACE, sdl.K_RETURN:
				select {
				case w.keys <- input.Event{At: time.Now(), Source: "window", Line: "key"}:
				default:
				}
			}
		}
	}
}

// Close releases every SDL resource and shuts SDL down.
func (w *Window) Close() {
	w.dropText()
	for _, tex := range w.icons {
		if tex != nil {
			tex.Destroy()
		}
	}
	if w.font != nil {
		w.font.Close()
	}
	w.renderer.Destroy()
	w.window.Destroy()
	ttf.Quit()
	sdl.Quit()
}
