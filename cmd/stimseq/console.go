package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"go-stimulus/screen"
	"go-stimulus/session"
	"go-stimulus/theme"
	"go-stimulus/tui"
)

// consoleLog turns log output into console lines. Writes never block: the
// timing goroutine logs too, so lines are dropped when the console lags.
type consoleLog struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	ch   chan string
	done chan struct{}
}

func newConsoleLog() *consoleLog {
	return &consoleLog{ch: make(chan string, 64), done: make(chan struct{})}
}

func (c *consoleLog) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(p)
	for {
		line, err := c.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			c.buf.WriteString(line)
			break
		}
		select {
		case c.ch <- strings.TrimRight(line, "\n"):
		default:
		}
	}
	return len(p), nil
}

func (c *consoleLog) forward(send func(tea.Msg)) {
	for {
		select {
		case line := <-c.ch:
			send(tui.LogMsg(line))
		case <-c.done:
			return
		}
	}
}

func (c *consoleLog) stop() { close(c.done) }

// useConsole reports whether the operator console can take the terminal.
func useConsole() bool {
	return !plain && term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// frontend is how the operator sees and answers the session: the console,
// or line prompts on stdin.
type frontend struct {
	program *tea.Program
	log     *consoleLog
	done    chan error
	gate    session.Gate
	out     io.Writer
}

// newFrontend picks the console when the terminal allows it.
func newFrontend() *frontend {
	if !useConsole() {
		return &frontend{gate: session.NewLineGate(os.Stdin, os.Stdout), out: os.Stdout}
	}
	f := &frontend{log: newConsoleLog(), out: io.Discard}
	f.gate = tui.Gate{Send: f.send}
	return f
}

// send forwards to the console, which attach must have started.
func (f *frontend) send(msg tea.Msg) { f.program.Send(msg) }

// attach runs the console over ctrl and r once both exist. cancel is
// called when the operator quits the console.
func (f *frontend) attach(ctx context.Context, cancel context.CancelFunc, ctrl *session.Controller, r *rig) {
	if f.log == nil {
		go printStatus(ctx, ctrl, f.out)
		go r.watchDevices(ctx, func([]tui.Device) {})
		return
	}

	palette, err := theme.LoadOrDefault(r.cfg.Console.Palette)
	if err != nil {
		r.log.Warn("console palette not loaded, using the default", "path", r.cfg.Console.Palette, "err", err)
	}
	m := tui.NewModel(ctrl, theme.New(palette), r.cfg.Session.Objects, r.tap)
	f.program = tea.NewProgram(m, tea.WithAltScreen())
	f.done = make(chan error, 1)

	go func() {
		_, err := f.program.Run()
		f.done <- err
		cancel()
	}()
	go f.log.forward(f.program.Send)
	go r.watchDevices(ctx, func(list []tui.Device) { f.program.Send(tui.DeviceMsg(list)) })
}

// Gate answers operator prompts. Console prompts need attach first.
func (f *frontend) Gate() session.Gate {
	return f.gate
}

// stop shuts the console down and waits for the terminal to be restored.
func (f *frontend) stop() {
	if f.program == nil {
		return
	}
	f.log.stop()
	f.program.Quit()
	if err := <-f.done; err != nil {
		fmt.Fprintln(os.Stderr, "console:", err)
	}
}

// printStatus echoes session messages for line mode.
func printStatus(ctx context.Context, ctrl *session.Controller, out io.Writer) {
	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ctrl.Status():
			if st.Message != "" && st.Message != last {
				fmt.Fprintln(out, strings.ReplaceAll(st.Message, "\n", " "))
			}
			last = st.Message
		}
	}
}

// windowGate keeps the stimulus window responsive while a prompt waits.
// Closing the window or pressing escape declines the prompt.
type windowGate struct {
	session.Gate
	window *screen.Window
}

func (g windowGate) Confirm(ctx context.Context, prompt string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Gate.Confirm(ctx, prompt) }()

	t := time.NewTicker(16 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-t.C:
			g.window.Poll()
			if g.window.Quit() {
				cancel()
				<-done
				return session.ErrAborted
			}
		}
	}
}
