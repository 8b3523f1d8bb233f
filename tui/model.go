package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-stimulus/device"
	"go-stimulus/session"
	"go-stimulus/theme"
	"go-stimulus/trial"
	"go-stimulus/widgets"
)

const (
	refresh   = 50 * time.Millisecond
	logLines  = 6
	cellWidth = 9
)

// Session is what the console controls.
type Session interface {
	Status() <-chan session.Status
	Pause()
	Resume()
	Paused() bool
	Abort()
}

// Device is one hardware status line.
type Device struct {
	Name      string
	Connected bool
}

// DeviceMsg replaces the device list.
type DeviceMsg []Device

// LogMsg appends an operator log line.
type LogMsg string

type tickMsg time.Time

type statusMsg session.Status

type Model struct {
	Session Session
	Theme   *theme.Theme
	Objects []string
	Tap     *Tap

	status   session.Status
	prompt   *PromptMsg
	devices  []Device
	log      []string
	vector   device.BitVector
	target   int
	quitting bool
}

func NewModel(s Session, th *theme.Theme, objects []string, tap *Tap) Model {
	return Model{Session: s, Theme: th, Objects: objects, Tap: tap, target: -1}
}

func ListenForStatus(s Session) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-s.Status()
		if !ok {
			return nil
		}
		return statusMsg(st)
	}
}

func tick() tea.Cmd {
	return tea.Tick(refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(ListenForStatus(m.Session), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.key(msg.String())

	case PromptMsg:
		if msg.Reply == nil {
			m.prompt = nil
		} else {
			m.prompt = &msg
		}

	case statusMsg:
		m.status = session.Status(msg)
		if m.status.Message != "" && (len(m.log) == 0 || m.log[len(m.log)-1] != m.status.Message) {
			m = m.appendLog(m.status.Message)
		}
		return m, ListenForStatus(m.Session)

	case DeviceMsg:
		m.devices = msg

	case LogMsg:
		m = m.appendLog(string(msg))

	case tickMsg:
		if m.Tap != nil {
			m.vector, m.target = m.Tap.Snapshot()
		}
		return m, tick()
	}
	return m, nil
}

func (m Model) key(k string) (tea.Model, tea.Cmd) {
	if m.prompt != nil {
		switch k {
		case "enter", "y":
			m.answer(nil)
		case "n", "q", "esc":
			m.answer(session.ErrAborted)
		case "ctrl+c":
			m.answer(session.ErrAborted)
			m.Session.Abort()
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}
	switch k {
	case "p":
		if m.Session.Paused() {
			m.Session.Resume()
		} else {
			m.Session.Pause()
		}
	case "a":
		m.Session.Abort()
		m = m.appendLog("abort requested")
	case "ctrl+c":
		m.Session.Abort()
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) answer(err error) {
	m.prompt.Reply <- err
	m.prompt = nil
}

func (m Model) appendLog(line string) Model {
	m.log = append(m.log, line)
	if len(m.log) > logLines {
		m.log = m.log[len(m.log)-logLines:]
	}
	return m
}

func (m Model) cells() []widgets.Cell {
	sym := m.Theme.Symbols
	cells := make([]widgets.Cell, len(m.vector))
	for i, v := range m.vector {
		c := widgets.Cell{Symbol: sym.ChannelOff, Color: m.Theme.Palette.Lookup(theme.RoleMuted)}
		switch {
		case !device.Valid(v):
			c = widgets.Cell{Symbol: sym.ChannelInvalid, Color: m.Theme.Palette.Lookup(theme.RoleWarning)}
		case v == device.On && i == m.target:
			c = widgets.Cell{Symbol: sym.ChannelTarget, Color: m.Theme.Palette.Lookup(theme.RoleSuccess)}
		case v == device.On:
			c = widgets.Cell{Symbol: sym.ChannelOn, Color: m.Theme.Palette.Lookup(theme.RoleFG)}
		case i == m.target:
			c.Symbol = sym.ChannelIdle
		}
		cells[i] = c
	}
	return cells
}

func position(sc trial.SessionContext) string {
	field := func(v int) string {
		if v < 0 {
			return "-"
		}
		return fmt.Sprint(v)
	}
	cond := "-"
	if c, err := trial.Standard(sc.Condition); err == nil {
		cond = c.Name
	}
	return fmt.Sprintf("block %s  run %s  trial %s  %s  %s",
		field(sc.Block), field(sc.Run), field(sc.Trial), cond, sc.Phase)
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent()).Bold(true)
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	warnStyle := lipgloss.NewStyle().Foreground(m.Theme.Warning())
	promptStyle := lipgloss.NewStyle().
		Foreground(m.Theme.FG()).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.Theme.Active()).
		Padding(0, 1)

	state := "RUN"
	if m.status.Paused {
		state = "HOLD"
	}
	header := headerStyle.Render(fmt.Sprintf("go-stimulus  %s  %s", state, position(m.status.Context)))

	qc := fmt.Sprintf("trials %d  overruns %d", m.status.Trials, m.status.Overruns)
	if m.status.Overruns > 0 {
		qc = warnStyle.Render(qc)
	} else {
		qc = dimStyle.Render(qc)
	}

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n")
	out.WriteString(qc)
	out.WriteString("\n\n")

	if len(m.vector) > 0 {
		labels := m.Objects
		if len(labels) > len(m.vector) {
			labels = labels[:len(m.vector)]
		}
		out.WriteString(widgets.RenderChannelRow(m.cells(), cellWidth))
		out.WriteString("\n")
		out.WriteString(dimStyle.Render(widgets.RenderLabelRow(labels, cellWidth)))
		out.WriteString("\n\n")
	}

	if len(m.devices) > 0 {
		var parts []string
		for _, d := range m.devices {
			c := widgets.Cell{Symbol: m.Theme.Symbols.Disconnected, Color: m.Theme.Palette.Lookup(theme.RoleWarning)}
			if d.Connected {
				c = widgets.Cell{Symbol: m.Theme.Symbols.Connected, Color: m.Theme.Palette.Lookup(theme.RoleSuccess)}
			}
			parts = append(parts, widgets.RenderPad(c)+" "+d.Name)
		}
		out.WriteString(strings.Join(parts, "   "))
		out.WriteString("\n\n")
	}

	for _, line := range m.log {
		out.WriteString(dimStyle.Render(line))
		out.WriteString("\n")
	}

	if m.prompt != nil {
		out.WriteString("\n")
		out.WriteString(promptStyle.Render(m.prompt.Text + "   enter/y continue · n/q abort"))
		out.WriteString("\n")
	}

	help := widgets.RenderKeyHelp([]widgets.KeySection{{Keys: []widgets.KeyBinding{
		{Key: "p", Desc: "pause / resume before next trial"},
		{Key: "a", Desc: "abort (lights off)"},
		{Key: "ctrl+c", Desc: "abort and quit"},
	}}})
	out.WriteString("\n")
	out.WriteString(dimStyle.Render(help))
	return out.String()
}
