package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"go-stimulus/device"
	"go-stimulus/session"
	"go-stimulus/theme"
	"go-stimulus/trial"
)

type fakeSession struct {
	status  chan session.Status
	paused  bool
	aborted bool
}

func (f *fakeSession) Status() <-chan session.Status { return f.status }
func (f *fakeSession) Pause()                        { f.paused = true }
func (f *fakeSession) Resume()                       { f.paused = false }
func (f *fakeSession) Paused() bool                  { return f.paused }
func (f *fakeSession) Abort()                        { f.aborted = true }

func newModel() (Model, *fakeSession) {
	s := &fakeSession{status: make(chan session.Status, 1)}
	return NewModel(s, theme.New(theme.Default()), trial.DefaultObjects, NewTap(8)), s
}

func press(m Model, key string) Model {
	var msg tea.KeyMsg
	switch key {
	case "enter":
		msg = tea.KeyMsg{Type: tea.KeyEnter}
	case "ctrl+c":
		msg = tea.KeyMsg{Type: tea.KeyCtrlC}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestPromptAnswers(t *testing.T) {
	m, _ := newModel()
	for key, want := range map[string]error{"enter": nil, "y": nil, "n": session.ErrAborted} {
		reply := make(chan error, 1)
		next, _ := m.Update(PromptMsg{Text: "Start block 0, run 0?", Reply: reply})
		m = next.(Model)
		if !strings.Contains(m.View(), "Start block 0, run 0?") {
			t.Fatal("prompt not shown")
		}
		m = press(m, key)
		if got := <-reply; !errors.Is(got, want) {
			t.Fatalf("%s answered %v, want %v", key, got, want)
		}
		if m.prompt != nil {
			t.Fatal("prompt still open")
		}
	}
}

func TestPauseToggleAndAbort(t *testing.T) {
	m, s := newModel()
	m = press(m, "p")
	if !s.paused {
		t.Fatal("p did not pause")
	}
	m = press(m, "p")
	if s.paused {
		t.Fatal("p did not resume")
	}
	m = press(m, "a")
	if !s.aborted {
		t.Fatal("a did not abort")
	}
}

func TestViewShowsChannelsAndStatus(t *testing.T) {
	m, _ := newModel()
	m.Tap.SetTarget(2)
	if err := (&device.Tee{Primary: device.Null{N: 8}, Monitors: []device.Actuator{m.Tap}}).Actuate(device.BitVector{0, 0, 1, 0, 0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	next, _ := m.Update(tickMsg(time.Now()))
	m = next.(Model)
	sc := trial.Begin().WithBlock(1).WithRun(2).WithTrial(3, trial.ScreenCVEP, 2, 0).WithPhase(trial.Sequencing)
	next, _ = m.Update(statusMsg(session.Status{Context: sc, Trials: 4, Overruns: 1, Message: "run complete"}))
	m = next.(Model)

	view := m.View()
	for _, want := range []string{"block 1  run 2  trial 3", "screen_cVEP", "sequencing", "overruns 1", "◉", "remote", "run complete"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestGateClearsPromptOnCancel(t *testing.T) {
	var sent []tea.Msg
	g := Gate{Send: func(msg tea.Msg) { sent = append(sent, msg) }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Confirm(ctx, "Continue?"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(sent) != 2 || sent[1].(PromptMsg).Reply != nil {
		t.Fatalf("sent %v", sent)
	}
}
