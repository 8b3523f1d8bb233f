package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"go-stimulus/session"
)

// PromptMsg asks the operator to confirm. Reply receives the answer once.
type PromptMsg struct {
	Text  string
	Reply chan<- error
}

// Gate asks through the console. Send is usually (*tea.Program).Send.
type Gate struct {
	Send func(tea.Msg)
}

func (g Gate) Confirm(ctx context.Context, prompt string) error {
	reply := make(chan error, 1)
	g.Send(PromptMsg{Text: prompt, Reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		g.Send(PromptMsg{})
		return ctx.Err()
	}
}

var _ session.Gate = Gate{}
