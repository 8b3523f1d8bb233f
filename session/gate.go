package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrAborted is returned when the operator declines a gate or aborts.
var ErrAborted = errors.New("session aborted by operator")

// Gate is an operator confirmation point. Confirm blocks until the
// operator continues (nil) or declines (ErrAborted), or ctx ends.
type Gate interface {
	Confirm(ctx context.Context, prompt string) error
}

// AutoGate continues immediately, for unattended rehearsal and tests.
type AutoGate struct{}

func (AutoGate) Confirm(ctx context.Context, _ string) error { return ctx.Err() }

// LineGate prompts on a plain terminal. Any answer continues except one
// starting with n or q.
type LineGate struct {
	out   io.Writer
	lines chan string
	once  sync.Once
	in    io.Reader
}

// NewLineGate reads answers from in and writes prompts to out.
func NewLineGate(in io.Reader, out io.Writer) *LineGate {
	return &LineGate{in: in, out: out, lines: make(chan string)}
}

// start reads lines in the background so a cancelled Confirm does not
// leave a reader stuck on the terminal.
func (g *LineGate) start() {
	go func() {
		sc := bufio.NewScanner(g.in)
		for sc.Scan() {
			g.lines <- sc.Text()
		}
		close(g.lines)
	}()
}

func (g *LineGate) Confirm(ctx context.Context, prompt string) error {
	g.once.Do(g.start)
	fmt.Fprintf(g.out, "%s [Y/n] ", prompt)
	select {
	case <-ctx.Done():
		fmt.Fprintln(g.out)
		return ctx.Err()
	case line, ok := <-g.lines:
		if !ok {
			return ErrAborted
		}
		return answer(line)
	}
}

// answer maps an operator reply to a gate result.
func answer(line string) error {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "n", "no", "q", "quit":
		return ErrAborted
	}
	return nil
}
