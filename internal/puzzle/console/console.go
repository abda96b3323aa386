// Package console is a types.Puzzle played by a human at the terminal. The person (or a
// script piped into stdin) answers the agent's questions and judges its guesses, which
// makes dry runs possible without a browser or the live site.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Config wires the console. Zero Stdin/Stdout use the process terminal.
type Config struct {
	Stdin      io.ReadCloser
	Stdout     io.Writer
	StartLevel int // default 1
	// NonInteractive disables raw-mode terminal handling, for pipes and tests.
	NonInteractive bool
	// Cancel is called when the human hangs up (Ctrl-C or end of input) so the run stops.
	Cancel context.CancelFunc
}

// Console is the human oracle.
type Console struct {
	rl      *readline.Instance
	out     io.Writer
	level   int
	overlay string
	cancel  context.CancelFunc
	gone    error // set once the human hung up; every later prompt returns it
}

// New opens a readline session on cfg's streams.
func New(cfg Config) (*Console, error) {
	rc := &readline.Config{
		Prompt:          "> ",
		Stdin:           cfg.Stdin,
		Stdout:          cfg.Stdout,
		HistoryLimit:    -1,
		InterruptPrompt: "^C",
	}
	if cfg.NonInteractive {
		rc.FuncIsTerminal = func() bool { return false }
		rc.FuncGetWidth = func() int { return 80 }
		rc.FuncMakeRaw = func() error { return nil }
		rc.FuncExitRaw = func() error { return nil }
		rc.FuncOnWidthChanged = func(func()) {}
	}
	rl, err := readline.NewEx(rc)
	if err != nil {
		return nil, fmt.Errorf("console: open readline: %w", err)
	}
	level := cfg.StartLevel
	if level <= 0 {
		level = 1
	}
	return &Console{rl: rl, out: rl.Stdout(), level: level, cancel: cfg.Cancel}, nil
}

// Close releases the terminal.
func (c *Console) Close() error { return c.rl.Close() }

// Navigate prints the rules of the session.
func (c *Console) Navigate(ctx context.Context) error {
	fmt.Fprintf(c.out, "🧙 console oracle: you guard the password. Level %d.\n", c.level)
	fmt.Fprintln(c.out, "   Answer each question on one line; judge each guess with y/N.")
	return nil
}

// SendText shows the agent's question.
func (c *Console) SendText(ctx context.Context, text string) error {
	fmt.Fprintf(c.out, "\n[Level %d] agent asks: %s\n", c.level, text)
	return nil
}

// ReadLastReply reads the oracle's answer line.
func (c *Console) ReadLastReply(ctx context.Context) (string, error) {
	return c.prompt(ctx, "reply> ")
}

// ReadLevel reports the level the human has confirmed so far.
func (c *Console) ReadLevel(ctx context.Context) (int, bool) { return c.level, true }

// FillAndSubmit asks the human to judge candidate. "y" or "yes" advances the level; any
// other answer rejects it and an optional hint line is kept for DismissOverlay.
func (c *Console) FillAndSubmit(ctx context.Context, candidate string) error {
	fmt.Fprintf(c.out, "\n[Level %d] agent submits: %s\n", c.level, candidate)
	verdict, err := c.prompt(ctx, "correct? [y/N]> ")
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(verdict)) {
	case "y", "yes":
		c.level++
		c.overlay = fmt.Sprintf("Correct! Welcome to level %d.", c.level)
		return nil
	}
	// the verdict is in; a missing hint line does not undo it
	hint, _ := c.prompt(ctx, "hint (optional)> ")
	c.overlay = strings.TrimSpace(hint)
	if c.overlay == "" {
		c.overlay = "Wrong password."
	}
	return nil
}

// DismissOverlay returns the pending verdict message once.
func (c *Console) DismissOverlay(ctx context.Context) (string, bool) {
	if c.overlay == "" {
		return "", false
	}
	text := c.overlay
	c.overlay = ""
	return text, true
}

// prompt reads one line. Ctrl-C or end of input hangs up: the run is cancelled and the
// terminal is never read again.
func (c *Console) prompt(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.gone != nil {
		return "", c.gone
	}
	c.rl.SetPrompt(p)
	line, err := c.rl.Readline()
	switch {
	case errors.Is(err, readline.ErrInterrupt):
		c.hangUp(context.Canceled)
		return "", c.gone
	case errors.Is(err, io.EOF):
		c.hangUp(fmt.Errorf("console: end of input: %w", context.Canceled))
		return "", c.gone
	case err != nil:
		return "", fmt.Errorf("console: read: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (c *Console) hangUp(err error) {
	c.gone = err
	if c.cancel != nil {
		c.cancel()
	}
}
