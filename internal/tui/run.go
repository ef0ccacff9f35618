package tui

import (
	"context"
	"errors"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/term"
)

// ErrNotTerminal is returned when stdout is not an interactive terminal
var ErrNotTerminal = errors.New("lexy needs an interactive terminal")

// IsTTY reports whether stdout is a terminal
func IsTTY() bool {
	return term.IsTerminal(os.Stdout.Fd())
}

// Run shows the session screen until the user quits or ctx is done.
// Events queued on bridge are delivered to the screen while it runs.
func Run(ctx context.Context, m Model, bridge *Bridge) error {
	if !IsTTY() {
		return ErrNotTerminal
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	forwardCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go bridge.Forward(forwardCtx, p.Send)

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}
