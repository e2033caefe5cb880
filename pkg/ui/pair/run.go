// Package pair renders the interactive session pairing screen.
package pair

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"wabridge/pkg/bus"
)

// Run shows pairing codes read from events until the session opens (nil),
// turns fatal, or the user quits (ErrAborted). Subscribe before starting the
// session so no code is missed.
func Run(ctx context.Context, events <-chan bus.Event, info Info) error {
	m := newModel(events, info)
	program := tea.NewProgram(m, tea.WithContext(ctx))
	final, err := program.Run()
	if err != nil {
		return fmt.Errorf("run pairing screen: %w", err)
	}

	if fm, ok := final.(*model); ok {
		return fm.result()
	}
	return m.result()
}
