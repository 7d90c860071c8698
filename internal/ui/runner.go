package ui

import (
	"fmt"
	"time"

	"github.com/BioHazard786/Boothcall/internal/callview"
	tea "github.com/charmbracelet/bubbletea"
)

// RoomOptions configures the in-call screen.
type RoomOptions struct {
	PageSize       int
	HandoverWindow time.Duration
	// Listening preselects a language channel for non-interpreters.
	Listening string
}

// RunRoom shows the in-call screen until the user leaves or the session
// closes. It returns the session's close reason, nil when the user left.
func RunRoom(ctrl Controller, b Booth, opts RoomOptions) error {
	view := callview.New(opts.PageSize)
	view.SetListening(opts.Listening)

	model := NewRoomModel(ctrl, b, view, opts.HandoverWindow)
	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		ctrl.Leave()
		return fmt.Errorf("room view: %w", err)
	}
	return model.Reason()
}
