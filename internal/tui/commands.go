package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/alexjbarnes/audiosync/internal/engine"
)

// WaitForEventCmd blocks until the engine emits the next event.
func WaitForEventCmd(events <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return EngineClosedMsg{}
		}

		return EngineEventMsg{Event: ev}
	}
}
