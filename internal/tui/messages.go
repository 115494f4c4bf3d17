package tui

import "github.com/alexjbarnes/audiosync/internal/engine"

// EngineEventMsg carries one engine event into the update loop.
type EngineEventMsg struct {
	Event engine.Event
}

// EngineClosedMsg signals that the engine has stopped.
type EngineClosedMsg struct{}
