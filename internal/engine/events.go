package engine

import (
	"github.com/alexjbarnes/audiosync/internal/catalog"
	"github.com/alexjbarnes/audiosync/internal/rpc"
)

// EventKind identifies an engine event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventVersion
	EventReloadStart
	EventReloadStep
	EventReloadStop
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventVersion:
		return "version"
	case EventReloadStart:
		return "reload_start"
	case EventReloadStep:
		return "reload_step"
	case EventReloadStop:
		return "reload_stop"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted to the front end. Version is set for EventVersion,
// Err for EventError. Progress is current for every reload event.
type Event struct {
	Kind     EventKind
	Version  *rpc.VersionResult
	Progress catalog.Progress
	Err      error
}
