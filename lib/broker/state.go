package broker

import "fmt"

// Identity is an opaque, stable identifier of a plugin instance assigned
// by the supervisor at launch.
type Identity string

// State is a session lifecycle state.
type State uint8

const (
	Launching State = iota
	AwaitingInit
	Ready
	Degraded
	Crashed
	Terminated
)

func (s State) String() string {
	switch s {
	case Launching:
		return "launching"
	case AwaitingInit:
		return "awaiting_init"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Crashed:
		return "crashed"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Crashed || s == Terminated
}

// Accepting reports whether requests may be issued in s.
func (s State) Accepting() bool {
	return s == Ready || s == Degraded
}

// ExitInfo describes how a plugin process ended.
type ExitInfo struct {
	Code int
	Err  error
}

func (e ExitInfo) String() string {
	if e.Err != nil {
		return fmt.Sprintf("exit code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}
