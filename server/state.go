package server

// State is the lifecycle state of the supervised process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the supervisor.
type Status struct {
	BaseURL      string // set only while Running
	State        State
	RestartCount int
	// Fatal is true once restarts are exhausted. Only Stop or a new Start
	// leaves this condition.
	Fatal bool
}
