package job

// State is a position in the job lifecycle
type State int

const (
	// Pending jobs are registered while their workspace is materialised
	Pending State = iota
	Building
	Running
	// Exited, Killed, Interrupted and Failed are terminal
	Exited
	Killed
	Interrupted
	Failed
)

var stateNames = [...]string{
	Pending:     "pending",
	Building:    "building",
	Running:     "running",
	Exited:      "exited",
	Killed:      "killed",
	Interrupted: "interrupted",
	Failed:      "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s >= Exited
}

// ExitCause classifies how a job's process terminated
type ExitCause int

const (
	CauseNormal ExitCause = iota
	// Interrupted by an explicit request or service shutdown
	CauseInterrupted
	// TimedOut by the execution deadline
	CauseTimedOut
)

func (c ExitCause) String() string {
	switch c {
	case CauseInterrupted:
		return "interrupted"
	case CauseTimedOut:
		return "timed out"
	default:
		return "normal"
	}
}

// suffix is appended to the exit report
func (c ExitCause) suffix() string {
	switch c {
	case CauseInterrupted:
		return " (interrupted)"
	case CauseTimedOut:
		return " (killed)"
	default:
		return ""
	}
}

// state is the terminal state reached for a cause
func (c ExitCause) state() State {
	switch c {
	case CauseInterrupted:
		return Interrupted
	case CauseTimedOut:
		return Killed
	default:
		return Exited
	}
}
