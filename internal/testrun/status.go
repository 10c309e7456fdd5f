package testrun

// RunStatus is the lifecycle state of a TestRun.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusPlanning  RunStatus = "PLANNING"
	StatusRunning   RunStatus = "RUNNING"
	StatusPaused    RunStatus = "PAUSED"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
	StatusTimeout   RunStatus = "TIMEOUT"
)

func (s RunStatus) String() string { return string(s) }

// validTransitions lists the non-terminal moves. Every non-terminal state may
// additionally move to any terminal state through Fail, Cancel, Complete or TimeOut.
//
//	Pending  → Planning, Running
//	Planning → Running
//	Running  ⇄ Paused
var validTransitions = map[RunStatus][]RunStatus{
	StatusPending:  {StatusPlanning, StatusRunning},
	StatusPlanning: {StatusRunning},
	StatusRunning:  {StatusPaused},
	StatusPaused:   {StatusRunning},
}

var terminalStatuses = map[RunStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusTimeout:   true,
}

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool { return terminalStatuses[s] }

// IsActive reports whether the run accepts step execution and repair injection.
func (s RunStatus) IsActive() bool { return s == StatusRunning || s == StatusPlanning }

// IsKnown reports whether s is one of the defined statuses.
func (s RunStatus) IsKnown() bool {
	_, nonTerminal := validTransitions[s]
	return nonTerminal || terminalStatuses[s]
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
