package taskcluster

// ProcessorState is the lifecycle state of a task processor node.
type ProcessorState string

const (
	// StateInactive is the initial state and the state after a completed stop.
	StateInactive ProcessorState = "inactive"
	// StateActive means the node heartbeats, accepts tasks and runs polling entries.
	StateActive ProcessorState = "active"
	// StateStopping means the node refuses new work and waits for running tasks.
	StateStopping ProcessorState = "stopping"
	// StateDisposed is terminal.
	StateDisposed ProcessorState = "disposed"
)

// AllStates lists every valid processor state in a stable order.
var AllStates = []ProcessorState{StateInactive, StateActive, StateStopping, StateDisposed}

// String returns the raw string value of the state.
func (s ProcessorState) String() string { return string(s) }

// ParseState converts a string into a ProcessorState, returning an error for unknown values.
func ParseState(s string) (ProcessorState, error) {
	switch s {
	case string(StateInactive):
		return StateInactive, nil
	case string(StateActive):
		return StateActive, nil
	case string(StateStopping):
		return StateStopping, nil
	case string(StateDisposed):
		return StateDisposed, nil
	default:
		return "", ErrUnknownState
	}
}

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	// StatusPending tasks wait for assignment or for a polling queue to reserve them.
	StatusPending TaskStatus = "pending"
	// StatusInProgress tasks are owned and executed by one processor.
	StatusInProgress TaskStatus = "in_progress"
	// StatusCanceled tasks were canceled before or during execution.
	StatusCanceled TaskStatus = "canceled"
	// StatusFailed tasks finished with an error.
	StatusFailed TaskStatus = "failed"
	// StatusSuccess tasks finished without error.
	StatusSuccess TaskStatus = "success"
)

// AllStatuses lists every valid task status in a stable order.
var AllStatuses = []TaskStatus{StatusPending, StatusInProgress, StatusCanceled, StatusFailed, StatusSuccess}

// String returns the raw string value of the status.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCanceled || s == StatusFailed || s == StatusSuccess
}

// ParseStatus converts a string into a TaskStatus.
func ParseStatus(s string) (TaskStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownStatus
}

// Priority orders pending tasks. Higher values are distributed first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

var priorityNames = [...]string{"low", "normal", "high", "very_high"}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	if p < PriorityLow || p > PriorityVeryHigh {
		return "unknown"
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityVeryHigh }

// ParsePriority converts a name ("low", "normal", "high", "very_high") into a Priority.
func ParsePriority(s string) (Priority, error) {
	for i, n := range priorityNames {
		if n == s {
			return Priority(i), nil
		}
	}
	return PriorityNormal, ErrUnknownPriority
}
