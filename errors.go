package taskcluster

import "errors"

// ErrInvalidArgument is returned when a required argument is nil or malformed.
var ErrInvalidArgument = errors.New("taskcluster: invalid argument")

// ErrNilDependency is returned by constructors when a required collaborator is missing.
var ErrNilDependency = errors.New("taskcluster: nil dependency")

// ErrDuplicateTask is returned when Submit is called with an ID that already exists.
var ErrDuplicateTask = errors.New("taskcluster: duplicate task id")

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = errors.New("taskcluster: task not found")

// ErrProcessorNotFound is returned when a processor is not registered (or has expired).
var ErrProcessorNotFound = errors.New("taskcluster: processor not found")

// ErrUnknownState is returned when an invalid processor state is parsed.
var ErrUnknownState = errors.New("taskcluster: unknown state")

// ErrUnknownStatus is returned when an invalid task status is parsed.
var ErrUnknownStatus = errors.New("taskcluster: unknown task status")

// ErrUnknownPriority is returned when an invalid task priority is parsed.
var ErrUnknownPriority = errors.New("taskcluster: unknown task priority")

// ErrBadCommand is returned by CommandQueue.PopFirst when the popped entry cannot be decoded.
// The entry is gone; the caller may keep popping.
var ErrBadCommand = errors.New("taskcluster: undecodable master command")

// ErrHeartbeatTooSlow is returned by Node.Start when the heartbeat interval is not
// shorter than the repository's liveness expiration.
var ErrHeartbeatTooSlow = errors.New("taskcluster: heartbeat interval must be shorter than repository expiration")

// ErrHeartbeatExhausted is passed to the ApplicationKiller when heartbeat retries run out.
var ErrHeartbeatExhausted = errors.New("taskcluster: heartbeat retries exhausted")

// ErrDisposed is returned when an operation is attempted on a disposed node.
var ErrDisposed = errors.New("taskcluster: node disposed")

// ErrNodeStopping is returned by Node.Start while a previous Stop is still draining tasks.
var ErrNodeStopping = errors.New("taskcluster: node is stopping")
