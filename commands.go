package taskcluster

import (
	"time"

	"github.com/google/uuid"
)

// CommandKind discriminates durable master commands.
type CommandKind string

const (
	CommandTaskSubmitted           CommandKind = "task_submitted"
	CommandTaskProcessorRegistered CommandKind = "task_processor_registered"
	CommandConfigurationChanged    CommandKind = "configuration_changed"
	CommandTaskCompleted           CommandKind = "task_completed"
	CommandTaskFailed              CommandKind = "task_failed"
	CommandTaskCancelCompleted     CommandKind = "task_cancel_completed"
)

// MasterCommand is a durable, at-least-once instruction consumed by the current master.
type MasterCommand struct {
	ID          string      `json:"id"`
	Kind        CommandKind `json:"kind"`
	TaskID      string      `json:"task_id,omitempty"`
	ProcessorID string      `json:"processor_id,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	IsRecovered bool        `json:"is_recovered,omitempty"`
}

func newCommand(kind CommandKind, taskID, processorID string, ts time.Time) MasterCommand {
	return MasterCommand{
		ID:          uuid.NewString(),
		Kind:        kind,
		TaskID:      taskID,
		ProcessorID: processorID,
		Timestamp:   ts,
	}
}

// TaskSubmittedCommand builds a TaskSubmitted master command.
func TaskSubmittedCommand(taskID string, ts time.Time) MasterCommand {
	return newCommand(CommandTaskSubmitted, taskID, "", ts)
}

// TaskProcessorRegisteredCommand builds a TaskProcessorRegistered master command.
func TaskProcessorRegisteredCommand(processorID string, ts time.Time) MasterCommand {
	return newCommand(CommandTaskProcessorRegistered, "", processorID, ts)
}

// ConfigurationChangedCommand builds a ConfigurationChanged master command.
func ConfigurationChangedCommand(processorID string, ts time.Time) MasterCommand {
	return newCommand(CommandConfigurationChanged, "", processorID, ts)
}

// TaskCompletedCommand builds a TaskCompleted master command.
func TaskCompletedCommand(taskID, processorID string, ts time.Time) MasterCommand {
	return newCommand(CommandTaskCompleted, taskID, processorID, ts)
}

// TaskFailedCommand builds a TaskFailed master command.
func TaskFailedCommand(taskID, processorID string, ts time.Time) MasterCommand {
	return newCommand(CommandTaskFailed, taskID, processorID, ts)
}

// TaskCancelCompletedCommand builds a TaskCancelCompleted master command.
func TaskCancelCompletedCommand(taskID, processorID string, ts time.Time) MasterCommand {
	return newCommand(CommandTaskCancelCompleted, taskID, processorID, ts)
}

// freesSlot reports whether the command names a processor that gained capacity.
func (c MasterCommand) freesSlot() bool {
	switch c.Kind {
	case CommandTaskProcessorRegistered, CommandConfigurationChanged,
		CommandTaskCompleted, CommandTaskFailed, CommandTaskCancelCompleted:
		return c.ProcessorID != ""
	}
	return false
}
