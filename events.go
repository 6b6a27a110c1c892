package taskcluster

import "time"

// Channel names a message bus channel.
type Channel string

// Task channels.
const (
	ChannelTaskSubmitted       Channel = "task.submitted"
	ChannelTaskAssigned        Channel = "task.assigned"
	ChannelTaskStarted         Channel = "task.started"
	ChannelTaskProgress        Channel = "task.progress"
	ChannelTaskCompleted       Channel = "task.completed"
	ChannelTaskFailed          Channel = "task.failed"
	ChannelTaskCancelRequest   Channel = "task.cancel_request"
	ChannelTaskCancelCompleted Channel = "task.cancel_completed"
)

// Processor channels.
const (
	ChannelMasterModeChangeRequest      Channel = "processor.master_mode_change_request"
	ChannelMasterModeChanged            Channel = "processor.master_mode_changed"
	ChannelStopProcessor                Channel = "processor.stop"
	ChannelPerformanceMonitoringRequest Channel = "processor.performance_request"
	ChannelPerformanceReport            Channel = "processor.performance_report"
	ChannelConfigurationChanged         Channel = "processor.configuration_changed"
	ChannelStateChanged                 Channel = "processor.state_changed"
)

// ChannelMasterCommands carries wake-up notifications for the durable master command queue.
const ChannelMasterCommands Channel = "master.commands"

type TaskSubmittedEvent struct {
	TaskID      string    `json:"task_id"`
	Timestamp   time.Time `json:"timestamp"`
	IsRecovered bool      `json:"is_recovered,omitempty"`
}

// TaskAssignedEvent offers TaskID to TaskProcessorID.
type TaskAssignedEvent struct {
	TaskID          string    `json:"task_id"`
	TaskProcessorID string    `json:"task_processor_id"`
	Timestamp       time.Time `json:"timestamp"`
}

type TaskStartedEvent struct {
	TaskID          string    `json:"task_id"`
	TaskProcessorID string    `json:"task_processor_id"`
	Timestamp       time.Time `json:"timestamp"`
}

type TaskProgressEvent struct {
	TaskID    string    `json:"task_id"`
	Percent   float64   `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

type TaskCompletedEvent struct {
	TaskID          string    `json:"task_id"`
	TaskProcessorID string    `json:"task_processor_id"`
	Timestamp       time.Time `json:"timestamp"`
}

type TaskFailedEvent struct {
	TaskID          string    `json:"task_id"`
	TaskProcessorID string    `json:"task_processor_id"`
	Error           string    `json:"error"`
	Timestamp       time.Time `json:"timestamp"`
}

type TaskCancelRequestEvent struct {
	TaskID          string    `json:"task_id"`
	TaskProcessorID string    `json:"task_processor_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type TaskCancelCompletedEvent struct {
	TaskID          string    `json:"task_id"`
	TaskProcessorID string    `json:"task_processor_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// MasterModeChangeReason explains why a node changed role.
type MasterModeChangeReason string

const (
	ReasonStart     MasterModeChangeReason = "start"
	ReasonHeartbeat MasterModeChangeReason = "heartbeat"
	ReasonExplicit  MasterModeChangeReason = "explicit"
	ReasonStop      MasterModeChangeReason = "stop"
)

// MasterModeChangeRequestEvent asks TaskProcessorID to become (or stop being) master.
type MasterModeChangeRequestEvent struct {
	TaskProcessorID string `json:"task_processor_id"`
	IsMaster        bool   `json:"is_master"`
}

type MasterModeChangedEvent struct {
	TaskProcessorID string                 `json:"task_processor_id"`
	IsMaster        bool                   `json:"is_master"`
	Reason          MasterModeChangeReason `json:"reason"`
}

type StopProcessorEvent struct {
	TaskProcessorID string `json:"task_processor_id"`
}

// PerformanceMonitoringRequestEvent asks processors for a performance report.
// An empty TaskProcessorID addresses every processor.
type PerformanceMonitoringRequestEvent struct {
	TaskProcessorID string `json:"task_processor_id,omitempty"`
}

type PerformanceReportEvent struct {
	TaskProcessorID string    `json:"task_processor_id"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryPercent   float64   `json:"memory_percent"`
	ActiveTasks     int       `json:"active_tasks"`
	Timestamp       time.Time `json:"timestamp"`
}

type ConfigurationChangedEvent struct {
	TaskProcessorID string `json:"task_processor_id"`
}

type StateChangedEvent struct {
	TaskProcessorID string         `json:"task_processor_id"`
	State           ProcessorState `json:"state"`
}
