package taskcluster

import (
	"context"
	"time"
)

// TaskRepository stores task runtime records and payloads. Every state transition is
// a single atomic operation at the storage boundary.
type TaskRepository interface {
	// Add stores a new Pending task. It returns ErrDuplicateTask if the ID is taken.
	Add(ctx context.Context, info *TaskRuntimeInfo, payload []byte) error
	// GetByID returns ErrTaskNotFound for unknown or purged tasks.
	GetByID(ctx context.Context, taskID string) (*TaskRuntimeInfo, error)
	GetPayload(ctx context.Context, taskID string) ([]byte, error)
	// GetPending returns Pending tasks, highest priority and oldest first.
	GetPending(ctx context.Context) ([]*TaskRuntimeInfo, error)
	// GetActive returns InProgress tasks.
	GetActive(ctx context.Context) ([]*TaskRuntimeInfo, error)
	// GetArchive returns terminal tasks still retained, most recent first.
	GetArchive(ctx context.Context) ([]*TaskRuntimeInfo, error)

	// Assign records that the master offered a Pending task to processorID.
	Assign(ctx context.Context, taskID, processorID string) error
	// Start moves a Pending task to InProgress owned by processorID. It reports false
	// when the task is missing, no longer Pending, or owned by another processor.
	Start(ctx context.Context, taskID, processorID string, ts time.Time) (bool, error)
	Progress(ctx context.Context, taskID string, percent float64) error
	Complete(ctx context.Context, taskID string, ts time.Time) error
	Fail(ctx context.Context, taskID string, ts time.Time, reason string) error
	// RequestCancel flags the task and returns its current record.
	RequestCancel(ctx context.Context, taskID string, ts time.Time) (*TaskRuntimeInfo, error)
	CompleteCancel(ctx context.Context, taskID string, ts time.Time) error

	// ReservePollingQueueTasks lists up to maxCount startable tasks of the queue backlog,
	// highest priority and oldest first. Tasks leave the backlog only when Start claims
	// them, so a reservation that is never started stays available to the next poll.
	ReservePollingQueueTasks(ctx context.Context, queueKey string, maxCount int) ([]*TaskRuntimeInfo, error)
}

// ProcessorRepository is the registry of live processors plus the master pointer.
type ProcessorRepository interface {
	Add(ctx context.Context, info *ProcessorRuntimeInfo) error
	// GetByID returns ErrProcessorNotFound for unknown or expired processors.
	GetByID(ctx context.Context, processorID string) (*ProcessorRuntimeInfo, error)
	GetAll(ctx context.Context) ([]*ProcessorRuntimeInfo, error)
	Delete(ctx context.Context, processorID string) error
	SetConfiguration(ctx context.Context, processorID string, cfg ProcessorConfiguration) error
	SetState(ctx context.Context, processorID string, state ProcessorState) error

	// Heartbeat renews the processor's liveness TTL. False means the record expired.
	Heartbeat(ctx context.Context, processorID string) (bool, error)
	// MasterHeartbeat renews the master pointer TTL if processorID holds it.
	MasterHeartbeat(ctx context.Context, processorID string) (bool, error)
	// SetMasterIfNotExists atomically claims the master pointer.
	SetMasterIfNotExists(ctx context.Context, processorID string) (bool, error)
	// GetMasterID returns "" when no master holds the pointer.
	GetMasterID(ctx context.Context) (string, error)
	// ClearMaster releases the pointer only if processorID holds it.
	ClearMaster(ctx context.Context, processorID string) error
	// ExpirationTimeout is the liveness window after which silent records expire.
	ExpirationTimeout() time.Duration
}

// Repository groups the task and processor stores.
type Repository interface {
	Tasks() TaskRepository
	Processors() ProcessorRepository
}

// Handler receives one message published on a channel.
type Handler func(ctx context.Context, payload []byte)

// MessageBus is the publish/subscribe transport between nodes. A bus instance belongs to
// one node and holds at most one handler per channel.
type MessageBus interface {
	Publish(ctx context.Context, ch Channel, payload []byte) error
	Subscribe(ch Channel, h Handler) error
	Unsubscribe(chs ...Channel) error
	UnsubscribeAll() error
	Commands() CommandQueue
	Close() error
}

// CommandQueue is the durable FIFO of master commands.
type CommandQueue interface {
	// Add appends cmd and wakes the current master through ChannelMasterCommands.
	Add(ctx context.Context, cmd MasterCommand) error
	// PopFirst removes and returns the oldest command. ok is false when the queue is empty.
	// An entry that cannot be decoded is removed and reported as ErrBadCommand.
	PopFirst(ctx context.Context) (cmd MasterCommand, ok bool, err error)
}

// ExecutionListener receives outcomes from a TaskExecutor. Exactly one of the terminal
// callbacks is invoked per started task.
type ExecutionListener interface {
	OnTaskProgress(taskID string, percent float64)
	OnTaskCompleted(taskID string)
	OnTaskFailed(taskID string, err error)
	OnTaskCanceled(taskID string)
}

// TaskExecutor runs task payloads. StartTask must not block on task completion.
type TaskExecutor interface {
	StartTask(ctx context.Context, info *TaskRuntimeInfo, payload []byte, l ExecutionListener) error
	// CancelTask requests cooperative cancellation. False means the task is not running here.
	CancelTask(taskID string) bool
	ActiveTasksCount() int
}

// PollingJob is a custom periodic action scheduled by a PollingJobConfig.
type PollingJob interface {
	Process(ctx context.Context) error
}

// PollingJobFunc adapts a function to PollingJob.
type PollingJobFunc func(ctx context.Context) error

// Process calls f(ctx).
func (f PollingJobFunc) Process(ctx context.Context) error { return f(ctx) }

// PerformanceSampler reports host utilisation for performance reports.
type PerformanceSampler interface {
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}
