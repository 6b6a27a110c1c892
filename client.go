package taskcluster

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Client submits tasks and sends administrative requests to the cluster.
type Client struct {
	repo    Repository
	bus     MessageBus
	encoder Encoder
	now     func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEncoder replaces the payload encoder.
func WithEncoder(e Encoder) ClientOption {
	return func(c *Client) {
		if e != nil {
			c.encoder = e
		}
	}
}

// WithClientClock overrides time.Now for submission timestamps.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a new client.
func NewClient(repo Repository, bus MessageBus, opts ...ClientOption) (*Client, error) {
	if repo == nil || bus == nil {
		return nil, ErrNilDependency
	}
	c := &Client{repo: repo, bus: bus, encoder: defaultEncoder, now: utcNow}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit stores a new Pending task and notifies the master. Byte-slice payloads are stored
// as is; anything else goes through the encoder. It returns the task ID, or
// ErrDuplicateTask if the ID (explicit or generated) already exists.
func (c *Client) Submit(ctx context.Context, taskType string, payload any, opts ...Option) (string, error) {
	if taskType == "" {
		return "", ErrInvalidArgument
	}
	cfg := &options{priority: PriorityNormal}
	for _, opt := range opts {
		opt(cfg)
	}
	if !cfg.priority.Valid() {
		return "", ErrUnknownPriority
	}

	var data []byte
	if b, ok := payload.([]byte); ok {
		data = b
	} else {
		var err error
		if data, err = c.encoder.Encode(payload); err != nil {
			return "", err
		}
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	ts := c.now()
	info := &TaskRuntimeInfo{
		TaskID:       id,
		TaskType:     taskType,
		SubmittedUTC: ts,
		Priority:     cfg.priority,
		PollingQueue: cfg.pollingQueue,
		Status:       StatusPending,
	}
	if err := c.repo.Tasks().Add(ctx, info, data); err != nil {
		return "", err
	}
	if info.IsPollingQueueTask() {
		return id, nil
	}

	if err := c.bus.Commands().Add(ctx, TaskSubmittedCommand(id, ts)); err != nil {
		return id, err
	}
	if err := publish(ctx, c.bus, ChannelTaskSubmitted, TaskSubmittedEvent{TaskID: id, Timestamp: ts}); err != nil {
		return id, err
	}
	return id, nil
}

// Cancel requests cancellation of a task. Canceling a finished task is a no-op; an unknown
// ID returns ErrTaskNotFound. The running node or the master completes the cancellation.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	info, err := c.repo.Tasks().RequestCancel(ctx, taskID, c.now())
	if err != nil {
		return err
	}
	if info.Status.IsTerminal() {
		return nil
	}
	ev := TaskCancelRequestEvent{TaskID: taskID, TaskProcessorID: info.TaskProcessorID, Timestamp: c.now()}
	return publish(ctx, c.bus, ChannelTaskCancelRequest, ev)
}

// GetTask returns the runtime info of one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskRuntimeInfo, error) {
	return c.repo.Tasks().GetByID(ctx, taskID)
}

// GetPayload returns the stored payload of one task.
func (c *Client) GetPayload(ctx context.Context, taskID string) ([]byte, error) {
	return c.repo.Tasks().GetPayload(ctx, taskID)
}

// TaskFilter is a function used to filter tasks during ListTasks.
type TaskFilter func(*TaskRuntimeInfo) bool

// ListTasks returns tasks in the given status. Terminal statuses read the archive.
func (c *Client) ListTasks(ctx context.Context, status TaskStatus, filter TaskFilter) ([]*TaskRuntimeInfo, error) {
	var (
		all []*TaskRuntimeInfo
		err error
	)
	switch status {
	case StatusPending:
		all, err = c.repo.Tasks().GetPending(ctx)
	case StatusInProgress:
		all, err = c.repo.Tasks().GetActive(ctx)
	case StatusCanceled, StatusFailed, StatusSuccess:
		all, err = c.repo.Tasks().GetArchive(ctx)
	default:
		return nil, ErrUnknownStatus
	}
	if err != nil {
		return nil, err
	}
	out := make([]*TaskRuntimeInfo, 0, len(all))
	for _, t := range all {
		if t.Status != status {
			continue
		}
		if filter == nil || filter(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListProcessors returns every live processor.
func (c *Client) ListProcessors(ctx context.Context) ([]*ProcessorRuntimeInfo, error) {
	return c.repo.Processors().GetAll(ctx)
}

// GetMasterID returns the current master, or "" when none holds the role.
func (c *Client) GetMasterID(ctx context.Context) (string, error) {
	return c.repo.Processors().GetMasterID(ctx)
}

// UpdateConfiguration stores a new configuration for the processor, tells it to reload and
// lets the master offer it work that fits the new limits.
func (c *Client) UpdateConfiguration(ctx context.Context, processorID string, cfg ProcessorConfiguration) error {
	if err := c.repo.Processors().SetConfiguration(ctx, processorID, cfg); err != nil {
		return err
	}
	if err := publish(ctx, c.bus, ChannelConfigurationChanged, ConfigurationChangedEvent{TaskProcessorID: processorID}); err != nil {
		return err
	}
	return c.bus.Commands().Add(ctx, ConfigurationChangedCommand(processorID, c.now()))
}

// RequestStop asks a processor to stop gracefully.
func (c *Client) RequestStop(ctx context.Context, processorID string) error {
	return publish(ctx, c.bus, ChannelStopProcessor, StopProcessorEvent{TaskProcessorID: processorID})
}

// RequestMasterModeChange asks processorID to take (isMaster) or give up the master role.
func (c *Client) RequestMasterModeChange(ctx context.Context, processorID string, isMaster bool) error {
	return publish(ctx, c.bus, ChannelMasterModeChangeRequest, MasterModeChangeRequestEvent{TaskProcessorID: processorID, IsMaster: isMaster})
}

// RequestPerformanceReport asks processorID, or every processor when empty, to publish a
// PerformanceReportEvent.
func (c *Client) RequestPerformanceReport(ctx context.Context, processorID string) error {
	return publish(ctx, c.bus, ChannelPerformanceMonitoringRequest, PerformanceMonitoringRequestEvent{TaskProcessorID: processorID})
}
