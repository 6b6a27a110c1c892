package taskcluster

import (
	"time"

	"github.com/UniQw/taskcluster/backoff"
)

type options struct {
	id           string
	priority     Priority
	pollingQueue string
}

// Option configures a task at Submit time.
type Option func(*options)

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithPriority sets the task priority. The default is PriorityNormal.
func WithPriority(p Priority) Option {
	return func(o *options) {
		o.priority = p
	}
}

// InPollingQueue places the task in the named polling queue instead of push assignment.
// Nodes with a matching active PollingQueueConfig drain it on their own schedule.
func InPollingQueue(key string) Option {
	return func(o *options) {
		o.pollingQueue = key
	}
}

// DefaultAssignTaskTimeout is how long the master waits for a candidate to start a task.
const DefaultAssignTaskTimeout = 5 * time.Second

type masterOptions struct {
	assignTimeout time.Duration
	log           Logger
	now           func() time.Time
}

// MasterOption configures a MasterCommandsProcessor.
type MasterOption func(*masterOptions)

// WithAssignTaskTimeout sets the per-candidate wait for TaskStarted. Non-positive values are ignored.
func WithAssignTaskTimeout(d time.Duration) MasterOption {
	return func(o *masterOptions) {
		if d > 0 {
			o.assignTimeout = d
		}
	}
}

// WithMasterLogger sets the logger used by the master.
func WithMasterLogger(l Logger) MasterOption {
	return func(o *masterOptions) {
		if l != nil {
			o.log = l
		}
	}
}

func withMasterClock(now func() time.Time) MasterOption {
	return func(o *masterOptions) {
		o.now = now
	}
}

// Node defaults.
const (
	DefaultHeartbeatInterval   = 5 * time.Second
	DefaultMaxHeartbeatRetries = 3
)

type nodeOptions struct {
	id                string
	machineName       string
	cfg               ProcessorConfiguration
	heartbeatInterval time.Duration
	maxRetries        int
	delay             backoff.Strategy
	killer            ApplicationKiller
	assignTimeout     time.Duration
	log               Logger
	jobs              map[string]PollingJob
	sampler           PerformanceSampler
	now               func() time.Time
}

// NodeOption configures a Node.
type NodeOption func(*nodeOptions)

// WithProcessorID sets the node's processor ID. Defaults to a random UUID.
func WithProcessorID(id string) NodeOption {
	return func(o *nodeOptions) {
		o.id = id
	}
}

// WithMachineName overrides the host name reported in the processor registry.
func WithMachineName(name string) NodeOption {
	return func(o *nodeOptions) {
		o.machineName = name
	}
}

// WithConfiguration sets the initial processor configuration.
func WithConfiguration(cfg ProcessorConfiguration) NodeOption {
	return func(o *nodeOptions) {
		o.cfg = cfg.Clone()
	}
}

// WithHeartbeatInterval sets the heartbeat period. It must be shorter than the
// repository's expiration timeout or Start fails.
func WithHeartbeatInterval(d time.Duration) NodeOption {
	return func(o *nodeOptions) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithMaxHeartbeatRetries sets how many heartbeat attempts are made per tick before the
// node is killed.
func WithMaxHeartbeatRetries(n int) NodeOption {
	return func(o *nodeOptions) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithDelayStrategy sets the pause between heartbeat attempts.
func WithDelayStrategy(s backoff.Strategy) NodeOption {
	return func(o *nodeOptions) {
		if s != nil {
			o.delay = s
		}
	}
}

// WithApplicationKiller replaces the process-exit behaviour on heartbeat exhaustion.
func WithApplicationKiller(k ApplicationKiller) NodeOption {
	return func(o *nodeOptions) {
		if k != nil {
			o.killer = k
		}
	}
}

// WithAssignTimeout sets the AssignTaskTimeout of the node's master role.
func WithAssignTimeout(d time.Duration) NodeOption {
	return func(o *nodeOptions) {
		if d > 0 {
			o.assignTimeout = d
		}
	}
}

// WithNodeLogger sets the logger used by the node and its master role.
func WithNodeLogger(l Logger) NodeOption {
	return func(o *nodeOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithPollingJob registers the implementation of the polling job named name.
func WithPollingJob(name string, job PollingJob) NodeOption {
	return func(o *nodeOptions) {
		if o.jobs == nil {
			o.jobs = make(map[string]PollingJob)
		}
		o.jobs[name] = job
	}
}

// WithPerformanceSampler sets the source of CPU and memory figures for performance reports.
func WithPerformanceSampler(s PerformanceSampler) NodeOption {
	return func(o *nodeOptions) {
		o.sampler = s
	}
}

// WithClock overrides time.Now for task timestamps.
func WithClock(now func() time.Time) NodeOption {
	return func(o *nodeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func utcNow() time.Time { return time.Now().UTC() }
