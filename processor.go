package taskcluster

import "time"

// ProcessorRuntimeInfo is the registry record of a live task processor node.
type ProcessorRuntimeInfo struct {
	TaskProcessorID string                 `json:"task_processor_id"`
	MachineName     string                 `json:"machine_name"`
	State           ProcessorState         `json:"state"`
	Configuration   ProcessorConfiguration `json:"configuration"`
}

// ProcessorConfiguration holds worker limits and polling definitions for one node.
type ProcessorConfiguration struct {
	// MaxWorkers bounds the tasks running on the processor at once. Nil means unlimited.
	MaxWorkers *int `json:"max_workers,omitempty" mapstructure:"max_workers"`
	// Tasks holds per-task-type limits.
	Tasks []TaskJobConfig `json:"tasks,omitempty" mapstructure:"tasks"`
	// PollingJobs holds periodic custom jobs.
	PollingJobs []PollingJobConfig `json:"polling_jobs,omitempty" mapstructure:"polling_jobs"`
	// PollingQueues holds named backlogs drained periodically.
	PollingQueues []PollingQueueConfig `json:"polling_queues,omitempty" mapstructure:"polling_queues"`
}

// TaskJobConfig limits how many tasks of one type a processor runs at once.
// MaxWorkers of 0 excludes the type; nil means no per-type limit.
type TaskJobConfig struct {
	TaskType   string `json:"task_type" mapstructure:"task_type"`
	MaxWorkers *int   `json:"max_workers,omitempty" mapstructure:"max_workers"`
}

// PollingJobConfig schedules a registered PollingJob.
type PollingJobConfig struct {
	Name         string        `json:"name" mapstructure:"name"`
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	IsActive     bool          `json:"is_active" mapstructure:"is_active"`
	IsMaster     bool          `json:"is_master" mapstructure:"is_master"`
	IsConcurrent bool          `json:"is_concurrent" mapstructure:"is_concurrent"`
}

// PollingQueueConfig schedules draining of tasks tagged with Key.
// MaxWorkers of 0 falls back to the processor's remaining global slots.
type PollingQueueConfig struct {
	Key          string        `json:"key" mapstructure:"key"`
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	IsActive     bool          `json:"is_active" mapstructure:"is_active"`
	IsMaster     bool          `json:"is_master" mapstructure:"is_master"`
	IsConcurrent bool          `json:"is_concurrent" mapstructure:"is_concurrent"`
	MaxWorkers   int           `json:"max_workers,omitempty" mapstructure:"max_workers"`
}

// Limit returns a pointer to n for use in MaxWorkers fields.
func Limit(n int) *int { return &n }

// TaskJob returns the per-type configuration for taskType, if any.
func (c *ProcessorConfiguration) TaskJob(taskType string) (TaskJobConfig, bool) {
	for _, j := range c.Tasks {
		if j.TaskType == taskType {
			return j, true
		}
	}
	return TaskJobConfig{}, false
}

// PollingQueue returns the polling queue configuration for key, if any.
func (c *ProcessorConfiguration) PollingQueue(key string) (PollingQueueConfig, bool) {
	for _, q := range c.PollingQueues {
		if q.Key == key {
			return q, true
		}
	}
	return PollingQueueConfig{}, false
}

// Clone returns a deep copy so callers can hand configurations across goroutines.
func (c ProcessorConfiguration) Clone() ProcessorConfiguration {
	out := ProcessorConfiguration{}
	if c.MaxWorkers != nil {
		out.MaxWorkers = Limit(*c.MaxWorkers)
	}
	if c.Tasks != nil {
		out.Tasks = make([]TaskJobConfig, len(c.Tasks))
		for i, j := range c.Tasks {
			out.Tasks[i] = TaskJobConfig{TaskType: j.TaskType}
			if j.MaxWorkers != nil {
				out.Tasks[i].MaxWorkers = Limit(*j.MaxWorkers)
			}
		}
	}
	out.PollingJobs = append([]PollingJobConfig(nil), c.PollingJobs...)
	out.PollingQueues = append([]PollingQueueConfig(nil), c.PollingQueues...)
	return out
}
