package taskcluster

import "time"

// TaskRuntimeInfo is the mutable lifecycle record of a submitted task.
// The payload is stored separately and loaded only by the processor that starts the task.
type TaskRuntimeInfo struct {
	// TaskID is the unique identifier for the task.
	TaskID string `json:"task_id"`
	// TaskType routes the task to a handler and to per-type worker limits.
	TaskType string `json:"task_type"`
	// SubmittedUTC is the submission time, used as the ordering tie-break.
	SubmittedUTC time.Time `json:"submitted_utc"`
	// Priority orders pending tasks; higher first.
	Priority Priority `json:"priority"`
	// PollingQueue is set for tasks drained by a polling queue instead of push-assigned.
	PollingQueue string `json:"polling_queue,omitempty"`
	// Status is the current lifecycle status.
	Status TaskStatus `json:"status"`
	// TaskProcessorID is the owning processor once the task started. Empty while pending.
	TaskProcessorID string `json:"task_processor_id,omitempty"`
	// AssignedTo is the processor the master last offered the task to.
	AssignedTo string `json:"assigned_to,omitempty"`
	// StartedUTC is set when the task leaves Pending through Start.
	StartedUTC *time.Time `json:"started_utc,omitempty"`
	// CompletedUTC is set when the task reaches a terminal status.
	CompletedUTC *time.Time `json:"completed_utc,omitempty"`
	// Progress is the last reported progress in percent (0..100).
	Progress float64 `json:"progress,omitempty"`
	// Error is the failure reason, set on Failed.
	Error string `json:"error,omitempty"`
	// CancelRequested records a cooperative cancel request.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// IsPollingQueueTask reports whether the task is drained by a polling queue.
func (t *TaskRuntimeInfo) IsPollingQueueTask() bool { return t.PollingQueue != "" }

// Clone returns a deep copy of the record.
func (t *TaskRuntimeInfo) Clone() *TaskRuntimeInfo {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedUTC != nil {
		s := *t.StartedUTC
		c.StartedUTC = &s
	}
	if t.CompletedUTC != nil {
		d := *t.CompletedUTC
		c.CompletedUTC = &d
	}
	return &c
}
