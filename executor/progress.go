package executor

import (
	"context"

	"github.com/UniQw/taskcluster/internal/hctx"
)

// SetProgress allows a handler to report progress (0..100) for the current task.
// It is a no-op if the context does not come from an Executor.
func SetProgress(ctx context.Context, percent float64) {
	st, ok := hctx.From(ctx)
	if !ok {
		return
	}
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	st.SetProgress(percent)
}

// TaskInfo returns the ID and type of the task the handler is running.
func TaskInfo(ctx context.Context) (taskID, taskType string, ok bool) {
	st, ok := hctx.From(ctx)
	if !ok {
		return "", "", false
	}
	return st.TaskID, st.TaskType, true
}
