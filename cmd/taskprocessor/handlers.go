package main

import (
	"context"
	"fmt"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/UniQw/taskcluster/executor"
	"github.com/bytedance/sonic"
)

const statsJobName = "cluster-stats"

// sleepPayload drives the built-in "sleep" task.
type sleepPayload struct {
	Duration time.Duration `json:"duration"`
	Steps    int           `json:"steps"`
	Fail     string        `json:"fail,omitempty"`
}

// registerBuiltins installs the task types every node understands.
func registerBuiltins(mux *executor.Mux) {
	mux.Handle("sleep", func(ctx context.Context, payload []byte) error {
		var p sleepPayload
		if err := sonic.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("sleep: decode payload: %w", err)
		}
		if p.Steps <= 0 {
			p.Steps = 10
		}
		step := p.Duration / time.Duration(p.Steps)
		for i := 1; i <= p.Steps; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step):
			}
			executor.SetProgress(ctx, float64(i*100/p.Steps))
		}
		if p.Fail != "" {
			return fmt.Errorf("sleep: %s", p.Fail)
		}
		return nil
	})
	mux.Handle("noop", func(context.Context, []byte) error { return nil })
}

func logTasks(log taskcluster.Logger) executor.Middleware {
	return func(next executor.HandlerFunc) executor.HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			id, typ, _ := executor.TaskInfo(ctx)
			start := time.Now()
			log.Debugf("task start id=%s type=%s bytes=%d", id, typ, len(payload))
			err := next(ctx, payload)
			log.Debugf("task end id=%s type=%s took=%s err=%v", id, typ, time.Since(start), err)
			return err
		}
	}
}

// statsJob logs the cluster backlog. It is scheduled through a polling job entry.
func statsJob(c *taskcluster.Client, log taskcluster.Logger) taskcluster.PollingJob {
	return taskcluster.PollingJobFunc(func(ctx context.Context) error {
		pending, err := c.ListTasks(ctx, taskcluster.StatusPending, nil)
		if err != nil {
			return err
		}
		running, err := c.ListTasks(ctx, taskcluster.StatusInProgress, nil)
		if err != nil {
			return err
		}
		procs, err := c.ListProcessors(ctx)
		if err != nil {
			return err
		}
		log.Infof("cluster stats pending=%d running=%d processors=%d", len(pending), len(running), len(procs))
		return nil
	})
}
