// Package executor runs task payloads on goroutines through a handler Mux.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/UniQw/taskcluster/internal/hctx"
)

var (
	// ErrNoHandler is returned by StartTask when no handler is registered for the task type.
	ErrNoHandler = errors.New("executor: no handler for task type")
	// ErrTaskRunning is returned by StartTask when the task is already running here.
	ErrTaskRunning = errors.New("executor: task already running")
	// ErrTimeout is reported to the listener when a task exceeds the configured timeout.
	ErrTimeout = errors.New("executor: task timed out")
)

type run struct {
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// Executor implements taskcluster.TaskExecutor. Each task runs on its own goroutine with a
// cancellable context; handlers observe cancellation through ctx.
type Executor struct {
	mux     *Mux
	timeout time.Duration
	log     taskcluster.Logger

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithTaskTimeout bounds every task's run time. Zero disables the bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithLogger sets the executor logger.
func WithLogger(l taskcluster.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an Executor dispatching through mux.
func New(mux *Mux, opts ...Option) *Executor {
	e := &Executor{
		mux:     mux,
		log:     taskcluster.NopLogger(),
		running: make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartTask launches the handler for info.TaskType and returns immediately. Exactly one
// terminal listener callback follows.
func (e *Executor) StartTask(ctx context.Context, info *taskcluster.TaskRuntimeInfo, payload []byte, l taskcluster.ExecutionListener) error {
	if info == nil || l == nil {
		return taskcluster.ErrInvalidArgument
	}
	h, ok := e.mux.handler(info.TaskType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, info.TaskType)
	}

	id := info.TaskID
	e.mu.Lock()
	if _, busy := e.running[id]; busy {
		e.mu.Unlock()
		return ErrTaskRunning
	}
	var (
		tctx   context.Context
		cancel context.CancelFunc
	)
	if e.timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, e.timeout)
	} else {
		tctx, cancel = context.WithCancel(ctx)
	}
	r := &run{cancel: cancel}
	e.running[id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	st := hctx.New(func(p float64) { l.OnTaskProgress(id, p) })
	st.TaskID, st.TaskType = id, info.TaskType
	go e.execute(hctx.WithState(tctx, st), id, info.TaskType, h, payload, r, l)
	return nil
}

func (e *Executor) execute(ctx context.Context, id, taskType string, h HandlerFunc, payload []byte, r *run, l taskcluster.ExecutionListener) {
	defer e.wg.Done()
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("executor: handler panic: %v", p)
			}
		}()
		return h(ctx, payload)
	}()
	ctxErr := ctx.Err()
	r.cancel()

	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()

	switch {
	case r.canceled.Load():
		e.log.Infof("executor: canceled id=%s type=%s after=%s", id, taskType, time.Since(start))
		l.OnTaskCanceled(id)
	case errors.Is(ctxErr, context.DeadlineExceeded):
		e.log.Warnf("executor: timeout id=%s type=%s after=%s", id, taskType, e.timeout)
		l.OnTaskFailed(id, fmt.Errorf("%w after %s", ErrTimeout, e.timeout))
	case err == nil:
		e.log.Debugf("executor: processed id=%s type=%s took=%s", id, taskType, time.Since(start))
		l.OnTaskCompleted(id)
	case errors.Is(ctxErr, context.Canceled):
		l.OnTaskCanceled(id)
	default:
		e.log.Warnf("executor: handler error id=%s type=%s err=%v", id, taskType, err)
		l.OnTaskFailed(id, err)
	}
}

// CancelTask cancels the context of a running task. The handler decides when to return.
func (e *Executor) CancelTask(taskID string) bool {
	e.mu.Lock()
	r, ok := e.running[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.canceled.Store(true)
	r.cancel()
	return true
}

// ActiveTasksCount returns the number of running tasks.
func (e *Executor) ActiveTasksCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Wait blocks until every started task has reported its outcome or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
