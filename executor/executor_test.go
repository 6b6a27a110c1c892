package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	kind string
	err  error
}

type recorder struct {
	mu       sync.Mutex
	progress []float64
	done     chan outcome
}

func newRecorder() *recorder { return &recorder{done: make(chan outcome, 1)} }

func (r *recorder) OnTaskProgress(_ string, p float64) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}
func (r *recorder) OnTaskCompleted(string)          { r.done <- outcome{kind: "completed"} }
func (r *recorder) OnTaskFailed(_ string, e error) { r.done <- outcome{kind: "failed", err: e} }
func (r *recorder) OnTaskCanceled(string)           { r.done <- outcome{kind: "canceled"} }

func (r *recorder) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.done:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome reported")
		return outcome{}
	}
}

func task(id, typ string) *taskcluster.TaskRuntimeInfo {
	return &taskcluster.TaskRuntimeInfo{TaskID: id, TaskType: typ, Status: taskcluster.StatusInProgress}
}

func TestExecutor_Completed_WithProgress(t *testing.T) {
	mux := NewMux()
	mux.Handle("resize", func(ctx context.Context, payload []byte) error {
		SetProgress(ctx, 40)
		SetProgress(ctx, 140)
		return nil
	})
	e := New(mux)
	rec := newRecorder()

	require.NoError(t, e.StartTask(context.Background(), task("t1", "resize"), []byte(`{}`), rec))
	assert.Equal(t, "completed", rec.wait(t).kind)
	assert.Equal(t, []float64{40, 100}, rec.progress)
	assert.Equal(t, 0, e.ActiveTasksCount())
}

func TestExecutor_Failed(t *testing.T) {
	mux := NewMux()
	boom := errors.New("boom")
	mux.Handle("resize", func(context.Context, []byte) error { return boom })
	e := New(mux)
	rec := newRecorder()

	require.NoError(t, e.StartTask(context.Background(), task("t1", "resize"), nil, rec))
	o := rec.wait(t)
	assert.Equal(t, "failed", o.kind)
	assert.ErrorIs(t, o.err, boom)
}

func TestExecutor_PanicBecomesFailure(t *testing.T) {
	mux := NewMux()
	mux.Handle("resize", func(context.Context, []byte) error { panic("bad input") })
	e := New(mux)
	rec := newRecorder()

	require.NoError(t, e.StartTask(context.Background(), task("t1", "resize"), nil, rec))
	o := rec.wait(t)
	assert.Equal(t, "failed", o.kind)
	assert.Contains(t, o.err.Error(), "bad input")
}

func TestExecutor_Cancel(t *testing.T) {
	mux := NewMux()
	started := make(chan struct{})
	mux.Handle("slow", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	e := New(mux)
	rec := newRecorder()

	require.NoError(t, e.StartTask(context.Background(), task("t1", "slow"), nil, rec))
	<-started
	assert.Equal(t, 1, e.ActiveTasksCount())
	assert.True(t, e.CancelTask("t1"))
	assert.Equal(t, "canceled", rec.wait(t).kind)
	assert.False(t, e.CancelTask("t1"), "no longer running")
}

func TestExecutor_Timeout(t *testing.T) {
	mux := NewMux()
	mux.Handle("slow", func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})
	e := New(mux, WithTaskTimeout(20*time.Millisecond))
	rec := newRecorder()

	require.NoError(t, e.StartTask(context.Background(), task("t1", "slow"), nil, rec))
	o := rec.wait(t)
	assert.Equal(t, "failed", o.kind)
	assert.ErrorIs(t, o.err, ErrTimeout)
}

func TestExecutor_NoHandler(t *testing.T) {
	e := New(NewMux())
	err := e.StartTask(context.Background(), task("t1", "unknown"), nil, newRecorder())
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestExecutor_DuplicateStart(t *testing.T) {
	mux := NewMux()
	release := make(chan struct{})
	mux.Handle("slow", func(context.Context, []byte) error { <-release; return nil })
	e := New(mux)
	rec := newRecorder()

	require.NoError(t, e.StartTask(context.Background(), task("t1", "slow"), nil, rec))
	assert.ErrorIs(t, e.StartTask(context.Background(), task("t1", "slow"), nil, rec), ErrTaskRunning)
	close(release)
	rec.wait(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func TestExecutor_InvalidArgument(t *testing.T) {
	e := New(NewMux())
	assert.ErrorIs(t, e.StartTask(context.Background(), nil, nil, newRecorder()), taskcluster.ErrInvalidArgument)
}

func TestExecutor_TaskInfoInContext(t *testing.T) {
	mux := NewMux()
	seen := make(chan [2]string, 1)
	mux.Handle("resize", func(ctx context.Context, _ []byte) error {
		id, typ, ok := TaskInfo(ctx)
		if ok {
			seen <- [2]string{id, typ}
		}
		return nil
	})
	e := New(mux)
	rec := newRecorder()

	require.NoError(t, e.StartTask(context.Background(), task("t9", "resize"), nil, rec))
	assert.Equal(t, "completed", rec.wait(t).kind)
	assert.Equal(t, [2]string{"t9", "resize"}, <-seen)

	_, _, ok := TaskInfo(context.Background())
	assert.False(t, ok)
}
