package redisstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniStore(t *testing.T, opts ...Option) (*Store, *mrd.Miniredis, *redis.Client) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, opts...), s, rdb
}

func pendingTask(id string, p taskcluster.Priority, submitted time.Time) *taskcluster.TaskRuntimeInfo {
	return &taskcluster.TaskRuntimeInfo{
		TaskID:       id,
		TaskType:     "email",
		SubmittedUTC: submitted,
		Priority:     p,
		Status:       taskcluster.StatusPending,
	}
}

func TestTaskStore_Add_DuplicateAndRoundTrip(t *testing.T) {
	st, _, _ := newMiniStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, st.Tasks().Add(ctx, pendingTask("t1", taskcluster.PriorityHigh, ts), []byte(`{"to":"a"}`)))
	err := st.Tasks().Add(ctx, pendingTask("t1", taskcluster.PriorityLow, ts), nil)
	require.ErrorIs(t, err, taskcluster.ErrDuplicateTask)

	got, err := st.Tasks().GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "email", got.TaskType)
	assert.Equal(t, taskcluster.PriorityHigh, got.Priority)
	assert.Equal(t, taskcluster.StatusPending, got.Status)
	assert.True(t, ts.Equal(got.SubmittedUTC))
	assert.Nil(t, got.StartedUTC)

	payload, err := st.Tasks().GetPayload(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"to":"a"}`, string(payload))

	_, err = st.Tasks().GetByID(ctx, "missing")
	require.ErrorIs(t, err, taskcluster.ErrTaskNotFound)
	_, err = st.Tasks().GetPayload(ctx, "missing")
	require.ErrorIs(t, err, taskcluster.ErrTaskNotFound)
}

func TestTaskStore_GetPending_PriorityThenAge(t *testing.T) {
	st, _, _ := newMiniStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, st.Tasks().Add(ctx, pendingTask("low-old", taskcluster.PriorityLow, base), nil))
	require.NoError(t, st.Tasks().Add(ctx, pendingTask("high-new", taskcluster.PriorityHigh, base.Add(2*time.Second)), nil))
	require.NoError(t, st.Tasks().Add(ctx, pendingTask("high-old", taskcluster.PriorityHigh, base.Add(time.Second)), nil))
	require.NoError(t, st.Tasks().Add(ctx, pendingTask("vh", taskcluster.PriorityVeryHigh, base.Add(3*time.Second)), nil))

	pending, err := st.Tasks().GetPending(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.TaskID)
	}
	assert.Equal(t, []string{"vh", "high-old", "high-new", "low-old"}, ids)
}

func TestTaskStore_Start_SingleWinner(t *testing.T) {
	st, _, _ := newMiniStore(t)
	ctx := context.Background()
	require.NoError(t, st.Tasks().Add(ctx, pendingTask("t1", taskcluster.PriorityNormal, time.Now()), nil))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, p := range []string{"p1", "p2", "p3", "p4"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			ok, err := st.Tasks().Start(ctx, "t1", p, time.Now())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(p)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())

	got, err := st.Tasks().GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, taskcluster.StatusInProgress, got.Status)
	assert.NotEmpty(t, got.TaskProcessorID)
	assert.NotNil(t, got.StartedUTC)

	pending, _ := st.Tasks().GetPending(ctx)
	assert.Empty(t, pending)
	active, _ := st.Tasks().GetActive(ctx)
	require.Len(t, active, 1)

	ok, err := st.Tasks().Start(ctx, "missing", "p1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskStore_Start_RefusesCancelRequested(t *testing.T) {
	st, _, _ := newMiniStore(t)
	ctx := context.Background()
	require.NoError(t, st.Tasks().Add(ctx, pendingTask("t1", taskcluster.PriorityNormal, time.Now()), nil))

	info, err := st.Tasks().RequestCancel(ctx, "t1", time.Now())
	require.NoError(t, err)
	assert.True(t, info.CancelRequested)

	ok, err := st.Tasks().Start(ctx, "t1", "p1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Tasks().CompleteCancel(ctx, "t1", time.Now()))
	got, err := st.Tasks().GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, taskcluster.StatusCanceled, got.Status)
	assert.NotNil(t, got.CompletedUTC)
}

func TestTaskStore_Finish_ArchivesAndExpires(t *testing.T) {
	st, s, _ := newMiniStore(t, WithRetention(time.Minute))
	ctx := context.Background()
	for _, id := range []string{"ok", "bad"} {
		require.NoError(t, st.Tasks().Add(ctx, pendingTask(id, taskcluster.PriorityNormal, time.Now()), []byte("x")))
		started, err := st.Tasks().Start(ctx, id, "p1", time.Now())
		require.NoError(t, err)
		require.True(t, started)
	}
	require.NoError(t, st.Tasks().Progress(ctx, "ok", 40))
	require.NoError(t, st.Tasks().Complete(ctx, "ok", time.Now()))
	require.NoError(t, st.Tasks().Fail(ctx, "bad", time.Now(), "boom"))

	ok, err := st.Tasks().GetByID(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, taskcluster.StatusSuccess, ok.Status)
	assert.InDelta(t, 100, ok.Progress, 0.001)

	bad, err := st.Tasks().GetByID(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, taskcluster.StatusFailed, bad.Status)
	assert.Equal(t, "boom", bad.Error)

	// terminal tasks ignore further transitions
	require.NoError(t, st.Tasks().Fail(ctx, "ok", time.Now(), "late"))
	ok, _ = st.Tasks().GetByID(ctx, "ok")
	assert.Equal(t, taskcluster.StatusSuccess, ok.Status)

	archive, err := st.Tasks().GetArchive(ctx)
	require.NoError(t, err)
	require.Len(t, archive, 2)
	assert.Equal(t, "bad", archive[0].TaskID)
	active, _ := st.Tasks().GetActive(ctx)
	assert.Empty(t, active)

	s.FastForward(2 * time.Minute)
	_, err = st.Tasks().GetByID(ctx, "ok")
	require.ErrorIs(t, err, taskcluster.ErrTaskNotFound)
	archive, err = st.Tasks().GetArchive(ctx)
	require.NoError(t, err)
	assert.Empty(t, archive)

	require.ErrorIs(t, st.Tasks().Complete(ctx, "missing", time.Now()), taskcluster.ErrTaskNotFound)
}

func TestTaskStore_Complete_RequiresInProgress(t *testing.T) {
	st, _, _ := newMiniStore(t)
	ctx := context.Background()
	require.NoError(t, st.Tasks().Add(ctx, pendingTask("t1", taskcluster.PriorityNormal, time.Now()), nil))

	require.NoError(t, st.Tasks().Complete(ctx, "t1", time.Now()))
	got, _ := st.Tasks().GetByID(ctx, "t1")
	assert.Equal(t, taskcluster.StatusPending, got.Status)

	require.NoError(t, st.Tasks().Progress(ctx, "t1", 10))
	got, _ = st.Tasks().GetByID(ctx, "t1")
	assert.Zero(t, got.Progress)
}

func TestTaskStore_ArchiveLimit(t *testing.T) {
	st, _, rdb := newMiniStore(t, WithArchiveLimit(2))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.Tasks().Add(ctx, pendingTask(id, taskcluster.PriorityNormal, time.Now()), nil))
		require.NoError(t, st.Tasks().CompleteCancel(ctx, id, time.Now()))
	}
	n, err := rdb.LLen(ctx, st.keys.Archive).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTaskStore_Assign(t *testing.T) {
	st, _, _ := newMiniStore(t)
	ctx := context.Background()
	require.NoError(t, st.Tasks().Add(ctx, pendingTask("t1", taskcluster.PriorityNormal, time.Now()), nil))
	require.NoError(t, st.Tasks().Assign(ctx, "t1", "p2"))

	got, _ := st.Tasks().GetByID(ctx, "t1")
	assert.Equal(t, "p2", got.AssignedTo)
	assert.Empty(t, got.TaskProcessorID)
	require.ErrorIs(t, st.Tasks().Assign(ctx, "missing", "p2"), taskcluster.ErrTaskNotFound)
}

func TestTaskStore_RequestCancel_Terminal(t *testing.T) {
	st, _, _ := newMiniStore(t)
	ctx := context.Background()
	require.NoError(t, st.Tasks().Add(ctx, pendingTask("t1", taskcluster.PriorityNormal, time.Now()), nil))
	require.NoError(t, st.Tasks().CompleteCancel(ctx, "t1", time.Now()))

	info, err := st.Tasks().RequestCancel(ctx, "t1", time.Now())
	require.NoError(t, err)
	assert.True(t, info.Status.IsTerminal())
	assert.False(t, info.CancelRequested)

	_, err = st.Tasks().RequestCancel(ctx, "missing", time.Now())
	require.ErrorIs(t, err, taskcluster.ErrTaskNotFound)
}

func TestTaskStore_ReservePollingQueueTasks(t *testing.T) {
	st, _, rdb := newMiniStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"q1", "q2", "q3"} {
		info := pendingTask(id, taskcluster.PriorityNormal, base.Add(time.Duration(i)*time.Second))
		info.PollingQueue = "reports"
		require.NoError(t, st.Tasks().Add(ctx, info, nil))
	}
	urgent := pendingTask("q0", taskcluster.PriorityVeryHigh, base.Add(time.Hour))
	urgent.PollingQueue = "reports"
	require.NoError(t, st.Tasks().Add(ctx, urgent, nil))

	got, err := st.Tasks().ReservePollingQueueTasks(ctx, "reports", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "q0", got[0].TaskID)
	assert.Equal(t, "q1", got[1].TaskID)
	assert.Equal(t, taskcluster.StatusPending, got[0].Status)

	// reserving does not take tasks off the backlog
	left, err := rdb.ZCard(ctx, st.keys.PollingQueue("reports")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(4), left)

	// starting a queued task does
	ok, err := st.Tasks().Start(ctx, "q2", "p1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	left, _ = rdb.ZCard(ctx, st.keys.PollingQueue("reports")).Result()
	assert.Equal(t, int64(3), left)

	none, err := st.Tasks().ReservePollingQueueTasks(ctx, "reports", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTaskStore_ReservePollingQueueTasks_UnstartedStaysReservable(t *testing.T) {
	st, _, rdb := newMiniStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"q1", "q2", "q3", "q4"} {
		info := pendingTask(id, taskcluster.PriorityNormal, base.Add(time.Duration(i)*time.Second))
		info.PollingQueue = "reports"
		require.NoError(t, st.Tasks().Add(ctx, info, nil))
	}

	// a reservation that is never started
	got, err := st.Tasks().ReservePollingQueueTasks(ctx, "reports", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q1", got[0].TaskID)

	again, err := st.Tasks().ReservePollingQueueTasks(ctx, "reports", 10)
	require.NoError(t, err)
	require.Len(t, again, 4)
	assert.Equal(t, "q1", again[0].TaskID)

	// two processors racing on the same reservation: one Start wins
	ok, err := st.Tasks().Start(ctx, "q1", "p1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.Tasks().Start(ctx, "q1", "p2", time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	// cancel-requested tasks are skipped, finished tasks are pruned
	_, err = st.Tasks().RequestCancel(ctx, "q2", time.Now())
	require.NoError(t, err)
	require.NoError(t, st.Tasks().CompleteCancel(ctx, "q3", time.Now()))
	require.NoError(t, rdb.ZAdd(ctx, st.keys.PollingQueue("reports"), redis.Z{Score: 0, Member: "ghost"}).Err())

	got, err = st.Tasks().ReservePollingQueueTasks(ctx, "reports", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q4", got[0].TaskID)

	members, err := rdb.ZRange(ctx, st.keys.PollingQueue("reports"), 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"q2", "q4"}, members)
}

func TestProcessorStore_Lifecycle(t *testing.T) {
	st, s, _ := newMiniStore(t, WithExpiration(10*time.Second))
	ctx := context.Background()
	procs := st.Processors()
	assert.Equal(t, 10*time.Second, procs.ExpirationTimeout())

	info := &taskcluster.ProcessorRuntimeInfo{
		TaskProcessorID: "p1",
		MachineName:     "host-a",
		State:           taskcluster.StateActive,
		Configuration: taskcluster.ProcessorConfiguration{
			MaxWorkers: taskcluster.Limit(4),
			Tasks:      []taskcluster.TaskJobConfig{{TaskType: "email", MaxWorkers: taskcluster.Limit(0)}},
		},
	}
	require.NoError(t, procs.Add(ctx, info))

	got, err := procs.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "host-a", got.MachineName)
	require.NotNil(t, got.Configuration.MaxWorkers)
	assert.Equal(t, 4, *got.Configuration.MaxWorkers)
	job, ok := got.Configuration.TaskJob("email")
	require.True(t, ok)
	require.NotNil(t, job.MaxWorkers)
	assert.Equal(t, 0, *job.MaxWorkers)

	require.NoError(t, procs.SetState(ctx, "p1", taskcluster.StateStopping))
	require.NoError(t, procs.SetConfiguration(ctx, "p1", taskcluster.ProcessorConfiguration{}))
	got, _ = procs.GetByID(ctx, "p1")
	assert.Equal(t, taskcluster.StateStopping, got.State)
	assert.Nil(t, got.Configuration.MaxWorkers)
	require.ErrorIs(t, procs.SetState(ctx, "ghost", taskcluster.StateActive), taskcluster.ErrProcessorNotFound)

	s.FastForward(8 * time.Second)
	alive, err := procs.Heartbeat(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, alive)
	s.FastForward(8 * time.Second)
	all, err := procs.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	s.FastForward(11 * time.Second)
	alive, err = procs.Heartbeat(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, alive)
	_, err = procs.GetByID(ctx, "p1")
	require.ErrorIs(t, err, taskcluster.ErrProcessorNotFound)
	all, err = procs.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, procs.Delete(ctx, "p1"))
}

func TestProcessorStore_MasterPointer(t *testing.T) {
	st, s, _ := newMiniStore(t, WithExpiration(5*time.Second))
	ctx := context.Background()
	procs := st.Processors()

	id, err := procs.GetMasterID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	won, err := procs.SetMasterIfNotExists(ctx, "p1")
	require.NoError(t, err)
	require.True(t, won)
	won, err = procs.SetMasterIfNotExists(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, won)

	held, err := procs.MasterHeartbeat(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, held)
	require.NoError(t, procs.ClearMaster(ctx, "p2"))
	id, _ = procs.GetMasterID(ctx)
	assert.Equal(t, "p1", id)

	s.FastForward(4 * time.Second)
	held, err = procs.MasterHeartbeat(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, held)
	s.FastForward(4 * time.Second)
	id, _ = procs.GetMasterID(ctx)
	assert.Equal(t, "p1", id)

	s.FastForward(6 * time.Second)
	id, _ = procs.GetMasterID(ctx)
	assert.Empty(t, id)

	won, err = procs.SetMasterIfNotExists(ctx, "p2")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, procs.ClearMaster(ctx, "p2"))
	id, _ = procs.GetMasterID(ctx)
	assert.Empty(t, id)
}

func TestStore_Namespaces_AreIsolated(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	a := New(rdb, WithNamespace("a"))
	b := New(rdb, WithNamespace("b"))
	ctx := context.Background()

	require.NoError(t, a.Ping(ctx))
	require.NoError(t, a.Tasks().Add(ctx, pendingTask("t1", taskcluster.PriorityNormal, time.Now()), nil))
	require.NoError(t, b.Tasks().Add(ctx, pendingTask("t1", taskcluster.PriorityNormal, time.Now()), nil))
	pending, err := b.Tasks().GetPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
