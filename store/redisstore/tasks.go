package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/redis/go-redis/v9"
)

// TaskStore implements taskcluster.TaskRepository.
type TaskStore struct {
	s *Store
}

// addScript stores a new task unless the ID exists.
// KEYS: task, payload, pending, [polling queue]. ARGV: id, score, payload, field/value pairs...
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('SET', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
if #KEYS > 3 then redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1]) end
return 1
`)

// assignScript records the last offered processor on a Pending task.
var assignScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'assigned', ARGV[1])
return 1
`)

// startScript moves a Pending, uncanceled task that is unowned or owned by the caller
// to InProgress. KEYS: task, pending, active. ARGV: id, processor, started ms, pq prefix.
var startScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'status', 'owner', 'cancel', 'queue')
if f[1] ~= 'pending' then return 0 end
if f[2] and f[2] ~= '' and f[2] ~= ARGV[2] then return 0 end
if f[3] == '1' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'in_progress', 'owner', ARGV[2], 'started', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
if f[4] and f[4] ~= '' then redis.call('ZREM', ARGV[4] .. f[4], ARGV[1]) end
return 1
`)

// progressScript updates progress of an InProgress task.
var progressScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'in_progress' then return 0 end
redis.call('HSET', KEYS[1], 'progress', ARGV[1])
return 1
`)

// finishScript moves a task to a terminal status and archives it. Success and failure
// require InProgress; cancellation accepts Pending too.
// KEYS: task, payload, pending, active, archive.
// ARGV: id, status, completed ms, error, retention ms, archive limit, pq prefix.
var finishScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'status', 'queue')
local st = f[1]
if not st then return -1 end
if st == 'canceled' or st == 'failed' or st == 'success' then return 0 end
if ARGV[2] ~= 'canceled' and st ~= 'in_progress' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'completed', ARGV[3])
if ARGV[2] == 'success' then redis.call('HSET', KEYS[1], 'progress', '100') end
if ARGV[4] ~= '' then redis.call('HSET', KEYS[1], 'error', ARGV[4]) end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
if f[2] and f[2] ~= '' then redis.call('ZREM', ARGV[7] .. f[2], ARGV[1]) end
redis.call('LPUSH', KEYS[5], ARGV[1])
redis.call('LTRIM', KEYS[5], 0, tonumber(ARGV[6]) - 1)
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// requestCancelScript flags a non-terminal task for cancellation.
var requestCancelScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st == 'canceled' or st == 'failed' or st == 'success' then return 0 end
redis.call('HSET', KEYS[1], 'cancel', '1')
return 1
`)

// reserveScript returns up to ARGV[1] startable members of a polling queue, best first,
// without removing them; Start takes a task off its queue. Entries whose task is gone or
// no longer Pending are pruned. KEYS: polling queue. ARGV: max, task key prefix.
var reserveScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local out = {}
local offset = 0
while #out < max do
  local ids = redis.call('ZRANGE', KEYS[1], offset, offset + max - 1)
  if #ids == 0 then break end
  for _, id in ipairs(ids) do
    local f = redis.call('HMGET', ARGV[2] .. id, 'status', 'cancel')
    if f[1] == 'pending' then
      offset = offset + 1
      if f[2] ~= '1' and #out < max then table.insert(out, id) end
    else
      redis.call('ZREM', KEYS[1], id)
    end
  end
end
return out
`)

// pendingScore orders by priority descending, then submission time ascending.
func pendingScore(p taskcluster.Priority, submitted time.Time) float64 {
	return float64(int64(taskcluster.PriorityVeryHigh-p)*1e13 + submitted.UnixMilli())
}

// Add stores a new Pending task.
func (t *TaskStore) Add(ctx context.Context, info *taskcluster.TaskRuntimeInfo, payload []byte) error {
	if info == nil || info.TaskID == "" {
		return taskcluster.ErrInvalidArgument
	}
	k := t.s.keys
	keyList := []string{k.Task(info.TaskID), k.Payload(info.TaskID), k.Pending}
	if info.PollingQueue != "" {
		keyList = append(keyList, k.PollingQueue(info.PollingQueue))
	}
	args := []any{info.TaskID, pendingScore(info.Priority, info.SubmittedUTC), payload}
	for field, v := range taskToMap(info) {
		args = append(args, field, v)
	}
	n, err := addScript.Run(ctx, t.s.rdb, keyList, args...).Int()
	if err != nil {
		return fmt.Errorf("redisstore: add task: %w", err)
	}
	if n == 0 {
		return taskcluster.ErrDuplicateTask
	}
	return nil
}

// GetByID returns the task runtime info.
func (t *TaskStore) GetByID(ctx context.Context, taskID string) (*taskcluster.TaskRuntimeInfo, error) {
	vals, err := t.s.rdb.HGetAll(ctx, t.s.keys.Task(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, taskcluster.ErrTaskNotFound
	}
	return mapToTask(vals)
}

// GetPayload returns the stored payload.
func (t *TaskStore) GetPayload(ctx context.Context, taskID string) ([]byte, error) {
	b, err := t.s.rdb.Get(ctx, t.s.keys.Payload(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, taskcluster.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get payload: %w", err)
	}
	return b, nil
}

// GetPending returns Pending tasks, highest priority and oldest first.
func (t *TaskStore) GetPending(ctx context.Context) ([]*taskcluster.TaskRuntimeInfo, error) {
	ids, err := t.s.rdb.ZRange(ctx, t.s.keys.Pending, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get pending: %w", err)
	}
	return t.loadMany(ctx, ids)
}

// GetActive returns InProgress tasks.
func (t *TaskStore) GetActive(ctx context.Context) ([]*taskcluster.TaskRuntimeInfo, error) {
	ids, err := t.s.rdb.SMembers(ctx, t.s.keys.Active).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get active: %w", err)
	}
	return t.loadMany(ctx, ids)
}

// GetArchive returns retained terminal tasks, most recent first.
func (t *TaskStore) GetArchive(ctx context.Context) ([]*taskcluster.TaskRuntimeInfo, error) {
	ids, err := t.s.rdb.LRange(ctx, t.s.keys.Archive, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get archive: %w", err)
	}
	return t.loadMany(ctx, ids)
}

// loadMany reads task hashes in one pipeline, skipping tasks that expired in between.
func (t *TaskStore) loadMany(ctx context.Context, ids []string) ([]*taskcluster.TaskRuntimeInfo, error) {
	out := make([]*taskcluster.TaskRuntimeInfo, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := t.s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, t.s.keys.Task(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redisstore: load tasks: %w", err)
	}
	for _, c := range cmds {
		vals := c.Val()
		if len(vals) == 0 {
			continue
		}
		info, convErr := mapToTask(vals)
		if convErr != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Assign records the last processor offered the task.
func (t *TaskStore) Assign(ctx context.Context, taskID, processorID string) error {
	n, err := assignScript.Run(ctx, t.s.rdb, []string{t.s.keys.Task(taskID)}, processorID).Int()
	if err != nil {
		return fmt.Errorf("redisstore: assign: %w", err)
	}
	if n < 0 {
		return taskcluster.ErrTaskNotFound
	}
	return nil
}

// Start atomically moves a Pending task to InProgress owned by processorID.
func (t *TaskStore) Start(ctx context.Context, taskID, processorID string, ts time.Time) (bool, error) {
	k := t.s.keys
	n, err := startScript.Run(ctx, t.s.rdb,
		[]string{k.Task(taskID), k.Pending, k.Active},
		taskID, processorID, ts.UnixMilli(), k.PollingQueue(""),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: start: %w", err)
	}
	return n == 1, nil
}

// Progress records the task's completion percentage.
func (t *TaskStore) Progress(ctx context.Context, taskID string, percent float64) error {
	n, err := progressScript.Run(ctx, t.s.rdb, []string{t.s.keys.Task(taskID)},
		strconv.FormatFloat(percent, 'f', -1, 64)).Int()
	if err != nil {
		return fmt.Errorf("redisstore: progress: %w", err)
	}
	if n < 0 {
		return taskcluster.ErrTaskNotFound
	}
	return nil
}

// Complete marks an InProgress task Success.
func (t *TaskStore) Complete(ctx context.Context, taskID string, ts time.Time) error {
	return t.finish(ctx, taskID, taskcluster.StatusSuccess, ts, "")
}

// Fail marks an InProgress task Failed with reason.
func (t *TaskStore) Fail(ctx context.Context, taskID string, ts time.Time, reason string) error {
	return t.finish(ctx, taskID, taskcluster.StatusFailed, ts, reason)
}

// CompleteCancel marks a Pending or InProgress task Canceled.
func (t *TaskStore) CompleteCancel(ctx context.Context, taskID string, ts time.Time) error {
	return t.finish(ctx, taskID, taskcluster.StatusCanceled, ts, "")
}

func (t *TaskStore) finish(ctx context.Context, taskID string, status taskcluster.TaskStatus, ts time.Time, reason string) error {
	k := t.s.keys
	n, err := finishScript.Run(ctx, t.s.rdb,
		[]string{k.Task(taskID), k.Payload(taskID), k.Pending, k.Active, k.Archive},
		taskID, string(status), ts.UnixMilli(), reason,
		t.s.retention.Milliseconds(), t.s.archiveLimit, k.PollingQueue(""),
	).Int()
	if err != nil {
		return fmt.Errorf("redisstore: finish %s: %w", status, err)
	}
	if n < 0 {
		return taskcluster.ErrTaskNotFound
	}
	return nil
}

// RequestCancel flags the task and returns its current record.
func (t *TaskStore) RequestCancel(ctx context.Context, taskID string, _ time.Time) (*taskcluster.TaskRuntimeInfo, error) {
	n, err := requestCancelScript.Run(ctx, t.s.rdb, []string{t.s.keys.Task(taskID)}).Int()
	if err != nil {
		return nil, fmt.Errorf("redisstore: request cancel: %w", err)
	}
	if n < 0 {
		return nil, taskcluster.ErrTaskNotFound
	}
	return t.GetByID(ctx, taskID)
}

// ReservePollingQueueTasks returns up to maxCount startable tasks from the queue backlog.
// The tasks stay queued until Start claims them, so concurrent callers may see the same ids.
func (t *TaskStore) ReservePollingQueueTasks(ctx context.Context, queueKey string, maxCount int) ([]*taskcluster.TaskRuntimeInfo, error) {
	if maxCount <= 0 {
		return []*taskcluster.TaskRuntimeInfo{}, nil
	}
	ids, err := reserveScript.Run(ctx, t.s.rdb,
		[]string{t.s.keys.PollingQueue(queueKey)},
		maxCount, t.s.keys.Task(""),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redisstore: reserve %s: %w", queueKey, err)
	}
	all, err := t.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, info := range all {
		if info.Status == taskcluster.StatusPending {
			out = append(out, info)
		}
	}
	return out, nil
}

// ── helpers ──

func taskToMap(t *taskcluster.TaskRuntimeInfo) map[string]any {
	m := map[string]any{
		"id":        t.TaskID,
		"type":      t.TaskType,
		"submitted": t.SubmittedUTC.UnixMilli(),
		"priority":  int(t.Priority),
		"queue":     t.PollingQueue,
		"status":    string(t.Status),
		"owner":     t.TaskProcessorID,
		"assigned":  t.AssignedTo,
		"progress":  strconv.FormatFloat(t.Progress, 'f', -1, 64),
		"error":     t.Error,
		"cancel":    boolToStr(t.CancelRequested),
	}
	if t.StartedUTC != nil {
		m["started"] = t.StartedUTC.UnixMilli()
	}
	if t.CompletedUTC != nil {
		m["completed"] = t.CompletedUTC.UnixMilli()
	}
	return m
}

func mapToTask(m map[string]string) (*taskcluster.TaskRuntimeInfo, error) {
	status, err := taskcluster.ParseStatus(m["status"])
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse task %s: %w", m["id"], err)
	}
	priority, _ := strconv.Atoi(m["priority"])          //nolint:errcheck // best-effort parse from trusted Redis data
	progress, _ := strconv.ParseFloat(m["progress"], 64) //nolint:errcheck // best-effort parse from trusted Redis data

	t := &taskcluster.TaskRuntimeInfo{
		TaskID:          m["id"],
		TaskType:        m["type"],
		SubmittedUTC:    msToTime(m["submitted"]),
		Priority:        taskcluster.Priority(priority),
		PollingQueue:    m["queue"],
		Status:          status,
		TaskProcessorID: m["owner"],
		AssignedTo:      m["assigned"],
		Progress:        progress,
		Error:           m["error"],
		CancelRequested: m["cancel"] == "1",
	}
	if v := m["started"]; v != "" {
		ts := msToTime(v)
		t.StartedUTC = &ts
	}
	if v := m["completed"]; v != "" {
		ts := msToTime(v)
		t.CompletedUTC = &ts
	}
	return t, nil
}

func msToTime(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	return time.UnixMilli(ms).UTC()
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
