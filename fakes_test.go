package taskcluster

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memRepo is an in-memory Repository with hooks for failure injection.
type memRepo struct {
	mu         sync.Mutex
	tasks      map[string]*TaskRuntimeInfo
	payloads   map[string][]byte
	procs      map[string]*ProcessorRuntimeInfo
	master     string
	expiration time.Duration

	heartbeatFn       func(id string) (bool, error)
	masterHeartbeatFn func(id string) (bool, error)
	startFn           func(id string) error
	afterReserve      func()
	startCalls        atomic.Int32
}

func newMemRepo() *memRepo {
	return &memRepo{
		tasks:      make(map[string]*TaskRuntimeInfo),
		payloads:   make(map[string][]byte),
		procs:      make(map[string]*ProcessorRuntimeInfo),
		expiration: time.Minute,
	}
}

func (r *memRepo) Tasks() TaskRepository           { return (*memTasks)(r) }
func (r *memRepo) Processors() ProcessorRepository { return (*memProcs)(r) }

func (r *memRepo) task(id string) *TaskRuntimeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id].Clone()
}

func (r *memRepo) putProcessor(id string, cfg ProcessorConfiguration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[id] = &ProcessorRuntimeInfo{TaskProcessorID: id, State: StateActive, Configuration: cfg}
}

func (r *memRepo) putTask(t *TaskRuntimeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.TaskID] = t.Clone()
}

type memTasks memRepo

func (t *memTasks) Add(_ context.Context, info *TaskRuntimeInfo, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[info.TaskID]; ok {
		return ErrDuplicateTask
	}
	t.tasks[info.TaskID] = info.Clone()
	t.payloads[info.TaskID] = payload
	return nil
}

func (t *memTasks) GetByID(_ context.Context, id string) (*TaskRuntimeInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return info.Clone(), nil
}

func (t *memTasks) GetPayload(_ context.Context, id string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.payloads[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return p, nil
}

func (t *memTasks) filter(keep func(*TaskRuntimeInfo) bool) []*TaskRuntimeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*TaskRuntimeInfo, 0)
	for _, info := range t.tasks {
		if keep(info) {
			out = append(out, info.Clone())
		}
	}
	return out
}

func (t *memTasks) GetPending(context.Context) ([]*TaskRuntimeInfo, error) {
	out := t.filter(func(i *TaskRuntimeInfo) bool { return i.Status == StatusPending })
	SortByPriority(out)
	return out, nil
}

func (t *memTasks) GetActive(context.Context) ([]*TaskRuntimeInfo, error) {
	return t.filter(func(i *TaskRuntimeInfo) bool { return i.Status == StatusInProgress }), nil
}

func (t *memTasks) GetArchive(context.Context) ([]*TaskRuntimeInfo, error) {
	return t.filter(func(i *TaskRuntimeInfo) bool { return i.Status.IsTerminal() }), nil
}

func (t *memTasks) Assign(_ context.Context, id, pid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if info.Status == StatusPending {
		info.AssignedTo = pid
	}
	return nil
}

func (t *memTasks) Start(_ context.Context, id, pid string, ts time.Time) (bool, error) {
	t.startCalls.Add(1)
	if t.startFn != nil {
		if err := t.startFn(id); err != nil {
			return false, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.tasks[id]
	if !ok || info.Status != StatusPending || info.CancelRequested {
		return false, nil
	}
	if info.TaskProcessorID != "" && info.TaskProcessorID != pid {
		return false, nil
	}
	info.Status = StatusInProgress
	info.TaskProcessorID = pid
	info.StartedUTC = &ts
	return true, nil
}

func (t *memTasks) Progress(_ context.Context, id string, pct float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if info.Status == StatusInProgress {
		info.Progress = pct
	}
	return nil
}

func (t *memTasks) finish(id string, status TaskStatus, ts time.Time, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if info.Status.IsTerminal() || (status != StatusCanceled && info.Status != StatusInProgress) {
		return nil
	}
	info.Status = status
	info.CompletedUTC = &ts
	info.Error = reason
	return nil
}

func (t *memTasks) Complete(_ context.Context, id string, ts time.Time) error {
	return t.finish(id, StatusSuccess, ts, "")
}

func (t *memTasks) Fail(_ context.Context, id string, ts time.Time, reason string) error {
	return t.finish(id, StatusFailed, ts, reason)
}

func (t *memTasks) CompleteCancel(_ context.Context, id string, ts time.Time) error {
	return t.finish(id, StatusCanceled, ts, "")
}

func (t *memTasks) RequestCancel(_ context.Context, id string, _ time.Time) (*TaskRuntimeInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !info.Status.IsTerminal() {
		info.CancelRequested = true
	}
	return info.Clone(), nil
}

func (t *memTasks) ReservePollingQueueTasks(_ context.Context, key string, n int) ([]*TaskRuntimeInfo, error) {
	out := t.filter(func(i *TaskRuntimeInfo) bool {
		return i.Status == StatusPending && i.PollingQueue == key && !i.CancelRequested
	})
	SortByPriority(out)
	if len(out) > n {
		out = out[:n]
	}
	if t.afterReserve != nil {
		t.afterReserve()
	}
	return out, nil
}

type memProcs memRepo

func (p *memProcs) Add(_ context.Context, info *ProcessorRuntimeInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := *info
	c.Configuration = info.Configuration.Clone()
	p.procs[info.TaskProcessorID] = &c
	return nil
}

func (p *memProcs) GetByID(_ context.Context, id string) (*ProcessorRuntimeInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.procs[id]
	if !ok {
		return nil, ErrProcessorNotFound
	}
	c := *info
	c.Configuration = info.Configuration.Clone()
	return &c, nil
}

func (p *memProcs) GetAll(context.Context) ([]*ProcessorRuntimeInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ProcessorRuntimeInfo, 0, len(p.procs))
	for _, info := range p.procs {
		c := *info
		c.Configuration = info.Configuration.Clone()
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *ProcessorRuntimeInfo) int {
		if a.TaskProcessorID < b.TaskProcessorID {
			return -1
		}
		return 1
	})
	return out, nil
}

func (p *memProcs) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.procs, id)
	return nil
}

func (p *memProcs) SetConfiguration(_ context.Context, id string, cfg ProcessorConfiguration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.procs[id]
	if !ok {
		return ErrProcessorNotFound
	}
	info.Configuration = cfg.Clone()
	return nil
}

func (p *memProcs) SetState(_ context.Context, id string, s ProcessorState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.procs[id]
	if !ok {
		return ErrProcessorNotFound
	}
	info.State = s
	return nil
}

func (p *memProcs) Heartbeat(_ context.Context, id string) (bool, error) {
	if p.heartbeatFn != nil {
		return p.heartbeatFn(id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.procs[id]
	return ok, nil
}

func (p *memProcs) MasterHeartbeat(_ context.Context, id string) (bool, error) {
	if p.masterHeartbeatFn != nil {
		return p.masterHeartbeatFn(id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.master == id, nil
}

func (p *memProcs) SetMasterIfNotExists(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.master != "" {
		return false, nil
	}
	p.master = id
	return true, nil
}

func (p *memProcs) GetMasterID(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.master, nil
}

func (p *memProcs) ClearMaster(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.master == id {
		p.master = ""
	}
	return nil
}

func (p *memProcs) ExpirationTimeout() time.Duration { return p.expiration }

// memHub connects the memBus instances of one test cluster and records every publish.
type memHub struct {
	mu        sync.Mutex
	buses     []*memBus
	cmds      []MasterCommand
	published []published
}

type published struct {
	ch      Channel
	payload []byte
}

func newMemHub() *memHub { return &memHub{} }

// poisonKind marks a queued entry that fails to decode on PopFirst.
const poisonKind CommandKind = "poison"

func (h *memHub) poison() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, MasterCommand{Kind: poisonKind})
}

func (h *memHub) bus() *memBus {
	b := &memBus{hub: h, handlers: make(map[Channel]Handler)}
	h.mu.Lock()
	h.buses = append(h.buses, b)
	h.mu.Unlock()
	return b
}

// count returns how many messages on ch satisfy match (nil matches all).
func (h *memHub) count(ch Channel, match func([]byte) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.published {
		if p.ch == ch && (match == nil || match(p.payload)) {
			n++
		}
	}
	return n
}

func (h *memHub) queued() []MasterCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.cmds)
}

type memBus struct {
	hub      *memHub
	mu       sync.Mutex
	handlers map[Channel]Handler
	wg       sync.WaitGroup
}

func (b *memBus) Publish(ctx context.Context, ch Channel, payload []byte) error {
	h := b.hub
	h.mu.Lock()
	h.published = append(h.published, published{ch: ch, payload: payload})
	buses := slices.Clone(h.buses)
	h.mu.Unlock()
	for _, target := range buses {
		target.mu.Lock()
		fn, ok := target.handlers[ch]
		target.mu.Unlock()
		if ok {
			target.wg.Add(1)
			go func() {
				defer target.wg.Done()
				fn(context.WithoutCancel(ctx), payload)
			}()
		}
	}
	return nil
}

func (b *memBus) Subscribe(ch Channel, fn Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[ch] = fn
	return nil
}

func (b *memBus) Unsubscribe(chs ...Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range chs {
		delete(b.handlers, ch)
	}
	return nil
}

func (b *memBus) UnsubscribeAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.handlers)
	return nil
}

func (b *memBus) subscribed(ch Channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[ch]
	return ok
}

func (b *memBus) Commands() CommandQueue { return (*memQueue)(b) }
func (b *memBus) Close() error           { b.wg.Wait(); return nil }

type memQueue memBus

func (q *memQueue) Add(ctx context.Context, cmd MasterCommand) error {
	q.hub.mu.Lock()
	q.hub.cmds = append(q.hub.cmds, cmd)
	q.hub.mu.Unlock()
	return (*memBus)(q).Publish(ctx, ChannelMasterCommands, []byte(`{}`))
}

func (q *memQueue) PopFirst(context.Context) (MasterCommand, bool, error) {
	q.hub.mu.Lock()
	defer q.hub.mu.Unlock()
	if len(q.hub.cmds) == 0 {
		return MasterCommand{}, false, nil
	}
	cmd := q.hub.cmds[0]
	q.hub.cmds = q.hub.cmds[1:]
	if cmd.Kind == poisonKind {
		return MasterCommand{}, false, ErrBadCommand
	}
	return cmd, true, nil
}

// fakeExec holds started tasks until the test finishes them.
type fakeExec struct {
	mu        sync.Mutex
	running   map[string]ExecutionListener
	started   chan string
	startErr  error
	cancelled []string
}

func newFakeExec() *fakeExec {
	return &fakeExec{running: make(map[string]ExecutionListener), started: make(chan string, 64)}
}

func (e *fakeExec) StartTask(_ context.Context, info *TaskRuntimeInfo, _ []byte, l ExecutionListener) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.mu.Lock()
	e.running[info.TaskID] = l
	e.mu.Unlock()
	e.started <- info.TaskID
	return nil
}

func (e *fakeExec) CancelTask(id string) bool {
	e.mu.Lock()
	l, ok := e.running[id]
	delete(e.running, id)
	e.cancelled = append(e.cancelled, id)
	e.mu.Unlock()
	if ok {
		go l.OnTaskCanceled(id)
	}
	return ok
}

func (e *fakeExec) ActiveTasksCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *fakeExec) complete(id string) {
	e.mu.Lock()
	l, ok := e.running[id]
	delete(e.running, id)
	e.mu.Unlock()
	if ok {
		l.OnTaskCompleted(id)
	}
}

func (e *fakeExec) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-e.started:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("no task started")
		return ""
	}
}

// countingKiller records Kill calls instead of exiting.
type countingKiller struct {
	calls  atomic.Int32
	reason atomic.Value
}

func (k *countingKiller) Kill(reason error) {
	k.calls.Add(1)
	k.reason.Store(reason)
}

type fixedSampler struct{ cpu, mem float64 }

func (s fixedSampler) Sample(context.Context) (float64, float64, error) { return s.cpu, s.mem, nil }
