package taskcluster

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MasterCommandsProcessor drives task assignment while the local node holds the master role.
// It consumes the durable command queue and offers tasks to candidate processors one at a
// time, waiting up to the assign timeout for each to start the task.
type MasterCommandsProcessor struct {
	repo Repository
	bus  MessageBus
	dist *Distributor

	timeout time.Duration
	log     Logger
	now     func() time.Time

	mu       sync.Mutex
	active   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	waiters  map[string][]chan struct{}
	inflight map[string]struct{}
}

// NewMasterCommandsProcessor creates an inactive master over the given collaborators.
func NewMasterCommandsProcessor(repo Repository, bus MessageBus, dist *Distributor, opts ...MasterOption) (*MasterCommandsProcessor, error) {
	if repo == nil || bus == nil || dist == nil {
		return nil, ErrNilDependency
	}
	o := &masterOptions{
		assignTimeout: DefaultAssignTaskTimeout,
		log:           NopLogger(),
		now:           utcNow,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &MasterCommandsProcessor{
		repo:     repo,
		bus:      bus,
		dist:     dist,
		timeout:  o.assignTimeout,
		log:      o.log,
		now:      o.now,
		waiters:  make(map[string][]chan struct{}),
		inflight: make(map[string]struct{}),
	}, nil
}

// AssignTaskTimeout returns the per-candidate wait.
func (m *MasterCommandsProcessor) AssignTaskTimeout() time.Duration { return m.timeout }

// IsActive reports whether the processor is reacting to commands.
func (m *MasterCommandsProcessor) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Activate subscribes to TaskStarted and command notifications, replays the durable command
// queue and then re-offers every pending task. It is a no-op when already active.
func (m *MasterCommandsProcessor) Activate(ctx context.Context) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.active = true
	m.mu.Unlock()

	if err := m.bus.Subscribe(ChannelTaskStarted, m.onTaskStarted); err != nil {
		m.Deactivate()
		return err
	}
	if err := m.bus.Subscribe(ChannelMasterCommands, m.onCommandsNotified); err != nil {
		m.Deactivate()
		return err
	}
	m.log.Infof("master: activated assign_timeout=%s", m.timeout)

	m.spawn(func(ctx context.Context) {
		m.drain(ctx)
		m.recoverPending(ctx)
	})
	return nil
}

// Deactivate stops reacting to commands, cancels in-flight assignment waits and waits for
// their goroutines to return. It is a no-op when inactive.
func (m *MasterCommandsProcessor) Deactivate() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.cancel()
	m.mu.Unlock()

	if err := m.bus.Unsubscribe(ChannelTaskStarted, ChannelMasterCommands); err != nil {
		m.log.Warnf("master: unsubscribe failed err=%v", err)
	}
	m.wg.Wait()

	m.mu.Lock()
	clear(m.waiters)
	clear(m.inflight)
	m.mu.Unlock()
	m.log.Infof("master: deactivated")
}

// spawn runs fn on a tracked goroutine bound to the activation context.
// It reports false when the processor is inactive.
func (m *MasterCommandsProcessor) spawn(fn func(ctx context.Context)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return false
	}
	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx)
	}()
	return true
}

func (m *MasterCommandsProcessor) onCommandsNotified(context.Context, []byte) {
	m.spawn(m.drain)
}

// drain pops every queued command and dispatches each on its own goroutine.
func (m *MasterCommandsProcessor) drain(ctx context.Context) {
	q := m.bus.Commands()
	for ctx.Err() == nil {
		cmd, ok, err := q.PopFirst(ctx)
		if errors.Is(err, ErrBadCommand) {
			m.log.Warnf("master: dropped command err=%v", err)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				m.log.Errorf("master: pop command failed err=%v", err)
			}
			return
		}
		if !ok {
			return
		}
		if !m.spawn(func(ctx context.Context) { m.handle(ctx, cmd) }) {
			// Lost the role between pop and dispatch; hand the command to the next master.
			if err := q.Add(context.WithoutCancel(ctx), cmd); err != nil {
				m.log.Errorf("master: requeue command id=%s failed err=%v", cmd.ID, err)
			}
			return
		}
	}
}

func (m *MasterCommandsProcessor) handle(ctx context.Context, cmd MasterCommand) {
	m.log.Debugf("master: command id=%s kind=%s task=%s processor=%s recovered=%t",
		cmd.ID, cmd.Kind, cmd.TaskID, cmd.ProcessorID, cmd.IsRecovered)
	switch cmd.Kind {
	case CommandTaskSubmitted:
		m.assignTask(ctx, cmd.TaskID)
	case CommandTaskProcessorRegistered, CommandConfigurationChanged,
		CommandTaskCompleted, CommandTaskFailed, CommandTaskCancelCompleted:
		m.fillProcessor(ctx, cmd.ProcessorID)
	default:
		m.log.Warnf("master: unknown command kind=%s id=%s", cmd.Kind, cmd.ID)
	}
}

// recoverPending re-offers every pending push task and completes cancellation of pending
// tasks whose cancel request arrived while no master was listening.
func (m *MasterCommandsProcessor) recoverPending(ctx context.Context) {
	pending, err := m.repo.Tasks().GetPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Errorf("master: recover pending failed err=%v", err)
		}
		return
	}
	recovered := 0
	for _, t := range pending {
		if t.CancelRequested && t.StartedUTC == nil {
			m.completeCancel(ctx, t.TaskID)
			continue
		}
		if t.IsPollingQueueTask() {
			continue
		}
		cmd := TaskSubmittedCommand(t.TaskID, m.now())
		cmd.IsRecovered = true
		if !m.spawn(func(ctx context.Context) { m.handle(ctx, cmd) }) {
			return
		}
		recovered++
	}
	if recovered > 0 {
		m.log.Infof("master: recovered pending tasks count=%d", recovered)
	}
}

// claim marks taskID as being offered. It reports false if another goroutine owns the offer.
func (m *MasterCommandsProcessor) claim(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[taskID]; busy {
		return false
	}
	m.inflight[taskID] = struct{}{}
	return true
}

func (m *MasterCommandsProcessor) unclaim(taskID string) {
	m.mu.Lock()
	delete(m.inflight, taskID)
	m.mu.Unlock()
}

// assignTask offers a submitted task to each candidate in order until one starts it.
// Exhausting the candidates leaves the task Pending for the next distribution trigger.
func (m *MasterCommandsProcessor) assignTask(ctx context.Context, taskID string) {
	task, err := m.repo.Tasks().GetByID(ctx, taskID)
	if err != nil {
		if !errors.Is(err, ErrTaskNotFound) && ctx.Err() == nil {
			m.log.Errorf("master: load task id=%s failed err=%v", taskID, err)
		}
		return
	}
	if task.Status != StatusPending || task.IsPollingQueueTask() {
		return
	}
	if !m.claim(taskID) {
		return
	}
	defer m.unclaim(taskID)

	candidates, err := m.dist.ChooseProcessorForTask(ctx, task)
	if err != nil {
		m.log.Errorf("master: choose processor for task id=%s failed err=%v", taskID, err)
		return
	}
	if len(candidates) == 0 {
		m.log.Debugf("master: no candidate for task id=%s type=%s", taskID, task.TaskType)
		return
	}
	for _, pid := range candidates {
		done, err := m.offer(ctx, taskID, pid)
		if err != nil || done {
			return
		}
	}
	m.log.Debugf("master: candidates exhausted task id=%s tried=%d", taskID, len(candidates))
}

// fillProcessor offers the processor's next tasks to it alone.
func (m *MasterCommandsProcessor) fillProcessor(ctx context.Context, processorID string) {
	if processorID == "" {
		return
	}
	tasks, err := m.dist.ChooseNextTasksForProcessor(ctx, processorID)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Errorf("master: choose tasks for processor=%s failed err=%v", processorID, err)
		}
		return
	}
	for _, t := range tasks {
		if !m.claim(t.TaskID) {
			continue
		}
		_, err := m.offer(ctx, t.TaskID, processorID)
		m.unclaim(t.TaskID)
		if err != nil {
			return
		}
	}
}

// offer sends one TaskAssigned notification and waits for the task to start. done is true
// when the task started (on any processor) or otherwise left Pending.
func (m *MasterCommandsProcessor) offer(ctx context.Context, taskID, processorID string) (done bool, err error) {
	started, release := m.await(taskID)
	defer release()

	// Re-read after registering the waiter so a TaskStarted racing this offer is not missed.
	task, err := m.repo.Tasks().GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return true, nil
		}
		return false, err
	}
	if task.Status != StatusPending {
		return true, nil
	}
	if err := m.repo.Tasks().Assign(ctx, taskID, processorID); err != nil {
		m.log.Warnf("master: assign bookkeeping task=%s processor=%s failed err=%v", taskID, processorID, err)
	}
	ev := TaskAssignedEvent{TaskID: taskID, TaskProcessorID: processorID, Timestamp: m.now()}
	if err := publish(ctx, m.bus, ChannelTaskAssigned, ev); err != nil {
		m.log.Errorf("master: publish assigned task=%s processor=%s failed err=%v", taskID, processorID, err)
		return false, nil
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-started:
		m.log.Debugf("master: task started id=%s offered_to=%s", taskID, processorID)
		return true, nil
	case <-timer.C:
		m.log.Debugf("master: assign timeout task=%s processor=%s", taskID, processorID)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// await registers interest in TaskStarted for taskID.
func (m *MasterCommandsProcessor) await(taskID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.waiters[taskID] = append(m.waiters[taskID], ch)
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.waiters[taskID]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(m.waiters, taskID)
		} else {
			m.waiters[taskID] = list
		}
	}
}

func (m *MasterCommandsProcessor) onTaskStarted(_ context.Context, payload []byte) {
	var ev TaskStartedEvent
	if err := defaultEncoder.Decode(payload, &ev); err != nil {
		m.log.Warnf("master: bad task started event err=%v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	for _, ch := range m.waiters[ev.TaskID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// HandleCancelRequest completes cancellation of a task that never started. Running tasks
// are canceled by their owning node. It does nothing while inactive.
func (m *MasterCommandsProcessor) HandleCancelRequest(ctx context.Context, ev TaskCancelRequestEvent) {
	if !m.IsActive() {
		return
	}
	m.completeCancel(ctx, ev.TaskID)
}

func (m *MasterCommandsProcessor) completeCancel(ctx context.Context, taskID string) {
	task, err := m.repo.Tasks().GetByID(ctx, taskID)
	if err != nil {
		return
	}
	if task.Status != StatusPending || task.StartedUTC != nil {
		return
	}
	ts := m.now()
	if err := m.repo.Tasks().CompleteCancel(ctx, taskID, ts); err != nil {
		m.log.Errorf("master: complete cancel task=%s failed err=%v", taskID, err)
		return
	}
	ev := TaskCancelCompletedEvent{TaskID: taskID, Timestamp: ts}
	if err := publish(ctx, m.bus, ChannelTaskCancelCompleted, ev); err != nil {
		m.log.Warnf("master: publish cancel completed task=%s failed err=%v", taskID, err)
	}
	m.log.Infof("master: canceled pending task id=%s", taskID)
}
