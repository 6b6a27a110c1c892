package taskcluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/UniQw/taskcluster/backoff"
	"github.com/UniQw/taskcluster/internal/perf"
	"github.com/google/uuid"
)

var (
	processorChannels = []Channel{
		ChannelMasterModeChangeRequest,
		ChannelMasterModeChanged,
		ChannelStopProcessor,
		ChannelPerformanceMonitoringRequest,
		ChannelConfigurationChanged,
	}
	taskChannels = []Channel{
		ChannelTaskAssigned,
		ChannelTaskCancelRequest,
	}
	// stoppingChannels are dropped on Stop; cancel and performance requests stay until Inactive.
	stoppingChannels = []Channel{
		ChannelMasterModeChangeRequest,
		ChannelMasterModeChanged,
		ChannelStopProcessor,
		ChannelConfigurationChanged,
		ChannelTaskAssigned,
	}
)

// errHeartbeatRejected marks a heartbeat the repository refused because the record expired.
var errHeartbeatRejected = errors.New("taskcluster: heartbeat rejected")

// Node is one task processor: it registers itself, keeps its liveness with heartbeats,
// competes for the master role, accepts assigned tasks and runs polling entries.
type Node struct {
	repo   Repository
	bus    MessageBus
	exec   TaskExecutor
	master *MasterCommandsProcessor
	opts   *nodeOptions
	log    Logger

	polling  *pollingScheduler
	killOnce sync.Once

	// lifeMu serializes Start, Stop and Dispose; roleMu serializes master transitions.
	lifeMu sync.Mutex
	roleMu sync.Mutex

	mu           sync.Mutex
	state        ProcessorState
	isMaster     bool
	cfg          ProcessorConfiguration
	active       map[string]*TaskRuntimeInfo
	yieldUntil   time.Time
	pendingClaim bool
	stopReady    bool
	idle         chan struct{}
	runCtx       context.Context
	runCancel    context.CancelFunc
	hbCancel     context.CancelFunc
	hbWG         sync.WaitGroup
}

// NewNode creates an Inactive node.
func NewNode(repo Repository, bus MessageBus, exec TaskExecutor, opts ...NodeOption) (*Node, error) {
	if repo == nil || bus == nil || exec == nil {
		return nil, ErrNilDependency
	}
	o := &nodeOptions{
		heartbeatInterval: DefaultHeartbeatInterval,
		maxRetries:        DefaultMaxHeartbeatRetries,
		delay:             backoff.Default(),
		assignTimeout:     DefaultAssignTaskTimeout,
		log:               NopLogger(),
		now:               utcNow,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.machineName == "" {
		o.machineName, _ = os.Hostname()
	}
	if o.killer == nil {
		o.killer = ExitKiller{Logger: o.log}
	}
	if o.sampler == nil {
		o.sampler = perf.NewSampler()
	}

	dist, err := NewDistributor(repo)
	if err != nil {
		return nil, err
	}
	master, err := NewMasterCommandsProcessor(repo, bus, dist,
		WithAssignTaskTimeout(o.assignTimeout),
		WithMasterLogger(o.log),
		withMasterClock(o.now),
	)
	if err != nil {
		return nil, err
	}

	idle := make(chan struct{})
	close(idle)
	return &Node{
		repo:    repo,
		bus:     bus,
		exec:    exec,
		master:  master,
		opts:    o,
		log:     o.log,
		polling: newPollingScheduler(o.log),
		state:   StateInactive,
		cfg:     o.cfg.Clone(),
		active:  make(map[string]*TaskRuntimeInfo),
		idle:    idle,
	}, nil
}

// ID returns the processor ID.
func (n *Node) ID() string { return n.opts.id }

// State returns the lifecycle state.
func (n *Node) State() ProcessorState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// IsMaster reports whether the node currently holds the master role.
func (n *Node) IsMaster() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isMaster
}

// Configuration returns a copy of the node's current configuration.
func (n *Node) Configuration() ProcessorConfiguration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.Clone()
}

// ActiveTasks returns the IDs of tasks running on this node.
func (n *Node) ActiveTasks() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.active))
	for id := range n.active {
		out = append(out, id)
	}
	return out
}

// Start registers the node, subscribes to its channels, starts the heartbeat loop and
// tries to claim the master role. It is a no-op on an Active node.
func (n *Node) Start(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()

	n.mu.Lock()
	switch n.state {
	case StateDisposed:
		n.mu.Unlock()
		return ErrDisposed
	case StateActive:
		n.mu.Unlock()
		n.log.Warnf("node already started; ignoring Start()")
		return nil
	case StateStopping:
		n.mu.Unlock()
		return ErrNodeStopping
	}
	cfg := n.cfg.Clone()
	n.mu.Unlock()

	if exp := n.repo.Processors().ExpirationTimeout(); n.opts.heartbeatInterval >= exp {
		return fmt.Errorf("%w: interval=%s expiration=%s", ErrHeartbeatTooSlow, n.opts.heartbeatInterval, exp)
	}

	info := &ProcessorRuntimeInfo{
		TaskProcessorID: n.opts.id,
		MachineName:     n.opts.machineName,
		State:           StateActive,
		Configuration:   cfg,
	}
	if err := n.repo.Processors().Add(ctx, info); err != nil {
		return err
	}
	if err := n.subscribe(); err != nil {
		_ = n.bus.UnsubscribeAll()
		_ = n.repo.Processors().Delete(ctx, n.opts.id)
		return err
	}

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	hbCtx, hbCancel := context.WithCancel(runCtx)
	n.mu.Lock()
	n.state = StateActive
	n.stopReady = false
	n.idle = make(chan struct{})
	n.runCtx, n.runCancel = runCtx, runCancel
	n.hbCancel = hbCancel
	n.mu.Unlock()

	n.hbWG.Add(1)
	go n.heartbeatLoop(hbCtx)

	n.log.Infof("node started: id=%s machine=%s heartbeat=%s", n.opts.id, n.opts.machineName, n.opts.heartbeatInterval)
	n.publish(ctx, ChannelStateChanged, StateChangedEvent{TaskProcessorID: n.opts.id, State: StateActive})

	won, err := n.repo.Processors().SetMasterIfNotExists(ctx, n.opts.id)
	if err != nil {
		n.log.Warnf("node: claim master failed err=%v", err)
	}
	if won {
		n.becomeMaster(ctx, ReasonStart)
		return nil
	}
	if err := n.bus.Commands().Add(ctx, TaskProcessorRegisteredCommand(n.opts.id, n.opts.now())); err != nil {
		n.log.Errorf("node: enqueue registration failed err=%v", err)
	}
	n.reconcilePolling()
	return nil
}

func (n *Node) subscribe() error {
	handlers := map[Channel]Handler{
		ChannelMasterModeChangeRequest:      n.onMasterModeChangeRequest,
		ChannelMasterModeChanged:            n.onMasterModeChanged,
		ChannelStopProcessor:                n.onStopProcessor,
		ChannelPerformanceMonitoringRequest: n.onPerformanceRequest,
		ChannelConfigurationChanged:         n.onConfigurationChanged,
		ChannelTaskAssigned:                 n.onTaskAssigned,
		ChannelTaskCancelRequest:            n.onTaskCancelRequest,
	}
	for _, ch := range append(append([]Channel{}, processorChannels...), taskChannels...) {
		if err := n.bus.Subscribe(ch, handlers[ch]); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	return nil
}

// Stop moves an Active node to Stopping. Running tasks are left to finish; the node becomes
// Inactive when the last one ends, or at once when none are running.
func (n *Node) Stop(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	return n.stop(ctx)
}

func (n *Node) stop(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateDisposed:
		n.mu.Unlock()
		return ErrDisposed
	case StateInactive, StateStopping:
		n.mu.Unlock()
		return nil
	}
	n.state = StateStopping
	hbCancel := n.hbCancel
	running := len(n.active)
	n.mu.Unlock()

	n.log.Infof("node stopping: id=%s running=%d", n.opts.id, running)
	hbCancel()
	n.hbWG.Wait()
	n.polling.stop()
	n.becomeSlave(ctx, ReasonStop)

	if err := n.repo.Processors().SetState(ctx, n.opts.id, StateStopping); err != nil {
		n.log.Warnf("node: set state stopping failed err=%v", err)
	}
	if err := n.bus.Unsubscribe(stoppingChannels...); err != nil {
		n.log.Warnf("node: narrow subscriptions failed err=%v", err)
	}
	n.publish(ctx, ChannelStateChanged, StateChangedEvent{TaskProcessorID: n.opts.id, State: StateStopping})

	n.mu.Lock()
	n.stopReady = true
	n.mu.Unlock()
	n.maybeFinishStop(ctx)
	return nil
}

// maybeFinishStop completes a Stop once no task is running.
func (n *Node) maybeFinishStop(ctx context.Context) {
	n.mu.Lock()
	if n.state != StateStopping || !n.stopReady || len(n.active) > 0 {
		n.mu.Unlock()
		return
	}
	n.state = StateInactive
	n.stopReady = false
	close(n.idle)
	n.mu.Unlock()

	if err := n.bus.UnsubscribeAll(); err != nil {
		n.log.Warnf("node: unsubscribe failed err=%v", err)
	}
	if err := n.repo.Processors().Delete(ctx, n.opts.id); err != nil {
		n.log.Warnf("node: unregister failed err=%v", err)
	}
	n.publish(ctx, ChannelStateChanged, StateChangedEvent{TaskProcessorID: n.opts.id, State: StateInactive})
	n.log.Infof("node stopped: id=%s", n.opts.id)
}

// Wait blocks until the node is not Active or Stopping, or ctx is done.
func (n *Node) Wait(ctx context.Context) error {
	n.mu.Lock()
	idle := n.idle
	n.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose stops the node if needed, cancels its running tasks and makes it unusable.
// Calling it again is a no-op.
func (n *Node) Dispose(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()

	if n.State() == StateDisposed {
		return nil
	}
	if err := n.stop(ctx); err != nil {
		return err
	}
	for _, id := range n.ActiveTasks() {
		n.exec.CancelTask(id)
	}

	n.mu.Lock()
	wasStopping := n.state == StateStopping
	n.state = StateDisposed
	if wasStopping {
		close(n.idle)
	}
	runCancel := n.runCancel
	n.mu.Unlock()

	n.polling.stop()
	if wasStopping {
		if err := n.bus.UnsubscribeAll(); err != nil {
			n.log.Warnf("node: unsubscribe failed err=%v", err)
		}
		if err := n.repo.Processors().Delete(ctx, n.opts.id); err != nil {
			n.log.Warnf("node: unregister failed err=%v", err)
		}
	}
	if runCancel != nil {
		runCancel()
	}
	n.publish(ctx, ChannelStateChanged, StateChangedEvent{TaskProcessorID: n.opts.id, State: StateDisposed})
	n.log.Infof("node disposed: id=%s", n.opts.id)
	return nil
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.hbWG.Done()
	ticker := time.NewTicker(n.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.heartbeatTick(ctx)
		}
	}
}

// heartbeatTick renews liveness, renews or competes for the master role.
func (n *Node) heartbeatTick(ctx context.Context) {
	n.mu.Lock()
	if n.state != StateActive {
		n.mu.Unlock()
		return
	}
	isMaster := n.isMaster
	n.mu.Unlock()

	id := n.opts.id
	ok := n.retry(ctx, "heartbeat", func(ctx context.Context) error {
		alive, err := n.repo.Processors().Heartbeat(ctx, id)
		if err != nil {
			return err
		}
		if !alive {
			return errHeartbeatRejected
		}
		return nil
	})
	if !ok {
		return
	}

	if isMaster {
		var held bool
		ok := n.retry(ctx, "master heartbeat", func(ctx context.Context) error {
			var err error
			held, err = n.repo.Processors().MasterHeartbeat(ctx, id)
			return err
		})
		if ok && !held {
			n.log.Warnf("node: master pointer lost id=%s", id)
			n.becomeSlave(ctx, ReasonHeartbeat)
		}
		return
	}
	n.tryClaimMaster(ctx, ReasonHeartbeat, false)
}

// retry runs op up to maxRetries times with the delay strategy between attempts.
// Exhaustion kills the application. It reports whether op eventually succeeded.
func (n *Node) retry(ctx context.Context, name string, op func(ctx context.Context) error) bool {
	attempts := max(1, n.opts.maxRetries)
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt >= attempts {
			n.log.Errorf("node: %s failed %d times, giving up err=%v", name, attempt, err)
			n.kill(fmt.Errorf("%w: %s: %v", ErrHeartbeatExhausted, name, err))
			return false
		}
		d := n.opts.delay.Delay(attempt)
		n.log.Warnf("node: %s attempt %d failed, retrying in %s err=%v", name, attempt, d, err)
		if !sleep(ctx, d) {
			return false
		}
	}
}

func (n *Node) kill(reason error) {
	n.killOnce.Do(func() { n.opts.killer.Kill(reason) })
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// tryClaimMaster claims the master pointer if nobody holds it. force ignores a yield window
// left by an explicit demotion.
func (n *Node) tryClaimMaster(ctx context.Context, reason MasterModeChangeReason, force bool) bool {
	n.mu.Lock()
	if n.state != StateActive || n.isMaster || (!force && n.opts.now().Before(n.yieldUntil)) {
		n.mu.Unlock()
		return false
	}
	n.mu.Unlock()

	holder, err := n.repo.Processors().GetMasterID(ctx)
	if err != nil {
		n.log.Warnf("node: read master failed err=%v", err)
		return false
	}
	if holder != "" {
		return false
	}
	won, err := n.repo.Processors().SetMasterIfNotExists(ctx, n.opts.id)
	if err != nil {
		n.log.Warnf("node: claim master failed err=%v", err)
		return false
	}
	if !won {
		return false
	}
	n.becomeMaster(ctx, reason)
	return true
}

func (n *Node) becomeMaster(ctx context.Context, reason MasterModeChangeReason) {
	n.roleMu.Lock()
	defer n.roleMu.Unlock()

	n.mu.Lock()
	if n.isMaster || n.state != StateActive {
		n.mu.Unlock()
		return
	}
	n.isMaster = true
	n.pendingClaim = false
	n.mu.Unlock()

	if err := n.master.Activate(ctx); err != nil {
		n.log.Errorf("node: activate master failed err=%v", err)
		n.mu.Lock()
		n.isMaster = false
		n.mu.Unlock()
		_ = n.repo.Processors().ClearMaster(ctx, n.opts.id)
		n.reconcilePolling()
		return
	}
	n.log.Infof("node became master: id=%s reason=%s", n.opts.id, reason)
	n.publish(ctx, ChannelMasterModeChanged, MasterModeChangedEvent{TaskProcessorID: n.opts.id, IsMaster: true, Reason: reason})
	n.reconcilePolling()
}

func (n *Node) becomeSlave(ctx context.Context, reason MasterModeChangeReason) {
	n.roleMu.Lock()
	defer n.roleMu.Unlock()

	n.mu.Lock()
	if !n.isMaster {
		n.mu.Unlock()
		return
	}
	n.isMaster = false
	n.mu.Unlock()

	n.master.Deactivate()
	if err := n.repo.Processors().ClearMaster(ctx, n.opts.id); err != nil {
		n.log.Warnf("node: clear master failed err=%v", err)
	}
	n.log.Infof("node left master role: id=%s reason=%s", n.opts.id, reason)
	n.publish(ctx, ChannelMasterModeChanged, MasterModeChangedEvent{TaskProcessorID: n.opts.id, IsMaster: false, Reason: reason})
	n.reconcilePolling()
}

func (n *Node) onMasterModeChangeRequest(ctx context.Context, payload []byte) {
	var ev MasterModeChangeRequestEvent
	if !n.decode(payload, &ev) {
		return
	}
	n.mu.Lock()
	if n.state != StateActive {
		n.mu.Unlock()
		return
	}
	isMaster := n.isMaster
	self := ev.TaskProcessorID == n.opts.id
	switch {
	case self && ev.IsMaster:
		n.yieldUntil = time.Time{}
	case self && !ev.IsMaster && isMaster, !self && ev.IsMaster && isMaster:
		n.yieldUntil = n.opts.now().Add(2 * n.opts.heartbeatInterval)
	}
	n.mu.Unlock()

	switch {
	case self && ev.IsMaster && !isMaster:
		// Set before the attempt so a step-down racing the claim still triggers a retry.
		n.mu.Lock()
		n.pendingClaim = true
		n.mu.Unlock()
		if !n.tryClaimMaster(ctx, ReasonExplicit, true) {
			n.log.Infof("node: master requested, waiting for current master to step down")
		}
	case self && !ev.IsMaster && isMaster:
		n.becomeSlave(ctx, ReasonExplicit)
	case !self && ev.IsMaster && isMaster:
		n.becomeSlave(ctx, ReasonExplicit)
	}
}

func (n *Node) onMasterModeChanged(ctx context.Context, payload []byte) {
	var ev MasterModeChangedEvent
	if !n.decode(payload, &ev) || ev.TaskProcessorID == n.opts.id {
		return
	}
	n.mu.Lock()
	pending := n.pendingClaim
	if ev.IsMaster {
		n.pendingClaim = false
	}
	n.mu.Unlock()
	if pending && !ev.IsMaster {
		n.tryClaimMaster(ctx, ReasonExplicit, true)
	}
}

func (n *Node) onStopProcessor(ctx context.Context, payload []byte) {
	var ev StopProcessorEvent
	if !n.decode(payload, &ev) || ev.TaskProcessorID != n.opts.id {
		return
	}
	if err := n.Stop(ctx); err != nil {
		n.log.Warnf("node: stop request failed err=%v", err)
	}
}

func (n *Node) onConfigurationChanged(ctx context.Context, payload []byte) {
	var ev ConfigurationChangedEvent
	if !n.decode(payload, &ev) || ev.TaskProcessorID != n.opts.id {
		return
	}
	if n.State() != StateActive {
		return
	}
	info, err := n.repo.Processors().GetByID(ctx, n.opts.id)
	if err != nil {
		n.log.Warnf("node: reload configuration failed err=%v", err)
		return
	}
	n.mu.Lock()
	n.cfg = info.Configuration.Clone()
	n.mu.Unlock()
	n.log.Infof("node: configuration reloaded id=%s", n.opts.id)
	n.reconcilePolling()
}

func (n *Node) onPerformanceRequest(ctx context.Context, payload []byte) {
	var ev PerformanceMonitoringRequestEvent
	if !n.decode(payload, &ev) {
		return
	}
	if ev.TaskProcessorID != "" && ev.TaskProcessorID != n.opts.id {
		return
	}
	cpu, mem, err := n.opts.sampler.Sample(ctx)
	if err != nil {
		n.log.Warnf("node: performance sample failed err=%v", err)
	}
	n.publish(ctx, ChannelPerformanceReport, PerformanceReportEvent{
		TaskProcessorID: n.opts.id,
		CPUPercent:      cpu,
		MemoryPercent:   mem,
		ActiveTasks:     n.exec.ActiveTasksCount(),
		Timestamp:       n.opts.now(),
	})
}

func (n *Node) onTaskAssigned(ctx context.Context, payload []byte) {
	var ev TaskAssignedEvent
	if !n.decode(payload, &ev) || ev.TaskProcessorID != n.opts.id {
		return
	}
	n.acceptTask(ctx, ev.TaskID)
}

func (n *Node) onTaskCancelRequest(ctx context.Context, payload []byte) {
	var ev TaskCancelRequestEvent
	if !n.decode(payload, &ev) {
		return
	}
	n.mu.Lock()
	_, local := n.active[ev.TaskID]
	n.mu.Unlock()
	if local {
		if n.exec.CancelTask(ev.TaskID) {
			n.log.Infof("node: cancel requested task=%s", ev.TaskID)
		}
		return
	}
	n.master.HandleCancelRequest(ctx, ev)
}

// acceptTask starts taskID on this node if it is still Pending and not owned elsewhere.
// Losing the Start race to another processor is silent.
func (n *Node) acceptTask(ctx context.Context, taskID string) bool {
	if n.State() != StateActive {
		return false
	}
	tasks := n.repo.Tasks()
	info, err := tasks.GetByID(ctx, taskID)
	if err != nil {
		if !errors.Is(err, ErrTaskNotFound) {
			n.log.Warnf("node: load task=%s failed err=%v", taskID, err)
		}
		return false
	}
	if info.Status != StatusPending || (info.TaskProcessorID != "" && info.TaskProcessorID != n.opts.id) {
		return false
	}
	ts := n.opts.now()
	ok, err := tasks.Start(ctx, taskID, n.opts.id, ts)
	if err != nil {
		n.log.Warnf("node: start task=%s failed err=%v", taskID, err)
		return false
	}
	if !ok {
		n.log.Debugf("node: task=%s already taken", taskID)
		return false
	}
	info.Status = StatusInProgress
	info.TaskProcessorID = n.opts.id
	info.StartedUTC = &ts

	n.mu.Lock()
	if n.state != StateActive {
		n.mu.Unlock()
		n.finishTask(ctx, taskID, StatusFailed, errors.New("processor is no longer active"))
		return false
	}
	n.active[taskID] = info
	runCtx := n.runCtx
	n.mu.Unlock()

	n.publish(ctx, ChannelTaskStarted, TaskStartedEvent{TaskID: taskID, TaskProcessorID: n.opts.id, Timestamp: ts})

	payload, err := tasks.GetPayload(ctx, taskID)
	if err == nil {
		err = n.exec.StartTask(runCtx, info.Clone(), payload, &nodeListener{n: n})
	}
	if err != nil {
		n.log.Errorf("node: execute task=%s failed err=%v", taskID, err)
		n.finishTask(ctx, taskID, StatusFailed, err)
		return false
	}
	n.log.Debugf("node: started task=%s type=%s", taskID, info.TaskType)
	return true
}

// finishTask records a terminal outcome, notifies the cluster and releases the local slot.
func (n *Node) finishTask(ctx context.Context, taskID string, status TaskStatus, cause error) {
	tasks := n.repo.Tasks()
	ts := n.opts.now()
	id := n.opts.id

	var (
		err error
		ch  Channel
		ev  any
		cmd MasterCommand
	)
	switch status {
	case StatusSuccess:
		err = tasks.Complete(ctx, taskID, ts)
		ch, ev = ChannelTaskCompleted, TaskCompletedEvent{TaskID: taskID, TaskProcessorID: id, Timestamp: ts}
		cmd = TaskCompletedCommand(taskID, id, ts)
	case StatusCanceled:
		err = tasks.CompleteCancel(ctx, taskID, ts)
		ch, ev = ChannelTaskCancelCompleted, TaskCancelCompletedEvent{TaskID: taskID, TaskProcessorID: id, Timestamp: ts}
		cmd = TaskCancelCompletedCommand(taskID, id, ts)
	default:
		reason := "unknown error"
		if cause != nil {
			reason = cause.Error()
		}
		err = tasks.Fail(ctx, taskID, ts, reason)
		ch, ev = ChannelTaskFailed, TaskFailedEvent{TaskID: taskID, TaskProcessorID: id, Error: reason, Timestamp: ts}
		cmd = TaskFailedCommand(taskID, id, ts)
	}
	if err != nil {
		n.log.Errorf("node: record %s for task=%s failed err=%v", status, taskID, err)
	}

	n.mu.Lock()
	delete(n.active, taskID)
	accepting := n.state == StateActive
	n.mu.Unlock()

	n.publish(ctx, ch, ev)
	if accepting {
		if err := n.bus.Commands().Add(ctx, cmd); err != nil {
			n.log.Errorf("node: enqueue %s failed err=%v", cmd.Kind, err)
		}
	}
	n.maybeFinishStop(ctx)
}

func (n *Node) decode(payload []byte, v any) bool {
	if err := defaultEncoder.Decode(payload, v); err != nil {
		n.log.Warnf("node: bad message err=%v", err)
		return false
	}
	return true
}

func (n *Node) publish(ctx context.Context, ch Channel, msg any) {
	if err := publish(ctx, n.bus, ch, msg); err != nil {
		n.log.Warnf("node: publish %s failed err=%v", ch, err)
	}
}

// nodeListener routes executor outcomes back into the node.
type nodeListener struct {
	n *Node
}

func (l *nodeListener) OnTaskProgress(taskID string, percent float64) {
	ctx := context.Background()
	if err := l.n.repo.Tasks().Progress(ctx, taskID, percent); err != nil {
		l.n.log.Warnf("node: record progress task=%s failed err=%v", taskID, err)
	}
	l.n.publish(ctx, ChannelTaskProgress, TaskProgressEvent{TaskID: taskID, Percent: percent, Timestamp: l.n.opts.now()})
}

func (l *nodeListener) OnTaskCompleted(taskID string) {
	l.n.finishTask(context.Background(), taskID, StatusSuccess, nil)
}

func (l *nodeListener) OnTaskFailed(taskID string, err error) {
	l.n.finishTask(context.Background(), taskID, StatusFailed, err)
}

func (l *nodeListener) OnTaskCanceled(taskID string) {
	l.n.finishTask(context.Background(), taskID, StatusCanceled, nil)
}
