package taskcluster

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollingQueueBatch caps a polling queue reservation when neither the queue nor the
// processor limits workers.
const DefaultPollingQueueBatch = 10

// pollingEntry is one scheduled polling job or polling queue.
type pollingEntry struct {
	name       string
	interval   time.Duration
	concurrent bool
	run        func(ctx context.Context) error

	running atomic.Bool
	wg      sync.WaitGroup
}

// tick runs the entry once. A non-concurrent entry whose previous run is still in flight
// skips the tick.
func (e *pollingEntry) tick(ctx context.Context, log Logger) {
	if !e.concurrent && !e.running.CompareAndSwap(false, true) {
		log.Debugf("polling: skip tick entry=%s previous run in flight", e.name)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if !e.concurrent {
			defer e.running.Store(false)
		}
		if err := e.run(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("polling: entry=%s failed err=%v", e.name, err)
		}
	}()
}

// pollingScheduler owns one ticker goroutine per entry.
type pollingScheduler struct {
	log Logger

	opMu    sync.Mutex
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	entries []*pollingEntry
}

func newPollingScheduler(log Logger) *pollingScheduler {
	return &pollingScheduler{log: log}
}

// replace stops the current entries and starts entries with fresh tickers.
func (s *pollingScheduler) replace(parent context.Context, entries []*pollingEntry) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.halt()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.entries = entries
	for _, e := range entries {
		s.wg.Add(1)
		go func(e *pollingEntry) {
			defer s.wg.Done()
			ticker := time.NewTicker(e.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					e.wg.Wait()
					return
				case <-ticker.C:
					e.tick(ctx, s.log)
				}
			}
		}(e)
	}
	s.log.Debugf("polling: scheduled entries=%d", len(entries))
}

// stop cancels every entry and waits for in-flight runs to return.
func (s *pollingScheduler) stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.halt()
}

func (s *pollingScheduler) halt() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.entries = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// names lists the scheduled entries.
func (s *pollingScheduler) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.name)
	}
	return out
}

// pollingEntries builds the entries applicable to cfg for the given role.
func (n *Node) pollingEntries(cfg ProcessorConfiguration, isMaster bool) []*pollingEntry {
	var out []*pollingEntry
	for _, j := range cfg.PollingJobs {
		if !j.IsActive || j.IsMaster != isMaster {
			continue
		}
		job, ok := n.opts.jobs[j.Name]
		if !ok {
			n.log.Warnf("polling: no implementation registered for job=%s", j.Name)
			continue
		}
		if j.PollInterval <= 0 {
			n.log.Warnf("polling: job=%s has non-positive interval", j.Name)
			continue
		}
		out = append(out, &pollingEntry{
			name:       "job:" + j.Name,
			interval:   j.PollInterval,
			concurrent: j.IsConcurrent,
			run:        job.Process,
		})
	}
	for _, q := range cfg.PollingQueues {
		if !q.IsActive || q.IsMaster != isMaster {
			continue
		}
		if q.PollInterval <= 0 {
			n.log.Warnf("polling: queue=%s has non-positive interval", q.Key)
			continue
		}
		out = append(out, &pollingEntry{
			name:       "queue:" + q.Key,
			interval:   q.PollInterval,
			concurrent: q.IsConcurrent,
			run:        func(ctx context.Context) error { return n.pollQueue(ctx, q) },
		})
	}
	return out
}

// reconcilePolling re-creates the polling entries for the node's current role and
// configuration, or stops them all when the node is not Active.
func (n *Node) reconcilePolling() {
	n.mu.Lock()
	state, isMaster, cfg, ctx := n.state, n.isMaster, n.cfg.Clone(), n.runCtx
	n.mu.Unlock()
	if state != StateActive || ctx == nil {
		n.polling.stop()
		return
	}
	n.polling.replace(ctx, n.pollingEntries(cfg, isMaster))
}

// pollQueue reserves as many tasks from the queue as the node has room for and starts them.
func (n *Node) pollQueue(ctx context.Context, q PollingQueueConfig) error {
	n.mu.Lock()
	if n.state != StateActive {
		n.mu.Unlock()
		return nil
	}
	total := len(n.active)
	local := 0
	for _, t := range n.active {
		if t.PollingQueue == q.Key {
			local++
		}
	}
	globalMax := n.cfg.MaxWorkers
	n.mu.Unlock()

	free := math.MaxInt
	if globalMax != nil {
		free = *globalMax - total
	}
	if q.MaxWorkers > 0 {
		free = min(free, q.MaxWorkers-local)
	}
	if free == math.MaxInt {
		free = DefaultPollingQueueBatch
	}
	if free <= 0 {
		return nil
	}

	tasks, err := n.repo.Tasks().ReservePollingQueueTasks(ctx, q.Key, free)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		n.acceptTask(ctx, t.TaskID)
	}
	if len(tasks) > 0 {
		n.log.Debugf("polling: queue=%s reserved=%d", q.Key, len(tasks))
	}
	return nil
}
