package taskcluster

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
)

// Distributor decides which processors should receive a task and which pending tasks a
// processor should pull next. It holds no state of its own; every call reads the
// repository afresh.
type Distributor struct {
	repo Repository
}

// NewDistributor creates a Distributor over repo.
func NewDistributor(repo Repository) (*Distributor, error) {
	if repo == nil {
		return nil, ErrNilDependency
	}
	return &Distributor{repo: repo}, nil
}

// processorLoad counts InProgress tasks owned by one processor.
type processorLoad struct {
	total  int
	byType map[string]int
}

func (l *processorLoad) ofType(taskType string) int {
	if l == nil {
		return 0
	}
	return l.byType[taskType]
}

func (l *processorLoad) count() int {
	if l == nil {
		return 0
	}
	return l.total
}

func (d *Distributor) loads(ctx context.Context) (map[string]*processorLoad, error) {
	active, err := d.repo.Tasks().GetActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*processorLoad)
	for _, t := range active {
		if t.TaskProcessorID == "" {
			continue
		}
		l, ok := out[t.TaskProcessorID]
		if !ok {
			l = &processorLoad{byType: make(map[string]int)}
			out[t.TaskProcessorID] = l
		}
		l.total++
		l.byType[t.TaskType]++
	}
	return out, nil
}

// excluded reports whether cfg forbids one more task of taskType given the current load.
func excluded(cfg *ProcessorConfiguration, taskType string, l *processorLoad) bool {
	if cfg.MaxWorkers != nil && l.count() >= *cfg.MaxWorkers {
		return true
	}
	if job, ok := cfg.TaskJob(taskType); ok && job.MaxWorkers != nil && l.ofType(taskType) >= *job.MaxWorkers {
		return true
	}
	return false
}

// ChooseProcessorForTask returns the ids of processors that may take task, least loaded
// first. The caller offers the task to them in order until one accepts. Processors that
// are draining for shutdown are never candidates.
func (d *Distributor) ChooseProcessorForTask(ctx context.Context, task *TaskRuntimeInfo) ([]string, error) {
	if task == nil {
		return nil, ErrInvalidArgument
	}
	procs, err := d.repo.Processors().GetAll(ctx)
	if err != nil {
		return nil, err
	}
	loads, err := d.loads(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		id   string
		load int
	}
	cands := make([]candidate, 0, len(procs))
	for _, p := range procs {
		l := loads[p.TaskProcessorID]
		if p.State == StateStopping || excluded(&p.Configuration, task.TaskType, l) {
			continue
		}
		cands = append(cands, candidate{id: p.TaskProcessorID, load: l.count()})
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(a.load, b.load); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.id)
	}
	return out, nil
}

// ChooseNextTasksForProcessor returns pending push-assigned tasks the processor has room
// for, highest priority first and oldest first within a priority. It never returns more
// tasks of one type than that type's free slots, nor more than the processor's free slots.
func (d *Distributor) ChooseNextTasksForProcessor(ctx context.Context, processorID string) ([]*TaskRuntimeInfo, error) {
	out := make([]*TaskRuntimeInfo, 0)

	proc, err := d.repo.Processors().GetByID(ctx, processorID)
	if errors.Is(err, ErrProcessorNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	loads, err := d.loads(ctx)
	if err != nil {
		return nil, err
	}
	if proc.State == StateStopping {
		return out, nil
	}
	l := loads[processorID]
	cfg := &proc.Configuration

	free := math.MaxInt
	if cfg.MaxWorkers != nil {
		free = *cfg.MaxWorkers - l.count()
	}
	if free <= 0 {
		return out, nil
	}

	pending, err := d.repo.Tasks().GetPending(ctx)
	if err != nil {
		return nil, err
	}
	pending = slices.DeleteFunc(slices.Clone(pending), func(t *TaskRuntimeInfo) bool {
		return t.Status != StatusPending || t.IsPollingQueueTask()
	})
	SortByPriority(pending)

	typeFree := make(map[string]int)
	for _, t := range pending {
		if free == 0 {
			break
		}
		rem, ok := typeFree[t.TaskType]
		if !ok {
			rem = math.MaxInt
			if job, found := cfg.TaskJob(t.TaskType); found && job.MaxWorkers != nil {
				rem = *job.MaxWorkers - l.ofType(t.TaskType)
			}
		}
		if rem <= 0 {
			typeFree[t.TaskType] = 0
			continue
		}
		out = append(out, t)
		typeFree[t.TaskType] = rem - 1
		free--
	}
	return out, nil
}

// SortByPriority orders tasks by Priority descending, then SubmittedUTC ascending, then id.
func SortByPriority(tasks []*TaskRuntimeInfo) {
	slices.SortStableFunc(tasks, func(a, b *TaskRuntimeInfo) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.SubmittedUTC.Compare(b.SubmittedUTC); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})
}
