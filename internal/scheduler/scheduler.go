// Package scheduler implements the Batch Scheduler (C4): the placement
// loop that matches pending tasks to GPUs and hands them to workers
// (spec.md §4.4).
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transcribeorch/orchestrator/internal/memorypool"
	"github.com/transcribeorch/orchestrator/internal/task"
	"github.com/transcribeorch/orchestrator/internal/taskqueue"
)

// Dispatcher hands a newly-placed task off to a worker. It is called
// with the task already transitioned to Loading and its reservation
// already held; the dispatcher owns the task from this point on,
// including the eventual memorypool.Release (spec.md §3, invariant 5).
type Dispatcher func(t *task.Task, gpu string)

// Scheduler runs the single placement loop of spec.md §4.4.
type Scheduler struct {
	pool         *memorypool.Pool
	queue        *taskqueue.Queue
	gpuIDs       func() []string
	audioSeconds func(*task.Task) float64
	dispatch     Dispatcher

	tick time.Duration
	log  *logrus.Entry
}

// Config bundles the tunables a Scheduler needs from spec.md §6.3.
type Config struct {
	TickInterval time.Duration
}

// New constructs a Scheduler. gpuIDs supplies the current candidate GPU
// ids (or the single "cpu0" id in CPU-only mode) on every iteration; an
// id that has not been registered with the pool is skipped, so a
// device that appears after the pool was populated is not used.
func New(cfg Config, pool *memorypool.Pool, queue *taskqueue.Queue, gpuIDs func() []string, audioSeconds func(*task.Task) float64, dispatch Dispatcher, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 2 * time.Second
	}
	return &Scheduler{
		pool:         pool,
		queue:        queue,
		gpuIDs:       gpuIDs,
		audioSeconds: audioSeconds,
		dispatch:     dispatch,
		tick:         tick,
		log:          log.WithField("component", "scheduler"),
	}
}

// Run drives the interval-plus-wakeup loop of spec.md §4.4 until ctx is
// cancelled. Only one iteration runs at a time; a wakeup that arrives
// mid-iteration is coalesced into the next one via the buffered
// channel taskqueue.Queue.Wakeup already provides.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeIteration()
		case <-s.queue.Wakeup():
			s.safeIteration()
		}
	}
}

// safeIteration runs one iteration, recovering from any panic so a
// single bad iteration never kills the scheduler goroutine (spec.md
// §4.4, "Failure semantics").
func (s *Scheduler) safeIteration() {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("scheduler iteration panicked, recovering")
		}
	}()
	s.iterate()
}

// iterate runs exactly one placement pass: repeatedly pick the
// highest-priority bucket, find it a GPU, and dispatch, until no
// bucket yields a placement (spec.md §4.4, steps 1-4).
func (s *Scheduler) iterate() {
	for {
		gpus := s.rankedGPUs()
		if len(gpus) == 0 {
			return
		}
		models := s.rankedModels(gpus)
		if len(models) == 0 {
			return
		}
		if !s.tryPlaceOne(gpus, models) {
			return
		}
	}
}

// tryPlaceOne walks model buckets in priority order and, for the first
// one with a head task that some GPU can admit, places it. Reports
// whether a placement was made.
func (s *Scheduler) tryPlaceOne(gpus, models []string) bool {
	for _, model := range models {
		head := s.queue.PeekHead(model)
		if head == nil {
			continue
		}
		audioSeconds := s.audioSeconds(head)
		gpu, ok := s.chooseGPU(gpus, head, model, audioSeconds)
		if !ok {
			continue
		}
		estimate := s.pool.EstimateFor(gpu, model, audioSeconds)
		t, ok := s.queue.PopIfHead(model, head.ID, gpu)
		if !ok {
			continue // raced with a concurrent pop; try the next bucket this pass
		}
		if !s.pool.Reserve(gpu, model, estimate, t.ID) {
			// Lost the race for capacity between ChooseGPU and Reserve.
			// The task is already out of the queue and Loading; the
			// scheduler must not strand it, so requeue it for the next
			// iteration rather than dropping it.
			s.requeueStranded(t)
			continue
		}
		t.ReservedGB = estimate
		s.log.WithFields(logrus.Fields{"task_id": t.ID, "gpu": gpu, "model": model}).Info("dispatching task")
		s.dispatch(t, gpu)
		return true
	}
	return false
}

// chooseGPU honors a task's optional GPU hint before falling back to
// the placement policy of §4.2: a preferred GPU is used as-is if it's
// a current candidate and can admit the task, skipping the
// lowest-allocated tie-break entirely.
func (s *Scheduler) chooseGPU(gpus []string, t *task.Task, model string, audioSeconds float64) (string, bool) {
	if pref := t.Spec.PreferredGPU; pref != "" {
		for _, g := range gpus {
			if g != pref {
				continue
			}
			if ok, _, _ := s.pool.CanAdmit(pref, model, audioSeconds); ok {
				return pref, true
			}
			break
		}
	}
	return s.pool.ChooseGPU(gpus, model, audioSeconds)
}

// requeueStranded handles the rare Reserve-after-ChooseGPU race by
// putting a Loading task back into its pending bucket. It reuses the
// retry path since Requeue already knows how to return a task to
// Pending without a priority boost.
func (s *Scheduler) requeueStranded(t *task.Task) {
	if err := s.queue.Requeue(t.ID, task.NewError(task.ResourceUnavailable, "reservation race, retrying placement", nil)); err != nil {
		s.log.WithError(err).WithField("task_id", t.ID).Error("failed to requeue stranded task")
	}
}

// rankedGPUs returns GPU ids with at least one open slot and at least
// MinModelEstimate of available memory, ordered by available memory
// (most first). GPUs are not filtered or ranked by model here; ChooseGPU
// then picks per candidate bucket by lowest allocated, highest
// available, lowest id, without regard to which models a GPU runs.
func (s *Scheduler) rankedGPUs() []string {
	status := s.pool.Status()
	minEstimate := s.pool.MinModelEstimate()
	ids := s.gpuIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		st, ok := status[id]
		if !ok {
			continue
		}
		slotBudget := st.MaxConcurrentTasks - st.Tasks
		if slotBudget <= 0 || st.Available < minEstimate {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return status[out[i]].Available > status[out[j]].Available
	})
	return out
}

// rankedModels returns the pending models ordered by bucket priority:
// models already resident on any candidate GPU first, then the static
// small-first size ranking, with ties broken by the age of the
// bucket's head task (spec.md §4.4, "Model-bucket priority").
func (s *Scheduler) rankedModels(gpus []string) []string {
	models := s.queue.Models()
	resident := func(model string) bool {
		for _, gpu := range gpus {
			if s.pool.HasActiveModel(gpu, model) {
				return true
			}
		}
		return false
	}
	sort.Slice(models, func(i, j int) bool {
		ri, rj := resident(models[i]), resident(models[j])
		if ri != rj {
			return ri
		}
		si, sj := memorypool.ModelSizeRank[models[i]], memorypool.ModelSizeRank[models[j]]
		if si != sj {
			return si < sj
		}
		hi, hj := s.queue.PeekHead(models[i]), s.queue.PeekHead(models[j])
		if hi == nil || hj == nil {
			return false
		}
		return hi.CreatedAt.Before(hj.CreatedAt)
	})
	return models
}
