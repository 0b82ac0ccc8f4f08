// Package orchestrator wires the six collaborating components (C1-C6)
// into the single process-wide Core and exposes the public operations
// of spec.md §6.1.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transcribeorch/orchestrator/internal/accel"
	"github.com/transcribeorch/orchestrator/internal/audio"
	"github.com/transcribeorch/orchestrator/internal/config"
	"github.com/transcribeorch/orchestrator/internal/engine"
	"github.com/transcribeorch/orchestrator/internal/eventbus"
	"github.com/transcribeorch/orchestrator/internal/memorypool"
	"github.com/transcribeorch/orchestrator/internal/scheduler"
	"github.com/transcribeorch/orchestrator/internal/task"
	"github.com/transcribeorch/orchestrator/internal/taskqueue"
	"github.com/transcribeorch/orchestrator/internal/worker"
)

// shutdownGrace bounds how long Shutdown waits for in-flight tasks to
// exit on their own before forcibly releasing their reservations
// (spec.md §5, Design Notes).
const shutdownGrace = 10 * time.Second

// Core is the process-wide singleton: one instance per running
// orchestrator, owning C1-C6 in the order they're built (spec.md §5).
type Core struct {
	cfg config.Config
	log *logrus.Entry

	probe   *accel.Probe
	pool    *memorypool.Pool
	queue   *taskqueue.Queue
	bus     *eventbus.Bus
	sched   *scheduler.Scheduler
	workers *worker.Pool
	prober  audio.Prober

	concMu      sync.Mutex
	concurrency int

	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New builds Core's singletons without starting any background loop;
// call Start to bring it up.
func New(cfg config.Config, eng engine.Engine, driver accel.Driver, prober audio.Prober, cache *worker.ModelCache, log *logrus.Entry) *Core {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	probe := accel.New(driver, time.Duration(cfg.GPUSnapshotTTLMS)*time.Millisecond, log)
	pool := memorypool.New(memorypool.Config{
		MaxMemoryUtilization:     cfg.MaxMemoryUtilization,
		MemoryConfidenceFactor:   cfg.MemoryConfidenceFactor,
		CalibrationSampleSize:    cfg.CalibrationSampleSize,
		ReservedMemoryGBPerGPU:   cfg.ReservedMemoryGBPerGPU,
		StandardAudioDurationSec: cfg.StandardAudioDurationSec,
		AudioDurationFactorSlope: cfg.AudioDurationFactorSlope,
		MaxTasksPerGPU:           cfg.MaxTasksPerGPU,
	}, log)
	queue := taskqueue.New(taskqueue.Config{
		MaxRetries: cfg.MaxRetries,
		ValidModel: func(model string) bool { _, ok := memorypool.ModelSizeRank[model]; return ok },
	}, log)
	bus := eventbus.New(eventbus.Config{
		RingSize:          cfg.EventBusRingSize,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeoutMS) * time.Millisecond,
	}, log)
	workers := worker.New(worker.Config{
		InitialConcurrency: cfg.MaxConcurrentTasksDefault,
		TaskTimeout:        time.Duration(cfg.TaskTimeoutSec) * time.Second,
		OutputDir:          cfg.OutputDir,
	}, eng, pool, queue, bus, cache, log)

	c := &Core{
		cfg:         cfg,
		log:         log.WithField("component", "orchestrator"),
		probe:       probe,
		pool:        pool,
		queue:       queue,
		bus:         bus,
		workers:     workers,
		prober:      prober,
		concurrency: cfg.MaxConcurrentTasksDefault,
	}

	c.sched = scheduler.New(scheduler.Config{TickInterval: time.Duration(cfg.SchedulerTickMS) * time.Millisecond},
		pool, queue, c.gpuIDs, c.audioSecondsFor, c.dispatch, log)

	return c
}

// gpuIDs supplies the scheduler's live GPU candidate list, re-probing
// (subject to the probe's own TTL) every call.
func (c *Core) gpuIDs() []string {
	snap, err := c.probe.Snapshot(context.Background())
	if err != nil {
		c.log.WithError(err).Warn("gpu snapshot failed")
		return nil
	}
	ids := make([]string, 0, len(snap))
	for _, d := range snap {
		ids = append(ids, d.ID)
	}
	return ids
}

func (c *Core) audioSecondsFor(t *task.Task) float64 {
	return audio.TotalDurationSeconds(context.Background(), c.prober, t.Spec.Files, func(ref string, err error) {
		c.log.WithError(err).WithField("audio_ref", ref).Warn("duration probe failed, treating as 0s")
	})
}

// dispatch is the scheduler's Dispatcher: it announces the Loading
// transition to subscribers and then hands the task to the worker pool.
func (c *Core) dispatch(t *task.Task, gpu string) {
	c.bus.Publish(eventbus.TaskUpdate{
		ID: t.ID, Status: t.Status, Model: t.Spec.Model, Language: t.Spec.Language,
		Files: len(t.Spec.Files), CreatedAt: t.CreatedAt.UnixMilli(), RetryCount: t.RetryCount,
	})
	c.workers.Submit(t, gpu)
}

// Start registers every GPU (or the CPU-only fallback) with the memory
// pool and launches the bus heartbeat and scheduler loops. It returns
// once the initial accelerator probe completes.
func (c *Core) Start(ctx context.Context) error {
	snap, err := c.probe.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: initial accelerator probe: %w", err)
	}
	maxTasksPerGPU := c.cfg.MaxTasksPerGPU
	if c.probe.CPUOnly() {
		// spec.md §4.1: the synthesized CPU-only device is a single
		// logical accelerator with max_concurrent_tasks = 1.
		maxTasksPerGPU = 1
	}
	for _, d := range snap {
		c.pool.RegisterGPU(d.ID, d.TotalGB, c.cfg.ReservedMemoryGBPerGPU, c.cfg.MaxMemoryUtilization, maxTasksPerGPU)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loopDone = make(chan struct{})

	go c.bus.Run(runCtx.Done())
	go func() {
		defer close(c.loopDone)
		c.sched.Run(runCtx)
	}()

	c.log.WithField("gpu_count", len(snap)).Info("orchestrator started")
	return nil
}

// Shutdown stops the scheduler and bus, cancels every in-flight task,
// waits up to a grace period for workers to exit, and force-releases
// any reservation still outstanding afterward (spec.md §5).
func (c *Core) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.bus.Stop()

	_, running := c.queue.Snapshot()
	for _, r := range running {
		c.workers.Cancel(r.ID)
	}

	waitDone := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(waitDone)
	}()

	grace := shutdownGrace
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < grace {
			grace = remaining
		}
	}
	select {
	case <-waitDone:
	case <-time.After(grace):
		c.log.Warn("shutdown grace period elapsed with workers still running")
	}

	for _, id := range c.pool.ReservationIDs() {
		c.pool.Release(id)
	}

	if c.loopDone != nil {
		<-c.loopDone
	}
	c.log.Info("orchestrator shut down")
	return nil
}

// Submit validates and enqueues a new task, returning its id.
func (c *Core) Submit(spec task.Spec) (string, error) {
	return c.queue.Submit(spec)
}

// ErrUnknownTask is returned by Cancel and Status for an id never seen
// by this process.
var ErrUnknownTask = fmt.Errorf("orchestrator: unknown task id")

// Cancel requests cancellation of a task, whether still pending or
// already dispatched to a worker (spec.md §9, Open Question 2: always
// observable as Failed{ClientCancelled}, never silent).
func (c *Core) Cancel(id string) (bool, error) {
	if c.queue.CancelPending(id) {
		return true, nil
	}
	if c.workers.Cancel(id) {
		return true, nil
	}
	if _, ok := c.queue.Lookup(id); !ok {
		return false, ErrUnknownTask
	}
	return false, nil // known but already terminal
}

// Status returns the current record for id.
func (c *Core) Status(id string) (*task.Task, bool) {
	return c.queue.Lookup(id)
}

// ListQueue returns the pending and in-flight queue snapshot.
func (c *Core) ListQueue() (pending, running []taskqueue.Snapshot) {
	return c.queue.Snapshot()
}

// GPUStatus returns the per-GPU reservation snapshot.
func (c *Core) GPUStatus() map[string]memorypool.GPUStatus {
	return c.pool.Status()
}

// Concurrency exposes the one runtime-mutable config field (spec.md
// §6.1), guarded by its own mutex independent of the rest of Config.
type Concurrency struct{ core *Core }

// Concurrency returns the accessor for the current MAX_CONCURRENT_TASKS.
func (c *Core) Concurrency() Concurrency { return Concurrency{core: c} }

// Get returns the current concurrency ceiling.
func (cc Concurrency) Get() int {
	cc.core.concMu.Lock()
	defer cc.core.concMu.Unlock()
	return cc.core.concurrency
}

// Set applies a new concurrency ceiling, clamped to [1, config.HardLimit].
func (cc Concurrency) Set(n int) int {
	n = config.ClampConcurrency(n)
	cc.core.concMu.Lock()
	cc.core.concurrency = n
	cc.core.concMu.Unlock()
	cc.core.workers.SetConcurrency(n)
	return n
}

// Subscribe registers a new event client.
func (c *Core) Subscribe() (id string, events <-chan eventbus.Event, unsubscribe func()) {
	return c.bus.Subscribe()
}

// Ack records a heartbeat pong from client id.
func (c *Core) Ack(id string) {
	c.bus.Ack(id)
}
