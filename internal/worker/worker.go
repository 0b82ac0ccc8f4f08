// Package worker implements the Worker / Lifecycle (C5): the per-task
// Load -> Transcribe -> Finalize -> Release pipeline (spec.md §4.5).
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transcribeorch/orchestrator/internal/engine"
	"github.com/transcribeorch/orchestrator/internal/eventbus"
	"github.com/transcribeorch/orchestrator/internal/memorypool"
	"github.com/transcribeorch/orchestrator/internal/render"
	"github.com/transcribeorch/orchestrator/internal/task"
	"github.com/transcribeorch/orchestrator/internal/taskqueue"
)

const progressInterval = 2 * time.Second

// Pool runs admitted tasks, one goroutine each, gated by a dynamically
// resizable concurrency limit (spec.md §4.5, "Concurrency"; §6.1
// MAX_CONCURRENT_TASKS).
type Pool struct {
	engine  engine.Engine
	memory  *memorypool.Pool
	queue   *taskqueue.Queue
	bus     *eventbus.Bus
	cache   *ModelCache
	outDir  string
	timeout time.Duration

	gpuMu     sync.Mutex
	gpuLocks  map[string]*sync.Mutex

	mu      sync.Mutex
	cond    *sync.Cond
	limit   int
	running int

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc

	wg  sync.WaitGroup
	log *logrus.Entry
}

// Config bundles the tunables a Pool needs from spec.md §6.3.
type Config struct {
	InitialConcurrency int
	TaskTimeout         time.Duration
	OutputDir           string
}

// New constructs a worker Pool. cache may be nil to disable model reuse
// across tasks.
func New(cfg Config, eng engine.Engine, mem *memorypool.Pool, queue *taskqueue.Queue, bus *eventbus.Bus, cache *ModelCache, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		engine:   eng,
		memory:   mem,
		queue:    queue,
		bus:      bus,
		cache:    cache,
		outDir:   cfg.OutputDir,
		timeout:  cfg.TaskTimeout,
		gpuLocks: make(map[string]*sync.Mutex),
		limit:    cfg.InitialConcurrency,
		cancels:  make(map[string]context.CancelFunc),
		log:      log.WithField("component", "worker"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetConcurrency applies a new MAX_CONCURRENT_TASKS ceiling, waking any
// goroutines blocked waiting for a slot (orchestrator.Core's
// Concurrency.Set, spec.md §6.1).
func (p *Pool) SetConcurrency(n int) {
	p.mu.Lock()
	p.limit = n
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Submit runs t on gpu in its own goroutine once a concurrency slot is
// free. The task is already Loading and its reservation already held;
// Submit's pipeline guarantees exactly one memorypool.Release.
func (p *Pool) Submit(t *task.Task, gpu string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.acquireSlot()
		defer p.releaseSlot()
		p.run(t, gpu)
	}()
}

func (p *Pool) acquireSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running >= p.limit {
		p.cond.Wait()
	}
	p.running++
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.running--
	p.mu.Unlock()
	p.cond.Signal()
}

// Cancel requests cancellation of an in-flight (Loading or Processing)
// task. Reports false if the task is not currently owned by a worker.
func (p *Pool) Cancel(id string) bool {
	p.cancelsMu.Lock()
	cancel, ok := p.cancels[id]
	p.cancelsMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (p *Pool) gpuLock(gpu string) *sync.Mutex {
	p.gpuMu.Lock()
	defer p.gpuMu.Unlock()
	m, ok := p.gpuLocks[gpu]
	if !ok {
		m = &sync.Mutex{}
		p.gpuLocks[gpu] = m
	}
	return m
}

// Wait blocks until every submitted task has returned, for graceful
// shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// run executes the full pipeline for one task. It never returns an
// error: every outcome is reported through the queue and the bus.
func (p *Pool) run(t *task.Task, gpu string) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.cancelsMu.Lock()
	p.cancels[t.ID] = cancel
	p.cancelsMu.Unlock()
	defer func() {
		p.cancelsMu.Lock()
		delete(p.cancels, t.ID)
		p.cancelsMu.Unlock()
	}()

	log := p.log.WithFields(logrus.Fields{"task_id": t.ID, "gpu": gpu, "model": t.Spec.Model})

	var released bool
	var peakGB float64
	release := func() {
		if released {
			return
		}
		released = true
		p.memory.Release(t.ID)
		if peakGB > 0 {
			p.memory.Calibrate(gpu, t.Spec.Model, peakGB)
		}
	}
	defer release()

	progress := newLiveProgress()
	stopTicker := p.runProgressTicker(ctx, t, progress)
	defer stopTicker()

	handle, err := p.load(ctx, t, gpu, progress)
	if err != nil {
		log.WithError(err).Warn("load failed")
		p.fail(t, classify(err, ctx))
		return
	}
	defer p.unload(gpu, t.Spec.Model, handle)

	if err := p.queue.MarkProcessing(t.ID, time.Now()); err != nil {
		log.WithError(err).Error("failed to mark processing")
		p.fail(t, task.NewError(task.Internal, "state transition failed", err))
		return
	}
	progress.set(0, "transcribing")
	p.publishUpdate(t, progress)

	results, err := p.transcribe(ctx, t, gpu, handle, progress)
	if err != nil {
		log.WithError(err).Warn("transcription failed")
		p.fail(t, classify(err, ctx))
		return
	}
	peakGB = t.ReservedGB // the engine contract exposes no real usage meter; the reservation is the best available measurement (Design Notes, "reservations vs real usage")

	progress.set(100, "finalizing")
	p.publishUpdate(t, progress)

	outputs, detectedLang, err := p.finalize(t, results)
	if err != nil {
		log.WithError(err).Error("finalize failed")
		p.fail(t, task.NewError(task.Internal, "render failed", err))
		return
	}

	result := &task.Result{Transcripts: results, OutputPaths: outputs, DetectedLanguage: detectedLang}
	if err := p.queue.MarkCompleted(t.ID, time.Now(), result); err != nil {
		log.WithError(err).Error("failed to mark completed")
		return
	}
	progress.set(100, "done")
	p.publishUpdate(t, progress)
	log.Info("task completed")
}

// fail reports a failure to the queue, which decides retry vs terminal
// from the error kind and current retry count (spec.md §4.3, §7).
func (p *Pool) fail(t *task.Task, terr *task.Error) {
	var err error
	if terr.Kind.Retryable() {
		err = p.queue.Requeue(t.ID, terr)
	} else {
		err = p.queue.MarkFailed(t.ID, terr)
	}
	if err != nil {
		p.log.WithError(err).WithField("task_id", t.ID).Error("failed to record task outcome")
	}
	p.bus.Publish(eventbus.TaskUpdate{
		ID: t.ID, Status: t.Status, Progress: t.Progress, Message: terr.Message,
		Model: t.Spec.Model, RetryCount: t.RetryCount,
		ErrorKind: string(terr.Kind), ErrorMsg: terr.Error(),
	})
}

// load acquires the model handle, via the cache if configured,
// otherwise a fresh Engine.Load, streaming download progress to the bus.
func (p *Pool) load(ctx context.Context, t *task.Task, gpu string, progress *liveProgress) (engine.Handle, error) {
	if p.cache != nil {
		if h, ok := p.cache.Acquire(gpu, t.Spec.Model); ok {
			progress.set(0, "model resident")
			return h, nil
		}
	}

	lock := p.gpuLock(gpu)
	lock.Lock()
	defer lock.Unlock()

	onProgress := func(pct int) {
		progress.set(0, "loading model")
		p.bus.Publish(eventbus.DownloadProgress{TaskID_: t.ID, ModelName: t.Spec.Model, Progress: pct})
	}
	h, err := p.engine.Load(ctx, t.Spec.Model, gpu, onProgress)
	if err != nil {
		p.bus.Publish(eventbus.DownloadProgress{TaskID_: t.ID, ModelName: t.Spec.Model, Progress: -1, Message: err.Error()})
		return nil, err
	}
	if p.cache != nil {
		p.cache.Insert(gpu, t.Spec.Model, h)
	}
	return h, nil
}

func (p *Pool) unload(gpu, model string, h engine.Handle) {
	if p.cache != nil {
		p.cache.Release(gpu, model)
		return
	}
	if err := p.engine.Unload(h); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"gpu": gpu, "model": model}).Warn("unload failed")
	}
}

// transcribe runs the engine over every input file, emitting a progress
// event after each (spec.md §4.5, "Transcribe").
func (p *Pool) transcribe(ctx context.Context, t *task.Task, gpu string, h engine.Handle, progress *liveProgress) ([]task.TranscribeResult, error) {
	lock := p.gpuLock(gpu)
	total := len(t.Spec.Files)
	results := make([]task.TranscribeResult, 0, total)
	for i, ref := range t.Spec.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lock.Lock()
		r, err := p.engine.Transcribe(ctx, h, ref, t.Spec.Language)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		pct := (i + 1) * 100 / total
		progress.set(pct, fmt.Sprintf("%d/%d files done", i+1, total))
		p.publishUpdate(t, progress)
	}
	return results, nil
}

// finalize renders every requested format to outDir/taskID/output.<ext>.
func (p *Pool) finalize(t *task.Task, results []task.TranscribeResult) (map[task.Format]string, string, error) {
	detected := t.Spec.Language
	if detected == "auto" && len(results) > 0 {
		detected = results[0].DetectedLanguage
	}
	outputs := make(map[task.Format]string, len(t.Spec.Formats))
	for _, format := range t.Spec.Formats {
		path := filepath.Join(p.outDir, t.ID, "output."+extensionFor(format))
		if err := render.Render(format, results, detected, path); err != nil {
			return nil, "", err
		}
		outputs[format] = path
	}
	return outputs, detected, nil
}

func extensionFor(f task.Format) string {
	switch f {
	case task.FormatSRT:
		return "srt"
	case task.FormatVTT:
		return "vtt"
	case task.FormatStructured:
		return "json"
	default:
		return "txt"
	}
}

// runProgressTicker starts a background goroutine republishing the
// latest known progress at least every 2s during Processing (spec.md
// §4.5, "Progress reporting"). The returned func stops it.
func (p *Pool) runProgressTicker(ctx context.Context, t *task.Task, progress *liveProgress) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.publishUpdate(t, progress)
			}
		}
	}()
	return func() { close(done) }
}

func (p *Pool) publishUpdate(t *task.Task, progress *liveProgress) {
	pct, msg := progress.snapshot()
	t.SetProgress(pct, msg)
	p.bus.Publish(eventbus.TaskUpdate{
		ID: t.ID, Status: t.Status, Progress: t.Progress, Message: t.Message,
		Model: t.Spec.Model, Language: t.Spec.Language, Files: len(t.Spec.Files),
		CreatedAt: t.CreatedAt.UnixMilli(), RetryCount: t.RetryCount,
	})
}

// classify maps a raw engine/context error to a task.Error, preserving
// an already-typed error from the engine and falling back to
// EngineFatal otherwise (spec.md §7).
func classify(err error, ctx context.Context) *task.Error {
	if ctx.Err() == context.Canceled {
		return task.NewError(task.ClientCancelled, "cancelled", err)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return task.NewError(task.TaskTimeout, "task exceeded its time budget", err)
	}
	if terr, ok := err.(*task.Error); ok {
		return terr
	}
	return task.NewError(task.EngineFatal, "engine returned an unclassified error", err)
}
