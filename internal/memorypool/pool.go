// Package memorypool implements the Memory Pool (C2): a per-GPU
// reservation ledger with safety margin and calibrated per-model
// estimates.
package memorypool

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// reservation is a (task, gpu, amount) triple held for the duration of
// Loading+Processing.
type reservation struct {
	gpu   string
	model string
	gb    float64
}

// gpuEntry is one GPU's reservation ledger. It owns its own mutex so
// that operations on distinct GPUs never contend (spec.md §4.2).
type gpuEntry struct {
	mu sync.Mutex

	totalGB             float64
	reservedSystemGB    float64
	allocatedGB         float64
	maxUtilizationRatio float64
	maxConcurrentTasks  int

	reservations map[string]reservation // task id -> reservation
	calib        map[string]*calibrator // model -> calibration state

	// throttled is set when Calibrate observes usage overshooting its
	// reservation by more than a stddev; Release clears it once
	// allocated falls back under the utilization cap (Design Notes,
	// "reservations vs real usage").
	throttled bool
}

func newGPUEntry(totalGB, reservedSystemGB, maxUtilRatio float64, maxConcurrentTasks int) *gpuEntry {
	return &gpuEntry{
		totalGB:             totalGB,
		reservedSystemGB:    reservedSystemGB,
		maxUtilizationRatio: maxUtilRatio,
		maxConcurrentTasks:  maxConcurrentTasks,
		reservations:        make(map[string]reservation),
		calib:               make(map[string]*calibrator),
	}
}

// available computes the admission threshold of spec.md §3, floored at 0.
// Caller must hold e.mu.
func (e *gpuEntry) available() float64 {
	a := e.totalGB - e.reservedSystemGB - e.allocatedGB
	b := e.totalGB*e.maxUtilizationRatio - e.allocatedGB
	avail := a
	if b < avail {
		avail = b
	}
	if avail < 0 {
		return 0
	}
	return avail
}

// Pool is the process-wide singleton tracking reservation state for
// every known GPU.
type Pool struct {
	confidenceFactor   float64
	standardDurationSec float64
	durationSlope       float64
	calibSampleCap      int

	mu   sync.RWMutex // guards the gpus map itself, never its entries
	gpus map[string]*gpuEntry

	log *logrus.Entry
}

// Config bundles the tunables a Pool needs from spec.md §6.3.
type Config struct {
	MaxMemoryUtilization     float64
	MemoryConfidenceFactor   float64
	CalibrationSampleSize    int
	ReservedMemoryGBPerGPU   float64
	StandardAudioDurationSec int
	AudioDurationFactorSlope float64
	MaxTasksPerGPU           int
}

// New constructs an empty Pool. GPUs are registered via RegisterGPU as
// the accelerator probe discovers them.
func New(cfg Config, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		confidenceFactor:    cfg.MemoryConfidenceFactor,
		standardDurationSec: float64(cfg.StandardAudioDurationSec),
		durationSlope:       cfg.AudioDurationFactorSlope,
		calibSampleCap:      cfg.CalibrationSampleSize,
		gpus:                make(map[string]*gpuEntry),
		log:                 log.WithField("component", "memorypool"),
	}
}

// RegisterGPU (re)registers a GPU's static capacity parameters. Existing
// reservations and calibration state for an already-known id are
// preserved; only the capacity fields are updated, matching a probe
// re-snapshot that doesn't otherwise touch the pool.
func (p *Pool) RegisterGPU(id string, totalGB, reservedSystemGB, maxUtilRatio float64, maxConcurrentTasks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.gpus[id]; ok {
		e.mu.Lock()
		e.totalGB = totalGB
		e.reservedSystemGB = reservedSystemGB
		e.maxUtilizationRatio = maxUtilRatio
		e.maxConcurrentTasks = maxConcurrentTasks
		e.mu.Unlock()
		return
	}
	p.gpus[id] = newGPUEntry(totalGB, reservedSystemGB, maxUtilRatio, maxConcurrentTasks)
}

func (p *Pool) entry(gpu string) (*gpuEntry, bool) {
	p.mu.RLock()
	e, ok := p.gpus[gpu]
	p.mu.RUnlock()
	return e, ok
}

// GPUStatus is the per-GPU view returned by Status.
type GPUStatus struct {
	Total              float64
	Allocated          float64
	Available          float64
	Tasks              int
	MaxConcurrentTasks int
}

// Status returns a per-GPU snapshot of {total, allocated, available, tasks}.
func (p *Pool) Status() map[string]GPUStatus {
	p.mu.RLock()
	ids := make([]string, 0, len(p.gpus))
	entries := make([]*gpuEntry, 0, len(p.gpus))
	for id, e := range p.gpus {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	out := make(map[string]GPUStatus, len(ids))
	for i, id := range ids {
		e := entries[i]
		e.mu.Lock()
		out[id] = GPUStatus{
			Total:              e.totalGB,
			Allocated:          e.allocatedGB,
			Available:          e.available(),
			Tasks:              len(e.reservations),
			MaxConcurrentTasks: e.maxConcurrentTasks,
		}
		e.mu.Unlock()
	}
	return out
}

// HasActiveModel reports whether gpu currently holds a reservation for
// model, i.e. a task is Loading or Processing model there right now
// (spec.md §4.4, "GPU iteration priority": locality).
func (p *Pool) HasActiveModel(gpu, model string) bool {
	e, ok := p.entry(gpu)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.reservations {
		if r.model == model {
			return true
		}
	}
	return false
}

// CanAdmit reports whether gpu has room for model's estimated footprint
// and an open task slot (spec.md §4.2).
func (p *Pool) CanAdmit(gpu, model string, audioSeconds float64) (bool, float64, string) {
	e, ok := p.entry(gpu)
	if !ok {
		return false, 0, fmt.Sprintf("unknown gpu %q", gpu)
	}
	estimate := p.EstimateFor(gpu, model, audioSeconds)

	e.mu.Lock()
	defer e.mu.Unlock()
	avail := e.available()
	if e.throttled {
		return false, avail, "throttled after overshoot"
	}
	if len(e.reservations) >= e.maxConcurrentTasks {
		return false, avail, "gpu at max concurrent tasks"
	}
	if avail < estimate {
		return false, avail, "insufficient memory"
	}
	return true, avail, ""
}

// Reserve atomically checks admission and, if it still holds, increments
// allocated and records the reservation. It never partially allocates.
func (p *Pool) Reserve(gpu, model string, estimateGB float64, taskID string) bool {
	e, ok := p.entry(gpu)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.throttled {
		return false
	}
	if len(e.reservations) >= e.maxConcurrentTasks {
		return false
	}
	if e.available() < estimateGB {
		return false
	}
	e.allocatedGB += estimateGB
	e.reservations[taskID] = reservation{gpu: gpu, model: model, gb: estimateGB}
	return true
}

// ReservationIDs returns every task id currently holding a reservation
// on any GPU, used by orchestrator shutdown to force-release anything
// still outstanding after the grace period elapses.
func (p *Pool) ReservationIDs() []string {
	p.mu.RLock()
	entries := make([]*gpuEntry, 0, len(p.gpus))
	for _, e := range p.gpus {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		for id := range e.reservations {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids
}

// Release decrements allocated by the reserved amount and removes the
// record. It is idempotent: releasing an unknown id is a no-op with a
// warning, never an error.
func (p *Pool) Release(taskID string) {
	p.mu.RLock()
	entries := make([]*gpuEntry, 0, len(p.gpus))
	for _, e := range p.gpus {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		r, ok := e.reservations[taskID]
		if ok {
			delete(e.reservations, taskID)
			e.allocatedGB -= r.gb
			if e.allocatedGB < 0 {
				e.allocatedGB = 0
			}
			if e.allocatedGB <= e.totalGB*e.maxUtilizationRatio {
				e.throttled = false
			}
		}
		e.mu.Unlock()
		if ok {
			return
		}
	}
	p.log.WithField("task_id", taskID).Warn("release called for unknown reservation")
}
