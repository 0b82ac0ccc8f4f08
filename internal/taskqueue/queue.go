// Package taskqueue implements the Task Queue (C3): a multi-priority
// queue of pending work grouped by model, owning task state transitions
// and retry bookkeeping.
package taskqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/transcribeorch/orchestrator/internal/task"
)

// recentlyFinishedTTL is how long a terminal task stays visible after
// leaving the in-flight set, so clients can observe its terminal state
// before eviction (spec.md §3, "Lifecycle").
const recentlyFinishedTTL = 5 * time.Second

// Queue is the process-wide singleton tracking pending, in-flight, and
// recently-terminated tasks. One mutex guards every map so transitions
// are linearizable, per spec.md §5.
type Queue struct {
	mu               sync.Mutex
	buckets          map[string]*bucketHeap  // model -> pending heap
	inFlight         map[string]*task.Task   // task id -> task
	recentlyFinished map[string]finishedItem // task id -> {task, expiry}
	failedLog        []*task.Task            // bounded terminal-failure diagnostics log
	maxFailedLog     int

	maxRetries  int
	validModel  func(model string) bool
	wakeup      chan struct{}
	log         *logrus.Entry
	now         func() time.Time
}

type finishedItem struct {
	task      *task.Task
	expiresAt time.Time
}

// Config bundles the tunables a Queue needs from spec.md §6.3.
type Config struct {
	MaxRetries int
	ValidModel func(model string) bool
}

// New constructs an empty Queue.
func New(cfg Config, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	validModel := cfg.ValidModel
	if validModel == nil {
		validModel = func(string) bool { return true }
	}
	return &Queue{
		buckets:          make(map[string]*bucketHeap),
		inFlight:         make(map[string]*task.Task),
		recentlyFinished: make(map[string]finishedItem),
		maxFailedLog:     200,
		maxRetries:       cfg.MaxRetries,
		validModel:       validModel,
		wakeup:           make(chan struct{}, 1),
		log:              log.WithField("component", "taskqueue"),
		now:              time.Now,
	}
}

// Wakeup returns the channel the scheduler selects on for a non-blocking
// "a new decision opportunity exists" signal (spec.md §4.4, "Wakeup").
func (q *Queue) Wakeup() <-chan struct{} {
	return q.wakeup
}

func (q *Queue) signal() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// ErrInvalidSpec is returned by Submit when the spec fails validation.
type ErrInvalidSpec struct {
	Reason string
}

func (e *ErrInvalidSpec) Error() string { return "taskqueue: invalid spec: " + e.Reason }

// Submit validates spec, assigns an id and created_time, enqueues the
// task as Pending in its model's bucket, and signals the scheduler.
func (q *Queue) Submit(spec task.Spec) (string, error) {
	if len(spec.Files) == 0 {
		return "", &ErrInvalidSpec{Reason: "no input files"}
	}
	if spec.Model == "" || !q.validModel(spec.Model) {
		return "", &ErrInvalidSpec{Reason: fmt.Sprintf("unknown model %q", spec.Model)}
	}

	id := uuid.NewString()
	t := task.New(id, spec, q.now())

	q.mu.Lock()
	b, ok := q.buckets[spec.Model]
	if !ok {
		b = newBucketHeap()
		q.buckets[spec.Model] = b
	}
	b.push(t)
	q.mu.Unlock()

	q.signal()
	return id, nil
}

// Models returns the names of models with at least one pending task.
func (q *Queue) Models() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for m, b := range q.buckets {
		if b.Len() > 0 {
			out = append(out, m)
		}
	}
	return out
}

// PeekHead returns the highest-priority pending task for model without
// removing it, or nil if the bucket is empty.
func (q *Queue) PeekHead(model string) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.buckets[model]
	if !ok {
		return nil
	}
	return b.peek()
}

// PopIfHead atomically removes model's head task iff its id still
// matches id, then marks it in-flight with status Loading on gpu. This
// is the only path that dispatches a task out of a pending bucket
// (CancelPending removes cancelled ones), guaranteeing each
// task is dispatched at most once even if two scheduler iterations race
// on a stale peek (spec.md §4.3, "no task removed twice").
func (q *Queue) PopIfHead(model, id, gpu string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.buckets[model]
	if !ok {
		return nil, false
	}
	head := b.peek()
	if head == nil || head.ID != id {
		return nil, false
	}
	b.pop()
	if err := head.Transition(task.StatusLoading); err != nil {
		q.log.WithError(err).WithField("task_id", id).Error("invariant violation popping head")
		return nil, false
	}
	head.AssignedGPU = gpu
	q.inFlight[id] = head
	return head, true
}

// MarkProcessing transitions an in-flight task from Loading to
// Processing and records its start time.
func (q *Queue) MarkProcessing(id string, startedAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.inFlight[id]
	if !ok {
		return fmt.Errorf("taskqueue: unknown in-flight task %q", id)
	}
	if err := t.Transition(task.StatusProcessing); err != nil {
		return err
	}
	t.StartedAt = startedAt
	return nil
}

// MarkCompleted transitions a task to its terminal Completed state,
// attaches the result, and moves it into the recently-finished ring.
func (q *Queue) MarkCompleted(id string, finishedAt time.Time, result *task.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.inFlight[id]
	if !ok {
		return fmt.Errorf("taskqueue: unknown in-flight task %q", id)
	}
	if err := t.Transition(task.StatusCompleted); err != nil {
		return err
	}
	t.EndedAt = finishedAt
	t.Progress = 100
	t.Result = result
	q.retire(id, t)
	return nil
}

// MarkFailed transitions a task to its terminal Failed state and records
// it in the bounded diagnostics log.
func (q *Queue) MarkFailed(id string, terr *task.Error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.inFlight[id]
	if !ok {
		return fmt.Errorf("taskqueue: unknown in-flight task %q", id)
	}
	if err := t.Transition(task.StatusFailed); err != nil {
		return err
	}
	t.EndedAt = q.now()
	t.LastError = terr
	q.appendFailedLog(t)
	q.retire(id, t)
	return nil
}

// Requeue implements the retry policy of spec.md §4.3: if retry_count is
// still under the limit, the task becomes Retrying, its counter is
// incremented, and it returns to the tail of its model's bucket (no
// priority boost). Otherwise it is marked terminally Failed.
func (q *Queue) Requeue(id string, terr *task.Error) error {
	q.mu.Lock()
	t, ok := q.inFlight[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("taskqueue: unknown in-flight task %q", id)
	}

	if t.RetryCount >= q.maxRetries {
		if err := t.Transition(task.StatusFailed); err != nil {
			q.mu.Unlock()
			return err
		}
		t.EndedAt = q.now()
		t.LastError = terr
		q.appendFailedLog(t)
		q.retire(id, t)
		q.mu.Unlock()
		return nil
	}

	if err := t.Transition(task.StatusRetrying); err != nil {
		q.mu.Unlock()
		return err
	}
	t.RetryCount++
	t.LastError = terr
	t.Progress = 0
	t.AssignedGPU = ""
	t.ReservedGB = 0
	if err := t.Transition(task.StatusPending); err != nil {
		q.mu.Unlock()
		return err
	}

	delete(q.inFlight, id)
	b, ok := q.buckets[t.Spec.Model]
	if !ok {
		b = newBucketHeap()
		q.buckets[t.Spec.Model] = b
	}
	b.push(t)
	q.mu.Unlock()

	q.signal()
	return nil
}

// retire moves a terminal task out of in-flight and into the
// recently-finished ring; caller must hold q.mu.
func (q *Queue) retire(id string, t *task.Task) {
	delete(q.inFlight, id)
	q.recentlyFinished[id] = finishedItem{task: t, expiresAt: q.now().Add(recentlyFinishedTTL)}
}

func (q *Queue) appendFailedLog(t *task.Task) {
	q.failedLog = append(q.failedLog, t)
	if len(q.failedLog) > q.maxFailedLog {
		q.failedLog = q.failedLog[len(q.failedLog)-q.maxFailedLog:]
	}
}

// Lookup returns a task by id, searching pending buckets, in-flight,
// and the recently-finished ring, in that order. Expired
// recently-finished entries are pruned lazily on access.
func (q *Queue) Lookup(id string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lookupLocked(id)
}

func (q *Queue) lookupLocked(id string) (*task.Task, bool) {
	for _, b := range q.buckets {
		for _, t := range b.items {
			if t.ID == id {
				return t, true
			}
		}
	}
	if t, ok := q.inFlight[id]; ok {
		return t, true
	}
	q.pruneFinishedLocked()
	if item, ok := q.recentlyFinished[id]; ok {
		return item.task, true
	}
	return nil, false
}

func (q *Queue) pruneFinishedLocked() {
	now := q.now()
	for id, item := range q.recentlyFinished {
		if now.After(item.expiresAt) {
			delete(q.recentlyFinished, id)
		}
	}
}

// CancelPending removes a not-yet-dispatched task from its bucket and
// marks it Failed{ClientCancelled} (Open Question 2: cancellation is
// uniformly observable, never a silent removal). Reports false if the
// task is not currently pending (already dispatched, already terminal,
// or unknown) — the caller then falls back to worker-side cancellation.
func (q *Queue) CancelPending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.buckets {
		if t, ok := b.removeByID(id); ok {
			if t.Status.Terminal() {
				return false
			}
			_ = t.Transition(task.StatusFailed)
			t.EndedAt = q.now()
			t.LastError = task.NewError(task.ClientCancelled, "cancelled before dispatch", nil)
			q.appendFailedLog(t)
			q.retire(id, t)
			return true
		}
	}
	return false
}

// InFlight reports whether id is currently owned by a worker (Loading
// or Processing), and returns its task record if so.
func (q *Queue) InFlight(id string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.inFlight[id]
	return t, ok
}
