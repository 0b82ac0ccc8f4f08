package taskqueue

import (
	"sort"

	"github.com/transcribeorch/orchestrator/internal/task"
)

// Snapshot is the public view of one queue item, used for event fan-out
// and the ListQueue API (spec.md §4.3, §6.1).
type Snapshot struct {
	ID          string
	Status      task.Status
	Model       string
	Priority    task.Priority
	Progress    int
	RetryCount  int
	AssignedGPU string
}

// Snapshot returns the pending and in-flight queue items as public
// snapshots, pending items ordered by dispatch priority within each
// model bucket.
func (q *Queue) Snapshot() (pending []Snapshot, running []Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.buckets {
		items := append([]*task.Task(nil), b.items...)
		sort.SliceStable(items, func(i, j int) bool {
			a, c := items[i], items[j]
			if a.Spec.Priority != c.Spec.Priority {
				return a.Spec.Priority > c.Spec.Priority
			}
			return a.CreatedAt.Before(c.CreatedAt)
		})
		for _, t := range items {
			pending = append(pending, toSnapshot(t))
		}
	}
	for _, t := range q.inFlight {
		running = append(running, toSnapshot(t))
	}
	return pending, running
}

func toSnapshot(t *task.Task) Snapshot {
	return Snapshot{
		ID:          t.ID,
		Status:      t.Status,
		Model:       t.Spec.Model,
		Priority:    t.Spec.Priority,
		Progress:    t.Progress,
		RetryCount:  t.RetryCount,
		AssignedGPU: t.AssignedGPU,
	}
}
