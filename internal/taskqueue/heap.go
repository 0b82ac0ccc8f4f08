package taskqueue

import (
	"container/heap"

	"github.com/transcribeorch/orchestrator/internal/task"
)

// bucketHeap is a priority queue of pending tasks for one model.
// Ordering: priority (descending) -> created_time (ascending), matching
// spec.md §4.3's "strict priority, FIFO on ties" rule.
type bucketHeap struct {
	items []*task.Task
}

func newBucketHeap() *bucketHeap {
	h := &bucketHeap{}
	heap.Init(h)
	return h
}

func (h *bucketHeap) Len() int { return len(h.items) }

func (h *bucketHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Spec.Priority != b.Spec.Priority {
		return a.Spec.Priority > b.Spec.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (h *bucketHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *bucketHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*task.Task))
}

func (h *bucketHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

func (h *bucketHeap) push(t *task.Task) {
	heap.Push(h, t)
}

func (h *bucketHeap) peek() *task.Task {
	if h.Len() == 0 {
		return nil
	}
	return h.items[0]
}

func (h *bucketHeap) pop() *task.Task {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*task.Task)
}

// removeByID removes a task by id from anywhere in the bucket. Used by
// CancelPending for a still-pending task; the scheduler only removes
// heads, through PopIfHead.
func (h *bucketHeap) removeByID(id string) (*task.Task, bool) {
	for i, t := range h.items {
		if t.ID == id {
			removed := heap.Remove(h, i).(*task.Task)
			return removed, true
		}
	}
	return nil, false
}
