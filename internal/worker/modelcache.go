package worker

import (
	"container/list"
	"sync"

	"github.com/transcribeorch/orchestrator/internal/engine"
)

// cacheKey identifies one loaded model instance (Design Notes, Open
// Question 1: reuse is keyed by (gpu, model), never shared across
// GPUs).
type cacheKey struct {
	gpu, model string
}

type cacheEntry struct {
	key    cacheKey
	handle engine.Handle
	refs   int
}

// ModelCache is an optional, opt-in LRU of loaded model handles keyed by
// (gpu, model). When nil, the worker loads and unloads a model on
// every task. When present, a handle survives between tasks until
// evicted, amortizing load cost for back-to-back tasks on the same
// model and GPU (spec.md §9, Open Question 1).
type ModelCache struct {
	mu       sync.Mutex
	capacity int
	lru      *list.List
	items    map[cacheKey]*list.Element
	unload   func(engine.Handle) error
}

// NewModelCache builds a cache holding up to capacity distinct
// (gpu, model) handles. unload is called when an unreferenced entry is
// evicted.
func NewModelCache(capacity int, unload func(engine.Handle) error) *ModelCache {
	return &ModelCache{
		capacity: capacity,
		lru:      list.New(),
		items:    make(map[cacheKey]*list.Element),
		unload:   unload,
	}
}

// Acquire returns a cached handle for key, bumping its reference count
// and marking it most-recently-used. The second return is false on a
// miss; the caller must Load and then Insert.
func (c *ModelCache) Acquire(gpu, model string) (engine.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{gpu, model}
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*cacheEntry)
	e.refs++
	c.lru.MoveToFront(elem)
	return e.handle, true
}

// Insert registers a freshly-loaded handle with one reference held,
// evicting the least-recently-used unreferenced entry if the cache is
// over capacity.
func (c *ModelCache) Insert(gpu, model string, handle engine.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{gpu, model}
	entry := &cacheEntry{key: key, handle: handle, refs: 1}
	c.items[key] = c.lru.PushFront(entry)
	c.evictOverCapacityLocked()
}

// Release drops one reference on key. An unreferenced, evicted-pending
// entry is unloaded immediately; an unreferenced entry still within
// capacity stays cached for reuse.
func (c *ModelCache) Release(gpu, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{gpu, model}
	elem, ok := c.items[key]
	if !ok {
		return
	}
	e := elem.Value.(*cacheEntry)
	if e.refs > 0 {
		e.refs--
	}
	c.evictOverCapacityLocked()
}

func (c *ModelCache) evictOverCapacityLocked() {
	for c.lru.Len() > c.capacity {
		var victim *list.Element
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			if el.Value.(*cacheEntry).refs == 0 {
				victim = el
				break
			}
		}
		if victim == nil {
			return // every cached entry is pinned; stay transiently over capacity
		}
		e := victim.Value.(*cacheEntry)
		c.lru.Remove(victim)
		delete(c.items, e.key)
		if c.unload != nil {
			_ = c.unload(e.handle)
		}
	}
}
