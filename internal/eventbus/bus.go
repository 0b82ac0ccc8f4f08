// Package eventbus implements the Event Bus (C6): per-client buffered
// fan-out of task and download progress events, with heartbeat
// liveness tracking (spec.md §4.6).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// subscriber holds one client's ring buffer (a buffered channel) plus
// the bookkeeping needed to evict the oldest non-heartbeat event on
// overflow and to detect a stale connection.
type subscriber struct {
	id string
	ch chan Event

	pushMu sync.Mutex // serializes push/evict against concurrent publishers

	drops             int64
	pendingCompaction int64 // count of drops not yet surfaced as a Compaction event

	lastPong atomic.Int64 // unix nano
}

// Bus is the process-wide singleton fanning events out to subscribed
// clients.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	ringSize          int
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	log *logrus.Entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// Config bundles the tunables a Bus needs from spec.md §6.3.
type Config struct {
	RingSize          int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// New constructs a Bus with no subscribers. Call Run to start the
// heartbeat goroutine.
func New(cfg Config, log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ringSize := cfg.RingSize
	if ringSize < 1 {
		ringSize = 128
	}
	return &Bus{
		subs:              make(map[string]*subscriber),
		ringSize:          ringSize,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		log:               log.WithField("component", "eventbus"),
		stop:              make(chan struct{}),
		now:               time.Now,
	}
}

// Run starts the heartbeat goroutine, publishing a Heartbeat to every
// subscriber every HeartbeatInterval and disconnecting any subscriber
// that hasn't Acked within HeartbeatTimeout (spec.md §4.6, "Liveness").
// It blocks until stop is closed or Stop is called.
func (b *Bus) Run(stop <-chan struct{}) {
	if b.heartbeatInterval <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-b.stop:
			return
		case <-ticker.C:
			b.beat()
		}
	}
}

// Stop halts the heartbeat goroutine if Run was started in its own
// goroutine rather than driven by the caller's stop channel.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *Bus) beat() {
	now := b.now()
	b.Publish(Heartbeat{ServerTS: now.UnixMilli()})

	b.mu.Lock()
	defer b.mu.Unlock()
	deadline := now.Add(-b.heartbeatTimeout)
	for id, sub := range b.subs {
		last := sub.lastPong.Load()
		if last == 0 {
			continue // no timestamp recorded; Subscribe seeds lastPong, so a client that never acked is judged from its subscribe time
		}
		if time.Unix(0, last).Before(deadline) {
			close(sub.ch)
			delete(b.subs, id)
			b.log.WithField("client_id", id).Warn("disconnecting client: heartbeat timeout")
		}
	}
}

// Subscribe registers a new client and returns its id, its receive-only
// event channel, and an Unsubscribe function.
func (b *Bus) Subscribe() (id string, events <-chan Event, unsubscribe func()) {
	id = uuid.NewString()
	sub := &subscriber{id: id, ch: make(chan Event, b.ringSize)}
	sub.lastPong.Store(b.now().UnixNano())

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return id, sub.ch, func() { b.Unsubscribe(id) }
}

// Unsubscribe removes a client and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Ack records a pong from a client, resetting its heartbeat deadline.
func (b *Bus) Ack(id string) {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if ok {
		sub.lastPong.Store(b.now().UnixNano())
	}
}

// Publish fans event out to every current subscriber, non-blocking
// (spec.md §4.6, "Delivery"). A full ring drops its oldest
// non-heartbeat entry to make room, incrementing that client's drop
// counter; the next event delivered to that client is preceded by a
// Compaction notice.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.push(event)
	}
}

// push delivers event to the subscriber's ring, evicting to make room
// if necessary, and prepends a queued Compaction notice first if one is
// pending.
func (s *subscriber) push(event Event) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	if n := atomic.SwapInt64(&s.pendingCompaction, 0); n > 0 {
		s.trySend(Compaction{Dropped: int(n)})
	}
	if event.Type() == EventCompaction {
		return
	}
	s.trySend(event)
}

// trySend delivers one event, evicting the oldest non-heartbeat entry
// at most once per call if the ring is full. Caller holds s.pushMu.
func (s *subscriber) trySend(event Event) {
	select {
	case s.ch <- event:
		return
	default:
	}
	if s.evictOldestNonHeartbeat() {
		select {
		case s.ch <- event:
			return
		default:
		}
	}
	// Ring still full (all heartbeats, or lost the race with the
	// reader): drop the incoming event itself rather than block.
	if event.Type() != EventHeartbeat {
		atomic.AddInt64(&s.drops, 1)
		atomic.AddInt64(&s.pendingCompaction, 1)
	}
}

// evictOldestNonHeartbeat drains the ring looking for the first
// non-heartbeat event, dropping it and requeuing any heartbeats it
// passed over. Reports whether it freed a slot.
func (s *subscriber) evictOldestNonHeartbeat() bool {
	n := len(s.ch)
	var requeue []Event
	freed := false
	for i := 0; i < n; i++ {
		var e Event
		select {
		case e = <-s.ch:
		default:
			freed = false
			break
		}
		if e == nil {
			break
		}
		if e.Type() == EventHeartbeat && !freed {
			requeue = append(requeue, e)
			continue
		}
		if !freed {
			atomic.AddInt64(&s.drops, 1)
			atomic.AddInt64(&s.pendingCompaction, 1)
			freed = true
			continue
		}
		requeue = append(requeue, e)
	}
	for _, e := range requeue {
		select {
		case s.ch <- e:
		default:
		}
	}
	return freed
}

// DropCount returns the number of events dropped for client id so far.
func (b *Bus) DropCount(id string) int64 {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&sub.drops)
}

// Subscribers returns the current subscriber count, for status reporting.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
