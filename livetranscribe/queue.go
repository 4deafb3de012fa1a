package livetranscribe

import (
	"sync"
	"time"
)

// Snapshot is one window of PCM handed from the collector to the worker.
type Snapshot struct {
	Seq   uint64
	PCM   []byte
	Final bool // produced by the stop-time flush
}

// HandoffQueue is a bounded FIFO of snapshots. Push never blocks: when the
// queue is full the oldest snapshot is evicted to make room.
type HandoffQueue struct {
	mu       sync.Mutex
	items    []Snapshot
	capacity int
	notify   chan struct{}
}

// NewHandoffQueue creates a queue holding at most capacity snapshots.
func NewHandoffQueue(capacity int) *HandoffQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &HandoffQueue{
		items:    make([]Snapshot, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends s and reports whether an older snapshot was evicted.
func (q *HandoffQueue) Push(s Snapshot) (evicted bool) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.shift()
		evicted = true
	}
	q.items = append(q.items, s)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop waits up to timeout for the oldest snapshot.
func (q *HandoffQueue) Pop(timeout time.Duration) (Snapshot, bool) {
	if s, ok := q.tryPop(); ok {
		return s, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			if s, ok := q.tryPop(); ok {
				return s, true
			}
		case <-timer.C:
			return q.tryPop()
		}
	}
}

func (q *HandoffQueue) tryPop() (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Snapshot{}, false
	}
	return q.shift(), true
}

// shift removes the head in place. mu must be held and the queue non-empty.
func (q *HandoffQueue) shift() Snapshot {
	s := q.items[0]
	n := copy(q.items, q.items[1:])
	q.items[n] = Snapshot{}
	q.items = q.items[:n]
	return s
}

// Len returns the number of queued snapshots.
func (q *HandoffQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
