package audiocapture

import (
	"sync"
	"time"
)

// ChunkQueue is an unbounded, thread-safe FIFO of PCM chunks.
// A single consumer may block in Get while producers Push.
type ChunkQueue struct {
	mu     sync.Mutex
	chunks [][]byte
	notify chan struct{}
}

// NewChunkQueue creates an empty queue.
func NewChunkQueue() *ChunkQueue {
	return &ChunkQueue{notify: make(chan struct{}, 1)}
}

// Push appends a chunk. It never blocks.
func (q *ChunkQueue) Push(chunk []byte) {
	q.mu.Lock()
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryGet removes and returns the oldest chunk without waiting.
func (q *ChunkQueue) TryGet() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.chunks) == 0 {
		return nil, false
	}
	chunk := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	return chunk, true
}

// Get waits up to timeout for a chunk. It returns false on timeout.
func (q *ChunkQueue) Get(timeout time.Duration) ([]byte, bool) {
	if chunk, ok := q.TryGet(); ok {
		return chunk, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			if chunk, ok := q.TryGet(); ok {
				return chunk, true
			}
		case <-timer.C:
			return q.TryGet()
		}
	}
}

// Len returns the number of pending chunks.
func (q *ChunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// DropOldest discards up to n of the oldest chunks and returns how many were dropped.
func (q *ChunkQueue) DropOldest(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.chunks) {
		n = len(q.chunks)
	}
	if n <= 0 {
		return 0
	}
	clear(q.chunks[:n])
	q.chunks = q.chunks[n:]
	return n
}
