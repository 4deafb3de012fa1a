package livetranscribe

import "sync"

// RingBuffer accumulates raw PCM bytes between window extractions.
// All methods are safe for concurrent use and each runs as one critical section.
type RingBuffer struct {
	mu  sync.Mutex
	buf []byte
}

// NewRingBuffer creates a buffer with room for capacity bytes before growing.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, 0, capacity)}
}

// Append adds p to the end of the buffer and returns the new length.
func (b *RingBuffer) Append(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(b.buf)
}

// Len returns the number of buffered bytes.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// SnapshotTail returns a copy of the whole buffer and then keeps only its
// last n bytes. n <= 0 clears the buffer.
func (b *RingBuffer) SnapshotTail(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	b.keepTail(n)
	return out
}

// ExtractWindow returns a copy of the last window bytes and keeps only the
// last keep bytes, provided at least window bytes are buffered.
func (b *RingBuffer) ExtractWindow(window, keep int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if window <= 0 || len(b.buf) < window {
		return nil, false
	}
	out := make([]byte, window)
	copy(out, b.buf[len(b.buf)-window:])
	b.keepTail(keep)
	return out, true
}

// Reset discards all buffered bytes.
func (b *RingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
}

// keepTail must be called with mu held.
func (b *RingBuffer) keepTail(n int) {
	switch {
	case n <= 0:
		b.buf = b.buf[:0]
	case n < len(b.buf):
		b.buf = b.buf[:copy(b.buf, b.buf[len(b.buf)-n:])]
	}
}
