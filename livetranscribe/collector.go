package livetranscribe

import (
	"fmt"
	"time"
)

// collect drains the source queue into the ring and slices off a window
// whenever enough audio has accumulated.
func (s *session) collect() {
	defer close(s.collectorDone)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("collector panicked", "panic", r)
			if s.running.Load() {
				s.status(fmt.Sprintf("Live collector error: %v", r))
			}
		}
	}()

	s.log.Info("collector started", "window_bytes", s.sizes.Window, "overlap_bytes", s.sizes.Overlap)

	st := collectorStats{last: time.Now()}
	for s.running.Load() && !s.stopped.Load() {
		s.collectOnce(&st)
	}

	s.log.Info("collector exited")
}

// collectorStats are the rolling counters behind the periodic status line.
type collectorStats struct {
	bytes  int
	chunks int
	last   time.Time
}

func (s *session) collectOnce(st *collectorStats) {
	s.iterMu.Lock()
	defer s.iterMu.Unlock()

	// stop may have drained and flushed while this iteration waited for iterMu.
	if s.stopped.Load() || !s.running.Load() {
		return
	}

	q := s.src.Queue()
	backlog := q.Len()
	if backlog > s.params.MaxBacklog {
		drop := q.DropOldest(backlog - s.params.MaxBacklog/2)
		s.droppedChunks.Add(uint64(drop))
		s.log.Warn("audio backlog reduced", "backlog", backlog, "dropped", drop)
		guardedCall(s.log, "OnStatus", s.cfg.OnStatus, fmt.Sprintf("Warning: audio backlog (%d) reduced (drop=%d).", backlog, drop))
	}

	chunk, ok := q.Get(s.params.QueueTimeout)
	if !ok || len(chunk) == 0 {
		return
	}

	ringLen := s.ring.Append(chunk)
	st.bytes += len(chunk)
	st.chunks++

	if elapsed := time.Since(st.last); elapsed >= s.params.StatusInterval {
		rate := float64(st.bytes) / elapsed.Seconds()
		s.throttledStatus(fmt.Sprintf("Collector: buffer=%d bytes, in=%.0f B/s, chunks=%d, backlog=%d",
			ringLen, rate, st.chunks, backlog))
		*st = collectorStats{last: time.Now()}
	}

	if ringLen >= s.sizes.Window {
		if window, ok := s.ring.ExtractWindow(s.sizes.Window, s.sizes.Overlap); ok {
			s.push(window, false)
		}
	}
}
