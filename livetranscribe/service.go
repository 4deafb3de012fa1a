package livetranscribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.aimuz.me/livescribe/audiocapture"
	"go.aimuz.me/livescribe/stt"
)

// State is the lifecycle state of a Service.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config wires a Service to its collaborators.
type Config struct {
	Params Params

	// OpenSource creates the audio source for a new session. The returned
	// source is started by the Service.
	OpenSource func(Params) (audiocapture.Source, error)

	Transcriber stt.Transcriber

	// OnText receives every segment text that survives deduplication.
	OnText func(text string)
	// OnStatus receives human readable progress lines.
	OnStatus func(msg string)

	Logger *slog.Logger
}

// Stats is a snapshot of the pipeline counters for the current or most
// recent session.
type Stats struct {
	Session         string `json:"session"`
	BufferedBytes   int    `json:"buffered_bytes"`
	QueuedSnapshots int    `json:"queued_snapshots"`

	Produced    uint64 `json:"produced"`    // snapshots pushed to the queue
	Dropped     uint64 `json:"dropped"`     // snapshots evicted by a full queue
	Gated       uint64 `json:"gated"`       // snapshots rejected by a gate
	Transcribed uint64 `json:"transcribed"` // transcriber calls that succeeded
	Failed      uint64 `json:"failed"`      // transcriber calls that failed

	Emitted    uint64 `json:"emitted"`
	Suppressed uint64 `json:"suppressed"`

	DroppedChunks uint64 `json:"dropped_chunks"` // source chunks shed by backlog protection
}

// Service runs the capture, windowing, and transcription pipeline.
// Start and Stop may be called repeatedly; each Start begins a fresh session.
type Service struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex // serializes Start and Stop
	state atomic.Int32
	sess  atomic.Pointer[session]
}

// New creates a Service. A zero Params is replaced by DefaultParams.
func New(cfg Config) *Service {
	if cfg.Params == (Params{}) {
		cfg.Params = DefaultParams()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg: cfg,
		log: cfg.Logger.With("component", "livetranscribe"),
	}
}

// Params returns the configured parameters.
func (s *Service) Params() Params { return s.cfg.Params }

// State returns the lifecycle state.
func (s *Service) State() State { return State(s.state.Load()) }

// Running reports whether a session is active.
func (s *Service) Running() bool { return s.State() == StateRunning }

// Stats returns the counters of the current or most recent session.
func (s *Service) Stats() Stats {
	sess := s.sess.Load()
	if sess == nil {
		return Stats{}
	}
	return sess.stats()
}

// Start opens the source, preloads the transcriber and launches the
// collector and worker. It is a no-op unless the Service is idle.
// ctx bounds the preload only; the session outlives it until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateIdle {
		return nil
	}

	p := s.cfg.Params
	if err := p.Validate(); err != nil {
		return err
	}
	if s.cfg.Transcriber == nil || s.cfg.OpenSource == nil {
		return fmt.Errorf("%w: transcriber and source are required", ErrInvalidParams)
	}

	sess := newSession(ctx, uuid.NewString(), p, s.cfg, s.log)
	tr := s.cfg.Transcriber

	sess.status(fmt.Sprintf("Preload: loading %s", tr.Name()))
	if err := tr.Preload(ctx); err != nil {
		sess.cancel()
		sess.status(fmt.Sprintf("Preload failed: %v", err))
		return fmt.Errorf("preload %s: %w", tr.Name(), err)
	}
	sess.status(fmt.Sprintf("Preload: %s ready", tr.Name()))

	src, err := s.cfg.OpenSource(p)
	if err != nil {
		sess.cancel()
		return fmt.Errorf("open audio source: %w", err)
	}
	if err := src.Start(); err != nil {
		sess.cancel()
		return fmt.Errorf("start audio source: %w", err)
	}
	sess.src = src

	sess.running.Store(true)
	s.sess.Store(sess)
	go sess.collect()
	go sess.work()
	s.state.Store(int32(StateRunning))

	sess.log.Info("session started",
		"transcriber", tr.Name(),
		"window_bytes", sess.sizes.Window,
		"overlap_bytes", sess.sizes.Overlap,
	)
	sess.status(fmt.Sprintf("Live transcription running. window=%.1fs, overlap=%.1fs, session=%s",
		p.Window.Seconds(), p.Overlap.Seconds(), sess.id))
	return nil
}

// Stop stops the source, flushes the trailing audio if it is long and loud
// enough, and waits for the worker to transcribe everything still queued.
// It is a no-op unless the Service is running. Teardown problems are logged
// and never abort the stop, so the returned error is always nil.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	s.state.Store(int32(StateStopping))

	sess := s.sess.Load()
	sess.stop()

	s.state.Store(int32(StateIdle))
	sess.status("Live transcription stopped.")
	return nil
}

// Close stops the Service if it is running.
func (s *Service) Close() error {
	return s.Stop()
}

// session is the state owned by one Start/Stop cycle.
type session struct {
	id     string
	params Params
	sizes  Sizes
	cfg    Config
	log    *slog.Logger

	src      audiocapture.Source
	ring     *RingBuffer
	queue    *HandoffQueue
	gate     StartGate
	dedupe   *DedupeEmitter
	throttle *StatusThrottler

	// iterMu is held for each collector iteration and for the stop-time
	// drain, so no chunk popped by the collector lands after the flush.
	iterMu sync.Mutex

	running atomic.Bool
	stopped atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	collectorDone chan struct{}
	workerDone    chan struct{}

	seq           atomic.Uint64
	produced      atomic.Uint64
	dropped       atomic.Uint64
	gated         atomic.Uint64
	transcribed   atomic.Uint64
	failed        atomic.Uint64
	emitted       atomic.Uint64
	suppressed    atomic.Uint64
	droppedChunks atomic.Uint64
}

func newSession(parent context.Context, id string, p Params, cfg Config, log *slog.Logger) *session {
	sizes := p.Sizes()
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	sess := &session{
		id:            id,
		params:        p,
		sizes:         sizes,
		cfg:           cfg,
		log:           log.With("session", id),
		ring:          NewRingBuffer(sizes.Window + sizes.BytesPerSecond),
		queue:         NewHandoffQueue(p.QueueCapacity),
		throttle:      NewStatusThrottler(p.StatusInterval),
		ctx:           ctx,
		cancel:        cancel,
		collectorDone: make(chan struct{}),
		workerDone:    make(chan struct{}),
	}
	sess.dedupe = NewDedupeEmitter(sess.emitText, sess.suppressText)
	return sess
}

func (s *session) emitText(text string) {
	s.emitted.Add(1)
	s.log.Info("segment emitted", "text", text)
	guardedCall(s.log, "OnText", s.cfg.OnText, text)
}

func (s *session) suppressText(text string) {
	s.suppressed.Add(1)
	s.log.Info("segment deduplicated", "text", text)
}

// status reports msg to the log and to OnStatus.
func (s *session) status(msg string) {
	s.log.Info(msg)
	guardedCall(s.log, "OnStatus", s.cfg.OnStatus, msg)
}

// throttledStatus reports msg unless another throttled message was sent
// within the status interval. Suppressed lines still reach the debug log.
func (s *session) throttledStatus(msg string) {
	if s.throttle.Allow() {
		s.status(msg)
		return
	}
	s.log.Debug(msg)
}

// push hands a snapshot to the worker, evicting the oldest if the queue is full.
func (s *session) push(pcm []byte, final bool) {
	snap := Snapshot{Seq: s.seq.Add(1), PCM: pcm, Final: final}
	if s.queue.Push(snap) {
		s.dropped.Add(1)
		s.log.Warn("handoff queue full, dropped oldest snapshot", "seq", snap.Seq)
	}
	s.produced.Add(1)
	s.log.Info("snapshot queued", "seq", snap.Seq, "bytes", len(pcm), "final", final, "queued", s.queue.Len())
}

// stop runs the graceful shutdown sequence.
func (s *session) stop() {
	s.status("Live: stopping (graceful)...")

	if err := s.src.Stop(); err != nil {
		s.log.Error("stop audio source", "error", err)
	}

	drained := s.drain()
	if drained > 0 {
		s.status(fmt.Sprintf("Live: %d remaining chunks taken from the capture queue.", drained))
	}

	s.flush()

	s.running.Store(false)
	s.stopped.Store(true)

	s.join("collector", s.collectorDone)
	s.join("worker", s.workerDone)
	s.cancel()
}

// drain moves every chunk still queued at the source into the ring.
func (s *session) drain() int {
	s.iterMu.Lock()
	defer s.iterMu.Unlock()

	q := s.src.Queue()
	drained := 0
	for {
		chunk, ok := q.TryGet()
		if !ok {
			return drained
		}
		if len(chunk) == 0 {
			continue
		}
		s.ring.Append(chunk)
		drained++
	}
}

// flush turns the ring's remaining bytes into a final snapshot when there is
// enough audio and it is not silent.
func (s *session) flush() {
	tail := s.ring.SnapshotTail(0)
	willFlush := len(tail) > 0 && len(tail) >= s.sizes.MinFlush
	s.log.Info("stop flush", "ring_bytes", len(tail), "min_flush_bytes", s.sizes.MinFlush, "will_flush", willFlush)

	if willFlush {
		lvl := MeasureLevel(tail)
		if !FlushGate(s.params, lvl) {
			s.gated.Add(1)
			s.status(fmt.Sprintf("Live: skip flush (too silent, rms=%.1f, peak=%d)", lvl.RMS, lvl.Peak))
			willFlush = false
		}
	}

	if !willFlush {
		s.status("Live: nothing to flush (too little audio or too quiet).")
		return
	}
	s.push(tail, true)
	s.status("Live: handed the last buffer to transcription.")
}

func (s *session) join(name string, done <-chan struct{}) {
	timeout := s.params.JoinTimeout
	if timeout <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.log.Info("goroutine exited", "goroutine", name)
	case <-timer.C:
		s.log.Warn("goroutine did not exit in time", "goroutine", name, "timeout", timeout)
	}
}

func (s *session) stats() Stats {
	return Stats{
		Session:         s.id,
		BufferedBytes:   s.ring.Len(),
		QueuedSnapshots: s.queue.Len(),
		Produced:        s.produced.Load(),
		Dropped:         s.dropped.Load(),
		Gated:           s.gated.Load(),
		Transcribed:     s.transcribed.Load(),
		Failed:          s.failed.Load(),
		Emitted:         s.emitted.Load(),
		Suppressed:      s.suppressed.Load(),
		DroppedChunks:   s.droppedChunks.Load(),
	}
}
