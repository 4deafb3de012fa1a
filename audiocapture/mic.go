//go:build cgo

package audiocapture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// stopTimeout bounds how long Stop waits for the read loop to exit.
const stopTimeout = 2 * time.Second

// Microphone captures mono 16-bit PCM from the default input device via PortAudio.
type Microphone struct {
	cfg   Config
	queue *ChunkQueue
	log   *slog.Logger

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

// NewMicrophone creates a microphone source. The device is opened on Start.
func NewMicrophone(cfg Config, logger *slog.Logger) (*Microphone, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Microphone{
		cfg:   cfg.withDefaults(),
		queue: NewChunkQueue(),
		log:   logger.With("component", "audiocapture.Microphone"),
	}, nil
}

// Queue returns the queue chunks are pushed into.
func (m *Microphone) Queue() *ChunkQueue { return m.queue }

// Start opens the default input stream and begins pushing chunks.
func (m *Microphone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyCapturing
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}

	frames := m.cfg.FramesPerChunk()
	buf := make([]int16, frames*m.cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(m.cfg.Channels, 0, float64(m.cfg.SampleRate), frames, &buf)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("start input stream: %w", err)
	}

	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true
	go m.readLoop(stream, buf, m.quit, m.done)

	m.log.Info("microphone started", "sample_rate", m.cfg.SampleRate, "chunk", m.cfg.ChunkDuration)
	return nil
}

// Stop halts the read loop. Queued chunks stay in the queue.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	close(m.quit)

	select {
	case <-m.done:
	case <-time.After(stopTimeout):
		return errors.New("audiocapture: microphone read loop did not stop in time")
	}

	m.log.Info("microphone stopped", "pending_chunks", m.queue.Len())
	return nil
}

func (m *Microphone) readLoop(stream *portaudio.Stream, buf []int16, quit, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := stream.Stop(); err != nil {
			m.log.Warn("stop input stream", "error", err)
		}
		_ = stream.Close()
		_ = portaudio.Terminate()
	}()

	for {
		select {
		case <-quit:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				m.log.Debug("input overflowed")
				continue
			}
			m.log.Error("read microphone", "error", err)
			return
		}
		m.queue.Push(int16Bytes(buf))
	}
}
