package audiocapture

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVFile replays a 16-bit PCM WAV file as a capture source.
// With realtime set, chunks are pushed at the pace they would arrive
// from a microphone; otherwise the whole file is queued as fast as it decodes.
type WAVFile struct {
	path     string
	cfg      Config
	realtime bool
	queue    *ChunkQueue
	log      *slog.Logger

	mu       sync.Mutex
	running  bool
	quit     chan struct{}
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// NewWAVFile validates the file header against cfg and returns a source for it.
func NewWAVFile(path string, cfg Config, realtime bool, logger *slog.Logger) (*WAVFile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	if err := checkWAVFormat(wav.NewDecoder(f), cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &WAVFile{
		path:     path,
		cfg:      cfg,
		realtime: realtime,
		queue:    NewChunkQueue(),
		log:      logger.With("component", "audiocapture.WAVFile", "path", path),
		finished: make(chan struct{}),
	}, nil
}

func checkWAVFormat(dec *wav.Decoder, cfg Config) error {
	if !dec.IsValidFile() {
		return fmt.Errorf("%w: not a valid WAV file", ErrFormatMismatch)
	}
	if dec.BitDepth != 16 || int(dec.NumChans) != cfg.Channels || int(dec.SampleRate) != cfg.SampleRate {
		return fmt.Errorf("%w: got %d Hz/%d ch/%d bit, want %d Hz/%d ch/16 bit",
			ErrFormatMismatch, dec.SampleRate, dec.NumChans, dec.BitDepth, cfg.SampleRate, cfg.Channels)
	}
	return nil
}

// Queue returns the queue chunks are pushed into.
func (w *WAVFile) Queue() *ChunkQueue { return w.queue }

// Finished is closed once the whole file has been queued or decoding failed.
func (w *WAVFile) Finished() <-chan struct{} { return w.finished }

func (w *WAVFile) finish() { w.once.Do(func() { close(w.finished) }) }

// Start begins decoding the file into the queue.
func (w *WAVFile) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyCapturing
	}

	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if err := checkWAVFormat(dec, w.cfg); err != nil {
		f.Close()
		return err
	}

	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true
	go w.readLoop(f, dec, w.quit, w.done)
	return nil
}

// Stop halts decoding. Chunks already queued stay in the queue.
func (w *WAVFile) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.quit)
	<-w.done
	return nil
}

func (w *WAVFile) readLoop(f *os.File, dec *wav.Decoder, quit, done chan struct{}) {
	defer close(done)
	defer f.Close()

	buf := &audio.IntBuffer{
		Data:   make([]int, w.cfg.FramesPerChunk()*w.cfg.Channels),
		Format: &audio.Format{NumChannels: w.cfg.Channels, SampleRate: w.cfg.SampleRate},
	}
	samples := make([]int16, len(buf.Data))

	var ticker *time.Ticker
	if w.realtime {
		ticker = time.NewTicker(w.cfg.ChunkDuration)
		defer ticker.Stop()
	}

	chunks := 0
	for {
		select {
		case <-quit:
			return
		default:
		}

		n, err := dec.PCMBuffer(buf)
		if err != nil {
			w.log.Error("decode wav", "error", err)
			w.finish()
			return
		}
		if n == 0 {
			w.log.Info("wav file queued", "chunks", chunks)
			w.finish()
			return
		}

		for i := 0; i < n; i++ {
			samples[i] = int16(buf.Data[i])
		}
		w.queue.Push(int16Bytes(samples[:n]))
		chunks++

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-quit:
				return
			}
		}
	}
}
