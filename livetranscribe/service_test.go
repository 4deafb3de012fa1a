package livetranscribe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.aimuz.me/livescribe/audiocapture"
	"go.aimuz.me/livescribe/stt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource is a capture source whose queue the test fills directly.
type fakeSource struct {
	queue    *audiocapture.ChunkQueue
	startErr error
	stopErr  error

	mu      sync.Mutex
	started bool
	stopped bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{queue: audiocapture.NewChunkQueue()}
}

func (f *fakeSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return f.stopErr
}

func (f *fakeSource) Queue() *audiocapture.ChunkQueue { return f.queue }

// pushStream splits pcm into chunk-sized pieces and queues them.
func (f *fakeSource) pushStream(pcm []byte, chunk int) {
	for len(pcm) > 0 {
		n := min(chunk, len(pcm))
		f.queue.Push(pcm[:n])
		pcm = pcm[n:]
	}
}

// loudStream returns n bytes of a loud, position-dependent signal.
func loudStream(n int) []byte {
	samples := make([]int16, n/2)
	for i := range samples {
		samples[i] = int16((i*7)%6000 - 3000)
	}
	return pcmFromSamples(samples...)
}

// statusLog collects status lines.
type statusLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *statusLog) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *statusLog) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

// textLog collects emitted text.
type textLog struct {
	mu    sync.Mutex
	texts []string
}

func (l *textLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = append(l.texts, s)
}

func (l *textLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.texts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testParams() Params {
	p := DefaultParams()
	p.QueueTimeout = 10 * time.Millisecond
	p.JoinTimeout = 5 * time.Second
	return p
}

type harness struct {
	svc    *Service
	src    *fakeSource
	tr     *stt.Stub
	texts  *textLog
	status *statusLog
}

func newHarness(p Params, script ...[]string) *harness {
	h := &harness{
		src:    newFakeSource(),
		tr:     stt.NewStub(script...),
		texts:  &textLog{},
		status: &statusLog{},
	}
	h.svc = New(Config{
		Params:      p,
		OpenSource:  func(Params) (audiocapture.Source, error) { return h.src, nil },
		Transcriber: h.tr,
		OnText:      h.texts.add,
		OnStatus:    h.status.add,
		Logger:      discardLogger(),
	})
	return h
}

// A 16 kHz stream of 6.5 s yields one full 5 s window and, on stop, a flush
// of the 1.5 s overlap plus the 1.5 s that followed.
func TestService_WindowAndFlush(t *testing.T) {
	h := newHarness(testParams(), []string{"first window"}, []string{"the flush"})
	stream := loudStream(208000)
	h.src.pushStream(stream, 3200)

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.svc.State() != StateRunning {
		t.Fatalf("State() = %v, want running", h.svc.State())
	}
	if !h.tr.Preloaded() {
		t.Error("transcriber was not preloaded")
	}

	waitFor(t, "source drained", func() bool {
		return h.src.queue.Len() == 0 && h.svc.Stats().Produced == 1 && h.svc.Stats().BufferedBytes == 96000
	})

	if err := h.svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.svc.State() != StateIdle {
		t.Errorf("State() = %v after Stop, want idle", h.svc.State())
	}

	calls := h.tr.Calls()
	if len(calls) != 2 {
		t.Fatalf("transcriber called %d times, want 2", len(calls))
	}
	if len(calls[0].PCM) != 160000 {
		t.Errorf("window = %d bytes, want 160000", len(calls[0].PCM))
	}
	if !bytes.Equal(calls[0].PCM, stream[:160000]) {
		t.Error("window does not match the first 5 s of the stream")
	}
	if !bytes.Equal(calls[1].PCM, stream[112000:]) {
		t.Errorf("flush = %d bytes, want the 48000 byte overlap plus the remaining 48000", len(calls[1].PCM))
	}
	if calls[0].Format != (stt.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}) {
		t.Errorf("format = %+v", calls[0].Format)
	}

	if got := h.texts.get(); len(got) != 2 || got[0] != "first window" || got[1] != "the flush" {
		t.Errorf("texts = %q", got)
	}

	st := h.svc.Stats()
	if st.Produced != 2 || st.Transcribed != 2 || st.Emitted != 2 || st.BufferedBytes != 0 || st.QueuedSnapshots != 0 {
		t.Errorf("Stats() = %+v", st)
	}
	if !h.src.stopped {
		t.Error("source was not stopped")
	}
	for _, want := range []string{"Live transcription running", "handed the last buffer", "Live transcription stopped."} {
		if !h.status.contains(want) {
			t.Errorf("no status containing %q", want)
		}
	}
}

func TestService_DedupeAcrossWindows(t *testing.T) {
	h := newHarness(testParams(), []string{"hello there."}, []string{"Hello there"}, []string{"general kenobi"})
	h.src.pushStream(loudStream(3*112000+48000), 3200)

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "three windows", func() bool { return h.svc.Stats().Produced == 3 })
	h.svc.Stop()

	// The trailing overlap is flushed on stop and answered by the unscripted stub.
	want := []string{"hello there.", "general kenobi", "1.50s of audio"}
	if got := h.texts.get(); !slices.Equal(got, want) {
		t.Errorf("texts = %q, want %q", got, want)
	}
	if st := h.svc.Stats(); st.Suppressed != 1 {
		t.Errorf("Suppressed = %d, want 1", st.Suppressed)
	}
}

func TestService_FlushThreshold(t *testing.T) {
	tests := []struct {
		name      string
		bytes     int
		wantCalls int
	}{
		{"one_below_min", 19199, 0},
		{"at_min", 19200, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testParams())
			h.src.pushStream(loudStream(tt.bytes+1)[:tt.bytes], 3200)

			if err := h.svc.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			h.svc.Stop()

			calls := h.tr.Calls()
			if len(calls) != tt.wantCalls {
				t.Fatalf("transcriber called %d times, want %d", len(calls), tt.wantCalls)
			}
			if tt.wantCalls == 1 && len(calls[0].PCM) != tt.bytes {
				t.Errorf("flush = %d bytes, want %d", len(calls[0].PCM), tt.bytes)
			}
		})
	}
}

func TestService_SilentFlushSkipped(t *testing.T) {
	h := newHarness(testParams())
	h.src.pushStream(makeSilence(16000), 3200)

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.svc.Stop()

	if n := len(h.tr.Calls()); n != 0 {
		t.Errorf("transcriber called %d times for silence", n)
	}
	if !h.status.contains("skip flush (too silent") {
		t.Error("no status about the skipped flush")
	}
	if st := h.svc.Stats(); st.Gated != 1 {
		t.Errorf("Gated = %d, want 1", st.Gated)
	}
}

func TestService_StartGateHoldsQuietWindows(t *testing.T) {
	h := newHarness(testParams())

	// Loud enough for the silence gate, too quiet to open the start gate.
	h.src.pushStream(makeTone(80000, 100), 3200)

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "quiet window gated", func() bool { return h.svc.Stats().Gated == 1 })
	h.svc.Stop()

	if n := len(h.tr.Calls()); n != 0 {
		t.Errorf("transcriber called %d times before the start gate opened", n)
	}
	if st := h.svc.Stats(); st.Gated != 2 {
		t.Errorf("Gated = %d, want 2 (window and flush)", st.Gated)
	}
}

func TestService_BacklogProtection(t *testing.T) {
	p := testParams()
	h := newHarness(p)
	for i := 0; i < 300; i++ {
		h.src.queue.Push(make([]byte, 2))
	}

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "backlog reduced", func() bool { return h.svc.Stats().DroppedChunks > 0 })
	h.svc.Stop()

	if got := h.svc.Stats().DroppedChunks; got != 200 {
		t.Errorf("DroppedChunks = %d, want 200 (300 - 200/2)", got)
	}
	if !h.status.contains("audio backlog (300) reduced (drop=200)") {
		t.Error("no backlog warning status")
	}
}

type failingTranscriber struct {
	*stt.Stub
	preloadErr error
	panicMsg   string
}

func (f *failingTranscriber) Preload(ctx context.Context) error {
	if f.preloadErr != nil {
		return f.preloadErr
	}
	return f.Stub.Preload(ctx)
}

func (f *failingTranscriber) TranscribeBuffer(ctx context.Context, a stt.Audio, cb stt.Callbacks) ([]stt.Segment, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.Stub.TranscribeBuffer(ctx, a, cb)
}

func TestService_StartErrors(t *testing.T) {
	srcErr := errors.New("no device")
	preloadErr := errors.New("model missing")

	tests := []struct {
		name    string
		cfg     func(*Config)
		wantErr error
	}{
		{"invalid_params", func(c *Config) { c.Params.Window = 0 }, ErrInvalidParams},
		{"missing_transcriber", func(c *Config) { c.Transcriber = nil }, ErrInvalidParams},
		{"open_source", func(c *Config) {
			c.OpenSource = func(Params) (audiocapture.Source, error) { return nil, srcErr }
		}, srcErr},
		{"start_source", func(c *Config) {
			src := newFakeSource()
			src.startErr = srcErr
			c.OpenSource = func(Params) (audiocapture.Source, error) { return src, nil }
		}, srcErr},
		{"preload", func(c *Config) {
			c.Transcriber = &failingTranscriber{Stub: stt.NewStub(), preloadErr: preloadErr}
		}, preloadErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Params:      testParams(),
				OpenSource:  func(Params) (audiocapture.Source, error) { return newFakeSource(), nil },
				Transcriber: stt.NewStub(),
				Logger:      discardLogger(),
			}
			tt.cfg(&cfg)
			svc := New(cfg)

			if err := svc.Start(context.Background()); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() = %v, want %v", err, tt.wantErr)
			}
			if svc.State() != StateIdle {
				t.Errorf("State() = %v after failed Start", svc.State())
			}
		})
	}
}

func TestService_FailuresDoNotStopPipeline(t *testing.T) {
	p := testParams()
	src := newFakeSource()
	tr := &failingTranscriber{Stub: stt.NewStub(), panicMsg: "decoder exploded"}
	status := &statusLog{}

	svc := New(Config{
		Params:      p,
		OpenSource:  func(Params) (audiocapture.Source, error) { return src, nil },
		Transcriber: tr,
		OnText:      func(string) { panic("ui gone") },
		OnStatus:    status.add,
		Logger:      discardLogger(),
	})
	src.pushStream(loudStream(2*112000+48000), 3200)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "two failures", func() bool { return svc.Stats().Failed == 2 })
	svc.Stop()

	if !status.contains("transcription error") {
		t.Error("no status for the failed transcription")
	}
	if st := svc.Stats(); st.Transcribed != 0 {
		t.Errorf("Transcribed = %d, want 0", st.Transcribed)
	}
}

func TestService_PanickingOnTextIsContained(t *testing.T) {
	h := newHarness(testParams(), []string{"one"}, []string{"two"})
	h.svc.cfg.OnText = func(string) { panic("ui gone") }
	h.src.pushStream(loudStream(2*112000+48000), 3200)

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "both windows", func() bool { return h.svc.Stats().Transcribed == 2 })
	h.svc.Stop()

	if st := h.svc.Stats(); st.Emitted != 3 {
		t.Errorf("Emitted = %d, want 3 (two windows and the flush)", st.Emitted)
	}
}

func TestService_JoinTimeoutCancelsTranscription(t *testing.T) {
	p := testParams()
	p.JoinTimeout = 50 * time.Millisecond
	h := newHarness(p)
	h.tr.SetDelay(time.Minute)
	h.src.pushStream(loudStream(160000), 3200)

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "transcription in flight", func() bool { return len(h.tr.Calls()) == 1 })

	start := time.Now()
	h.svc.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v with a stuck transcriber", elapsed)
	}
	waitFor(t, "cancelled call counted", func() bool { return h.svc.Stats().Failed >= 1 })
}

func TestService_RestartAndNoops(t *testing.T) {
	h := newHarness(testParams())

	if err := h.svc.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := h.svc.Stats().Session
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if h.svc.Stats().Session != first {
		t.Error("Start while running began a new session")
	}
	h.svc.Stop()

	h.src = newFakeSource()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer h.svc.Stop()
	if second := h.svc.Stats().Session; second == first || second == "" {
		t.Errorf("session ids %q and %q", first, second)
	}
}
