package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"go.aimuz.me/livescribe/audiocapture"
	"go.aimuz.me/livescribe/broadcast"
	"go.aimuz.me/livescribe/config"
	"go.aimuz.me/livescribe/internal/types"
	"go.aimuz.me/livescribe/livetranscribe"
	"go.aimuz.me/livescribe/stt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.Name = "stub"
	cfg.History.Dir = InMemoryHistory
	cfg.Audio.QueueTimeout = 0.01
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	s, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	return s
}

type fakeSource struct{ queue *audiocapture.ChunkQueue }

func (f *fakeSource) Start() error                    { return nil }
func (f *fakeSource) Stop() error                     { return nil }
func (f *fakeSource) Queue() *audiocapture.ChunkQueue { return f.queue }

// loudPCM returns n bytes of a tone well above every silence threshold.
func loudPCM(n int) []byte {
	b := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		v := int16(4000)
		if (i/2)%2 == 1 {
			v = -4000
		}
		b[i] = byte(uint16(v))
		b[i+1] = byte(uint16(v) >> 8)
	}
	return b
}

func sourceWith(pcm []byte) SourceFactory {
	return func(livetranscribe.Params) (audiocapture.Source, error) {
		q := audiocapture.NewChunkQueue()
		for len(pcm) > 0 {
			n := min(3200, len(pcm))
			q.Push(pcm[:n])
			pcm = pcm[n:]
		}
		return &fakeSource{queue: q}, nil
	}
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

func writeTestWAV(t *testing.T, pcm []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "speech.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := stt.EncodeWAV(f, stt.Audio{PCM: pcm, Format: stt.PCM16Mono16k}); err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return path
}

func TestService_LiveSession(t *testing.T) {
	s := newTestService(t, testConfig())

	var mu sync.Mutex
	var lines []types.LiveTranscript
	s.OnLine = func(l types.LiveTranscript) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, l)
	}

	if err := s.StartLive(context.Background(), sourceWith(loudPCM(208000))); err != nil {
		t.Fatalf("StartLive: %v", err)
	}
	status := s.LiveStatus()
	if !status.Active || status.Engine != "stub" || status.Session == "" {
		t.Errorf("LiveStatus() = %+v", status)
	}

	waitFor(t, "first window", func() bool { return s.Transcript().Len() == 1 })
	if err := s.StopLive(); err != nil {
		t.Fatalf("StopLive: %v", err)
	}
	if s.LiveStatus().Active {
		t.Error("still active after StopLive")
	}

	got := s.Transcript().Lines()
	if len(got) != 2 || got[0].Text != "5.00s of audio" || got[1].Text != "3.00s of audio" {
		t.Fatalf("transcript = %+v", got)
	}
	if !strings.HasPrefix(s.Transcript().Label(), "live ") {
		t.Errorf("Label() = %q", s.Transcript().Label())
	}

	mu.Lock()
	if len(lines) != 2 || lines[0].Session != status.Session || !strings.HasSuffix(lines[0].Text, "] 5.00s of audio") {
		t.Errorf("OnLine received %+v", lines)
	}
	mu.Unlock()

	sessions, err := s.History().Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != status.Session || sessions[0].Lines != 2 || sessions[0].Ended.IsZero() {
		t.Errorf("Sessions() = %+v", sessions)
	}
}

func TestService_ToggleLive(t *testing.T) {
	s := newTestService(t, testConfig())
	open := sourceWith(nil)

	if err := s.ToggleLive(context.Background(), open); err != nil {
		t.Fatalf("ToggleLive (start): %v", err)
	}
	first := s.LiveStatus().Session
	if !s.LiveStatus().Active {
		t.Fatal("ToggleLive did not start")
	}
	if err := s.ToggleLive(context.Background(), open); err != nil {
		t.Fatalf("ToggleLive (stop): %v", err)
	}
	if s.LiveStatus().Active {
		t.Fatal("ToggleLive did not stop")
	}
	if err := s.ToggleLive(context.Background(), open); err != nil {
		t.Fatalf("ToggleLive (restart): %v", err)
	}
	if s.LiveStatus().Session == first {
		t.Error("restart reused the session id")
	}
}

func TestService_StartLiveErrors(t *testing.T) {
	srcErr := errors.New("no microphone")
	s := newTestService(t, testConfig())

	err := s.StartLive(context.Background(), func(livetranscribe.Params) (audiocapture.Source, error) {
		return nil, srcErr
	})
	if !errors.Is(err, srcErr) {
		t.Errorf("StartLive() = %v, want %v", err, srcErr)
	}
	if s.LiveStatus().Active {
		t.Error("active after failed start")
	}
	if err := s.StopLive(); err != nil {
		t.Errorf("StopLive when idle = %v", err)
	}
}

func TestService_TranscribeFile(t *testing.T) {
	s := newTestService(t, testConfig())
	path := writeTestWAV(t, loudPCM(32000))

	lines, err := s.TranscribeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if got, want := lines[0].String(), "   0.00s–   1.00s: 1.00s of audio"; got != want {
		t.Errorf("line = %q, want %q", got, want)
	}

	sessions, err := s.History().Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Label != "file: "+path {
		t.Fatalf("Sessions() = %+v", sessions)
	}
	stored, err := s.History().Lines(sessions[0].ID)
	if err != nil || len(stored) != 1 || !stored[0].HasRange {
		t.Errorf("stored lines = %+v, %v", stored, err)
	}
}

func TestService_TranscribeFileErrors(t *testing.T) {
	s := newTestService(t, testConfig())

	_, err := s.TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	if phase, ok := stt.ErrorPhase(err); !ok || phase != stt.PhaseAudioDecode {
		t.Errorf("missing file: error %v, phase %q", err, phase)
	}

	cfg := testConfig()
	cfg.Engine.Name = "whisper-api"
	cfg.Engine.APIKey = ""
	s = newTestService(t, cfg)
	_, err = s.TranscribeFile(context.Background(), writeTestWAV(t, loudPCM(3200)))
	if phase, ok := stt.ErrorPhase(err); !ok || phase != stt.PhaseModelLoad {
		t.Errorf("missing key: error %v, phase %q", err, phase)
	}
}

func TestService_BroadcastsLines(t *testing.T) {
	s := newTestService(t, testConfig())
	srv := httptest.NewServer(s.Hub())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "client registered", func() bool { return s.Hub().Clients() == 1 })

	if _, err := s.TranscribeFile(context.Background(), writeTestWAV(t, loudPCM(16000))); err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}

	seen := map[string]bool{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !seen[broadcast.TypeText] {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v (seen %v)", err, seen)
		}
		var ev broadcast.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		seen[ev.Type] = true
		if ev.Type == broadcast.TypeText && ev.Text != "0.50s of audio" {
			t.Errorf("text event = %+v", ev)
		}
	}
	if !seen[broadcast.TypeSession] || !seen[broadcast.TypeStatus] {
		t.Errorf("event types seen = %v", seen)
	}
}

func TestNewTranscriber(t *testing.T) {
	base := config.Default().Engine
	base.ModelDir = t.TempDir()

	for _, info := range Engines() {
		t.Run(info.Name, func(t *testing.T) {
			cfg := base
			cfg.Name = info.Name
			tr, err := NewTranscriber(cfg, nil)
			if err != nil {
				t.Fatalf("NewTranscriber: %v", err)
			}
			defer tr.Close()
			if tr.Name() != info.Name {
				t.Errorf("Name() = %q, want %q", tr.Name(), info.Name)
			}
		})
	}

	cfg := base
	cfg.Name = "morse"
	if _, err := NewTranscriber(cfg, nil); !errors.Is(err, stt.ErrUnknownTranscriber) {
		t.Errorf("unknown engine: %v", err)
	}
}

func TestHotkey_Debounce(t *testing.T) {
	toggled := make(chan struct{}, 4)
	h := NewHotkey([]string{" Ctrl", "SHIFT ", "", "l"}, func() { toggled <- struct{}{} }, discardLogger())
	if h.Keys() != "ctrl+shift+l" {
		t.Errorf("Keys() = %q", h.Keys())
	}

	now := time.Unix(0, 0)
	h.now = func() time.Time { return now }

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{50 * time.Millisecond, false},
		{300 * time.Millisecond, false},
		{hotkeyDebounce, true},
	}
	fired := 0
	for i, step := range steps {
		now = now.Add(step.advance)
		if got := h.fire(); got != step.want {
			t.Errorf("step %d: fire() = %v, want %v", i, got, step.want)
		}
		if step.want {
			fired++
		}
	}

	for range fired {
		select {
		case <-toggled:
		case <-time.After(time.Second):
			t.Fatal("toggle was not called")
		}
	}
}
