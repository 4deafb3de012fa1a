package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.aimuz.me/livescribe/audiocapture"
	"go.aimuz.me/livescribe/broadcast"
	"go.aimuz.me/livescribe/internal/types"
	"go.aimuz.me/livescribe/livetranscribe"
	"go.aimuz.me/livescribe/transcript"
)

// SourceFactory opens the audio source of a live session.
type SourceFactory func(livetranscribe.Params) (audiocapture.Source, error)

// CaptureConfig derives the capture settings from pipeline parameters.
func CaptureConfig(p livetranscribe.Params) audiocapture.Config {
	return audiocapture.Config{
		SampleRate:    p.SampleRate,
		Channels:      p.Channels,
		ChunkDuration: p.CaptureChunk,
	}
}

// MicrophoneSource opens the default input device.
func MicrophoneSource(logger *slog.Logger) SourceFactory {
	return func(p livetranscribe.Params) (audiocapture.Source, error) {
		return audiocapture.NewMicrophone(CaptureConfig(p), logger)
	}
}

// LiveAdapter manages the live pipeline with proper synchronization.
type LiveAdapter struct {
	mu      sync.RWMutex
	service *livetranscribe.Service
	engine  string
	started time.Time

	// recorded is the pipeline session that has a history entry and owns
	// the transcript.
	recMu    sync.Mutex
	recorded string
}

// Start runs service. Stops any existing session first.
func (la *LiveAdapter) Start(ctx context.Context, service *livetranscribe.Service, engine string) error {
	la.mu.Lock()
	defer la.mu.Unlock()

	if la.service != nil {
		la.service.Stop()
		la.service = nil
	}

	if err := service.Start(ctx); err != nil {
		return err
	}
	la.service = service
	la.engine = engine
	la.started = time.Now()
	return nil
}

// Stop stops the running service and returns its final counters.
// ok is false when nothing was running.
func (la *LiveAdapter) Stop() (stats livetranscribe.Stats, ok bool, err error) {
	la.mu.Lock()
	defer la.mu.Unlock()

	if la.service == nil {
		return livetranscribe.Stats{}, false, nil
	}
	err = la.service.Stop()
	stats = la.service.Stats()
	la.service = nil
	return stats, true, err
}

// Running reports whether a session is active.
func (la *LiveAdapter) Running() bool {
	la.mu.RLock()
	defer la.mu.RUnlock()
	return la.service != nil && la.service.Running()
}

// Status returns the current status, safe for concurrent access.
func (la *LiveAdapter) Status() types.LiveStatus {
	la.mu.RLock()
	defer la.mu.RUnlock()

	if la.service == nil {
		return types.LiveStatus{}
	}
	stats := la.service.Stats()
	return types.LiveStatus{
		Active:   la.service.Running(),
		Session:  stats.Session,
		Engine:   la.engine,
		Duration: int64(time.Since(la.started).Seconds()),
		Stats:    stats,
	}
}

// claim marks id as the recorded session and reports whether it was new.
func (la *LiveAdapter) claim(id string) bool {
	if la.recorded == id {
		return false
	}
	la.recorded = id
	return true
}

// StartLive starts live transcription from the source open returns.
func (s *Service) StartLive(ctx context.Context, open SourceFactory) error {
	tr, err := s.Transcriber()
	if err != nil {
		return err
	}

	// The worker reads the session id from svc itself, so text emitted
	// before Start returns is still attributed to its session.
	var svc *livetranscribe.Service
	svc = livetranscribe.New(livetranscribe.Config{
		Params:      s.cfg.Params(),
		OpenSource:  open,
		Transcriber: tr,
		OnText:      func(text string) { s.handleText(svc.Stats().Session, text) },
		OnStatus:    s.status,
		Logger:      s.log,
	})
	if err := s.live.Start(ctx, svc, tr.Name()); err != nil {
		return fmt.Errorf("start live transcription: %w", err)
	}

	s.beginLiveSession(svc.Stats().Session)
	return nil
}

// StopLive stops live transcription, flushing the trailing audio, and
// closes the history entry of the session.
func (s *Service) StopLive() error {
	stats, ok, err := s.live.Stop()
	if !ok {
		return err
	}

	s.log.Info("live session stats",
		"session", stats.Session,
		"produced", stats.Produced,
		"dropped", stats.Dropped,
		"gated", stats.Gated,
		"transcribed", stats.Transcribed,
		"failed", stats.Failed,
		"emitted", stats.Emitted,
		"suppressed", stats.Suppressed,
		"dropped_chunks", stats.DroppedChunks,
	)

	if s.history != nil {
		if err := s.history.EndSession(stats.Session); err != nil {
			s.log.Error("end history session", "session", stats.Session, "error", err)
		}
	}
	s.emit(EventSessionEnded, broadcast.Event{Session: stats.Session, Text: s.transcript.Label()})
	return err
}

// ToggleLive starts live transcription when idle and stops it otherwise.
func (s *Service) ToggleLive(ctx context.Context, open SourceFactory) error {
	if s.live.Running() {
		return s.StopLive()
	}
	return s.StartLive(ctx, open)
}

// LiveStatus returns the current live transcription status.
func (s *Service) LiveStatus() types.LiveStatus {
	st := s.live.Status()
	st.TranscriptCount = s.transcript.Len()
	return st
}

// beginLiveSession resets the transcript and opens a history entry the
// first time session id is seen.
func (s *Service) beginLiveSession(id string) {
	s.live.recMu.Lock()
	defer s.live.recMu.Unlock()

	if id == "" || !s.live.claim(id) {
		return
	}
	label := transcript.LiveLabel(time.Now())
	s.transcript.Clear()
	s.transcript.SetLabel(label)

	if s.history != nil {
		if _, err := s.history.BeginSessionWithID(id, label); err != nil {
			s.log.Error("begin history session", "session", id, "error", err)
		}
	}
	s.emit(EventSessionStarted, broadcast.Event{Session: id, Text: label})
}

// handleText receives deduplicated text of session id from the pipeline worker.
func (s *Service) handleText(id, text string) {
	text = transcript.Clean(text)
	if text == "" {
		return
	}

	s.beginLiveSession(id)

	line, ok := s.transcript.Append(transcript.Line{Text: text, Lang: s.detect(text)})
	if !ok {
		return
	}
	s.record(id, line)
}
