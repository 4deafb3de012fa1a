// Package app wires the transcription pipeline to its outer surfaces:
// history, language tagging, websocket fan-out, and the global hotkey.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.aimuz.me/livescribe/broadcast"
	"go.aimuz.me/livescribe/config"
	"go.aimuz.me/livescribe/history"
	"go.aimuz.me/livescribe/internal/types"
	"go.aimuz.me/livescribe/langdetect"
	"go.aimuz.me/livescribe/stt"
	"go.aimuz.me/livescribe/transcript"
)

// InMemoryHistory as History.Dir keeps the session history in memory.
const InMemoryHistory = ":memory:"

// Service provides application functionality to the command line.
// This struct focuses on orchestration; business logic lives in sub-components.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	history    *history.Store       // nil when disabled
	detector   *langdetect.Detector // nil when disabled
	hub        *broadcast.Hub
	transcript *transcript.Transcript
	hotkey     *Hotkey

	mu      sync.Mutex // guards engines
	engines *stt.Registry

	live LiveAdapter

	// OnLine and OnStatus mirror emitted lines and status messages,
	// typically to the terminal. Both are optional.
	OnLine   func(types.LiveTranscript)
	OnStatus func(string)
}

// New creates a Service from cfg. History and language detection are set
// up when enabled; a detector that cannot be built is logged and skipped.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:        cfg,
		log:        logger.With("component", "app"),
		hub:        broadcast.NewHub(logger),
		transcript: transcript.New(""),
		engines:    stt.NewRegistry(),
	}

	if cfg.History.Enabled {
		if err := s.setupHistory(logger); err != nil {
			return nil, err
		}
	}
	s.setupDetector()
	return s, nil
}

func (s *Service) setupHistory(logger *slog.Logger) error {
	dir := s.cfg.History.Dir
	if dir == InMemoryHistory {
		dir = ""
	} else {
		var err error
		if dir, err = s.cfg.HistoryDir(); err != nil {
			return err
		}
	}

	store, err := history.Open(dir, logger)
	if err != nil {
		return err
	}
	s.history = store
	s.log.Info("history initialized", "dir", dir)
	return nil
}

func (s *Service) setupDetector() {
	if len(s.cfg.Detect.Languages) == 0 {
		return
	}
	d, err := langdetect.New(s.cfg.Detect.Languages...)
	if err != nil {
		s.log.Warn("language detection disabled", "error", err)
		return
	}
	s.detector = d
}

// History returns the session store, or nil when history is disabled.
func (s *Service) History() *history.Store { return s.history }

// Transcript returns the transcript of the current or most recent session.
func (s *Service) Transcript() *transcript.Transcript { return s.transcript }

// Hub returns the websocket hub.
func (s *Service) Hub() *broadcast.Hub { return s.hub }

// Transcriber returns the configured engine, creating it on first use.
func (s *Service) Transcriber() (stt.Transcriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.cfg.Engine.Name
	if t, err := s.engines.Get(name); err == nil {
		return t, nil
	}
	t, err := NewTranscriber(s.cfg.Engine, func(percent int) {
		s.status(fmt.Sprintf("Downloading %s model: %d%%", name, percent))
	})
	if err != nil {
		return nil, err
	}
	s.engines.Register(t)
	return t, nil
}

// Serve exposes the websocket hub on addr until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, addr string) error {
	path := s.cfg.Broadcast.Path
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()
	mux.Handle(path, s.hub)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("broadcast listening", "addr", addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve broadcast: %w", err)
	}
	return nil
}

// Shutdown stops live transcription and releases every resource.
func (s *Service) Shutdown() error {
	var errs []error
	if s.hotkey != nil {
		s.hotkey.Stop()
	}
	if err := s.StopLive(); err != nil {
		errs = append(errs, err)
	}
	s.hub.Close()

	s.mu.Lock()
	errs = append(errs, s.engines.Close())
	s.mu.Unlock()

	if s.history != nil {
		if err := s.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	return errors.Join(errs...)
}

// detect returns the language of text, or "" when detection is disabled or
// inconclusive.
func (s *Service) detect(text string) string {
	if s.detector == nil {
		return ""
	}
	code, _ := s.detector.Detect(text)
	return code
}

// record stores and broadcasts one transcript line of session id.
func (s *Service) record(id string, line transcript.Line) {
	if s.history != nil && id != "" {
		if err := s.history.AppendLine(id, line); err != nil {
			s.log.Error("store line", "session", id, "error", err)
		}
	}

	s.emit(EventLiveTranscript, broadcast.Event{
		Text:    line.Text,
		Lang:    line.Lang,
		Session: id,
		Time:    line.Time,
	})
	if s.OnLine != nil {
		safeCall(s.log, "OnLine", func() {
			s.OnLine(types.LiveTranscript{
				Session:   id,
				Text:      line.String(),
				Lang:      line.Lang,
				Timestamp: line.Time.UnixMilli(),
			})
		})
	}
}

// status broadcasts msg and mirrors it to OnStatus.
func (s *Service) status(msg string) {
	s.emit(EventStatus, broadcast.Event{Text: msg})
	if s.OnStatus != nil {
		safeCall(s.log, "OnStatus", func() { s.OnStatus(msg) })
	}
}

// emit publishes an application event to websocket clients.
func (s *Service) emit(name string, ev broadcast.Event) {
	ev.Type = broadcastType(name)
	s.hub.Publish(ev)
}

func safeCall(log *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", "callback", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
