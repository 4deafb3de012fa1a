package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	hook "github.com/robotn/gohook"
)

// hotkeyDebounce swallows key repeat while the combination is held.
const hotkeyDebounce = 400 * time.Millisecond

// Hotkey calls a toggle function whenever a global key combination is pressed.
type Hotkey struct {
	keys   []string
	toggle func()
	log    *slog.Logger

	mu      sync.Mutex
	last    time.Time
	now     func() time.Time
	running bool
	done    chan struct{}
}

// NewHotkey creates a hotkey for keys such as ["ctrl", "shift", "l"].
func NewHotkey(keys []string, toggle func(), logger *slog.Logger) *Hotkey {
	norm := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			norm = append(norm, k)
		}
	}
	return &Hotkey{
		keys:   norm,
		toggle: toggle,
		log:    logger.With("component", "hotkey"),
		now:    time.Now,
	}
}

// Keys returns the combination in display form, e.g. "ctrl+shift+l".
func (h *Hotkey) Keys() string { return strings.Join(h.keys, "+") }

// Start registers the combination and starts the global event hook.
func (h *Hotkey) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}

	hook.Register(hook.KeyDown, h.keys, func(hook.Event) { h.fire() })
	events := hook.Start()
	h.done = make(chan struct{})
	h.running = true

	go func(done chan struct{}) {
		defer close(done)
		<-hook.Process(events)
	}(h.done)
	h.log.Info("hotkey registered", "keys", h.Keys())
}

// Stop ends the global event hook.
func (h *Hotkey) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	done := h.done
	h.mu.Unlock()

	hook.End()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.log.Warn("hotkey hook did not exit in time")
	}
}

// fire runs the toggle unless the previous press was within hotkeyDebounce.
// The toggle runs on its own goroutine so the hook loop never blocks.
func (h *Hotkey) fire() bool {
	h.mu.Lock()
	now := h.now()
	if !h.last.IsZero() && now.Sub(h.last) < hotkeyDebounce {
		h.mu.Unlock()
		return false
	}
	h.last = now
	h.mu.Unlock()

	h.log.Debug("hotkey pressed", "keys", h.Keys())
	go h.toggle()
	return true
}

// EnableHotkey starts a global hotkey that toggles live transcription
// from the sources open returns. ctx bounds each start.
func (s *Service) EnableHotkey(ctx context.Context, open SourceFactory) *Hotkey {
	h := NewHotkey(s.cfg.Hotkey.Keys, func() {
		if err := s.ToggleLive(ctx, open); err != nil {
			s.log.Error("toggle live transcription", "error", err)
			s.status("Hotkey: " + err.Error())
		}
	}, s.log)
	h.Start()
	s.hotkey = h
	return h
}
