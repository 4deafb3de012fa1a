package stt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Stub is a scripted transcriber for dry runs and tests.
// Each call consumes the next scripted entry; once the script is exhausted
// it reports the length of the audio it was given.
type Stub struct {
	mu        sync.Mutex
	script    [][]string
	calls     []Audio
	err       error
	delay     time.Duration
	preloaded bool
}

// NewStub creates a stub that answers successive calls with the given texts.
func NewStub(script ...[]string) *Stub {
	return &Stub{script: script}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Preload(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preloaded = true
	return nil
}

// Preloaded reports whether Preload was called.
func (s *Stub) Preloaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preloaded
}

// SetError makes subsequent calls fail with err wrapped as an inference error.
func (s *Stub) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetDelay makes each call take at least d unless ctx is cancelled first.
func (s *Stub) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns copies of every buffer passed to TranscribeBuffer.
func (s *Stub) Calls() []Audio {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Audio(nil), s.calls...)
}

func (s *Stub) TranscribeBuffer(ctx context.Context, a Audio, cb Callbacks) ([]Segment, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Audio{PCM: append([]byte(nil), a.PCM...), Format: a.Format})
	delay, err := s.delay, s.err
	var texts []string
	scripted := len(s.script) > 0
	if scripted {
		texts = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, phaseErr(PhaseInference, ctx.Err())
		}
	}
	if err != nil {
		return nil, phaseErr(PhaseInference, err)
	}
	if len(a.PCM) == 0 {
		return nil, phaseErr(PhaseAudioDecode, fmt.Errorf("empty audio buffer"))
	}

	if !scripted {
		texts = []string{fmt.Sprintf("%.2fs of audio", a.Duration().Seconds())}
	}

	total := a.Duration()
	segments := make([]Segment, 0, len(texts))
	for i, text := range texts {
		segments = append(segments, Segment{
			Text:  text,
			Start: total * time.Duration(i) / time.Duration(len(texts)),
			End:   total * time.Duration(i+1) / time.Duration(len(texts)),
		})
	}

	cb.segments(segments)
	cb.status(fmt.Sprintf("%s: %d segment(s)", s.Name(), len(segments)))
	return segments, nil
}

func (s *Stub) Close() error { return nil }
