// Package stt provides the speech-to-text transcriber contract and implementations.
package stt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrFormatMismatch is returned when audio does not match the format a transcriber expects.
var ErrFormatMismatch = errors.New("stt: unexpected audio format")

// ErrUnknownTranscriber is returned by Registry.Get for unregistered names.
var ErrUnknownTranscriber = errors.New("stt: unknown transcriber")

// Format describes raw interleaved little-endian PCM.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// PCM16Mono16k is the format every Whisper-family model expects.
var PCM16Mono16k = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

func (f Format) String() string {
	return fmt.Sprintf("%d Hz/%d ch/%d bit", f.SampleRate, f.Channels, f.BitDepth)
}

// Audio is a complete PCM buffer ready for transcription.
type Audio struct {
	PCM    []byte
	Format Format
}

// Duration returns the playback length of the buffer.
func (a Audio) Duration() time.Duration {
	bps := a.Format.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(len(a.PCM)) * int64(time.Second) / int64(bps))
}

// Segment represents a time-stamped piece of transcribed text.
type Segment struct {
	Text  string        `json:"text"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Callbacks receive progress while a buffer is transcribed. Both are optional.
type Callbacks struct {
	// OnStatus receives human readable progress lines.
	OnStatus func(msg string)
	// OnSegment receives each segment as it becomes available, in order.
	OnSegment func(seg Segment)
}

func (c Callbacks) status(msg string) {
	if c.OnStatus != nil {
		c.OnStatus(msg)
	}
}

func (c Callbacks) segments(segs []Segment) {
	if c.OnSegment == nil {
		return
	}
	for _, s := range segs {
		c.OnSegment(s)
	}
}

// Transcriber converts PCM audio buffers into timed text segments.
// Local (whisper.cpp) and remote (OpenAI, Google) engines satisfy it.
type Transcriber interface {
	// Name returns the transcriber identifier.
	Name() string

	// Preload loads models or validates credentials ahead of the first call.
	Preload(ctx context.Context) error

	// TranscribeBuffer transcribes one complete buffer. Segments are returned
	// in time order and are also passed to cb.OnSegment. Failures are
	// reported as *PhaseError.
	TranscribeBuffer(ctx context.Context, audio Audio, cb Callbacks) ([]Segment, error)

	// Close releases resources held by the transcriber.
	Close() error
}

// Phase names the stage of a transcription that failed.
type Phase string

const (
	PhaseModelLoad   Phase = "model load"
	PhaseAudioDecode Phase = "audio decode"
	PhaseInference   Phase = "inference"
)

// PhaseError reports which phase of a transcription failed.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseErr(p Phase, err error) error {
	if err == nil {
		return nil
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		return err
	}
	return &PhaseError{Phase: p, Err: err}
}

// ErrorPhase returns the phase recorded in err, if any.
func ErrorPhase(err error) (Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}

// CheckFormat rejects empty audio and audio whose format differs from want.
// The audio is never resampled or reinterpreted.
func CheckFormat(a Audio, want Format) error {
	if len(a.PCM) == 0 {
		return phaseErr(PhaseAudioDecode, errors.New("empty audio buffer"))
	}
	if a.Format != want {
		return phaseErr(PhaseAudioDecode, fmt.Errorf("%w: got %s, want %s", ErrFormatMismatch, a.Format, want))
	}
	frame := want.Channels * want.BitDepth / 8
	if frame > 0 && len(a.PCM)%frame != 0 {
		return phaseErr(PhaseAudioDecode, fmt.Errorf("%w: %d bytes is not a whole number of frames", ErrFormatMismatch, len(a.PCM)))
	}
	return nil
}

// Registry holds named transcribers.
type Registry struct {
	transcribers map[string]Transcriber
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		transcribers: make(map[string]Transcriber),
	}
}

// Register adds a transcriber under its Name.
func (r *Registry) Register(t Transcriber) {
	r.transcribers[t.Name()] = t
}

// Get returns the transcriber registered under name.
func (r *Registry) Get(name string) (Transcriber, error) {
	t, ok := r.transcribers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTranscriber, name)
	}
	return t, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.transcribers))
	for name := range r.transcribers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close releases all transcribers.
func (r *Registry) Close() error {
	var errs []error
	for _, t := range r.transcribers {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}
