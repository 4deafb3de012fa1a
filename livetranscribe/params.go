// Package livetranscribe turns a continuous PCM stream into overlapping
// fixed-length snapshots, filters silence, hands them to a transcriber one at
// a time, and suppresses repeated output. Stop flushes the trailing partial
// window before the pipeline exits.
package livetranscribe

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidParams is returned by Start when Params fail validation.
var ErrInvalidParams = errors.New("livetranscribe: invalid params")

// Start gate thresholds. Until a snapshot reaches either of these the session
// is treated as not yet started.
const (
	startPeak = 1500
	startRMS  = 120.0
)

// Params holds the per-session tuning. It is immutable once a session starts.
type Params struct {
	SampleRate  int
	Channels    int
	SampleWidth int // bytes per sample, only 2 is supported

	Window       time.Duration
	Overlap      time.Duration
	CaptureChunk time.Duration

	QueueTimeout   time.Duration // bounded poll for both goroutines
	StatusInterval time.Duration // throttle for periodic status lines
	MaxBacklog     int           // source chunks tolerated before dropping
	MinFlush       time.Duration // shortest trailing audio worth flushing on Stop

	SilenceRMS    float64
	SilencePeak   int
	LogAudioLevel bool

	QueueCapacity int // snapshots held between collector and worker
	JoinTimeout   time.Duration
}

// DefaultParams returns the default tuning for 16 kHz mono speech.
func DefaultParams() Params {
	return Params{
		SampleRate:     16000,
		Channels:       1,
		SampleWidth:    2,
		Window:         5 * time.Second,
		Overlap:        1500 * time.Millisecond,
		CaptureChunk:   100 * time.Millisecond,
		QueueTimeout:   200 * time.Millisecond,
		StatusInterval: 500 * time.Millisecond,
		MaxBacklog:     200,
		MinFlush:       600 * time.Millisecond,
		SilenceRMS:     80,
		SilencePeak:    900,
		LogAudioLevel:  true,
		QueueCapacity:  20,
		JoinTimeout:    15 * time.Second,
	}
}

// Validate checks the invariants Sizes relies on.
func (p Params) Validate() error {
	switch {
	case p.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidParams, p.SampleRate)
	case p.Channels <= 0:
		return fmt.Errorf("%w: channels %d", ErrInvalidParams, p.Channels)
	case p.SampleWidth != 2:
		return fmt.Errorf("%w: sample width %d, only 16-bit PCM is supported", ErrInvalidParams, p.SampleWidth)
	case p.Window <= 0:
		return fmt.Errorf("%w: window %v", ErrInvalidParams, p.Window)
	case p.Overlap < 0 || p.Overlap >= p.Window:
		return fmt.Errorf("%w: overlap %v must be in [0, %v)", ErrInvalidParams, p.Overlap, p.Window)
	case p.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue capacity %d", ErrInvalidParams, p.QueueCapacity)
	case p.MaxBacklog <= 0:
		return fmt.Errorf("%w: max backlog %d", ErrInvalidParams, p.MaxBacklog)
	case p.QueueTimeout <= 0:
		return fmt.Errorf("%w: queue timeout %v", ErrInvalidParams, p.QueueTimeout)
	}
	if s := p.Sizes(); s.Window == 0 || s.Overlap >= s.Window {
		return fmt.Errorf("%w: window of %d bytes cannot hold overlap of %d bytes", ErrInvalidParams, s.Window, s.Overlap)
	}
	return nil
}

// Sizes holds the byte lengths derived from Params.
type Sizes struct {
	Window         int
	Overlap        int
	MinFlush       int
	BytesPerSecond int
	FrameBytes     int
}

// Sizes converts the durations to byte counts. Durations are truncated to
// whole frames first so every size is frame aligned.
func (p Params) Sizes() Sizes {
	frame := p.SampleWidth * p.Channels
	return Sizes{
		Window:         p.frames(p.Window) * frame,
		Overlap:        p.frames(p.Overlap) * frame,
		MinFlush:       p.frames(p.MinFlush) * frame,
		BytesPerSecond: p.SampleRate * frame,
		FrameBytes:     frame,
	}
}

func (p Params) frames(d time.Duration) int {
	return int(int64(p.SampleRate) * int64(d) / int64(time.Second))
}
