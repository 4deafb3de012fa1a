// Package audiocapture provides PCM audio sources that feed a chunk queue.
//
// A source runs its own producer goroutine between Start and Stop and pushes
// fixed-duration little-endian int16 chunks into a ChunkQueue. Consumers poll
// the queue; they never talk to the device directly.
package audiocapture

import (
	"errors"
	"time"
)

// ErrUnsupported is returned when no capture backend is compiled in.
var ErrUnsupported = errors.New("audiocapture: unsupported platform")

// ErrAlreadyCapturing is returned when trying to start capture while already capturing.
var ErrAlreadyCapturing = errors.New("already capturing audio")

// ErrFormatMismatch is returned when an input does not match the configured format.
var ErrFormatMismatch = errors.New("audiocapture: unexpected audio format")

// Source is a start/stop controlled producer of raw PCM chunks.
// Stop must guarantee the producer has halted; chunks queued before Stop
// remain retrievable from Queue.
type Source interface {
	Start() error
	Stop() error
	Queue() *ChunkQueue
}

// Config holds configuration for audio capture.
type Config struct {
	SampleRate    int           // Sample rate, default 16000 Hz
	Channels      int           // Channel count, default 1
	ChunkDuration time.Duration // Duration of one pushed chunk, default 100ms
}

// DefaultConfig returns the default capture configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:    16000,
		Channels:      1,
		ChunkDuration: 100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 100 * time.Millisecond
	}
	return c
}

// FramesPerChunk returns the number of sample frames in one chunk.
func (c Config) FramesPerChunk() int {
	c = c.withDefaults()
	n := int(int64(c.SampleRate) * int64(c.ChunkDuration) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// ChunkBytes returns the byte length of one chunk at 16-bit depth.
func (c Config) ChunkBytes() int {
	c = c.withDefaults()
	return c.FramesPerChunk() * c.Channels * 2
}

// int16Bytes encodes samples as little-endian int16 PCM.
func int16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
