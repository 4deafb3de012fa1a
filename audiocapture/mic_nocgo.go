//go:build !cgo

package audiocapture

import "log/slog"

// Microphone is unavailable without cgo.
type Microphone struct{}

// NewMicrophone returns ErrUnsupported when built without cgo.
func NewMicrophone(cfg Config, logger *slog.Logger) (*Microphone, error) {
	return nil, ErrUnsupported
}

func (m *Microphone) Start() error       { return ErrUnsupported }
func (m *Microphone) Stop() error        { return nil }
func (m *Microphone) Queue() *ChunkQueue { return nil }
