package livetranscribe

import (
	"fmt"
	"math"
)

// Level is the loudness of a PCM buffer.
type Level struct {
	RMS   float64
	Peak  int
	Bytes int
}

func (l Level) String() string {
	return fmt.Sprintf("peak=%d rms=%.1f bytes=%d", l.Peak, l.RMS, l.Bytes)
}

// MeasureLevel interprets pcm as little-endian int16 samples. A trailing odd
// byte is ignored.
func MeasureLevel(pcm []byte) Level {
	n := len(pcm) / 2
	lvl := Level{Bytes: len(pcm)}
	if n == 0 {
		return lvl
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += float64(s) * float64(s)
		if s < 0 {
			s = -s
		}
		if s > lvl.Peak {
			lvl.Peak = s
		}
	}
	lvl.RMS = math.Sqrt(sum / float64(n))
	return lvl
}

// StartGate holds back output until the first clearly audible snapshot.
// Once opened it stays open for the rest of the session. It is not safe for
// concurrent use; only the worker touches it.
type StartGate struct {
	open bool
}

// Pass reports whether a snapshot at lvl may proceed, opening the gate if so.
func (g *StartGate) Pass(lvl Level) bool {
	if g.open {
		return true
	}
	if lvl.Peak < startPeak && lvl.RMS < startRMS {
		return false
	}
	g.open = true
	return true
}

// Open reports whether the gate has opened.
func (g *StartGate) Open() bool { return g.open }

// SilenceGate reports whether lvl is loud enough to transcribe.
func SilenceGate(p Params, lvl Level) bool {
	return !(lvl.RMS < p.SilenceRMS && lvl.Peak < p.SilencePeak)
}

// FlushGate is the looser check applied to the stop-time flush.
func FlushGate(p Params, lvl Level) bool {
	rmsThr := p.SilenceRMS * 0.8
	peakThr := int(float64(p.SilencePeak) * 1.3)
	return !(lvl.RMS < rmsThr && lvl.Peak < peakThr)
}
