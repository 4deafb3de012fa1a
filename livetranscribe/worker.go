package livetranscribe

import (
	"fmt"
	"runtime/debug"

	"go.aimuz.me/livescribe/stt"
)

// work transcribes queued snapshots until stop is signalled and the queue
// is empty, so everything queued before Stop is still transcribed.
func (s *session) work() {
	defer close(s.workerDone)

	s.log.Info("worker started", "silence_rms", s.params.SilenceRMS, "silence_peak", s.params.SilencePeak)

	for !s.stopped.Load() || s.queue.Len() > 0 {
		snap, ok := s.queue.Pop(s.params.QueueTimeout)
		if !ok {
			continue
		}
		s.process(snap)
	}

	s.log.Info("worker exited")
}

func (s *session) process(snap Snapshot) {
	if len(snap.PCM) == 0 {
		return
	}

	lvl := MeasureLevel(snap.PCM)
	log := s.log.With("seq", snap.Seq, "final", snap.Final)

	if !s.gate.Pass(lvl) {
		s.gated.Add(1)
		log.Info("start gate skip", "rms", lvl.RMS, "peak", lvl.Peak)
		return
	}

	if s.params.LogAudioLevel {
		s.throttledStatus(fmt.Sprintf("Worker: audio %s", lvl))
	}

	if !SilenceGate(s.params, lvl) {
		s.gated.Add(1)
		log.Info("skip silent snapshot", "rms", lvl.RMS, "peak", lvl.Peak, "bytes", lvl.Bytes)
		return
	}

	s.status(fmt.Sprintf("Worker: transcribe chunk %s", lvl))

	if err := s.transcribe(snap); err != nil {
		s.failed.Add(1)
		log.Error("transcription failed", "error", err)
		s.status(fmt.Sprintf("Live: transcription error: %v", err))
		return
	}
	s.transcribed.Add(1)
}

// transcribe calls the transcriber and forwards its segments through the
// dedupe filter. A panic in the transcriber is returned as an error.
func (s *session) transcribe(snap Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("transcriber panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("transcriber panic: %v", r)
		}
	}()

	audio := stt.Audio{
		PCM: snap.PCM,
		Format: stt.Format{
			SampleRate: s.params.SampleRate,
			Channels:   s.params.Channels,
			BitDepth:   s.params.SampleWidth * 8,
		},
	}
	cb := stt.Callbacks{
		OnStatus: func(msg string) { s.log.Debug("transcriber status", "msg", msg) },
	}

	segments, err := s.cfg.Transcriber.TranscribeBuffer(s.ctx, audio, cb)
	if err != nil {
		return err
	}
	s.log.Info("transcription finished", "segments", len(segments))

	for _, seg := range segments {
		s.dedupe.Offer(seg.Text)
	}
	return nil
}
