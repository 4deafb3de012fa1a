package app

import (
	"context"
	"fmt"
	"time"

	"go.aimuz.me/livescribe/broadcast"
	"go.aimuz.me/livescribe/stt"
	"go.aimuz.me/livescribe/transcript"
)

// TranscribeFile transcribes a whole WAV file in one call. Each segment
// becomes a transcript line carrying its position in the file.
func (s *Service) TranscribeFile(ctx context.Context, path string) ([]transcript.Line, error) {
	audio, err := stt.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	tr, err := s.Transcriber()
	if err != nil {
		return nil, err
	}

	label := transcript.FileLabel(path)
	s.status(fmt.Sprintf("File: %s (%.1fs, %s)", path, audio.Duration().Seconds(), audio.Format))

	if err := tr.Preload(ctx); err != nil {
		return nil, fmt.Errorf("preload %s: %w", tr.Name(), err)
	}

	var id string
	if s.history != nil {
		sess, err := s.history.BeginSession(label)
		if err != nil {
			s.log.Error("begin history session", "error", err)
		}
		id = sess.ID
	}
	s.transcript.Clear()
	s.transcript.SetLabel(label)
	s.emit(EventSessionStarted, broadcast.Event{Session: id, Text: label})

	start := time.Now()
	var lines []transcript.Line
	_, err = tr.TranscribeBuffer(ctx, audio, stt.Callbacks{
		OnStatus: s.status,
		OnSegment: func(seg stt.Segment) {
			text := transcript.Clean(seg.Text)
			if text == "" {
				return
			}
			line, ok := s.transcript.Append(transcript.Line{
				Text:     text,
				Lang:     s.detect(text),
				Start:    seg.Start,
				End:      seg.End,
				HasRange: true,
			})
			if !ok {
				return
			}
			lines = append(lines, line)
			s.record(id, line)
		},
	})

	if s.history != nil && id != "" {
		if endErr := s.history.EndSession(id); endErr != nil {
			s.log.Error("end history session", "session", id, "error", endErr)
		}
	}
	s.emit(EventSessionEnded, broadcast.Event{Session: id, Text: label})

	if err != nil {
		s.status(fmt.Sprintf("File transcription failed: %v", err))
		return lines, err
	}
	s.log.Info("file transcribed", "path", path, "lines", len(lines), "elapsed", time.Since(start))
	s.status(fmt.Sprintf("File done: %d line(s) in %.1fs", len(lines), time.Since(start).Seconds()))
	return lines, nil
}
