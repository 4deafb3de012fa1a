package stt

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavFormatPCM is the WAVE_FORMAT_PCM tag.
const wavFormatPCM = 1

// EncodeWAV writes a as a 16-bit PCM WAV stream.
func EncodeWAV(w io.WriteSeeker, a Audio) error {
	if a.Format.BitDepth != 16 {
		return fmt.Errorf("%w: only 16-bit PCM can be packaged, got %d bit", ErrFormatMismatch, a.Format.BitDepth)
	}

	data := make([]int, len(a.PCM)/2)
	for i := range data {
		data[i] = int(int16(uint16(a.PCM[2*i]) | uint16(a.PCM[2*i+1])<<8))
	}

	enc := wav.NewEncoder(w, a.Format.SampleRate, a.Format.BitDepth, a.Format.Channels, wavFormatPCM)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: a.Format.Channels, SampleRate: a.Format.SampleRate},
		Data:           data,
		SourceBitDepth: a.Format.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// WriteTempWAV packages a into a temporary WAV file and returns its path.
// The caller removes the file.
func WriteTempWAV(a Audio) (string, error) {
	f, err := os.CreateTemp("", "livescribe-*.wav")
	if err != nil {
		return "", fmt.Errorf("create temp wav: %w", err)
	}
	path := f.Name()

	if err := EncodeWAV(f, a); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp wav: %w", err)
	}
	return path, nil
}

// DecodeWAV reads a whole 16-bit PCM WAV stream into memory.
func DecodeWAV(r io.ReadSeeker) (Audio, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return Audio{}, fmt.Errorf("invalid wav: %w", err)
		}
		return Audio{}, errors.New("invalid wav: missing or empty PCM data")
	}
	if dec.BitDepth != 16 {
		return Audio{}, fmt.Errorf("%w: %d-bit wav, want 16-bit", ErrFormatMismatch, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Audio{}, fmt.Errorf("read pcm: %w", err)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		v := uint16(int16(s))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}

	return Audio{
		PCM: pcm,
		Format: Format{
			SampleRate: int(dec.SampleRate),
			Channels:   int(dec.NumChans),
			BitDepth:   16,
		},
	}, nil
}

// ReadWAVFile decodes the WAV file at path. Failures are audio decode phase errors.
func ReadWAVFile(path string) (Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return Audio{}, phaseErr(PhaseAudioDecode, fmt.Errorf("open audio: %w", err))
	}
	defer f.Close()

	a, err := DecodeWAV(f)
	if err != nil {
		return Audio{}, phaseErr(PhaseAudioDecode, fmt.Errorf("%s: %w", path, err))
	}
	return a, nil
}
