package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultWhisperModel = openai.AudioModelWhisper1

// WhisperAPI transcribes buffers with OpenAI's audio transcription endpoint.
type WhisperAPI struct {
	client   openai.Client
	apiKey   string
	model    openai.AudioModel
	language string
	prompt   string
	format   Format

	mu    sync.RWMutex
	ready bool
}

// WhisperAPIConfig holds configuration for WhisperAPI.
type WhisperAPIConfig struct {
	APIKey   string
	BaseURL  string // Optional, defaults to OpenAI's API
	Model    string // Optional, defaults to "whisper-1"
	Language string // ISO 639-1; empty or "auto" lets the model detect it
	Prompt   string
	Timeout  time.Duration // per request, defaults to 60s

	// MaxRetries overrides the client's retry count when positive.
	MaxRetries int
}

// NewWhisperAPI creates a new WhisperAPI transcriber.
func NewWhisperAPI(cfg WhisperAPIConfig) *WhisperAPI {
	model := openai.AudioModel(cfg.Model)
	if model == "" {
		model = defaultWhisperModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	return &WhisperAPI{
		client:   openai.NewClient(opts...),
		apiKey:   cfg.APIKey,
		model:    model,
		language: cfg.Language,
		prompt:   cfg.Prompt,
		format:   PCM16Mono16k,
	}
}

func (w *WhisperAPI) Name() string { return "whisper-api" }

// Preload validates that an API key is configured. No request is made.
func (w *WhisperAPI) Preload(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ready = w.apiKey != ""
	if !w.ready {
		return phaseErr(PhaseModelLoad, errors.New("whisper-api: API key required"))
	}
	return nil
}

func (w *WhisperAPI) isReady() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ready
}

// TranscribeBuffer packages the buffer as a temporary WAV file and uploads it.
func (w *WhisperAPI) TranscribeBuffer(ctx context.Context, a Audio, cb Callbacks) ([]Segment, error) {
	if !w.isReady() {
		if err := w.Preload(ctx); err != nil {
			return nil, err
		}
	}
	if err := CheckFormat(a, w.format); err != nil {
		return nil, err
	}

	path, err := WriteTempWAV(a)
	if err != nil {
		return nil, phaseErr(PhaseAudioDecode, err)
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, phaseErr(PhaseAudioDecode, fmt.Errorf("read temp wav: %w", err))
	}

	cb.status(fmt.Sprintf("%s: transcribing %s of audio", w.Name(), a.Duration().Round(time.Millisecond)))

	params := openai.AudioTranscriptionNewParams{
		File:                   openai.File(bytes.NewReader(data), "audio.wav", "audio/wav"),
		Model:                  w.model,
		ResponseFormat:         openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment"},
	}
	// The API rejects "auto"; leaving the field unset means auto-detect.
	if w.language != "" && w.language != "auto" {
		params.Language = openai.String(w.language)
	}
	if w.prompt != "" {
		params.Prompt = openai.String(w.prompt)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, phaseErr(PhaseInference, fmt.Errorf("whisper-api: %w", err))
	}

	verbose := resp.AsTranscriptionVerbose()
	segments := make([]Segment, 0, len(verbose.Segments))
	for _, seg := range verbose.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Text:  text,
			Start: secondsToDuration(seg.Start),
			End:   secondsToDuration(seg.End),
		})
	}
	// Some compatible servers return only the top-level text.
	if len(segments) == 0 {
		if text := strings.TrimSpace(verbose.Text); text != "" {
			segments = append(segments, Segment{Text: text, End: a.Duration()})
		}
	}

	cb.segments(segments)
	cb.status(fmt.Sprintf("%s: transcription done", w.Name()))
	return segments, nil
}

func (w *WhisperAPI) Close() error {
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
