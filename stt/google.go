package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

// GoogleSpeech transcribes buffers with Cloud Speech-to-Text v1 synchronous recognition.
// Credentials come from CredentialsFile or Application Default Credentials.
type GoogleSpeech struct {
	languageCode    string
	credentialsFile string
	model           string
	format          Format

	mu        sync.Mutex
	client    *speech.Client
	recognize func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
}

// GoogleSpeechConfig holds configuration for GoogleSpeech.
type GoogleSpeechConfig struct {
	LanguageCode    string // BCP-47, defaults to "de-DE"
	CredentialsFile string
	Model           string // Optional recognition model, e.g. "latest_long"
}

// NewGoogleSpeech creates a GoogleSpeech transcriber. The client is created on Preload.
func NewGoogleSpeech(cfg GoogleSpeechConfig) *GoogleSpeech {
	lang := cfg.LanguageCode
	if lang == "" {
		lang = "de-DE"
	}
	return &GoogleSpeech{
		languageCode:    lang,
		credentialsFile: cfg.CredentialsFile,
		model:           cfg.Model,
		format:          PCM16Mono16k,
	}
}

func (g *GoogleSpeech) Name() string { return "google" }

// Preload creates the Speech client.
func (g *GoogleSpeech) Preload(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.recognize != nil {
		return nil
	}

	var opts []option.ClientOption
	if g.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.credentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return phaseErr(PhaseModelLoad, fmt.Errorf("create Google Speech client: %w", err))
	}
	g.client = client
	g.recognize = func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return client.Recognize(ctx, req)
	}
	return nil
}

func (g *GoogleSpeech) recognizer(ctx context.Context) (func(context.Context, *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error), error) {
	if err := g.Preload(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recognize, nil
}

// TranscribeBuffer sends the raw PCM as LINEAR16 content. Each recognition
// result becomes one segment spanning from the previous result's end to its own.
func (g *GoogleSpeech) TranscribeBuffer(ctx context.Context, a Audio, cb Callbacks) ([]Segment, error) {
	recognize, err := g.recognizer(ctx)
	if err != nil {
		return nil, err
	}
	if err := CheckFormat(a, g.format); err != nil {
		return nil, err
	}

	cb.status(fmt.Sprintf("%s: transcribing %s of audio", g.Name(), a.Duration()))

	req := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(a.Format.SampleRate),
			AudioChannelCount:          int32(a.Format.Channels),
			LanguageCode:               g.languageCode,
			Model:                      g.model,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{
				Content: a.PCM,
			},
		},
	}

	resp, err := recognize(ctx, req)
	if err != nil {
		return nil, phaseErr(PhaseInference, fmt.Errorf("google speech: %w", err))
	}

	segments := recognitionSegments(resp, a.Duration())
	cb.segments(segments)
	cb.status(fmt.Sprintf("%s: transcription done", g.Name()))
	return segments, nil
}

func recognitionSegments(resp *speechpb.RecognizeResponse, total time.Duration) []Segment {
	var segments []Segment
	var prevEnd time.Duration
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		text := strings.TrimSpace(alts[0].GetTranscript())

		end := total
		if result.GetResultEndTime() != nil {
			end = result.GetResultEndTime().AsDuration()
		}
		if text != "" {
			segments = append(segments, Segment{Text: text, Start: prevEnd, End: end})
		}
		prevEnd = end
	}
	return segments
}

func (g *GoogleSpeech) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	g.recognize = nil
	return err
}
