package app

import (
	"fmt"
	"time"

	"go.aimuz.me/livescribe/config"
	"go.aimuz.me/livescribe/internal/types"
	"go.aimuz.me/livescribe/stt"
)

var engines = []types.EngineInfo{
	{Name: "whisper-api", DisplayName: "OpenAI Whisper API"},
	{Name: "whisper-local", DisplayName: "whisper.cpp (local)", IsLocal: true, RequiresSetup: true},
	{Name: "google", DisplayName: "Google Cloud Speech-to-Text"},
	{Name: "stub", DisplayName: "Stub (dry run)", IsLocal: true},
}

// Engines returns the selectable transcription engines.
func Engines() []types.EngineInfo {
	return append([]types.EngineInfo(nil), engines...)
}

// NewTranscriber builds the engine named in cfg. progress receives model
// download progress for engines that need a download, and may be nil.
func NewTranscriber(cfg config.EngineConfig, progress func(percent int)) (stt.Transcriber, error) {
	switch cfg.Name {
	case "whisper-api":
		return stt.NewWhisperAPI(stt.WhisperAPIConfig{
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
			Model:    cfg.Model,
			Language: cfg.Language,
			Prompt:   cfg.Prompt,
			Timeout:  time.Duration(cfg.Timeout * float64(time.Second)),
		}), nil
	case "whisper-local":
		return stt.NewWhisperLocal(stt.WhisperLocalConfig{
			ModelSize: cfg.ModelSize,
			ModelDir:  cfg.ModelDir,
			BinPath:   cfg.BinPath,
			Language:  cfg.Language,
			Threads:   cfg.Threads,
			Progress:  progress,
		})
	case "google":
		return stt.NewGoogleSpeech(stt.GoogleSpeechConfig{
			LanguageCode:    cfg.GoogleLanguageCode,
			CredentialsFile: cfg.GoogleCredentials,
		}), nil
	case "stub":
		return stt.NewStub(), nil
	default:
		return nil, fmt.Errorf("%w: %q", stt.ErrUnknownTranscriber, cfg.Name)
	}
}
