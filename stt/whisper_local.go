package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// WhisperLocal transcribes buffers with a local whisper.cpp CLI.
type WhisperLocal struct {
	modelPath string
	modelSize string // "tiny", "base", "small", "medium", "large"
	modelURL  string
	binPath   string // Path to whisper-cli binary
	language  string
	threads   int
	progress  func(percent int)
	format    Format

	mu    sync.RWMutex
	ready bool
}

// WhisperLocalConfig holds configuration for WhisperLocal.
type WhisperLocalConfig struct {
	ModelSize string // "tiny", "base", "small", "medium", "large"
	ModelDir  string // Directory to store models
	ModelURL  string // Optional download URL override
	BinPath   string // Optional, searched in PATH and common locations when empty
	Language  string // ISO 639-1, or "auto"
	Threads   int

	// Progress receives model download progress in percent.
	Progress func(percent int)
}

// Model sizes and their approximate download sizes.
var modelSizes = map[string]struct {
	URL  string
	Size int64 // Approximate size in bytes
}{
	"tiny":   {"https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin", 75 * 1024 * 1024},
	"base":   {"https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin", 150 * 1024 * 1024},
	"small":  {"https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin", 500 * 1024 * 1024},
	"medium": {"https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin", 1500 * 1024 * 1024},
	"large":  {"https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin", 3000 * 1024 * 1024},
}

// DefaultModelDir returns the directory models are stored in when none is configured.
func DefaultModelDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("get cache dir: %w", err)
	}
	return filepath.Join(dir, "livescribe", "models"), nil
}

// NewWhisperLocal creates a new WhisperLocal transcriber.
func NewWhisperLocal(cfg WhisperLocalConfig) (*WhisperLocal, error) {
	if cfg.ModelSize == "" {
		cfg.ModelSize = "small"
	}

	info, ok := modelSizes[cfg.ModelSize]
	if !ok {
		return nil, fmt.Errorf("invalid model size: %s", cfg.ModelSize)
	}
	if cfg.ModelURL == "" {
		cfg.ModelURL = info.URL
	}

	if cfg.ModelDir == "" {
		dir, err := DefaultModelDir()
		if err != nil {
			return nil, err
		}
		cfg.ModelDir = dir
	}

	return &WhisperLocal{
		modelSize: cfg.ModelSize,
		modelPath: filepath.Join(cfg.ModelDir, fmt.Sprintf("ggml-%s.bin", cfg.ModelSize)),
		modelURL:  cfg.ModelURL,
		binPath:   cfg.BinPath,
		language:  cfg.Language,
		threads:   cfg.Threads,
		progress:  cfg.Progress,
		format:    PCM16Mono16k,
	}, nil
}

func (w *WhisperLocal) Name() string { return "whisper-local" }

// ModelPath returns where the ggml model is stored.
func (w *WhisperLocal) ModelPath() string { return w.modelPath }

// Preload locates the whisper.cpp binary and downloads the model if needed.
func (w *WhisperLocal) Preload(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ready {
		return nil
	}

	if w.binPath == "" {
		w.binPath = findWhisperBinary()
	}
	if w.binPath == "" {
		return phaseErr(PhaseModelLoad, errors.New("whisper.cpp binary not found, please install whisper.cpp"))
	}

	if _, err := os.Stat(w.modelPath); err != nil {
		if err := os.MkdirAll(filepath.Dir(w.modelPath), 0755); err != nil {
			return phaseErr(PhaseModelLoad, fmt.Errorf("create model dir: %w", err))
		}
		if err := w.downloadModel(ctx); err != nil {
			return phaseErr(PhaseModelLoad, fmt.Errorf("download model %s: %w", w.modelSize, err))
		}
	}

	w.ready = true
	return nil
}

func (w *WhisperLocal) downloadModel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.modelURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status: %d", resp.StatusCode)
	}

	expected := resp.ContentLength
	if expected <= 0 {
		expected = modelSizes[w.modelSize].Size
	}

	tmpPath := w.modelPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath) // no-op after a successful rename
	}()

	var downloaded int64
	buf := make([]byte, 32*1024)
	lastProgress := 0

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write file: %w", werr)
			}
			downloaded += int64(n)

			if expected > 0 && w.progress != nil {
				pct := min(int(downloaded*100/expected), 100)
				if pct > lastProgress {
					lastProgress = pct
					w.progress(pct)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpPath, w.modelPath); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	if w.progress != nil && lastProgress < 100 {
		w.progress(100)
	}
	return nil
}

func (w *WhisperLocal) isReady() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ready
}

// TranscribeBuffer writes the buffer to a temporary WAV file and runs whisper.cpp on it.
func (w *WhisperLocal) TranscribeBuffer(ctx context.Context, a Audio, cb Callbacks) ([]Segment, error) {
	if !w.isReady() {
		cb.status(fmt.Sprintf("%s: loading model %q", w.Name(), w.modelSize))
		if err := w.Preload(ctx); err != nil {
			return nil, err
		}
		cb.status(fmt.Sprintf("%s: model loaded", w.Name()))
	}
	if err := CheckFormat(a, w.format); err != nil {
		return nil, err
	}

	audioPath, err := WriteTempWAV(a)
	if err != nil {
		return nil, phaseErr(PhaseAudioDecode, err)
	}
	defer os.Remove(audioPath)

	outPrefix := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
	jsonPath := outPrefix + ".json"
	defer os.Remove(jsonPath)

	args := []string{
		"-m", w.modelPath,
		"-f", audioPath,
		"-oj",
		"-of", outPrefix,
		"--no-prints",
	}
	if w.language != "" {
		args = append(args, "-l", w.language)
	}
	if w.threads > 0 {
		args = append(args, "-t", fmt.Sprint(w.threads))
	}

	cb.status(fmt.Sprintf("%s: transcribing %s of audio", w.Name(), a.Duration().Round(time.Millisecond)))

	cmd := exec.CommandContext(ctx, w.binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, phaseErr(PhaseInference, fmt.Errorf("whisper.cpp: %w, stderr: %s", err, strings.TrimSpace(stderr.String())))
	}

	out, err := os.ReadFile(jsonPath)
	if err != nil {
		// Older builds print JSON to stdout instead of writing the file.
		out = stdout.Bytes()
	}

	segments, err := parseWhisperCppOutput(out)
	if err != nil {
		return nil, phaseErr(PhaseInference, err)
	}

	cb.segments(segments)
	cb.status(fmt.Sprintf("%s: transcription done", w.Name()))
	return segments, nil
}

func parseWhisperCppOutput(data []byte) ([]Segment, error) {
	var output whisperCppOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("parse whisper.cpp output: %w", err)
	}

	segments := make([]Segment, 0, len(output.Transcription))
	for _, seg := range output.Transcription {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Text:  text,
			Start: time.Duration(seg.Offsets.From) * time.Millisecond,
			End:   time.Duration(seg.Offsets.To) * time.Millisecond,
		})
	}
	return segments, nil
}

func findWhisperBinary() string {
	// whisper-cli is the Homebrew name
	names := []string{"whisper-cli", "whisper-cpp", "whisper", "main"}

	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	homeDir, _ := os.UserHomeDir()
	locations := []string{
		"/opt/homebrew/bin",
		"/usr/local/bin",
		filepath.Join(homeDir, ".local", "bin"),
		filepath.Join(homeDir, "whisper.cpp", "build", "bin"),
	}

	for _, loc := range locations {
		for _, name := range names {
			path := filepath.Join(loc, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	if runtime.GOOS == "darwin" {
		execPath, _ := os.Executable()
		bundlePath := filepath.Join(filepath.Dir(execPath), "..", "Resources", "whisper-cli")
		if _, err := os.Stat(bundlePath); err == nil {
			return bundlePath
		}
	}

	return ""
}

func (w *WhisperLocal) Close() error {
	return nil
}

// whisperCppOutput is the -oj JSON document written by whisper.cpp.
// Offsets are in milliseconds.
type whisperCppOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Text    string `json:"text"`
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
	} `json:"transcription"`
}
