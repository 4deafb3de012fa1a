// Package config handles application configuration.
//
// Values are layered: built-in defaults, then the config file (JSON or YAML),
// then a .env file, then LIVESCRIBE_* environment variables. Command line
// flags are applied on top by the caller.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"go.aimuz.me/livescribe/livetranscribe"
)

const (
	appName        = "livescribe"
	configFileName = "config.json"
	dotEnvFileName = ".env"
)

// Engines lists the accepted Engine.Name values.
var Engines = []string{"whisper-api", "whisper-local", "google", "stub"}

// Config represents the application configuration.
type Config struct {
	Audio     AudioConfig     `json:"audio" yaml:"audio"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Log       LogConfig       `json:"log" yaml:"log"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	Hotkey    HotkeyConfig    `json:"hotkey" yaml:"hotkey"`
	Detect    DetectConfig    `json:"detect" yaml:"detect"`
}

// AudioConfig holds the live pipeline tuning. Durations are in seconds.
type AudioConfig struct {
	SampleRate     int     `json:"sample_rate" yaml:"sample_rate" env:"LIVESCRIBE_SAMPLE_RATE"`
	Channels       int     `json:"channels" yaml:"channels" env:"LIVESCRIBE_CHANNELS"`
	SampleWidth    int     `json:"sample_width" yaml:"sample_width" env:"LIVESCRIBE_SAMPLE_WIDTH"`
	Window         float64 `json:"window" yaml:"window" env:"LIVESCRIBE_WINDOW"`
	Overlap        float64 `json:"overlap" yaml:"overlap" env:"LIVESCRIBE_OVERLAP"`
	Chunk          float64 `json:"chunk" yaml:"chunk" env:"LIVESCRIBE_CHUNK"`
	QueueTimeout   float64 `json:"queue_timeout" yaml:"queue_timeout" env:"LIVESCRIBE_QUEUE_TIMEOUT"`
	StatusInterval float64 `json:"status_interval" yaml:"status_interval" env:"LIVESCRIBE_STATUS_INTERVAL"`
	MaxBacklog     int     `json:"max_backlog" yaml:"max_backlog" env:"LIVESCRIBE_MAX_BACKLOG"`
	MinFlush       float64 `json:"min_flush" yaml:"min_flush" env:"LIVESCRIBE_MIN_FLUSH"`
	SilenceRMS     float64 `json:"silence_rms" yaml:"silence_rms" env:"LIVESCRIBE_SILENCE_RMS"`
	SilencePeak    int     `json:"silence_peak" yaml:"silence_peak" env:"LIVESCRIBE_SILENCE_PEAK"`
	LogAudioLevel  bool    `json:"log_audio_level" yaml:"log_audio_level" env:"LIVESCRIBE_LOG_AUDIO_LEVEL"`
	QueueCapacity  int     `json:"queue_capacity" yaml:"queue_capacity" env:"LIVESCRIBE_QUEUE_CAPACITY"`
	JoinTimeout    float64 `json:"join_timeout" yaml:"join_timeout" env:"LIVESCRIBE_JOIN_TIMEOUT"`
}

// EngineConfig selects and configures the transcriber.
type EngineConfig struct {
	Name     string `json:"name" yaml:"name" env:"LIVESCRIBE_ENGINE"`
	Language string `json:"language" yaml:"language" env:"LIVESCRIBE_LANGUAGE"`

	// whisper-api
	APIKey  string  `json:"api_key,omitempty" yaml:"api_key,omitempty" env:"LIVESCRIBE_API_KEY"`
	BaseURL string  `json:"base_url,omitempty" yaml:"base_url,omitempty" env:"LIVESCRIBE_BASE_URL"`
	Model   string  `json:"model,omitempty" yaml:"model,omitempty" env:"LIVESCRIBE_MODEL"`
	Prompt  string  `json:"prompt,omitempty" yaml:"prompt,omitempty" env:"LIVESCRIBE_PROMPT"`
	Timeout float64 `json:"timeout" yaml:"timeout" env:"LIVESCRIBE_TIMEOUT"`

	// whisper-local
	BinPath   string `json:"bin_path,omitempty" yaml:"bin_path,omitempty" env:"LIVESCRIBE_WHISPER_BIN"`
	ModelDir  string `json:"model_dir,omitempty" yaml:"model_dir,omitempty" env:"LIVESCRIBE_MODEL_DIR"`
	ModelSize string `json:"model_size,omitempty" yaml:"model_size,omitempty" env:"LIVESCRIBE_MODEL_SIZE"`
	Threads   int    `json:"threads,omitempty" yaml:"threads,omitempty" env:"LIVESCRIBE_THREADS"`

	// google
	GoogleCredentials  string `json:"google_credentials,omitempty" yaml:"google_credentials,omitempty" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	GoogleLanguageCode string `json:"google_language_code,omitempty" yaml:"google_language_code,omitempty" env:"LIVESCRIBE_GOOGLE_LANGUAGE_CODE"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"LIVESCRIBE_LOG_LEVEL"`
	File  string `json:"file,omitempty" yaml:"file,omitempty" env:"LIVESCRIBE_LOG_FILE"`
}

// HistoryConfig controls the session store.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"LIVESCRIBE_HISTORY"`
	Dir     string `json:"dir,omitempty" yaml:"dir,omitempty" env:"LIVESCRIBE_HISTORY_DIR"`
}

// BroadcastConfig controls the websocket fan-out. An empty Addr disables it.
type BroadcastConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" env:"LIVESCRIBE_SERVE"`
	Path string `json:"path" yaml:"path" env:"LIVESCRIBE_SERVE_PATH"`
}

// HotkeyConfig controls the global start/stop toggle.
type HotkeyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" env:"LIVESCRIBE_HOTKEY"`
	Keys    []string `json:"keys" yaml:"keys" env:"LIVESCRIBE_HOTKEY_KEYS" envSeparator:"+"`
}

// DetectConfig controls language tagging. No languages disables it.
type DetectConfig struct {
	Languages []string `json:"languages" yaml:"languages" env:"LIVESCRIBE_DETECT_LANGUAGES" envSeparator:","`
}

// Default returns the built-in configuration.
func Default() *Config {
	p := livetranscribe.DefaultParams()
	return &Config{
		Audio: AudioConfig{
			SampleRate:     p.SampleRate,
			Channels:       p.Channels,
			SampleWidth:    p.SampleWidth,
			Window:         p.Window.Seconds(),
			Overlap:        p.Overlap.Seconds(),
			Chunk:          p.CaptureChunk.Seconds(),
			QueueTimeout:   p.QueueTimeout.Seconds(),
			StatusInterval: p.StatusInterval.Seconds(),
			MaxBacklog:     p.MaxBacklog,
			MinFlush:       p.MinFlush.Seconds(),
			SilenceRMS:     p.SilenceRMS,
			SilencePeak:    p.SilencePeak,
			LogAudioLevel:  p.LogAudioLevel,
			QueueCapacity:  p.QueueCapacity,
			JoinTimeout:    p.JoinTimeout.Seconds(),
		},
		Engine: EngineConfig{
			Name:      "whisper-api",
			Language:  "auto",
			Model:     "whisper-1",
			Timeout:   60,
			ModelSize: "small",
		},
		Log:       LogConfig{Level: "info"},
		History:   HistoryConfig{Enabled: true},
		Broadcast: BroadcastConfig{Path: "/ws"},
		Hotkey:    HotkeyConfig{Keys: []string{"ctrl", "shift", "l"}},
		Detect:    DetectConfig{Languages: []string{"de", "en"}},
	}
}

// Load reads the configuration. An empty path loads DefaultPath, where a
// missing file means defaults; an explicit path must exist.
func Load(path string) (*Config, error) {
	environ := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}
	return load(path, dotEnvFileName, environ)
}

func load(path, dotEnv string, environ map[string]string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("get config path: %w", err)
		}
		path = p
	}
	if err := cfg.readFile(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			slog.Debug("no config file, using defaults", "path", path)
		} else {
			return nil, err
		}
	}

	// .env values never override the real environment.
	if dotEnv != "" {
		vals, err := godotenv.Read(dotEnv)
		switch {
		case err == nil:
			for k, v := range vals {
				if _, set := environ[k]; !set {
					environ[k] = v
				}
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read %s: %w", dotEnv, err)
		}
	}

	if err := env.Parse(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = environ["OPENAI_API_KEY"]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration to path, or to DefaultPath when path is
// empty. The file is replaced atomically.
func (c *Config) Save(path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return fmt.Errorf("get config path: %w", err)
		}
		path = p
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := c.Marshal(isYAML(path))
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML or indented JSON.
func (c *Config) Marshal(asYAML bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if asYAML {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// Validate checks the values that would otherwise fail later at start-up.
func (c *Config) Validate() error {
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if !slices.Contains(Engines, c.Engine.Name) {
		return fmt.Errorf("engine: unknown name %q (want one of %s)", c.Engine.Name, strings.Join(Engines, ", "))
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Hotkey.Enabled && len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey: enabled without keys")
	}
	return nil
}

// Params converts the audio section to pipeline parameters.
func (c *Config) Params() livetranscribe.Params {
	a := c.Audio
	return livetranscribe.Params{
		SampleRate:     a.SampleRate,
		Channels:       a.Channels,
		SampleWidth:    a.SampleWidth,
		Window:         seconds(a.Window),
		Overlap:        seconds(a.Overlap),
		CaptureChunk:   seconds(a.Chunk),
		QueueTimeout:   seconds(a.QueueTimeout),
		StatusInterval: seconds(a.StatusInterval),
		MaxBacklog:     a.MaxBacklog,
		MinFlush:       seconds(a.MinFlush),
		SilenceRMS:     a.SilenceRMS,
		SilencePeak:    a.SilencePeak,
		LogAudioLevel:  a.LogAudioLevel,
		QueueCapacity:  a.QueueCapacity,
		JoinTimeout:    seconds(a.JoinTimeout),
	}
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("level %q: %w", c.Log.Level, err)
	}
	return lvl, nil
}

// HistoryDir returns History.Dir, defaulting to a directory next to the
// config file.
func (c *Config) HistoryDir() (string, error) {
	if c.History.Dir != "" {
		return c.History.Dir, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history"), nil
}

// Dir returns the per-user configuration directory.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
