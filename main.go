package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go.aimuz.me/livescribe/audiocapture"
	"go.aimuz.me/livescribe/config"
	"go.aimuz.me/livescribe/internal/app"
	"go.aimuz.me/livescribe/internal/types"
	"go.aimuz.me/livescribe/livetranscribe"
	"go.aimuz.me/livescribe/transcript"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
	logFile  string
	engine   string
	language string

	cfg       *config.Config
	logger    *slog.Logger
	closeLogs func() error
)

var rootCmd = &cobra.Command{
	Use:           "livescribe",
	Short:         "Live speech transcription from the microphone or WAV files",
	Version:       fmt.Sprintf("%s (%s, %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyFlags(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, closeLogs, err = newLogger(cfg)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeLogs != nil {
			return closeLogs()
		}
		return nil
	},
}

func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = logFile
	}
	if flags.Changed("engine") {
		cfg.Engine.Name = engine
	}
	if flags.Changed("language") {
		cfg.Engine.Language = language
	}
}

var (
	liveInput    string
	liveRealtime bool
	liveServe    string
	liveExport   string
	liveHotkey   bool
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Transcribe live audio until interrupted",
	Long: `Capture audio from the default microphone, or replay a WAV file with --input,
and print transcribed text as it arrives. Ctrl+C stops the session gracefully:
the trailing audio is flushed before exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("serve") {
			cfg.Broadcast.Addr = liveServe
		}
		if cmd.Flags().Changed("hotkey") {
			cfg.Hotkey.Enabled = liveHotkey
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer svc.Shutdown()

		if addr := cfg.Broadcast.Addr; addr != "" {
			go func() {
				if err := svc.Serve(ctx, addr); err != nil {
					logger.Error("broadcast server", "error", err)
				}
			}()
		}

		open, finished := sourceFactory()

		if cfg.Hotkey.Enabled {
			h := svc.EnableHotkey(ctx, open)
			fmt.Fprintf(cmd.ErrOrStderr(), "Press %s to start or stop, Ctrl+C to quit.\n", h.Keys())
			<-ctx.Done()
		} else {
			if err := svc.StartLive(ctx, open); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-finished:
				logger.Info("input finished")
			}
		}

		if err := svc.StopLive(); err != nil {
			return err
		}
		return exportTranscript(cmd.OutOrStdout(), svc.Transcript(), liveExport)
	},
}

// sourceFactory returns the live audio source and a channel that closes
// when a file input has been fully queued. The channel never closes for
// the microphone.
func sourceFactory() (app.SourceFactory, <-chan struct{}) {
	if liveInput == "" {
		return app.MicrophoneSource(logger), nil
	}

	finished := make(chan struct{})
	var once sync.Once
	open := func(p livetranscribe.Params) (audiocapture.Source, error) {
		wf, err := audiocapture.NewWAVFile(liveInput, app.CaptureConfig(p), liveRealtime, logger)
		if err != nil {
			return nil, err
		}
		go func() {
			<-wf.Finished()
			once.Do(func() { close(finished) })
		}()
		return wf, nil
	}
	return open, finished
}

var fileExport string

var fileCmd = &cobra.Command{
	Use:   "file <path.wav>",
	Short: "Transcribe a WAV file in one pass",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer svc.Shutdown()

		if _, err := svc.TranscribeFile(ctx, args[0]); err != nil {
			return err
		}
		return exportTranscript(cmd.OutOrStdout(), svc.Transcript(), fileExport)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newHistoryService()
		if err != nil {
			return err
		}
		defer svc.Shutdown()

		sessions, err := svc.History().Sessions()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tLINES\tLABEL")
		for _, s := range sessions {
			dur := "-"
			if !s.Ended.IsZero() {
				dur = s.Ended.Sub(s.Started).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Started.Format(time.DateTime), dur, s.Lines, s.Label)
		}
		return w.Flush()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <session-id> [path]",
	Short: "Write a stored session as text",
	Long:  `Write a stored session as text to path, or to stdout when path is "-" or omitted.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newHistoryService()
		if err != nil {
			return err
		}
		defer svc.Shutdown()

		lines, err := svc.History().Lines(args[0])
		if err != nil {
			return err
		}
		path := "-"
		if len(args) == 2 {
			path = args[1]
		}
		return writeExport(cmd.OutOrStdout(), lines, path)
	},
}

var (
	configSave bool
	configJSON bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configSave {
			if err := cfg.Save(cfgFile); err != nil {
				return err
			}
			logger.Info("configuration saved", "path", cfgFile)
		}
		data, err := cfg.Marshal(!configJSON)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List transcription engines",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION\tLOCAL\tSETUP")
		for _, e := range app.Engines() {
			marker := ""
			if e.Name == cfg.Engine.Name {
				marker = " (selected)"
			}
			fmt.Fprintf(w, "%s\t%s%s\t%v\t%v\n", e.Name, e.DisplayName, marker, e.IsLocal, e.RequiresSetup)
		}
		w.Flush()
	},
}

func newService(out io.Writer) (*app.Service, error) {
	svc, err := app.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	svc.OnLine = func(l types.LiveTranscript) {
		if l.Lang != "" {
			fmt.Fprintf(out, "%s (%s)\n", l.Text, l.Lang)
			return
		}
		fmt.Fprintln(out, l.Text)
	}
	return svc, nil
}

func newHistoryService() (*app.Service, error) {
	if !cfg.History.Enabled {
		return nil, errors.New("history is disabled in the configuration")
	}
	return app.New(cfg, logger)
}

// exportTranscript writes t to path. "auto" picks a timestamped name in
// the working directory, "-" writes to out, and "" skips the export.
func exportTranscript(out io.Writer, t *transcript.Transcript, path string) error {
	if path == "" || t.Len() == 0 {
		return nil
	}
	if path == "auto" {
		path = transcript.DefaultExportName(time.Now())
	}
	return writeExport(out, t.Lines(), path)
}

func writeExport(out io.Writer, lines []transcript.Line, path string) error {
	if path == "-" {
		_, err := transcript.WriteLines(out, lines)
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	if _, err := transcript.WriteLines(f, lines); err != nil {
		f.Close()
		return fmt.Errorf("write export: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	logger.Info("transcript exported", "path", path, "lines", len(lines))
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/livescribe/config.json)")
	pf.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&logFile, "log-file", "", "also write logs to this rotating file")
	pf.StringVar(&engine, "engine", "", "transcription engine: whisper-api, whisper-local, google, stub")
	pf.StringVar(&language, "language", "", `spoken language as ISO 639-1 code, or "auto"`)

	lf := liveCmd.Flags()
	lf.StringVar(&liveInput, "input", "", "replay this 16-bit PCM WAV file instead of the microphone")
	lf.BoolVar(&liveRealtime, "realtime", true, "pace --input at playback speed")
	lf.StringVar(&liveServe, "serve", "", "serve live events over websocket on this address, e.g. 127.0.0.1:8765")
	lf.StringVar(&liveExport, "export", "", `write the transcript on exit to this path ("auto" for a timestamped name, "-" for stdout)`)
	lf.BoolVar(&liveHotkey, "hotkey", false, "toggle transcription with the global hotkey instead of starting at once")

	fileCmd.Flags().StringVar(&fileExport, "export", "", `write the transcript to this path ("auto" for a timestamped name)`)

	configCmd.Flags().BoolVar(&configSave, "save", false, "persist the effective configuration")
	configCmd.Flags().BoolVar(&configJSON, "json", false, "print JSON instead of YAML")

	rootCmd.AddCommand(liveCmd, fileCmd, sessionsCmd, exportCmd, configCmd, enginesCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
