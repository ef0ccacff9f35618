// Command lexy is the terminal client of the English speaking coach.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lexiqai/speaking-coach/internal/audio"
	"github.com/lexiqai/speaking-coach/internal/config"
	"github.com/lexiqai/speaking-coach/internal/conversation"
	"github.com/lexiqai/speaking-coach/internal/keyword"
	"github.com/lexiqai/speaking-coach/internal/media"
	"github.com/lexiqai/speaking-coach/internal/meter"
	"github.com/lexiqai/speaking-coach/internal/observability"
	"github.com/lexiqai/speaking-coach/internal/recorder"
	"github.com/lexiqai/speaking-coach/internal/resilience"
	"github.com/lexiqai/speaking-coach/internal/session"
	"github.com/lexiqai/speaking-coach/internal/tui"
)

var version = "dev" // set via ldflags at build time

type flags struct {
	apiURL      string
	level       string
	noKeyword   bool
	silenceStop bool
	inputFormat string
	inputDevice string
	logLevel    string
	logFile     string
	metricsAddr string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "lexy",
		Short: "Practice spoken English with a voice tutor",
		Long: `Lexy records what you say, sends it to the conversation API and
plays the tutor's reply. Press space to talk, then press space again or
say "OK GPT" to send.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, f)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&f.apiURL, "api-url", "", "Conversation API base URL (overrides LEXY_API_URL)")
	cmd.Flags().StringVarP(&f.level, "level", "l", "", "Proficiency level: beginner, intermediate or advanced")
	cmd.Flags().BoolVar(&f.noKeyword, "no-keyword", false, `Disable the spoken "OK GPT" send trigger`)
	cmd.Flags().BoolVar(&f.silenceStop, "silence-stop", false, "Send automatically after a pause in speech")
	cmd.Flags().StringVar(&f.inputFormat, "input-format", "", "ffmpeg capture format, e.g. pulse, alsa, avfoundation")
	cmd.Flags().StringVar(&f.inputDevice, "input-device", "", "ffmpeg capture device")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "Log file path (the terminal is used by the UI)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

// applyFlags overrides configuration with flags set on the command line
func applyFlags(cmd *cobra.Command, cfg *config.Client, f flags) {
	set := cmd.Flags().Changed
	if set("api-url") {
		cfg.APIURL = f.apiURL
	}
	if set("level") {
		cfg.Level = f.level
	}
	if set("no-keyword") {
		cfg.KeywordSpotting = !f.noKeyword
	}
	if set("silence-stop") {
		cfg.SilenceAutoStop = f.silenceStop
	}
	if set("input-format") {
		cfg.InputFormat = f.inputFormat
	}
	if set("input-device") {
		cfg.InputDevice = f.inputDevice
	}
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if set("log-file") {
		cfg.LogFile = f.logFile
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
}

func run(parent context.Context, cfg *config.Client) error {
	if !tui.IsTTY() {
		return tui.ErrNotTerminal
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	observability.InitLoggerWithWriter(cfg.LogLevel, false, logFile)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		metricsServer := startMetrics(cfg.MetricsAddr)
		defer metricsServer.Close()
	}

	sess, bridge, err := buildSession(cfg)
	if err != nil {
		return err
	}

	logger.Info().
		Str("session_id", sess.ID()).
		Str("api_url", cfg.APIURL).
		Str("level", cfg.Level).
		Bool("keyword_spotting", cfg.KeywordSpotting).
		Bool("silence_auto_stop", cfg.SilenceAutoStop).
		Msg("Lexy starting")

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	go func() {
		if err := sess.Run(sessionCtx); err != nil {
			logger.Error().Err(err).Msg("Session failed")
		}
	}()

	level, _ := session.ParseLevel(cfg.Level)
	uiErr := tui.Run(ctx, tui.New(sess, level), bridge)

	// Release the microphone and stop playback before exiting
	cancelSession()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Session did not stop in time")
	}

	logger.Info().Msg("Lexy exited")
	return uiErr
}

func buildSession(cfg *config.Client) (*session.Session, *tui.Bridge, error) {
	devices := media.NewFFmpegDevices(media.CaptureConfig{
		Command:     cfg.FFmpegCommand,
		InputFormat: cfg.InputFormat,
		InputDevice: cfg.InputDevice,
		SampleRate:  cfg.SampleRate,
	})
	rec := recorder.New(devices, media.NewFFmpegRecorderFactory(cfg.FFmpegCommand), recorder.Config{
		MinBlobBytes: cfg.MinRecordingSize,
	})

	levelMeter := meter.New(media.NewTimerScheduler(media.DefaultFrameInterval), meter.Config{
		SilenceAutoStop: cfg.SilenceAutoStop,
		VAD: &audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.SilenceFrames,
			FrameSize:       cfg.SampleRate / 50, // 20ms frames
		},
	})

	var spotter session.Spotter
	if cfg.KeywordSpotting {
		engine, err := keyword.NewWSEngine(cfg.APIURL)
		if err != nil {
			return nil, nil, fmt.Errorf("keyword spotting: %w", err)
		}
		spotter = keyword.New(engine, keyword.Config{
			MaxRestarts:    cfg.KeywordMaxRestarts,
			RestartBackoff: time.Duration(cfg.KeywordRestartBackoff) * time.Millisecond,
		})
	}

	client := conversation.NewClient(cfg.APIURL, conversation.Options{
		BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
		BreakerReset:       time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	})

	level, _ := session.ParseLevel(cfg.Level)
	bridge := tui.NewBridge()
	sess := session.New(session.Deps{
		Recorder:     rec,
		Meter:        levelMeter,
		Spotter:      spotter,
		Conversation: client,
		Player:       media.NewFFplayPlayer(cfg.FFplayCommand),
		Observer:     bridge,
	}, session.Config{
		Level:           level,
		KeywordSpotting: cfg.KeywordSpotting,
		CallTimeout:     cfg.CallTimeoutDuration(),
	})
	return sess, bridge, nil
}

func startMetrics(addr string) *http.Server {
	logger := observability.Component("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return server
}
