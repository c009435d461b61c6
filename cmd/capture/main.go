package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/skypro1111/pcm-capture-service/internal/audio"
	"github.com/skypro1111/pcm-capture-service/internal/capture"
	"github.com/skypro1111/pcm-capture-service/internal/config"
	"github.com/skypro1111/pcm-capture-service/internal/effects"
	"github.com/skypro1111/pcm-capture-service/internal/errs"
	"github.com/skypro1111/pcm-capture-service/internal/link"
	"github.com/skypro1111/pcm-capture-service/internal/metrics"
	"github.com/skypro1111/pcm-capture-service/internal/pipeline"
	"github.com/skypro1111/pcm-capture-service/internal/server"
	"github.com/skypro1111/pcm-capture-service/internal/vad"
)

const (
	serviceName    = "pcm-capture-service"
	serviceVersion = "1.0.0"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 0 after a graceful stop, 1 for
// configuration errors and 2 for link or pipeline failures
func run(args []string) int {
	flags := pflag.NewFlagSet("capture", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: capture [flags] <device>\n\n")
		flags.PrintDefaults()
	}

	configPath := flags.String("config", "", "Path to YAML configuration file")
	listPorts := flags.Bool("list-ports", false, "List serial ports and exit")
	mode := flags.String("mode", config.ModeTime, "Rotation mode: time, size or vad")
	duration := flags.Float64("duration", 60, "Seconds per file in time mode")
	maxSize := flags.Int64("max-size", 1024*1024, "Bytes per file in size mode, header included")
	minSilence := flags.Int("min-silence", 300, "Silence in ms that closes a speech segment")
	minSpeech := flags.Int("min-speech", 250, "Shortest speech segment in ms")
	threshold := flags.Float64("threshold", 0.5, "Speech probability threshold")
	outputDir := flags.StringP("output-dir", "o", "recordings", "Directory for WAV files")
	baud := flags.Int("baud", 921600, "Serial baud rate")
	gain := flags.Int("gain", -1, "Device gain level 0-4 applied after connecting")
	volumeControl := flags.Bool("volume-control", false, "Lower playback volume during speech")
	speechVolume := flags.Int("speech-volume", 30, "Playback volume percent during speech")
	silenceVolume := flags.Int("silence-volume", 80, "Playback volume percent during silence")
	webhookURL := flags.String("webhook-url", "", "POST segment events to this URL")
	httpAddr := flags.String("http-addr", "", "Serve the HTTP API on host:port")
	logLevel := flags.String("log-level", "info", "Log level: debug, info, warn or error")
	logFormat := flags.String("log-format", "text", "Log format: text or json")
	debug := flags.Bool("debug", false, "Shorthand for --log-level debug")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *listPorts {
		ports, err := link.ListSerialPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list serial ports: %v\n", err)
			return 2
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	// Only flags given on the command line override the file
	if flags.NArg() > 0 {
		cfg.Link.Address = flags.Arg(0)
	}
	overrides := map[string]func(){
		"mode":           func() { cfg.Capture.Mode = *mode },
		"duration":       func() { cfg.Capture.Duration = *duration },
		"max-size":       func() { cfg.Capture.MaxSize = *maxSize },
		"min-silence":    func() { cfg.VAD.MinSilence = *minSilence },
		"min-speech":     func() { cfg.VAD.MinSpeech = *minSpeech },
		"threshold":      func() { cfg.VAD.Threshold = *threshold },
		"output-dir":     func() { cfg.Capture.OutputDir = *outputDir },
		"baud":           func() { cfg.Link.Baud = *baud },
		"gain":           func() { cfg.Link.Gain = *gain },
		"volume-control": func() { cfg.Effects.VolumeControl = *volumeControl },
		"speech-volume":  func() { cfg.Effects.SpeechVolume = *speechVolume },
		"silence-volume": func() { cfg.Effects.SilenceVolume = *silenceVolume },
		"webhook-url":    func() { cfg.Effects.WebhookURL = *webhookURL },
		"log-level":      func() { cfg.Logging.Level = *logLevel },
		"log-format":     func() { cfg.Logging.Format = *logFormat },
	}
	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if flags.Changed("http-addr") {
		if err := applyHTTPAddr(&cfg.HTTP, *httpAddr); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			return 1
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		flags.Usage()
		return 1
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("device", cfg.Link.Address),
		slog.Int("baud", cfg.Link.Baud),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_samples", cfg.Audio.FrameSamples),
		slog.String("mode", cfg.Capture.Mode),
		slog.String("output_dir", cfg.Capture.OutputDir),
		slog.String("vad_backend", cfg.VAD.Backend),
		slog.Float64("vad_threshold", cfg.VAD.Threshold),
		slog.Bool("volume_control", cfg.Effects.VolumeControl),
		slog.Bool("webhook", cfg.Effects.WebhookURL != ""),
		slog.Bool("http", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped with error",
			slog.String("error", err.Error()),
			slog.Int("exit_code", errs.ExitCode(err)),
		)
		return errs.ExitCode(err)
	}

	logger.Info("Service stopped")
	return 0
}

// serve builds every stage and runs the pipeline until ctx is cancelled
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	appMetrics := metrics.NewMetrics()

	session := link.NewSession()
	deviceLink, err := link.New(link.Config{
		Address:         cfg.Link.Address,
		Baud:            cfg.Link.Baud,
		Poll:            cfg.Link.GetPollInterval(),
		Trigger:         cfg.Link.TriggerByte(),
		BootDelay:       cfg.Link.GetBootDelay(),
		TriggerSettle:   cfg.Link.GetTriggerSettle(),
		ResponseTimeout: cfg.Link.GetResponseTimeout(),
		InitialBackoff:  cfg.Link.Reconnect.GetInitialBackoff(),
		MaxBackoff:      cfg.Link.Reconnect.GetMaxBackoff(),
		MaxAttempts:     cfg.Link.Reconnect.MaxAttempts,
	}, link.DialerFor(cfg.Link.Address), session, logger, appMetrics)
	if err != nil {
		return err
	}

	frameCfg := audio.FrameConfig{
		SampleRate:   cfg.Audio.SampleRate,
		FrameSamples: cfg.Audio.FrameSamples,
		Trailing:     audio.TrailingPolicy(cfg.Audio.TrailingPolicy),
	}
	assembler, err := audio.NewFrameAssembler(frameCfg)
	if err != nil {
		return err
	}
	frameDuration := frameCfg.FrameDuration()

	var factory vad.ModelFactory
	if cfg.VAD.Backend == "fvad" {
		factory = vad.FVADFactory(cfg.Audio.SampleRate, cfg.VAD.FVADMode)
	}
	scorer, err := vad.NewScorer(vad.ScorerConfig{
		FrameSamples:    cfg.Audio.FrameSamples,
		EnergyThreshold: cfg.VAD.EnergyThreshold,
	}, factory, logger)
	if err != nil {
		return err
	}

	tracker, err := vad.NewSegmentTracker(vad.TrackerConfig{
		Threshold:  cfg.VAD.Threshold,
		MinSilence: vad.FramesFor(cfg.VAD.GetMinSilenceDuration(), frameDuration),
		MinSpeech:  vad.FramesFor(cfg.VAD.GetMinSpeechDuration(), frameDuration),
	})
	if err != nil {
		return err
	}

	sink, err := capture.NewSink(capture.SinkConfig{
		Mode:         cfg.Capture.Mode,
		OutputDir:    cfg.Capture.OutputDir,
		Prefix:       cfg.Capture.Prefix,
		SampleRate:   cfg.Audio.SampleRate,
		FrameSamples: cfg.Audio.FrameSamples,
		Duration:     cfg.Capture.GetDuration(),
		MaxBytes:     cfg.Capture.MaxSize,
		Sidecars:     cfg.Capture.Sidecars,
		SessionID:    session.ID,
	}, tracker, logger, appMetrics)
	if err != nil {
		return err
	}

	var hub *server.Hub
	if cfg.HTTP.Enabled {
		hub = server.NewHub(logger)
	}

	actions, err := buildActions(cfg.Effects, hub)
	if err != nil {
		return err
	}

	var dispatcher *effects.Dispatcher
	if len(actions) > 0 {
		dispatcher, err = effects.NewDispatcher(effects.DispatcherConfig{
			Workers:       cfg.Effects.Workers,
			QueueSize:     cfg.Effects.QueueSize,
			Timeout:       cfg.Effects.GetTimeoutDuration(),
			FrameDuration: frameDuration,
			DeviceID:      cfg.Effects.DeviceID,
			SessionID:     session.ID,
			Source:        scorer.Source,
		}, actions, logger, appMetrics)
		if err != nil {
			return err
		}
	}

	p, err := pipeline.New(pipeline.Config{
		QueueCapacity:   pipeline.QueueCapacityFor(cfg.Pipeline.GetQueueDuration(), cfg.Audio.GetByteRate(), cfg.Pipeline.ReadSize),
		StallTimeout:    cfg.Pipeline.GetStallTimeout(),
		ReadSize:        cfg.Pipeline.ReadSize,
		DataTimeout:     cfg.Pipeline.GetDataTimeout(),
		ShutdownTimeout: cfg.Pipeline.GetShutdownTimeout(),
		InitialGain:     cfg.Link.Gain,
	}, pipeline.Components{
		Source:    deviceLink,
		Assembler: assembler,
		Scorer:    scorer,
		Tracker:   tracker,
		Sink:      sink,
		Effects:   dispatcher,
	}, logger, appMetrics)
	if err != nil {
		return err
	}

	// abandon releases the stages when the pipeline never runs
	abandon := func() {
		_ = deviceLink.Close()
		_ = sink.FlushAndClose()
		_ = scorer.Close()
		if dispatcher != nil {
			_ = dispatcher.Close(context.Background())
		}
	}

	if err := deviceLink.Connect(ctx); err != nil {
		abandon()
		if ctx.Err() != nil {
			logger.Info("Interrupted before the device connected")
			return nil
		}
		return err
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, server.Deps{
			Config: cfg,
			Stats:  func() any { return p.GetStats() },
			Health: func() server.Health {
				healthy, components := p.Healthy()
				return server.Health{Healthy: healthy, Components: components}
			},
			Device:  deviceLink,
			Hub:     hub,
			Metrics: appMetrics,
		}, logger)
		if err := httpServer.Start(); err != nil {
			abandon()
			return err
		}
		logger.Info("HTTP API server started", slog.String("address", httpServer.Addr()))
	}

	logger.Info("Capture started, waiting for signals...",
		slog.String("session_id", session.ID),
		slog.Duration("frame_duration", frameDuration),
	)

	runErr := p.Run(ctx)

	logger.Info("Starting graceful shutdown...")
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.GetShutdownTimeout())
		if err := httpServer.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		cancel()
	}

	logSummary(logger, p.GetStats(), sink.Containers())
	return runErr
}

// buildActions creates the configured segment side effects
func buildActions(cfg config.EffectsConfig, hub *server.Hub) ([]effects.Action, error) {
	var actions []effects.Action

	if cfg.VolumeControl {
		volume, err := effects.NewVolumeAction(cfg.VolumeCommand, cfg.SpeechVolume, cfg.SilenceVolume, nil)
		if err != nil {
			return nil, err
		}
		actions = append(actions, volume)
	}

	if cfg.WebhookURL != "" {
		webhook, err := effects.NewWebhookAction(effects.WebhookConfig{
			URL:        cfg.WebhookURL,
			MaxRetries: cfg.WebhookRetries,
			Client:     &http.Client{Timeout: cfg.GetTimeoutDuration()},
		})
		if err != nil {
			return nil, err
		}
		actions = append(actions, webhook)
	}

	if hub != nil {
		actions = append(actions, effects.NewBroadcastAction(hub))
	}

	return actions, nil
}

// applyHTTPAddr enables the API on a host:port given on the command line
func applyHTTPAddr(h *config.HTTPConfig, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return errs.Configf("invalid http address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errs.Configf("invalid http port %q", portStr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	h.Address = host
	h.Port = port
	h.Enabled = true
	return nil
}

func logSummary(logger *slog.Logger, stats pipeline.Stats, containers []capture.ContainerInfo) {
	var speech, aborted int
	for _, c := range containers {
		if c.Label == capture.LabelSpeech {
			speech++
		}
		if c.Aborted {
			aborted++
		}
	}

	logger.Info("Final capture statistics",
		slog.Int("files", len(containers)),
		slog.Int("speech_files", speech),
		slog.Int("aborted_files", aborted),
		slog.Float64("seconds_captured", stats.Sink.DurationSeconds),
		slog.Int64("bytes_written", stats.Sink.BytesWritten),
		slog.Uint64("frames", stats.FramesProcessed),
		slog.Uint64("segments", stats.SegmentsAccepted),
		slog.Uint64("resyncs", stats.Resyncs),
		slog.Uint64("sink_errors", stats.SinkErrors),
	)
	for _, c := range containers {
		logger.Debug("Capture file",
			slog.String("path", c.Path),
			slog.String("label", c.Label),
			slog.Duration("duration", c.Duration.Truncate(time.Millisecond)),
			slog.Bool("aborted", c.Aborted),
		)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
