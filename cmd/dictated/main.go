package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/afeding/whisper-cheap/internal/asr"
	"github.com/afeding/whisper-cheap/internal/audio"
	"github.com/afeding/whisper-cheap/internal/config"
	"github.com/afeding/whisper-cheap/internal/history"
	"github.com/afeding/whisper-cheap/internal/metrics"
	"github.com/afeding/whisper-cheap/internal/model"
	"github.com/afeding/whisper-cheap/internal/onnx"
	"github.com/afeding/whisper-cheap/internal/postprocess"
	"github.com/afeding/whisper-cheap/internal/scheduler"
	"github.com/afeding/whisper-cheap/internal/server"
	"github.com/afeding/whisper-cheap/internal/sink"
	"github.com/afeding/whisper-cheap/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "whisper-cheap"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_size", cfg.Audio.FrameSize),
		slog.String("model_id", cfg.ASR.ModelID),
		slog.String("models_dir", cfg.ASR.ModelsDir),
		slog.String("provider", cfg.ASR.Provider),
		slog.Bool("use_vad", cfg.Audio.UseVAD),
		slog.Bool("history_enabled", cfg.History.Enabled),
		slog.Bool("postprocess_enabled", cfg.Postprocess.Enabled),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize model store
	modelStore, err := model.NewStore(cfg.ASR.ModelsDir)
	if err != nil {
		logger.Error("Failed to create model store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize ONNX Runtime environment
	runtime, err := onnx.NewRuntime(onnx.RuntimeConfig{
		LibraryPath:   cfg.ASR.ORTLibraryPath,
		Provider:      cfg.ASR.Provider,
		FallbackToCPU: cfg.ASR.FallbackToCPU,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize ONNX runtime", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize transcription engine. Model load timing is measured
	// from the lifecycle events so the metric covers the full load
	// including session creation and warmup.
	var loadMu sync.Mutex
	var loadStart time.Time
	engine := asr.NewEngine(modelStore, runtime.OpenSession, asr.EngineConfig{
		TranscribeTimeout:    cfg.ASR.GetTranscribeTimeout(),
		ChunkThresholdSec:    cfg.ASR.ChunkThreshold,
		ChunkSizeSec:         cfg.ASR.ChunkSize,
		ChunkOverlapSec:      cfg.ASR.ChunkOverlap,
		MaxTokensPerStep:     cfg.ASR.MaxTokensPerStep,
		MaxConsecutiveBlanks: cfg.ASR.MaxConsecutiveBlanks,
		UnloadTimeout:        cfg.ASR.GetUnloadTimeout(),
		CustomWords:          cfg.ASR.CustomWords,
	}, logger, func(event string) {
		switch event {
		case "loading-started":
			loadMu.Lock()
			loadStart = time.Now()
			loadMu.Unlock()
		case "loading-completed":
			loadMu.Lock()
			elapsed := time.Since(loadStart)
			loadMu.Unlock()
			appMetrics.RecordModelLoad(elapsed.Seconds())
		case "unloaded":
			appMetrics.RecordModelUnload()
		}
	})
	logger.Info("Transcription engine initialized", slog.String("model_id", cfg.ASR.ModelID))

	// Initialize voice activity detection. The gate falls back to RMS
	// energy when no neural detector is available.
	var detector vad.Detector
	if cfg.Audio.UseVAD {
		vadPath := cfg.VAD.ModelPath
		if vadPath == "" && modelStore.IsDownloaded("silero-vad") {
			vadPath, _ = modelStore.FilePath("silero-vad", "silero_vad.onnx")
		}
		if vadPath != "" {
			silero, err := vad.NewSileroDetector(runtime.OpenSession, vadPath)
			if err != nil {
				logger.Warn("Silero VAD unavailable, using energy gate",
					slog.String("model_path", vadPath),
					slog.String("error", err.Error()))
			} else {
				detector = silero
				logger.Info("Silero VAD initialized", slog.String("model_path", vadPath))
			}
		} else {
			logger.Warn("No VAD model available, using energy gate")
		}
	}
	gate, err := vad.NewGate(detector, cfg.Audio.VADThreshold)
	if err != nil {
		logger.Error("Failed to create VAD gate", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize audio capture
	backend, err := audio.NewPortAudioBackend()
	if err != nil {
		logger.Error("Failed to initialize audio backend", slog.String("error", err.Error()))
		os.Exit(1)
	}

	recorder, err := audio.NewRecorder(backend, audio.StreamConfig{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		FrameSize:  cfg.Audio.FrameSize,
		DeviceID:   cfg.Audio.DeviceID,
	}, cfg.Audio.GetMaxRecordingDuration(), logger)
	if err != nil {
		logger.Error("Failed to create recorder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The live preview segments the recording at natural pauses and
	// transcribes the segments in the background while the user is
	// still speaking.
	segmenter := audio.NewSegmenter(audio.SegmenterConfig{
		SampleRate:       cfg.Audio.SampleRate,
		MinChunkDuration: cfg.Segmenter.GetMinChunkDuration(),
		MaxChunkDuration: cfg.Segmenter.GetMaxChunkDuration(),
		SilenceThreshold: cfg.Segmenter.GetSilenceThreshold(),
		CapSilence:       cfg.Segmenter.GetCapSilence(),
	})
	preview := &livePreview{
		engine:    engine,
		recorder:  recorder,
		gate:      gate,
		segmenter: segmenter,
		metrics:   appMetrics,
		logger:    logger,
		queueCap:  cfg.Scheduler.QueueCapacity,
		neural:    detector != nil,
	}
	recorder.SetFrameListener(preview.OnFrame)
	recorder.SetEventListener(func(event string) {
		logger.Debug("Capture event", slog.String("event", event))
	})

	if cfg.Audio.AlwaysOnStream {
		if err := recorder.OpenStream(); err != nil {
			logger.Warn("Audio capture unavailable, recordings will fail until a device appears",
				slog.String("error", err.Error()))
		}
	}

	// Initialize history persistence (if enabled)
	var historyStore *history.Store
	if cfg.History.Enabled {
		historyStore, err = history.NewStore(cfg.History.DBPath, cfg.History.AudioDir, cfg.Audio.SampleRate, logger)
		if err != nil {
			logger.Error("Failed to open history store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("History store initialized",
			slog.String("db_path", cfg.History.DBPath),
			slog.String("audio_dir", cfg.History.AudioDir))
	}

	// Initialize LLM postprocessing (if enabled)
	var post scheduler.PostProcessor
	if cfg.Postprocess.Enabled {
		apiKey := cfg.Postprocess.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		processor, err := postprocess.NewProcessor(postprocess.Config{
			APIKey:       apiKey,
			BaseURL:      cfg.Postprocess.BaseURL,
			Model:        cfg.Postprocess.Model,
			Template:     cfg.Postprocess.Template,
			SystemPrompt: cfg.Postprocess.SystemPrompt,
			Temperature:  cfg.Postprocess.Temperature,
			Timeout:      cfg.Postprocess.GetTimeout(),
		}, logger)
		if err != nil {
			logger.Warn("Postprocessing disabled", slog.String("error", err.Error()))
		} else {
			post = processor
			logger.Info("Postprocessing initialized", slog.String("model", cfg.Postprocess.Model))
		}
	}

	clip := sink.NewClipboard(true, logger)

	// When the always-on stream is disabled the capture stream is
	// opened for the duration of each recording instead.
	var source scheduler.AudioSource = recorder
	if !cfg.Audio.AlwaysOnStream {
		source = &lazyAudio{rec: recorder}
	}

	var historySink scheduler.HistorySink
	if historyStore != nil {
		historySink = historyStore
	}

	unloadInterval := time.Duration(0)
	if cfg.ASR.UnloadTimeout > 0 {
		unloadInterval = 30 * time.Second
	}

	// Initialize the recording scheduler
	sched, err := scheduler.NewScheduler(scheduler.Config{
		Debounce:            cfg.Scheduler.GetDebounce(),
		QueueCapacity:       cfg.Scheduler.QueueCapacity,
		ShutdownTimeout:     cfg.Scheduler.GetShutdownTimeout(),
		UnloadCheckInterval: unloadInterval,
	}, scheduler.Deps{
		Audio:       source,
		Transcriber: engine,
		Models:      modelStore,
		History:     historySink,
		Post:        post,
		Sink:        clip,
	}, scheduler.Callbacks{
		OnProgress: func(phase string) {
			logger.Debug("Job progress", slog.String("phase", phase))
		},
		OnComplete: func(result scheduler.Result) {
			appMetrics.RecordRecordingStopped(result.AudioDuration.Seconds())
			appMetrics.RecordTranscription(result.Status, result.ProcessTime.Seconds())
			appMetrics.RecordResultReleased()
			logger.Info("Transcription released",
				slog.Uint64("seq_id", result.SeqID),
				slog.String("status", result.Status),
				slog.Duration("audio_duration", result.AudioDuration),
				slog.Duration("process_time", result.ProcessTime))
		},
		OnError: func(result scheduler.Result) {
			appMetrics.RecordTranscription(result.Status, result.ProcessTime.Seconds())
			appMetrics.RecordResultReleased()
			logger.Error("Transcription failed",
				slog.Uint64("seq_id", result.SeqID),
				slog.String("status", result.Status),
				slog.String("error", errString(result.Err)))
		},
		OnQueueChange: func(pending int) {
			appMetrics.SetPendingJobs(pending)
		},
	}, logger)
	if err != nil {
		logger.Error("Failed to create scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}
	sched.Start()
	logger.Info("Scheduler started")

	// Warm the model in the background so the first recording does not
	// pay the load cost.
	if modelStore.IsDownloaded(cfg.ASR.ModelID) {
		engine.PreloadAsync(cfg.ASR.ModelID)
	} else {
		logger.Warn("Model not downloaded, transcriptions will fail until it is",
			slog.String("model_id", cfg.ASR.ModelID),
			slog.String("models_dir", cfg.ASR.ModelsDir))
	}

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		controller := &previewController{
			Scheduler: sched,
			preview:   preview,
			metrics:   appMetrics,
		}
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, controller, engine, recorder, modelStore, historyStore, appMetrics)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("HTTP API server started",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop the scheduler (cancel any active recording, drain the queue)
	if err := sched.Shutdown(); err != nil {
		logger.Error("Error stopping scheduler", slog.String("error", err.Error()))
	}

	// Tear down capture and inference
	if err := recorder.CloseStream(); err != nil {
		logger.Error("Error closing capture stream", slog.String("error", err.Error()))
	}
	engine.Unload()
	if historyStore != nil {
		if err := historyStore.Close(); err != nil {
			logger.Error("Error closing history store", slog.String("error", err.Error()))
		}
	}
	if err := runtime.Close(); err != nil {
		logger.Error("Error closing ONNX runtime", slog.String("error", err.Error()))
	}
	if err := backend.Terminate(); err != nil {
		logger.Error("Error terminating audio backend", slog.String("error", err.Error()))
	}

	// Get final statistics
	stats := sched.GetStats()
	logger.Info("Final scheduler statistics",
		slog.Uint64("recordings_done", stats.RecordingsDone),
		slog.Uint64("next_seq", stats.NextSeq),
		slog.Int("pending_jobs", stats.PendingJobs),
	)

	logger.Info("Service stopped")
}

// livePreview feeds recording frames through the VAD gate and the
// segmenter and transcribes the emitted utterances in the background,
// so most of the text is ready before the user stops talking. One
// Incremental instance lives per recording: Arm allows it, the first
// frame creates it, and Finish or Abort collects it.
type livePreview struct {
	engine    scheduler.Transcriber
	recorder  *audio.Recorder
	gate      *vad.Gate
	segmenter *audio.Segmenter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	queueCap  int
	neural    bool

	mu            sync.Mutex
	armed         bool
	inc           *scheduler.Incremental
	droppedFrames uint64
}

// Arm admits the next recording's frames. Frames arriving while
// disarmed are leftovers of a recording already finalized and are
// dropped, so they cannot seed the next preview.
func (p *livePreview) Arm() {
	p.mu.Lock()
	p.armed = true
	p.mu.Unlock()
}

// OnFrame runs on the recorder's forwarding goroutine, never on the
// audio thread.
func (p *livePreview) OnFrame(frame []float32) {
	p.mu.Lock()
	if p.inc == nil {
		if !p.armed {
			p.mu.Unlock()
			return
		}
		p.gate.Reset()
		p.segmenter.Reset()
		p.inc = scheduler.NewIncremental(p.engine, p.queueCap, p.logger)
	}
	inc := p.inc
	p.mu.Unlock()

	hasVoice := p.gate.HasVoice(frame)
	p.metrics.RecordVADFrame(hasVoice, !p.neural)

	if u := p.segmenter.ProcessFrame(frame, hasVoice); u != nil {
		p.metrics.RecordSegmentEmitted(u.Duration.Seconds())
		inc.Submit(*u)
	}
}

// Finish flushes the segmenter synchronously, then collects the
// in-flight segments in the background and logs the assembled
// preview. The authoritative transcription still runs over the full
// recording in the scheduler worker.
func (p *livePreview) Finish() {
	inc := p.take()
	if inc == nil {
		return
	}

	// Flush before returning so a quick restart cannot reset the
	// segmenter under the trailing segment.
	if u := p.segmenter.Flush(); u != nil {
		p.metrics.RecordSegmentEmitted(u.Duration.Seconds())
		inc.Submit(*u)
	}

	go func() {
		text, err := inc.Finish(5 * time.Second)
		if err != nil {
			p.logger.Warn("Segment preview incomplete", slog.String("error", err.Error()))
		}

		transcribed, failed, dropped := inc.Stats()
		p.logger.Info("Segment preview ready",
			slog.Int("text_length", len(text)),
			slog.Int("segments", transcribed),
			slog.Int("failed", failed),
			slog.Int("dropped", dropped))

		p.syncDroppedFrames()
	}()
}

// Abort discards the preview of a cancelled recording.
func (p *livePreview) Abort() {
	inc := p.take()
	if inc == nil {
		return
	}
	p.segmenter.Reset()

	go func() {
		if _, err := inc.Finish(time.Second); err != nil {
			p.logger.Warn("Segment preview abort timed out", slog.String("error", err.Error()))
		}
		p.syncDroppedFrames()
	}()
}

func (p *livePreview) take() *scheduler.Incremental {
	p.mu.Lock()
	defer p.mu.Unlock()
	inc := p.inc
	p.inc = nil
	p.armed = false
	return inc
}

// syncDroppedFrames forwards the recorder's cumulative drop count to
// the metrics counter as a delta.
func (p *livePreview) syncDroppedFrames() {
	total := p.recorder.GetStats().Buffer.DroppedFrames

	p.mu.Lock()
	defer p.mu.Unlock()
	if total > p.droppedFrames {
		p.metrics.RecordFramesDropped(int(total - p.droppedFrames))
		p.droppedFrames = total
	}
}

// previewController wraps the scheduler for the HTTP API, finalizing
// the live preview around stop and cancel transitions and counting
// recording lifecycle metrics.
type previewController struct {
	*scheduler.Scheduler
	preview *livePreview
	metrics *metrics.Metrics
}

func (c *previewController) TryStartRecording(bindingID string) bool {
	ok := c.Scheduler.TryStartRecording(bindingID)
	if ok {
		c.preview.Arm()
		c.metrics.RecordRecordingStarted()
	}
	return ok
}

func (c *previewController) TryStopRecording(bindingID, modelID string) bool {
	ok := c.Scheduler.TryStopRecording(bindingID, modelID)
	if !ok {
		c.metrics.RecordStopIgnored()
		return false
	}
	c.preview.Finish()
	return true
}

func (c *previewController) TryCancel() bool {
	ok := c.Scheduler.TryCancel()
	if ok {
		c.metrics.RecordRecordingCancelled()
		c.preview.Abort()
	}
	return ok
}

func (c *previewController) Toggle(bindingID, modelID string) bool {
	wasRecording := c.Scheduler.State() == scheduler.StateRecording
	if wasRecording {
		return c.TryStopRecording(bindingID, modelID)
	}
	return c.TryStartRecording(bindingID)
}

// lazyAudio opens the capture stream for the duration of each
// recording when the always-on stream is disabled.
type lazyAudio struct {
	rec *audio.Recorder
}

func (l *lazyAudio) Start(bindingID string) error {
	if err := l.rec.OpenStream(); err != nil {
		return err
	}
	if err := l.rec.Start(bindingID); err != nil {
		l.rec.CloseStream()
		return err
	}
	return nil
}

func (l *lazyAudio) Stop(bindingID string) ([]float32, error) {
	samples, err := l.rec.Stop(bindingID)
	if closeErr := l.rec.CloseStream(); closeErr != nil && err == nil {
		err = closeErr
	}
	return samples, err
}

func (l *lazyAudio) Cancel() {
	l.rec.Cancel()
	l.rec.CloseStream()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
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

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
