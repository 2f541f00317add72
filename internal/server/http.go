package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/afeding/whisper-cheap/internal/asr"
	"github.com/afeding/whisper-cheap/internal/audio"
	"github.com/afeding/whisper-cheap/internal/config"
	"github.com/afeding/whisper-cheap/internal/history"
	"github.com/afeding/whisper-cheap/internal/metrics"
	"github.com/afeding/whisper-cheap/internal/scheduler"
)

// httpBindingID marks recordings started through the HTTP API so a
// stale hotkey release cannot stop them.
const httpBindingID = "http"

// Controller is the slice of the scheduler the HTTP API drives.
type Controller interface {
	TryStartRecording(bindingID string) bool
	TryStopRecording(bindingID, modelID string) bool
	TryCancel() bool
	Toggle(bindingID, modelID string) bool
	GetStats() scheduler.SchedulerStats
}

// EngineMonitor exposes transcription engine state.
type EngineMonitor interface {
	GetStats() asr.EngineStats
}

// RecorderMonitor exposes capture state.
type RecorderMonitor interface {
	GetStats() audio.RecorderStats
}

// ModelCatalog lists known models and their download state.
type ModelCatalog interface {
	List() []string
	IsDownloaded(modelID string) bool
}

// HTTPServer provides HTTP API endpoints for control and monitoring
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	controller Controller
	engine     EngineMonitor
	recorder   RecorderMonitor
	models     ModelCatalog
	history    *history.Store // nil when history is disabled
	metrics    *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	controller Controller, engine EngineMonitor, recorder RecorderMonitor,
	models ModelCatalog, historyStore *history.Store, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		controller: controller,
		engine:     engine,
		recorder:   recorder,
		models:     models,
		history:    historyStore,
		metrics:    m,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Recording control endpoints
	mux.HandleFunc("/recording/start", h.withMetrics("/recording/start", h.handleRecordingStart))
	mux.HandleFunc("/recording/stop", h.withMetrics("/recording/stop", h.handleRecordingStop))
	mux.HandleFunc("/recording/cancel", h.withMetrics("/recording/cancel", h.handleRecordingCancel))
	mux.HandleFunc("/recording/toggle", h.withMetrics("/recording/toggle", h.handleRecordingToggle))

	// Model catalog endpoint
	mux.HandleFunc("/models", h.withMetrics("/models", h.handleModels))

	// History endpoints
	mux.HandleFunc("/history", h.withMetrics("/history", h.handleHistory))
	mux.HandleFunc("/history/", h.withMetrics("/history/{id}", h.handleHistoryDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recorderStats := h.recorder.GetStats()
	engineStats := h.engine.GetStats()
	schedulerStats := h.controller.GetStats()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "whisper-cheap",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"audio": map[string]any{
				"stream_open": recorderStats.StreamOpen,
				"recording":   recorderStats.Recording,
			},
			"engine": map[string]any{
				"model_id": engineStats.ModelID,
				"loaded":   engineStats.Loaded,
				"loading":  engineStats.Loading,
			},
			"scheduler": map[string]any{
				"state":        schedulerStats.State,
				"pending_jobs": schedulerStats.PendingJobs,
			},
		},
	}

	h.writeJSON(w, health)
}

// handleRecordingStart implements the /recording/start endpoint
func (h *HTTPServer) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	started := h.controller.TryStartRecording(httpBindingID)
	if !started {
		http.Error(w, "Recording could not be started", http.StatusConflict)
		return
	}
	h.writeJSON(w, map[string]any{"recording": true})
}

// handleRecordingStop implements the /recording/stop endpoint
func (h *HTTPServer) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stopped := h.controller.TryStopRecording(httpBindingID, h.config.ASR.ModelID)
	if !stopped {
		http.Error(w, "No active recording to stop", http.StatusConflict)
		return
	}
	h.writeJSON(w, map[string]any{"recording": false, "queued": true})
}

// handleRecordingCancel implements the /recording/cancel endpoint
func (h *HTTPServer) handleRecordingCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cancelled := h.controller.TryCancel()
	if !cancelled {
		http.Error(w, "No active recording to cancel", http.StatusConflict)
		return
	}
	h.writeJSON(w, map[string]any{"recording": false, "cancelled": true})
}

// handleRecordingToggle implements the /recording/toggle endpoint
func (h *HTTPServer) handleRecordingToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.controller.Toggle(httpBindingID, h.config.ASR.ModelID) {
		http.Error(w, "Toggle rejected", http.StatusConflict)
		return
	}
	h.writeJSON(w, map[string]any{
		"recording": h.controller.GetStats().State == "recording",
	})
}

// handleModels implements the /models endpoint
func (h *HTTPServer) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type modelInfo struct {
		ID         string `json:"id"`
		Downloaded bool   `json:"downloaded"`
		Active     bool   `json:"active"`
	}

	infos := make([]modelInfo, 0)
	for _, id := range h.models.List() {
		infos = append(infos, modelInfo{
			ID:         id,
			Downloaded: h.models.IsDownloaded(id),
			Active:     id == h.config.ASR.ModelID,
		})
	}

	h.writeJSON(w, map[string]any{
		"models":    infos,
		"timestamp": time.Now().UTC(),
	})
}

// handleHistory implements the /history endpoint
func (h *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "History is disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.history.List(limit)
	if err != nil {
		h.logger.Error("Failed to list history", slog.String("error", err.Error()))
		http.Error(w, "Failed to list history", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]any{
		"total":   len(entries),
		"entries": entries,
	})
}

// handleHistoryDetail implements the /history/{id} endpoint
func (h *HTTPServer) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "History is disabled", http.StatusNotFound)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/history/")
	if id == "" {
		http.Error(w, "Entry ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := h.history.Get(id)
		if err != nil {
			http.Error(w, "Entry not found", http.StatusNotFound)
			return
		}
		h.writeJSON(w, entry)
	case http.MethodDelete:
		if err := h.history.Delete(id); err != nil {
			http.Error(w, "Entry not found", http.StatusNotFound)
			return
		}
		h.writeJSON(w, map[string]any{"deleted": id})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitized := map[string]any{
		"audio": map[string]any{
			"sample_rate":           h.config.Audio.SampleRate,
			"channels":              h.config.Audio.Channels,
			"frame_size":            h.config.Audio.FrameSize,
			"device_id":             h.config.Audio.DeviceID,
			"max_recording_seconds": h.config.Audio.MaxRecordingSeconds,
			"use_vad":               h.config.Audio.UseVAD,
		},
		"segmenter": map[string]any{
			"min_chunk_duration":   h.config.Segmenter.MinChunkDuration,
			"max_chunk_duration":   h.config.Segmenter.MaxChunkDuration,
			"silence_threshold_ms": h.config.Segmenter.SilenceThresholdMs,
		},
		"asr": map[string]any{
			"model_id":           h.config.ASR.ModelID,
			"provider":           h.config.ASR.Provider,
			"transcribe_timeout": h.config.ASR.TranscribeTimeout,
			"chunk_threshold":    h.config.ASR.ChunkThreshold,
			"chunk_overlap":      h.config.ASR.ChunkOverlap,
		},
		"scheduler": map[string]any{
			"debounce_ms":    h.config.Scheduler.DebounceMs,
			"queue_capacity": h.config.Scheduler.QueueCapacity,
		},
		"postprocess": map[string]any{
			"enabled": h.config.Postprocess.Enabled,
			"model":   h.config.Postprocess.Model,
			// Note: API key is intentionally omitted for security
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, sanitized)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"audio":     h.recorder.GetStats(),
		"engine":    h.engine.GetStats(),
		"scheduler": h.controller.GetStats(),
	}

	if h.history != nil {
		if n, err := h.history.Count(); err == nil {
			stats["history"] = map[string]any{"entries": n}
		}
	}

	h.writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]any{
		"service": "whisper-cheap dictation engine",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"POST /recording/start":     "Start a recording",
			"POST /recording/stop":      "Stop and transcribe the recording",
			"POST /recording/cancel":    "Discard the recording",
			"POST /recording/toggle":    "Flip recording on/off",
			"GET /models":               "List known models",
			"GET /history":              "List transcription history",
			"GET /history/{id}":         "Get one history entry",
			"DELETE /history/{id}":      "Delete one history entry",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, apiDoc)
}
