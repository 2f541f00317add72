package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the dictation engine
type Metrics struct {
	// Recording metrics
	RecordingsStarted   prometheus.Counter
	RecordingsCancelled prometheus.Counter
	RecordingsIgnored   prometheus.Counter
	RecordingDuration   prometheus.Histogram
	FramesDropped       prometheus.Counter

	// VAD metrics
	VADFramesProcessed prometheus.Counter
	VADVoiceDetected   prometheus.Counter
	VADFallbacks       prometheus.Counter

	// Segmentation metrics
	SegmentsEmitted prometheus.Counter
	SegmentDuration prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionResults   *prometheus.CounterVec
	ModelLoads             prometheus.Counter
	ModelLoadDuration      prometheus.Histogram
	ModelUnloads           prometheus.Counter

	// Scheduler metrics
	PendingJobs     prometheus.Gauge
	ResultsReleased prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Recording metrics
		RecordingsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_recordings_started_total",
			Help: "Total number of recordings started",
		}),
		RecordingsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_recordings_cancelled_total",
			Help: "Total number of recordings cancelled",
		}),
		RecordingsIgnored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_recording_stops_ignored_total",
			Help: "Total number of stale stop requests ignored",
		}),
		RecordingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_recording_duration_seconds",
			Help:    "Duration of completed recordings",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 9), // 0.5s to ~2 minutes
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_frames_dropped_total",
			Help: "Total number of frames evicted from the bounded buffer",
		}),

		// VAD metrics
		VADFramesProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_vad_frames_processed_total",
			Help: "Total number of frames classified by the voice gate",
		}),
		VADVoiceDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_vad_voice_detected_total",
			Help: "Total number of frames classified as speech",
		}),
		VADFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_vad_fallbacks_total",
			Help: "Total number of frames classified by the RMS fallback",
		}),

		// Segmentation metrics
		SegmentsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_segments_emitted_total",
			Help: "Total number of utterance segments emitted",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_segment_duration_seconds",
			Help:    "Duration of emitted utterance segments",
			Buckets: prometheus.LinearBuckets(1, 1, 8), // 1s to 8s
		}),

		// Transcription metrics
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_transcription_requests_total",
			Help: "Total number of transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_transcription_duration_seconds",
			Help:    "Wall clock duration of transcriptions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 11), // 100ms to ~2 minutes
		}),
		TranscriptionResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_transcription_results_total",
			Help: "Transcription results by status",
		}, []string{"status"}),
		ModelLoads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_model_loads_total",
			Help: "Total number of model loads",
		}),
		ModelLoadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_model_load_duration_seconds",
			Help:    "Duration of model loads",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),
		ModelUnloads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_model_unloads_total",
			Help: "Total number of model unloads",
		}),

		// Scheduler metrics
		PendingJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dictation_pending_jobs",
			Help: "Current number of jobs awaiting release",
		}),
		ResultsReleased: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dictation_results_released_total",
			Help: "Total number of results released in FIFO order",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dictation_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordRecordingStarted increments the recordings started counter
func (m *Metrics) RecordRecordingStarted() {
	m.RecordingsStarted.Inc()
}

// RecordRecordingCancelled increments the recordings cancelled counter
func (m *Metrics) RecordRecordingCancelled() {
	m.RecordingsCancelled.Inc()
}

// RecordStopIgnored increments the stale-stop counter
func (m *Metrics) RecordStopIgnored() {
	m.RecordingsIgnored.Inc()
}

// RecordRecordingStopped records a completed recording's duration
func (m *Metrics) RecordRecordingStopped(durationSeconds float64) {
	m.RecordingDuration.Observe(durationSeconds)
}

// RecordFramesDropped adds to the dropped-frames counter
func (m *Metrics) RecordFramesDropped(count int) {
	m.FramesDropped.Add(float64(count))
}

// RecordVADFrame increments VAD frames processed and optionally voice detected
func (m *Metrics) RecordVADFrame(hasVoice, fallback bool) {
	m.VADFramesProcessed.Inc()
	if hasVoice {
		m.VADVoiceDetected.Inc()
	}
	if fallback {
		m.VADFallbacks.Inc()
	}
}

// RecordSegmentEmitted records an emitted utterance segment
func (m *Metrics) RecordSegmentEmitted(durationSeconds float64) {
	m.SegmentsEmitted.Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordTranscription records one transcription outcome
func (m *Metrics) RecordTranscription(status string, durationSeconds float64) {
	m.TranscriptionRequests.Inc()
	m.TranscriptionResults.WithLabelValues(status).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordModelLoad records a model load and its duration
func (m *Metrics) RecordModelLoad(durationSeconds float64) {
	m.ModelLoads.Inc()
	m.ModelLoadDuration.Observe(durationSeconds)
}

// RecordModelUnload increments the unload counter
func (m *Metrics) RecordModelUnload() {
	m.ModelUnloads.Inc()
}

// SetPendingJobs sets the pending jobs gauge
func (m *Metrics) SetPendingJobs(count int) {
	m.PendingJobs.Set(float64(count))
}

// RecordResultReleased increments the released results counter
func (m *Metrics) RecordResultReleased() {
	m.ResultsReleased.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
